package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// NodePrefix is the leading part of every subscriber identity minted on
// nodeID. Startup purges are scoped to it.
func NodePrefix(nodeID uint64) string {
	return fmt.Sprintf("%016x-", nodeID)
}

// NewSubscriberID mints a subscriber identity unique to this process. The
// node id keeps identities from different nodes sharing a store apart.
func NewSubscriberID(nodeID uint64) SubscriberID {
	return SubscriberID(NodePrefix(nodeID) + uuid.NewString())
}

// interest is a session's registration with the notifier for one stream.
type interest struct {
	signals <-chan struct{}
	cancel  func()
}

// Session binds a subscriber identity to the broker. A subscription lives as
// long as the session that created it; Close removes all of them.
type Session struct {
	broker *Broker
	id     SubscriberID

	mu        sync.Mutex
	interests map[StreamID]*interest
	closed    bool

	// lastActive is unix nanos of the latest call; busy counts calls in
	// flight. Together they decide whether the session is idle.
	lastActive atomic.Int64
	busy       atomic.Int32
	pinned     atomic.Bool
}

func newSession(b *Broker, id SubscriberID) *Session {
	s := &Session{
		broker:    b,
		id:        id,
		interests: make(map[StreamID]*interest),
	}
	s.touch()
	return s
}

func (s *Session) touch() {
	s.lastActive.Store(s.broker.now().UnixNano())
}

// enter marks a call in flight; the returned func ends it.
func (s *Session) enter() func() {
	s.busy.Add(1)
	s.touch()
	return func() {
		s.touch()
		s.busy.Add(-1)
	}
}

// Pin exempts the session from idle reaping.
func (s *Session) Pin() {
	s.pinned.Store(true)
}

// LastActive returns when the session was last used.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// idleSince reports whether the session has had no call in flight and no
// activity after cutoff.
func (s *Session) idleSince(cutoff time.Time) bool {
	return !s.pinned.Load() && s.busy.Load() == 0 && s.lastActive.Load() < cutoff.UnixNano()
}

// ID returns the subscriber identity of the session.
func (s *Session) ID() SubscriberID {
	return s.id
}

// Subscribe joins id with the cursor seeded to the current tail. Notifier
// interest is registered before the cursor is seeded so no wakeup for an
// event after the seed can be missed.
func (s *Session) Subscribe(ctx context.Context, id StreamID) (uint64, error) {
	defer s.enter()()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if _, ok := s.interests[id]; ok {
		return 0, fmt.Errorf("%w: %s on %s", ErrAlreadySubscribed, s.id, id)
	}

	signals, cancel := s.broker.notifier.Listen(id)
	cursor, err := s.broker.Subscribe(ctx, id, s.id)
	if err != nil {
		cancel()
		return 0, err
	}
	s.interests[id] = &interest{signals: signals, cancel: cancel}
	return cursor, nil
}

// Unsubscribe leaves id. Leaving a stream the session never joined is a no-op.
func (s *Session) Unsubscribe(ctx context.Context, id StreamID) error {
	defer s.enter()()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.broker.Unsubscribe(ctx, id, s.id); err != nil {
		return err
	}
	if in, ok := s.interests[id]; ok {
		in.cancel()
		delete(s.interests, id)
	}
	return nil
}

// Read returns the events appended to id since the previous read.
func (s *Session) Read(ctx context.Context, id StreamID) (*Events, error) {
	defer s.enter()()
	return s.broker.Read(ctx, id, s.id)
}

// Wait blocks until id is signalled, timeout elapses or ctx ends. It reports
// whether a signal arrived. A zero timeout waits on ctx alone.
func (s *Session) Wait(ctx context.Context, id StreamID, timeout time.Duration) (bool, error) {
	defer s.enter()()
	s.mu.Lock()
	in, ok := s.interests[id]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s on %s", ErrNotSubscribed, s.id, id)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case _, open := <-in.signals:
		if !open {
			return false, fmt.Errorf("%w: %s on %s", ErrNotSubscribed, s.id, id)
		}
		return true, nil
	case <-timer:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Streams returns the streams the session is subscribed to.
func (s *Session) Streams() []StreamID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]StreamID, 0, len(s.interests))
	for id := range s.interests {
		ids = append(ids, id)
	}
	return ids
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close unsubscribes from every stream the session joined and ends it.
func (s *Session) Close(ctx context.Context) error {
	err := s.close(ctx)
	s.broker.forgetSession(s)
	return err
}

func (s *Session) close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked(ctx)
}

// closeIfIdle closes the session unless it was used after cutoff. The check
// is repeated under the lock so a concurrent Subscribe wins.
func (s *Session) closeIfIdle(ctx context.Context, cutoff time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.idleSince(cutoff) {
		return false, nil
	}
	return true, s.closeLocked(ctx)
}

func (s *Session) closeLocked(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for id, in := range s.interests {
		in.cancel()
		err := s.broker.store.Unsubscribe(ctx, id, s.id)
		if err != nil && !errors.Is(err, ErrStreamNotFound) && firstErr == nil {
			firstErr = fmt.Errorf("failed to unsubscribe %s from %s: %w", s.id, id, err)
		}
		delete(s.interests, id)
	}
	return firstErr
}
