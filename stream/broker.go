package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/maxpert/tailstream/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// BrokerConfig wires a Broker to its collaborators.
type BrokerConfig struct {
	Store    Store
	Notifier Notifier
	Guard    Guard // defaults to a LocalGuard

	// AutoCreate makes Append and Subscribe create missing streams instead of
	// failing with ErrStreamNotFound.
	AutoCreate bool
	// NodeID scopes the identities this broker mints and owns in a shared store.
	NodeID uint64
	// ResetSubscriptions purges the subscriptions a previous process on the
	// same node left behind. Rows of other nodes are kept.
	ResetSubscriptions bool

	Now func() time.Time
}

// Broker implements subscribe, unsubscribe, read and append on top of a Store,
// serialising producers with a Guard and waking consumers through a Notifier.
type Broker struct {
	store      Store
	notifier   Notifier
	guard      Guard
	autoCreate bool
	nodeID     uint64
	now        func() time.Time

	sessions *xsync.MapOf[SubscriberID, *Session]
	closed   atomic.Bool
}

// NewBroker validates the configuration and prepares the store.
func NewBroker(ctx context.Context, config BrokerConfig) (*Broker, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Notifier == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if config.Guard == nil {
		config.Guard = NewLocalGuard()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	b := &Broker{
		store:      config.Store,
		notifier:   config.Notifier,
		guard:      config.Guard,
		autoCreate: config.AutoCreate,
		nodeID:     config.NodeID,
		now:        config.Now,
		sessions:   xsync.NewMapOf[SubscriberID, *Session](),
	}

	if config.ResetSubscriptions {
		prefix := NodePrefix(config.NodeID)
		n, err := b.store.PurgeSubscriptions(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("failed to purge stale subscriptions: %w", err)
		}
		if n > 0 {
			log.Info().
				Int("subscriptions", n).
				Str("prefix", prefix).
				Msg("Purged subscriptions left by previous process")
		}
	}

	return b, nil
}

// NodeID returns the node the broker mints subscriber identities for.
func (b *Broker) NodeID() uint64 {
	return b.nodeID
}

// CreateStream registers a new, empty stream.
func (b *Broker) CreateStream(ctx context.Context, id StreamID) (StreamID, error) {
	if b.closed.Load() {
		return "", ErrClosed
	}
	if err := id.Validate(); err != nil {
		return "", err
	}
	if err := b.store.CreateStream(ctx, id, b.now()); err != nil {
		return "", err
	}
	log.Info().Str("stream", id.String()).Msg("Created stream")
	return id, nil
}

// DropStream removes a stream with its log and every subscription to it.
func (b *Broker) DropStream(ctx context.Context, id StreamID) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := id.Validate(); err != nil {
		return err
	}
	unlock, err := b.guard.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := b.store.DropStream(ctx, id); err != nil {
		return err
	}
	// Wake consumers so their next read observes ErrStreamNotFound.
	b.notifier.Publish(id)
	log.Info().Str("stream", id.String()).Msg("Dropped stream")
	return nil
}

// ListStreams returns every stream name in ascending order.
func (b *Broker) ListStreams(ctx context.Context) ([]StreamID, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	ids, err := b.store.ListStreams(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Describe returns the bookkeeping state of a stream.
func (b *Broker) Describe(ctx context.Context, id StreamID) (StreamInfo, error) {
	if b.closed.Load() {
		return StreamInfo{}, ErrClosed
	}
	if err := id.Validate(); err != nil {
		return StreamInfo{}, err
	}
	return b.store.Describe(ctx, id)
}

// StreamStats summarises every stream for the metrics collector.
func (b *Broker) StreamStats(ctx context.Context) ([]telemetry.StreamStats, error) {
	ids, err := b.ListStreams(ctx)
	if err != nil {
		return nil, err
	}
	stats := make([]telemetry.StreamStats, 0, len(ids))
	for _, id := range ids {
		info, err := b.store.Describe(ctx, id)
		if errors.Is(err, ErrStreamNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		st := telemetry.StreamStats{
			Name:          id.String(),
			Tail:          info.Tail,
			Retained:      info.Retained(),
			Subscriptions: len(info.Subscriptions),
		}
		for i, sub := range info.Subscriptions {
			if i == 0 || sub.Cursor < st.MinCursor {
				st.MinCursor = sub.Cursor
			}
		}
		stats = append(stats, st)
	}
	return stats, nil
}

// Append adds one event and returns its sequence number.
func (b *Broker) Append(ctx context.Context, id StreamID, payload []byte) (uint64, error) {
	seqs, err := b.AppendBatch(ctx, id, payload)
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendBatch adds payloads as contiguous sequence numbers in one commit.
// The ordering guard is held until the commit finishes, after which the
// notifier is signalled once.
func (b *Broker) AppendBatch(ctx context.Context, id StreamID, payloads ...[]byte) ([]uint64, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("no payloads to append")
	}

	start := time.Now()
	seqs, err := b.appendLocked(ctx, id, payloads)
	if errors.Is(err, ErrStreamNotFound) && b.autoCreate {
		if _, cerr := b.CreateStream(ctx, id); cerr != nil && !errors.Is(cerr, ErrStreamExists) {
			return nil, cerr
		}
		seqs, err = b.appendLocked(ctx, id, payloads)
	}
	if err != nil {
		telemetry.AppendsTotal.With(resultLabel(err)).Inc()
		return nil, err
	}

	telemetry.AppendsTotal.With("success").Add(float64(len(seqs)))
	telemetry.AppendDurationSeconds.Observe(time.Since(start).Seconds())

	b.notifier.Publish(id)
	telemetry.NotifierPublishesTotal.Inc()

	log.Debug().
		Str("stream", id.String()).
		Uint64("first_seq", seqs[0]).
		Int("count", len(seqs)).
		Msg("Appended events")
	return seqs, nil
}

func (b *Broker) appendLocked(ctx context.Context, id StreamID, payloads [][]byte) ([]uint64, error) {
	waitStart := time.Now()
	unlock, err := b.guard.Lock(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire ordering guard for %s: %w", id, err)
	}
	defer unlock()
	telemetry.GuardWaitSeconds.Observe(time.Since(waitStart).Seconds())

	now := b.now()
	recs := make([]Record, len(payloads))
	for i, p := range payloads {
		recs[i] = Record{Payload: p, Time: now}
	}
	return b.store.AppendBatch(ctx, id, recs)
}

// Subscribe registers sub on id with its cursor seeded to the current tail
// and returns that cursor. Notifier interest is managed by Session.
func (b *Broker) Subscribe(ctx context.Context, id StreamID, sub SubscriberID) (uint64, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	if err := id.Validate(); err != nil {
		return 0, err
	}
	if err := sub.Validate(); err != nil {
		return 0, err
	}

	cursor, err := b.store.Subscribe(ctx, id, sub)
	if errors.Is(err, ErrStreamNotFound) && b.autoCreate {
		if _, cerr := b.CreateStream(ctx, id); cerr != nil && !errors.Is(cerr, ErrStreamExists) {
			return 0, cerr
		}
		cursor, err = b.store.Subscribe(ctx, id, sub)
	}
	telemetry.SubscribeTotal.With(resultLabel(err)).Inc()
	if err != nil {
		return 0, err
	}

	log.Debug().
		Str("stream", id.String()).
		Str("subscriber", sub.String()).
		Uint64("cursor", cursor).
		Msg("Subscribed")
	return cursor, nil
}

// Unsubscribe removes the subscription of sub on id. Removing a missing
// subscription is not an error.
func (b *Broker) Unsubscribe(ctx context.Context, id StreamID, sub SubscriberID) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := id.Validate(); err != nil {
		return err
	}
	if err := sub.Validate(); err != nil {
		return err
	}
	err := b.store.Unsubscribe(ctx, id, sub)
	if errors.Is(err, ErrStreamNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Debug().Str("stream", id.String()).Str("subscriber", sub.String()).Msg("Unsubscribed")
	return nil
}

// Read delivers every event committed since sub's last read, advances its
// cursor and trims what no other subscriber still needs.
func (b *Broker) Read(ctx context.Context, id StreamID, sub SubscriberID) (*Events, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	res, err := b.store.Consume(ctx, id, sub)
	if err != nil {
		telemetry.ReadsTotal.With(resultLabel(err)).Inc()
		return nil, err
	}

	if res.High <= res.Low {
		telemetry.ReadsTotal.With("empty").Inc()
		return res.Events, nil
	}

	telemetry.ReadsTotal.With("success").Inc()
	telemetry.EventsDeliveredTotal.Add(float64(res.High - res.Low))
	if res.TrimmedThrough > 0 {
		telemetry.TrimsTotal.With("read").Inc()
	}

	log.Debug().
		Str("stream", id.String()).
		Str("subscriber", sub.String()).
		Uint64("low", res.Low).
		Uint64("high", res.High).
		Uint64("trimmed_through", res.TrimmedThrough).
		Msg("Read events")
	return res.Events, nil
}

// Session returns the live session of sub, creating it on first use.
func (b *Broker) Session(sub SubscriberID) (*Session, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	for {
		s, loaded := b.sessions.LoadOrCompute(sub, func() *Session {
			return newSession(b, sub)
		})
		if !loaded {
			telemetry.SessionsActive.Inc()
		}
		if !s.isClosed() {
			s.touch()
			return s, nil
		}
		// Closed but not yet forgotten.
		b.forgetSession(s)
	}
}

// Sessions returns the ids of every live session.
func (b *Broker) Sessions() []SubscriberID {
	ids := make([]SubscriberID, 0, b.sessions.Size())
	b.sessions.Range(func(id SubscriberID, _ *Session) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

func (b *Broker) forgetSession(s *Session) {
	removed := false
	b.sessions.Compute(s.id, func(cur *Session, loaded bool) (*Session, bool) {
		if loaded && cur == s {
			removed = true
			return nil, true
		}
		return cur, !loaded
	})
	if removed {
		telemetry.SessionsActive.Dec()
	}
}

// ReapIdleSessions closes every unpinned session with no call in flight and
// no activity for idle, removing its subscriptions so they stop holding back
// trimming. It returns how many sessions were closed.
func (b *Broker) ReapIdleSessions(ctx context.Context, idle time.Duration) int {
	if idle <= 0 || b.closed.Load() {
		return 0
	}
	cutoff := b.now().Add(-idle)

	var idleSessions []*Session
	b.sessions.Range(func(_ SubscriberID, s *Session) bool {
		if s.idleSince(cutoff) {
			idleSessions = append(idleSessions, s)
		}
		return true
	})

	reaped := 0
	for _, s := range idleSessions {
		closed, err := s.closeIfIdle(ctx, cutoff)
		if !closed {
			continue
		}
		b.forgetSession(s)
		reaped++
		telemetry.SessionsReapedTotal.Inc()
		if err != nil {
			log.Warn().Err(err).Str("subscriber", s.id.String()).Msg("Failed to clean up idle session")
			continue
		}
		log.Info().
			Str("subscriber", s.id.String()).
			Time("last_active", s.LastActive()).
			Msg("Closed idle session")
	}
	return reaped
}

// Sweep trims one stream to the minimum cursor across all its subscriptions.
func (b *Broker) Sweep(ctx context.Context, id StreamID) (uint64, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	bound, err := b.store.Sweep(ctx, id)
	if err != nil {
		return 0, err
	}
	if bound > 0 {
		telemetry.TrimsTotal.With("sweep").Inc()
	}
	return bound, nil
}

// Close ends every live session and closes the store.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.sessions.Range(func(_ SubscriberID, s *Session) bool {
		if err := s.close(ctx); err != nil {
			log.Warn().Err(err).Str("subscriber", s.id.String()).Msg("Failed to close session")
		}
		return true
	})

	return b.store.Close()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrStreamNotFound):
		return "stream_not_found"
	case errors.Is(err, ErrNotSubscribed):
		return "not_subscribed"
	case errors.Is(err, ErrAlreadySubscribed):
		return "already_subscribed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
