// Package notify delivers best-effort "new events" wakeups to idle subscribers.
//
// A wakeup carries no data: the receiver always re-reads the store. Lost or
// coalesced wakeups only delay a reader, they never lose events.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/tailstream/stream"
)

// signalBufferSize is one: pending wakeups for the same listener coalesce.
const signalBufferSize = 1

// subscription represents a single listener on one stream.
type subscription struct {
	id     uint64
	stream stream.StreamID
	ch     chan struct{}
	closed atomic.Bool
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub implements stream.Notifier inside one process.
// It is also the local fan-out used by the NATS and Postgres notifiers.
type Hub struct {
	mu      sync.RWMutex
	streams map[stream.StreamID]map[uint64]*subscription
	nextID  atomic.Uint64
}

var _ stream.Notifier = (*Hub)(nil)

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		streams: make(map[stream.StreamID]map[uint64]*subscription),
	}
}

// Publish wakes every listener of id (non-blocking).
func (h *Hub) Publish(id stream.StreamID) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.streams[id] {
		wake(sub)
	}
}

// PublishAll wakes every listener of every stream. Used after a transport
// reconnect, when wakeups may have been missed.
func (h *Hub) PublishAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, subs := range h.streams {
		for _, sub := range subs {
			wake(sub)
		}
	}
}

func wake(sub *subscription) {
	// Non-blocking send: a pending wakeup already covers this one
	select {
	case sub.ch <- struct{}{}:
	default:
	}
}

// Listen registers interest in id and returns the wakeup channel and an
// idempotent cancel function. The channel is closed by cancel.
func (h *Hub) Listen(id stream.StreamID) (<-chan struct{}, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		stream: id,
		ch:     make(chan struct{}, signalBufferSize),
	}

	h.mu.Lock()
	subs, ok := h.streams[id]
	if !ok {
		subs = make(map[uint64]*subscription)
		h.streams[id] = subs
	}
	subs[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub)
	}

	return sub.ch, cancel
}

// Listeners returns the number of listeners on id.
func (h *Hub) Listeners(id stream.StreamID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[id])
}

// Close cancels every listener.
func (h *Hub) Close() error {
	h.mu.Lock()
	all := h.streams
	h.streams = make(map[stream.StreamID]map[uint64]*subscription)
	h.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			sub.close()
		}
	}
	return nil
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(sub *subscription) {
	h.mu.Lock()
	subs, ok := h.streams[sub.stream]
	if ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(h.streams, sub.stream)
		}
	}
	h.mu.Unlock()

	sub.close()
}
