// Package streamtest holds the behaviour every stream.Store must exhibit,
// exercised through a Broker so backends are tested the way they are used.
package streamtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/tailstream/notify"
	"github.com/maxpert/tailstream/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory opens a fresh, empty store for one test. The suite closes it.
type Factory func(t *testing.T) stream.Store

// Run executes the full suite against stores produced by factory.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, h *harness)
	}{
		{"SubscribeAppendRead", testSubscribeAppendRead},
		{"TwoSubscriberRetention", testTwoSubscriberRetention},
		{"DuplicateSubscribe", testDuplicateSubscribe},
		{"ReadWithoutSubscribe", testReadWithoutSubscribe},
		{"UnsubscribeIdempotent", testUnsubscribeIdempotent},
		{"EmptyReadDoesNotMutate", testEmptyReadDoesNotMutate},
		{"NoBacklogReplay", testNoBacklogReplay},
		{"ReadsConcatenateToAppends", testReadsConcatenateToAppends},
		{"ConcurrentAppendsGapFree", testConcurrentAppendsGapFree},
		{"TrimNeverPassesLiveCursor", testTrimNeverPassesLiveCursor},
		{"UnsubscribeReleasesRetention", testUnsubscribeReleasesRetention},
		{"IteratorOutlivesTrim", testIteratorOutlivesTrim},
		{"StreamNotFound", testStreamNotFound},
		{"StreamLifecycle", testStreamLifecycle},
		{"AppendBatchContiguous", testAppendBatchContiguous},
		{"PayloadRoundTrip", testPayloadRoundTrip},
		{"Sweep", testSweep},
		{"PurgeSubscriptions", testPurgeSubscriptions},
		{"SessionWaitAndClose", testSessionWaitAndClose},
		{"IsolatedStreams", testIsolatedStreams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newHarness(t, factory))
		})
	}
}

type harness struct {
	ctx    context.Context
	store  stream.Store
	hub    *notify.Hub
	broker *stream.Broker
}

func newHarness(t *testing.T, factory Factory) *harness {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	st := factory(t)
	hub := notify.NewHub()
	b, err := stream.NewBroker(ctx, stream.BrokerConfig{
		Store:    st,
		Notifier: hub,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = b.Close()
		_ = hub.Close()
	})

	return &harness{ctx: ctx, store: st, hub: hub, broker: b}
}

func (h *harness) create(t *testing.T, id stream.StreamID) {
	t.Helper()
	_, err := h.broker.CreateStream(h.ctx, id)
	require.NoError(t, err)
}

func (h *harness) subscribe(t *testing.T, id stream.StreamID, sub stream.SubscriberID) uint64 {
	t.Helper()
	cursor, err := h.broker.Subscribe(h.ctx, id, sub)
	require.NoError(t, err)
	return cursor
}

func (h *harness) append(t *testing.T, id stream.StreamID, payload string) uint64 {
	t.Helper()
	seq, err := h.broker.Append(h.ctx, id, []byte(payload))
	require.NoError(t, err)
	return seq
}

// read drains one Read into payload strings and their sequence numbers.
func (h *harness) read(t *testing.T, id stream.StreamID, sub stream.SubscriberID) ([]string, []uint64) {
	t.Helper()
	events, err := h.broker.Read(h.ctx, id, sub)
	require.NoError(t, err)
	evs, err := stream.Collect(events)
	require.NoError(t, err)

	payloads := make([]string, 0, len(evs))
	seqs := make([]uint64, 0, len(evs))
	for _, ev := range evs {
		assert.Equal(t, id, ev.Stream)
		payloads = append(payloads, string(ev.Payload))
		seqs = append(seqs, ev.Sequence)
	}
	return payloads, seqs
}

func (h *harness) describe(t *testing.T, id stream.StreamID) stream.StreamInfo {
	t.Helper()
	info, err := h.broker.Describe(h.ctx, id)
	require.NoError(t, err)
	return info
}

func cursorOf(info stream.StreamInfo, sub stream.SubscriberID) (uint64, bool) {
	for _, s := range info.Subscriptions {
		if s.Subscriber == sub {
			return s.Cursor, true
		}
	}
	return 0, false
}

func testSubscribeAppendRead(t *testing.T, h *harness) {
	h.create(t, "orders")

	assert.Equal(t, uint64(0), h.subscribe(t, "orders", "A"))
	assert.Equal(t, uint64(1), h.append(t, "orders", "x"))

	payloads, seqs := h.read(t, "orders", "A")
	assert.Equal(t, []string{"x"}, payloads)
	assert.Equal(t, []uint64{1}, seqs)

	cursor, ok := cursorOf(h.describe(t, "orders"), "A")
	require.True(t, ok)
	assert.Equal(t, uint64(1), cursor)
}

func testTwoSubscriberRetention(t *testing.T, h *harness) {
	h.create(t, "orders")
	h.subscribe(t, "orders", "A")
	h.subscribe(t, "orders", "B")

	assert.Equal(t, uint64(1), h.append(t, "orders", "e1"))
	assert.Equal(t, uint64(2), h.append(t, "orders", "e2"))

	payloads, _ := h.read(t, "orders", "A")
	assert.Equal(t, []string{"e1", "e2"}, payloads)

	info := h.describe(t, "orders")
	assert.Equal(t, uint64(0), info.TrimmedThrough, "B still needs e1 and e2")
	assert.Equal(t, uint64(2), info.Retained())

	payloads, _ = h.read(t, "orders", "B")
	assert.Equal(t, []string{"e1", "e2"}, payloads)

	info = h.describe(t, "orders")
	assert.Equal(t, uint64(2), info.TrimmedThrough)
	assert.Equal(t, uint64(0), info.Retained())
	a, _ := cursorOf(info, "A")
	b, _ := cursorOf(info, "B")
	assert.Equal(t, uint64(2), a)
	assert.Equal(t, uint64(2), b)
}

func testDuplicateSubscribe(t *testing.T, h *harness) {
	h.create(t, "orders")
	h.subscribe(t, "orders", "A")
	h.append(t, "orders", "e1")

	_, err := h.broker.Subscribe(h.ctx, "orders", "A")
	assert.ErrorIs(t, err, stream.ErrAlreadySubscribed)

	// The failed attempt must not reset the cursor
	payloads, _ := h.read(t, "orders", "A")
	assert.Equal(t, []string{"e1"}, payloads)
}

func testReadWithoutSubscribe(t *testing.T, h *harness) {
	h.create(t, "orders")
	h.append(t, "orders", "e1")

	_, err := h.broker.Read(h.ctx, "orders", "A")
	assert.ErrorIs(t, err, stream.ErrNotSubscribed)
}

func testUnsubscribeIdempotent(t *testing.T, h *harness) {
	h.create(t, "orders")
	h.subscribe(t, "orders", "A")

	require.NoError(t, h.broker.Unsubscribe(h.ctx, "orders", "A"))
	require.NoError(t, h.broker.Unsubscribe(h.ctx, "orders", "A"))
	require.NoError(t, h.broker.Unsubscribe(h.ctx, "orders", "never"))

	_, err := h.broker.Read(h.ctx, "orders", "A")
	assert.ErrorIs(t, err, stream.ErrNotSubscribed)

	// A fresh subscription after unsubscribe starts at the tail again
	h.append(t, "orders", "e1")
	assert.Equal(t, uint64(1), h.subscribe(t, "orders", "A"))
}

func testEmptyReadDoesNotMutate(t *testing.T, h *harness) {
	h.create(t, "orders")
	h.subscribe(t, "orders", "A")
	h.subscribe(t, "orders", "B")

	before := h.describe(t, "orders")
	payloads, _ := h.read(t, "orders", "A")
	assert.Empty(t, payloads)
	after := h.describe(t, "orders")

	assert.Equal(t, before.Tail, after.Tail)
	assert.Equal(t, before.TrimmedThrough, after.TrimmedThrough)
	assert.ElementsMatch(t, before.Subscriptions, after.Subscriptions)

	// Nothing new since the last read: still empty, still no mutation
	h.append(t, "orders", "e1")
	h.read(t, "orders", "A")
	mid := h.describe(t, "orders")
	payloads, _ = h.read(t, "orders", "A")
	assert.Empty(t, payloads)
	assert.Equal(t, mid.TrimmedThrough, h.describe(t, "orders").TrimmedThrough)
}

func testNoBacklogReplay(t *testing.T, h *harness) {
	h.create(t, "orders")
	for i := 1; i <= 3; i++ {
		h.append(t, "orders", fmt.Sprintf("old-%d", i))
	}

	assert.Equal(t, uint64(3), h.subscribe(t, "orders", "A"))
	payloads, _ := h.read(t, "orders", "A")
	assert.Empty(t, payloads)

	assert.Equal(t, uint64(4), h.append(t, "orders", "new"))
	payloads, seqs := h.read(t, "orders", "A")
	assert.Equal(t, []string{"new"}, payloads)
	assert.Equal(t, []uint64{4}, seqs)
}

func testReadsConcatenateToAppends(t *testing.T, h *harness) {
	h.create(t, "orders")
	h.subscribe(t, "orders", "fast")
	h.subscribe(t, "orders", "slow")

	var want, fast, slow []string
	for round := 0; round < 10; round++ {
		for i := 0; i <= round%3; i++ {
			p := fmt.Sprintf("r%d-%d", round, i)
			h.append(t, "orders", p)
			want = append(want, p)
		}
		got, _ := h.read(t, "orders", "fast")
		fast = append(fast, got...)
		if round%4 == 3 {
			got, _ = h.read(t, "orders", "slow")
			slow = append(slow, got...)
		}
	}
	got, _ := h.read(t, "orders", "slow")
	slow = append(slow, got...)

	assert.Equal(t, want, fast)
	assert.Equal(t, want, slow)
}

func testConcurrentAppendsGapFree(t *testing.T, h *harness) {
	const producers = 8
	const perProducer = 25

	h.create(t, "orders")
	h.subscribe(t, "orders", "A")

	var wg sync.WaitGroup
	seqCh := make(chan uint64, producers*perProducer)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				seq, err := h.broker.Append(h.ctx, "orders", []byte(fmt.Sprintf("p%d-%d", p, i)))
				if err != nil {
					t.Errorf("append failed: %v", err)
					return
				}
				seqCh <- seq
			}
		}(p)
	}

	// Read concurrently with the producers; every read must continue exactly
	// where the previous one stopped.
	var delivered []uint64
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		case <-time.After(time.Millisecond):
		}
		_, seqs := h.read(t, "orders", "A")
		delivered = append(delivered, seqs...)
	}
	close(seqCh)

	var assigned []uint64
	for seq := range seqCh {
		assigned = append(assigned, seq)
	}
	sort.Slice(assigned, func(i, j int) bool { return assigned[i] < assigned[j] })

	require.Len(t, delivered, producers*perProducer)
	for i, seq := range delivered {
		assert.Equal(t, uint64(i+1), seq, "delivered sequence at %d", i)
		assert.Equal(t, uint64(i+1), assigned[i], "assigned sequence at %d", i)
	}
}

func testTrimNeverPassesLiveCursor(t *testing.T, h *harness) {
	h.create(t, "orders")
	subs := []stream.SubscriberID{"A", "B", "C"}
	for _, s := range subs {
		h.subscribe(t, "orders", s)
	}

	received := make(map[stream.SubscriberID][]uint64)
	for round := 0; round < 12; round++ {
		h.append(t, "orders", fmt.Sprintf("e%d", round))
		// Each subscriber reads at its own pace
		for i, s := range subs {
			if round%(i+1) != 0 {
				continue
			}
			_, seqs := h.read(t, "orders", s)
			received[s] = append(received[s], seqs...)
		}

		info := h.describe(t, "orders")
		for _, sub := range info.Subscriptions {
			assert.LessOrEqual(t, info.TrimmedThrough, sub.Cursor,
				"trimmed past the cursor of %s", sub.Subscriber)
		}
	}

	for _, s := range subs {
		_, seqs := h.read(t, "orders", s)
		received[s] = append(received[s], seqs...)
		require.Len(t, received[s], 12, "subscriber %s", s)
		for i, seq := range received[s] {
			assert.Equal(t, uint64(i+1), seq)
		}
	}
}

func testUnsubscribeReleasesRetention(t *testing.T, h *harness) {
	h.create(t, "orders")
	h.subscribe(t, "orders", "A")
	h.subscribe(t, "orders", "B")

	h.append(t, "orders", "e1")
	h.append(t, "orders", "e2")
	h.read(t, "orders", "A")
	assert.Equal(t, uint64(0), h.describe(t, "orders").TrimmedThrough)

	// Trimming is lazy: unsubscribe alone deletes nothing
	require.NoError(t, h.broker.Unsubscribe(h.ctx, "orders", "B"))
	assert.Equal(t, uint64(0), h.describe(t, "orders").TrimmedThrough)

	h.append(t, "orders", "e3")
	payloads, _ := h.read(t, "orders", "A")
	assert.Equal(t, []string{"e3"}, payloads)

	info := h.describe(t, "orders")
	assert.Equal(t, uint64(3), info.TrimmedThrough)
	assert.Equal(t, uint64(0), info.Retained())
}

func testIteratorOutlivesTrim(t *testing.T, h *harness) {
	h.create(t, "orders")
	h.subscribe(t, "orders", "A")
	for i := 1; i <= 5; i++ {
		h.append(t, "orders", fmt.Sprintf("e%d", i))
	}

	// A is the only subscriber, so its read trims everything it returns
	events, err := h.broker.Read(h.ctx, "orders", "A")
	require.NoError(t, err)
	defer events.Close()

	info := h.describe(t, "orders")
	assert.Equal(t, uint64(5), info.TrimmedThrough)

	var got []string
	for events.Next() {
		got = append(got, string(events.Event().Payload))
	}
	require.NoError(t, events.Err())
	assert.Equal(t, []string{"e1", "e2", "e3", "e4", "e5"}, got)

	// Single use: exhausted iterators stay exhausted
	assert.False(t, events.Next())
}

func testStreamNotFound(t *testing.T, h *harness) {
	_, err := h.broker.Subscribe(h.ctx, "missing", "A")
	assert.ErrorIs(t, err, stream.ErrStreamNotFound)

	_, err = h.broker.Append(h.ctx, "missing", []byte("x"))
	assert.ErrorIs(t, err, stream.ErrStreamNotFound)

	_, err = h.broker.Read(h.ctx, "missing", "A")
	assert.ErrorIs(t, err, stream.ErrStreamNotFound)

	_, err = h.broker.Describe(h.ctx, "missing")
	assert.ErrorIs(t, err, stream.ErrStreamNotFound)

	assert.ErrorIs(t, h.broker.DropStream(h.ctx, "missing"), stream.ErrStreamNotFound)

	// Unsubscribe stays idempotent even for unknown streams
	assert.NoError(t, h.broker.Unsubscribe(h.ctx, "missing", "A"))
}

func testStreamLifecycle(t *testing.T, h *harness) {
	h.create(t, "b-stream")
	h.create(t, "a-stream")

	_, err := h.broker.CreateStream(h.ctx, "a-stream")
	assert.ErrorIs(t, err, stream.ErrStreamExists)

	_, err = h.broker.CreateStream(h.ctx, "bad/name")
	assert.ErrorIs(t, err, stream.ErrInvalidStreamID)

	ids, err := h.broker.ListStreams(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, []stream.StreamID{"a-stream", "b-stream"}, ids)

	h.subscribe(t, "a-stream", "A")
	h.append(t, "a-stream", "e1")
	require.NoError(t, h.broker.DropStream(h.ctx, "a-stream"))

	_, err = h.broker.Read(h.ctx, "a-stream", "A")
	assert.ErrorIs(t, err, stream.ErrStreamNotFound)

	ids, err = h.broker.ListStreams(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, []stream.StreamID{"b-stream"}, ids)

	// Recreating starts from an empty log with no subscriptions
	h.create(t, "a-stream")
	info := h.describe(t, "a-stream")
	assert.Equal(t, uint64(0), info.Tail)
	assert.Empty(t, info.Subscriptions)
	assert.Equal(t, uint64(1), h.append(t, "a-stream", "fresh"))
}

func testAppendBatchContiguous(t *testing.T, h *harness) {
	h.create(t, "orders")
	h.subscribe(t, "orders", "A")
	h.append(t, "orders", "first")

	seqs, err := h.broker.AppendBatch(h.ctx, "orders", []byte("b1"), []byte("b2"), []byte("b3"))
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3, 4}, seqs)

	payloads, got := h.read(t, "orders", "A")
	assert.Equal(t, []string{"first", "b1", "b2", "b3"}, payloads)
	assert.Equal(t, []uint64{1, 2, 3, 4}, got)

	_, err = h.broker.AppendBatch(h.ctx, "orders")
	assert.Error(t, err)
}

func testPayloadRoundTrip(t *testing.T, h *harness) {
	h.create(t, "blobs")
	h.subscribe(t, "blobs", "A")

	payloads := [][]byte{
		{},
		{0x00, 0x01, 0xff},
		[]byte(strings.Repeat("compressible ", 2048)),
	}
	for _, p := range payloads {
		_, err := h.broker.Append(h.ctx, "blobs", p)
		require.NoError(t, err)
	}

	events, err := h.broker.Read(h.ctx, "blobs", "A")
	require.NoError(t, err)
	evs, err := stream.Collect(events)
	require.NoError(t, err)
	require.Len(t, evs, len(payloads))
	for i, ev := range evs {
		assert.Equal(t, len(payloads[i]), len(ev.Payload))
		assert.Equal(t, string(payloads[i]), string(ev.Payload))
		assert.False(t, ev.Time.IsZero())
	}
}

func testSweep(t *testing.T, h *harness) {
	h.create(t, "orders")
	h.append(t, "orders", "e1")
	h.append(t, "orders", "e2")

	// No subscribers: everything is trimmable
	bound, err := h.broker.Sweep(h.ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), bound)
	assert.Equal(t, uint64(0), h.describe(t, "orders").Retained())

	// A second pass has nothing left to do
	bound, err = h.broker.Sweep(h.ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), bound)

	h.subscribe(t, "orders", "A")
	h.append(t, "orders", "e3")
	bound, err = h.broker.Sweep(h.ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), bound, "A has not read e3")

	payloads, _ := h.read(t, "orders", "A")
	assert.Equal(t, []string{"e3"}, payloads)

	sw := stream.NewSweeper(h.broker, stream.SweeperConfig{Interval: time.Hour})
	assert.Equal(t, 0, sw.SweepAll(h.ctx))
}

func testPurgeSubscriptions(t *testing.T, h *harness) {
	mine := stream.NodePrefix(1)
	theirs := stream.NodePrefix(2)
	h.create(t, "a")
	h.create(t, "b")
	h.subscribe(t, "a", stream.SubscriberID(mine+"A"))
	h.subscribe(t, "a", stream.SubscriberID(theirs+"A"))
	h.subscribe(t, "b", stream.SubscriberID(mine+"relay-audit"))
	h.subscribe(t, "b", "A")
	h.subscribe(t, "b", "0000000000000001_%")

	n, err := h.store.PurgeSubscriptions(h.ctx, mine)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = h.broker.Read(h.ctx, "a", stream.SubscriberID(mine+"A"))
	assert.ErrorIs(t, err, stream.ErrNotSubscribed)
	_, ok := cursorOf(h.describe(t, "a"), stream.SubscriberID(theirs+"A"))
	assert.True(t, ok, "other node's cursor survives")
	assert.Len(t, h.describe(t, "b").Subscriptions, 2)

	n, err = h.store.PurgeSubscriptions(h.ctx, mine)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = h.store.PurgeSubscriptions(h.ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, h.describe(t, "a").Subscriptions)
	assert.Empty(t, h.describe(t, "b").Subscriptions)
}

func testSessionWaitAndClose(t *testing.T, h *harness) {
	h.create(t, "orders")

	s, err := h.broker.Session("session-1")
	require.NoError(t, err)
	_, err = s.Subscribe(h.ctx, "orders")
	require.NoError(t, err)

	_, err = s.Subscribe(h.ctx, "orders")
	assert.ErrorIs(t, err, stream.ErrAlreadySubscribed)

	ok, err := s.Wait(h.ctx, "orders", 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "no append yet")

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = h.broker.Append(context.Background(), "orders", []byte("wake"))
	}()
	ok, err = s.Wait(h.ctx, "orders", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	events, err := s.Read(h.ctx, "orders")
	require.NoError(t, err)
	evs, err := stream.Collect(events)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "wake", string(evs[0].Payload))

	require.NoError(t, s.Close(h.ctx))
	assert.Empty(t, h.describe(t, "orders").Subscriptions)
	assert.Empty(t, h.broker.Sessions())

	_, err = s.Wait(h.ctx, "orders", time.Millisecond)
	assert.ErrorIs(t, err, stream.ErrNotSubscribed)
}

func testIsolatedStreams(t *testing.T, h *harness) {
	// Prefix-sharing names must not see each other's keys or rows
	h.create(t, "orders")
	h.create(t, "orders.eu")
	h.subscribe(t, "orders", "A")
	h.subscribe(t, "orders.eu", "A")

	h.append(t, "orders", "o1")
	h.append(t, "orders.eu", "eu1")
	h.append(t, "orders.eu", "eu2")

	payloads, seqs := h.read(t, "orders", "A")
	assert.Equal(t, []string{"o1"}, payloads)
	assert.Equal(t, []uint64{1}, seqs)

	payloads, seqs = h.read(t, "orders.eu", "A")
	assert.Equal(t, []string{"eu1", "eu2"}, payloads)
	assert.Equal(t, []uint64{1, 2}, seqs)

	require.NoError(t, h.broker.DropStream(h.ctx, "orders"))
	assert.Equal(t, uint64(2), h.describe(t, "orders.eu").Tail)
}
