package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/tailstream/notify"
	"github.com/maxpert/tailstream/store/pebblestore"
	"github.com/maxpert/tailstream/stream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSink struct {
	mu        sync.Mutex
	events    []mockPublishCall
	failCount atomic.Int32 // Number of times to fail before succeeding
	closed    atomic.Bool
}

type mockPublishCall struct {
	topic string
	key   string
	value []byte
}

func (m *mockSink) Publish(topic, key string, value []byte) error {
	if m.failCount.Load() > 0 {
		m.failCount.Add(-1)
		return fmt.Errorf("mock publish failure")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, mockPublishCall{topic: topic, key: key, value: value})
	return nil
}

func (m *mockSink) Close() error {
	m.closed.Store(true)
	return nil
}

func (m *mockSink) getEvents() []mockPublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]mockPublishCall, len(m.events))
	copy(result, m.events)
	return result
}

func (m *mockSink) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func newTestBroker(t *testing.T) *stream.Broker {
	t.Helper()
	st, err := pebblestore.Open(filepath.Join(t.TempDir(), "streams"), pebblestore.Options{MemTableSize: 4 << 20})
	require.NoError(t, err)
	b, err := stream.NewBroker(context.Background(), stream.BrokerConfig{Store: st, Notifier: notify.NewHub()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func subscribedSession(t *testing.T, b *stream.Broker, id stream.StreamID) *stream.Session {
	t.Helper()
	ctx := context.Background()
	_, err := b.CreateStream(ctx, id)
	require.NoError(t, err)
	s, err := b.Session(SubscriberID(b.NodeID(), "test"))
	require.NoError(t, err)
	_, err = s.Subscribe(ctx, id)
	require.NoError(t, err)
	return s
}

func testWorkerConfig(s *stream.Session, snk Sink) WorkerConfig {
	return WorkerConfig{
		Name:         "test",
		Stream:       "orders",
		Session:      s,
		Sink:         snk,
		Transformer:  RawTransformer{},
		TopicPrefix:  "ts",
		PollInterval: 50 * time.Millisecond,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	}
}

func TestNewWorker_Validation(t *testing.T) {
	b := newTestBroker(t)
	s := subscribedSession(t, b, "orders")
	snk := &mockSink{}

	tests := []struct {
		name   string
		mutate func(*WorkerConfig)
	}{
		{"missing name", func(c *WorkerConfig) { c.Name = "" }},
		{"invalid stream", func(c *WorkerConfig) { c.Stream = "" }},
		{"missing session", func(c *WorkerConfig) { c.Session = nil }},
		{"missing sink", func(c *WorkerConfig) { c.Sink = nil }},
		{"missing transformer", func(c *WorkerConfig) { c.Transformer = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testWorkerConfig(s, snk)
			tt.mutate(&c)
			_, err := NewWorker(c)
			assert.Error(t, err)
		})
	}

	w, err := NewWorker(WorkerConfig{Name: "x", Stream: "orders", Session: s, Sink: snk, Transformer: RawTransformer{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultPollInterval, w.config.PollInterval)
	assert.Equal(t, DefaultMaxRetries, w.config.MaxRetries)
	assert.Equal(t, DefaultRetryMultiplier, w.config.RetryMultiplier)
}

func TestWorker_ForwardsInOrder(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)
	s := subscribedSession(t, b, "orders")
	snk := &mockSink{}

	w, err := NewWorker(testWorkerConfig(s, snk))
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	for i := 0; i < 5; i++ {
		_, err := b.Append(ctx, "orders", []byte(fmt.Sprintf("e%d", i)))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return snk.eventCount() == 5 }, 5*time.Second, 5*time.Millisecond)

	for i, ev := range snk.getEvents() {
		assert.Equal(t, "ts.orders", ev.topic)
		assert.Equal(t, "orders", ev.key)
		assert.Equal(t, fmt.Sprintf("e%d", i), string(ev.value))
	}
}

func TestWorker_RetriesFailedPublish(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)
	s := subscribedSession(t, b, "orders")
	snk := &mockSink{}
	snk.failCount.Store(3)

	w, err := NewWorker(testWorkerConfig(s, snk))
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	_, err = b.Append(ctx, "orders", []byte("x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return snk.eventCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), snk.failCount.Load())
}

func TestWorker_DropsEventAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)
	s := subscribedSession(t, b, "orders")
	snk := &mockSink{}
	snk.failCount.Store(2)

	c := testWorkerConfig(s, snk)
	c.MaxRetries = 2
	w, err := NewWorker(c)
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	_, err = b.Append(ctx, "orders", []byte("lost"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return snk.failCount.Load() == 0 }, 5*time.Second, 5*time.Millisecond)

	_, err = b.Append(ctx, "orders", []byte("kept"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return snk.eventCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "kept", string(snk.getEvents()[0].value))
}

// rejectingSink fails every publish of one payload
type rejectingSink struct {
	mockSink
	reject string
}

func (r *rejectingSink) Publish(topic, key string, value []byte) error {
	if string(value) == r.reject {
		return fmt.Errorf("rejected %s", value)
	}
	return r.mockSink.Publish(topic, key, value)
}

func TestWorker_DropKeepsRestOfBatch(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)
	s := subscribedSession(t, b, "orders")
	snk := &rejectingSink{reject: "poison"}

	c := testWorkerConfig(s, snk)
	c.MaxRetries = 2
	w, err := NewWorker(c)
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	_, err = b.AppendBatch(ctx, "orders", []byte("a"), []byte("poison"), []byte("b"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return snk.eventCount() == 2 }, 5*time.Second, 5*time.Millisecond)
	events := snk.getEvents()
	assert.Equal(t, "a", string(events[0].value))
	assert.Equal(t, "b", string(events[1].value))
}

// logBuffer collects log lines written from several goroutines
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *logBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *logBuffer) entries(t *testing.T, message string) []map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []map[string]interface{}
	for _, line := range bytes.Split(l.buf.Bytes(), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["message"] == message {
			out = append(out, entry)
		}
	}
	return out
}

func TestWorker_StopDuringRetryLogsAbandonedRange(t *testing.T) {
	ctx := context.Background()
	logs := &logBuffer{}
	prev := log.Logger
	log.Logger = zerolog.New(logs)
	defer func() { log.Logger = prev }()

	b := newTestBroker(t)
	s := subscribedSession(t, b, "orders")
	snk := &rejectingSink{reject: "b"}

	c := testWorkerConfig(s, snk)
	c.RetryInitial = time.Hour
	c.RetryMax = time.Hour
	w, err := NewWorker(c)
	require.NoError(t, err)

	_, err = b.AppendBatch(ctx, "orders", []byte("a"), []byte("b"), []byte("c"), []byte("d"))
	require.NoError(t, err)
	w.Start()
	require.Eventually(t, func() bool { return snk.eventCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	w.Stop()

	entries := logs.entries(t, "Abandoned consumed events on stop")
	require.Len(t, entries, 1)
	assert.Equal(t, "warn", entries[0]["level"])
	assert.Equal(t, float64(2), entries[0]["first_seq"])
	assert.Equal(t, float64(4), entries[0]["last_seq"])
	assert.Equal(t, float64(3), entries[0]["count"])
	assert.Equal(t, "orders", entries[0]["stream"])

	// The cursor moved past the whole batch
	info, err := b.Describe(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, info.Subscriptions, 1)
	assert.Equal(t, uint64(4), info.Subscriptions[0].Cursor)
}

func TestWorker_ExitsWhenStreamDropped(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t)
	s := subscribedSession(t, b, "orders")

	w, err := NewWorker(testWorkerConfig(s, &mockSink{}))
	require.NoError(t, err)
	w.Start()

	require.NoError(t, b.DropStream(ctx, "orders"))

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after its stream was dropped")
	}
	w.Stop()
}

func TestWorker_StartStopIdempotent(t *testing.T) {
	b := newTestBroker(t)
	s := subscribedSession(t, b, "orders")

	w, err := NewWorker(testWorkerConfig(s, &mockSink{}))
	require.NoError(t, err)

	// Not started yet
	select {
	case <-w.Done():
	default:
		t.Fatal("unstarted worker should report done")
	}

	w.Stop()
	w.Start()
	w.Start()
	w.Stop()
	w.Stop()
}
