package sink

import (
	"fmt"
	"sync"

	"github.com/maxpert/tailstream/cfg"
	"github.com/maxpert/tailstream/relay"
)

func init() {
	relay.RegisterSink("mock", func(cfg.RelayConfiguration) (relay.Sink, error) {
		return &MockSink{}, nil
	})
}

// MockSink records published messages in memory. It backs the "mock" relay
// type used for dry runs and tests.
type MockSink struct {
	Messages []MockMessage
	// FailNext makes the next N publishes fail
	FailNext int
	closed   bool
	mu       sync.Mutex
}

// MockMessage is one recorded publish
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// Publish records a message for later inspection
func (m *MockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("mock sink closed")
	}
	if m.FailNext > 0 {
		m.FailNext--
		return fmt.Errorf("mock publish failure")
	}

	m.Messages = append(m.Messages, MockMessage{
		Topic: topic,
		Key:   key,
		Value: append([]byte(nil), value...),
	})
	return nil
}

// Snapshot returns a copy of the recorded messages
func (m *MockSink) Snapshot() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.Messages))
	copy(out, m.Messages)
	return out
}

// Close marks the sink closed
func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}
