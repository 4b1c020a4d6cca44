package relay

import (
	"github.com/maxpert/tailstream/stream"
)

// Sink represents a destination for relayed events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends one message to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts stream events to sink-specific payloads
type Transformer interface {
	Transform(id stream.StreamID, event stream.Event) ([]byte, error)
}

// Filter determines whether a stream should be relayed
type Filter interface {
	Match(id stream.StreamID) bool
}
