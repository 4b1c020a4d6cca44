package sink

import (
	"context"
	"testing"

	"github.com/maxpert/tailstream/cfg"
	"github.com/maxpert/tailstream/relay"
	"github.com/maxpert/tailstream/stream"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Compile-time interface verification
var (
	_ relay.Sink = (*KafkaSink)(nil)
	_ relay.Sink = (*NatsSink)(nil)
	_ relay.Sink = (*MockSink)(nil)
)

func TestDefaultKafkaConfig(t *testing.T) {
	config := DefaultKafkaConfig([]string{"localhost:9092", "localhost:9093"})

	assert.Len(t, config.Brokers, 2)
	assert.Equal(t, DefaultKafkaBatchSize, config.BatchSize)
	assert.Equal(t, int64(DefaultKafkaBatchBytes), config.BatchBytes)
	assert.Equal(t, kafka.RequireAll, config.RequiredAcks)
	assert.True(t, config.AutoCreateTopics)
	assert.Equal(t, DefaultKafkaTimeout, config.WriteTimeout)
}

func TestNewKafkaSink(t *testing.T) {
	s, err := NewKafkaSink(KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchSize:    50,
		RequiredAcks: kafka.RequireOne,
	})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 50, s.writer.BatchSize)
	assert.Equal(t, int64(DefaultKafkaBatchBytes), s.writer.BatchBytes)
	assert.Equal(t, kafka.RequireOne, s.writer.RequiredAcks)
	assert.False(t, s.writer.Async)
	assert.IsType(t, &kafka.Hash{}, s.writer.Balancer)
	assert.Equal(t, DefaultKafkaTimeout, s.timeout)
}

func TestNewKafkaSink_NoBrokers(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{})
	assert.Error(t, err)
}

func TestKafkaSink_CloseNilWriter(t *testing.T) {
	s := &KafkaSink{}
	assert.NoError(t, s.Close())
}

func TestSanitizeStreamName(t *testing.T) {
	assert.Equal(t, "ts_orders_eu", SanitizeStreamName("ts.orders.eu"))
	assert.Equal(t, "a_b_c", SanitizeStreamName("a*b>c"))
	assert.Equal(t, "plain", SanitizeStreamName("plain"))
}

func TestMockSink(t *testing.T) {
	m := &MockSink{FailNext: 1}

	assert.Error(t, m.Publish("t", "k", []byte("a")))
	require.NoError(t, m.Publish("t", "k", []byte("b")))

	msgs := m.Snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, MockMessage{Topic: "t", Key: "k", Value: []byte("b")}, msgs[0])

	m.Reset()
	assert.Empty(t, m.Snapshot())

	require.NoError(t, m.Close())
	assert.Error(t, m.Publish("t", "k", nil))
}

type noBroker struct{}

func (noBroker) NodeID() uint64 { return 0 }
func (noBroker) ListStreams(context.Context) ([]stream.StreamID, error) { return nil, nil }
func (noBroker) Session(stream.SubscriberID) (*stream.Session, error) {
	return nil, stream.ErrClosed
}

func TestFactoriesRegistered(t *testing.T) {
	r, err := relay.NewRegistry(noBroker{}, []cfg.RelayConfiguration{
		{Name: "dry", Type: "mock", Format: "json"},
		{Name: "kafka", Type: "kafka", Brokers: []string{"localhost:9092"}},
	})
	require.NoError(t, err)
	r.Stop()

	_, err = relay.NewRegistry(noBroker{}, []cfg.RelayConfiguration{
		{Name: "bad", Type: "nats"},
	})
	assert.Error(t, err)
}
