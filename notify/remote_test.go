package notify

import (
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/maxpert/tailstream/stream"
	"github.com/stretchr/testify/require"
)

func waitSignal(t *testing.T, signals <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-signals:
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
}

func TestNatsNotifier_CrossProcess(t *testing.T) {
	url := os.Getenv("TAILSTREAM_NATS_URL")
	if url == "" {
		t.Skip("TAILSTREAM_NATS_URL not set")
	}

	prefix := "tailstream-test-" + string(stream.NewSubscriberID(0))[17:25]
	producer, err := NewNatsNotifier(url, prefix)
	require.NoError(t, err)
	defer producer.Close()
	consumer, err := NewNatsNotifier(url, prefix)
	require.NoError(t, err)
	defer consumer.Close()
	require.NoError(t, consumer.nc.Flush())

	remote, cancel := consumer.Listen("orders")
	defer cancel()
	local, cancel2 := producer.Listen("orders")
	defer cancel2()

	producer.Publish("orders")
	waitSignal(t, remote, "remote wakeup")
	waitSignal(t, local, "local wakeup")

	require.NoError(t, consumer.Close())
	_, ok := <-remote
	require.False(t, ok)
}

func TestPGNotifier_CrossProcess(t *testing.T) {
	dsn := os.Getenv("TAILSTREAM_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TAILSTREAM_POSTGRES_DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	channel := "tailstream_test_wakeups"
	producer, err := NewPGNotifier(db, dsn, channel)
	require.NoError(t, err)
	defer producer.Close()
	consumer, err := NewPGNotifier(db, dsn, channel)
	require.NoError(t, err)
	defer consumer.Close()

	remote, cancel := consumer.Listen("orders")
	defer cancel()

	producer.Publish("orders")
	waitSignal(t, remote, "postgres wakeup")

	require.NoError(t, consumer.Close())
	require.NoError(t, consumer.Close())
}
