package notify

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/tailstream/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_BasicListenPublish(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Listen("orders")
	defer cancel()

	hub.Publish("orders")

	select {
	case <-signals:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for signal")
	}
}

func TestHub_OnlyMatchingStream(t *testing.T) {
	hub := NewHub()

	orders, cancel1 := hub.Listen("orders")
	defer cancel1()
	audit, cancel2 := hub.Listen("audit")
	defer cancel2()

	hub.Publish("orders")

	select {
	case <-orders:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout on orders")
	}

	select {
	case <-audit:
		t.Error("audit should not be woken")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_Coalesces(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Listen("orders")
	defer cancel()

	for i := 0; i < 10; i++ {
		hub.Publish("orders")
	}

	received := 0
	timeout := time.After(50 * time.Millisecond)
loop:
	for {
		select {
		case <-signals:
			received++
		case <-timeout:
			break loop
		}
	}
	assert.Equal(t, 1, received)
}

func TestHub_CancelClosesChannel(t *testing.T) {
	hub := NewHub()

	signals, cancel := hub.Listen("orders")
	require.Equal(t, 1, hub.Listeners("orders"))

	cancel()
	assert.Equal(t, 0, hub.Listeners("orders"))

	select {
	case _, ok := <-signals:
		assert.False(t, ok, "channel should be closed after cancel")
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for channel close")
	}

	// Subsequent publishes and a second cancel must not panic
	hub.Publish("orders")
	cancel()
}

func TestHub_MultipleListenersSameStream(t *testing.T) {
	hub := NewHub()

	var chans []<-chan struct{}
	for i := 0; i < 3; i++ {
		ch, cancel := hub.Listen("orders")
		defer cancel()
		chans = append(chans, ch)
	}

	hub.Publish("orders")

	for i, ch := range chans {
		select {
		case <-ch:
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("timeout on listener %d", i)
		}
	}
}

func TestHub_PublishBeforeListen(t *testing.T) {
	hub := NewHub()
	hub.Publish("orders")

	signals, cancel := hub.Listen("orders")
	defer cancel()

	select {
	case <-signals:
		t.Error("should not receive a wakeup published before Listen")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_PublishAll(t *testing.T) {
	hub := NewHub()

	a, cancelA := hub.Listen("a")
	defer cancelA()
	b, cancelB := hub.Listen("b")
	defer cancelB()

	hub.PublishAll()

	for _, ch := range []<-chan struct{}{a, b} {
		select {
		case <-ch:
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for PublishAll")
		}
	}
}

func TestHub_CloseClosesEveryListener(t *testing.T) {
	hub := NewHub()

	a, cancelA := hub.Listen("a")
	b, _ := hub.Listen("b")

	require.NoError(t, hub.Close())

	_, ok := <-a
	assert.False(t, ok)
	_, ok = <-b
	assert.False(t, ok)

	// cancel after Close is a no-op
	cancelA()
}

func TestHub_ConcurrentListenPublish(t *testing.T) {
	hub := NewHub()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ch, cancel := hub.Listen("orders")
				select {
				case <-ch:
				default:
				}
				cancel()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			hub.Publish("orders")
		}
	}()

	wg.Wait()
	assert.Equal(t, 0, hub.Listeners("orders"))
}

func TestSubjectFor(t *testing.T) {
	s1 := SubjectFor("tailstream.wakeup", stream.StreamID("orders"))
	s2 := SubjectFor("tailstream.wakeup", stream.StreamID("orders"))
	s3 := SubjectFor("tailstream.wakeup", stream.StreamID("orders.eu"))

	assert.Equal(t, s1, s2)
	assert.NotEqual(t, s1, s3)
	assert.True(t, strings.HasPrefix(s1, "tailstream.wakeup."))
	// Dots in stream names must not add subject tokens
	assert.Equal(t, 3, strings.Count(s3, ".")+1)
}
