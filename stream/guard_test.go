package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalGuard_MutualExclusion(t *testing.T) {
	g := NewLocalGuard()
	ctx := context.Background()

	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				unlock, err := g.Lock(ctx, "orders")
				if err != nil {
					t.Errorf("lock failed: %v", err)
					return
				}
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				inside.Add(-1)
				unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}

func TestLocalGuard_StreamsIndependent(t *testing.T) {
	g := NewLocalGuard()
	ctx := context.Background()

	unlockA, err := g.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockB, err := g.Lock(ctx2, "b")
	require.NoError(t, err)
	unlockB()
}

func TestLocalGuard_ContextCancel(t *testing.T) {
	g := NewLocalGuard()

	unlock, err := g.Lock(context.Background(), "orders")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Lock(ctx, "orders")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock2, err := g.Lock(context.Background(), "orders")
	require.NoError(t, err)
	unlock2()
}
