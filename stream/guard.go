package stream

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

// Guard serialises appends to one stream so that sequence numbers become
// visible in the order they were assigned. Lock returns once the caller owns
// the stream; the returned function releases it.
type Guard interface {
	Lock(ctx context.Context, id StreamID) (unlock func(), err error)
}

// LocalGuard is an in-process Guard. Each stream gets a one-slot channel used
// as a mutex so waiting producers can give up when their context ends.
type LocalGuard struct {
	slots *xsync.MapOf[StreamID, chan struct{}]
}

// NewLocalGuard creates an empty guard table.
func NewLocalGuard() *LocalGuard {
	return &LocalGuard{slots: xsync.NewMapOf[StreamID, chan struct{}]()}
}

func (g *LocalGuard) slot(id StreamID) chan struct{} {
	ch, _ := g.slots.LoadOrCompute(id, func() chan struct{} {
		return make(chan struct{}, 1)
	})
	return ch
}

// Lock acquires the stream's slot or fails with the context's error.
func (g *LocalGuard) Lock(ctx context.Context, id StreamID) (func(), error) {
	ch := g.slot(id)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return func() { <-ch }, nil
}
