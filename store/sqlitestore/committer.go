package sqlitestore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/jmoiron/sqlx"
	"github.com/maxpert/tailstream/store/sqlstore"
	"github.com/maxpert/tailstream/stream"
	"github.com/rs/zerolog/log"
)

type pendingAppend struct {
	ctx     context.Context
	id      stream.StreamID
	recs    []stream.Record
	promise *future.Promise[[]uint64]
}

// batchCommitter groups appends to different streams into one transaction,
// amortising SQLite's commit cost. Each append runs under its own savepoint
// so a failing one does not fail the rest of the group.
type batchCommitter struct {
	core *sqlstore.Store

	mu      sync.Mutex
	pending []*pendingAppend

	maxBatchSize int
	maxWaitTime  time.Duration

	kickCh  chan struct{}
	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

func newBatchCommitter(core *sqlstore.Store, maxBatchSize int, maxWaitTime time.Duration) *batchCommitter {
	return &batchCommitter{
		core:         core,
		maxBatchSize: maxBatchSize,
		maxWaitTime:  maxWaitTime,
		kickCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
}

func (bc *batchCommitter) Start() {
	bc.wg.Add(1)
	go bc.flushLoop()
}

func (bc *batchCommitter) Stop() {
	if !bc.stopped.CompareAndSwap(false, true) {
		return
	}
	close(bc.stopCh)
	bc.wg.Wait()

	// Appends enqueued while the loop was exiting
	bc.mu.Lock()
	rest := bc.pending
	bc.pending = nil
	bc.mu.Unlock()
	for _, pa := range rest {
		pa.promise.Set(nil, stream.ErrClosed)
	}
}

func (bc *batchCommitter) Enqueue(ctx context.Context, id stream.StreamID, recs []stream.Record) *future.Future[[]uint64] {
	p := future.NewPromise[[]uint64]()

	bc.mu.Lock()
	if bc.stopped.Load() {
		bc.mu.Unlock()
		p.Set(nil, stream.ErrClosed)
		return p.Future()
	}
	bc.pending = append(bc.pending, &pendingAppend{
		ctx:     ctx,
		id:      id,
		recs:    recs,
		promise: p,
	})
	full := len(bc.pending) >= bc.maxBatchSize
	bc.mu.Unlock()

	if full {
		select {
		case bc.kickCh <- struct{}{}:
		default:
		}
	}
	return p.Future()
}

func (bc *batchCommitter) flushLoop() {
	defer bc.wg.Done()

	ticker := time.NewTicker(bc.maxWaitTime)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bc.tryFlush()
		case <-bc.kickCh:
			bc.tryFlush()
		case <-bc.stopCh:
			bc.tryFlush()
			return
		}
	}
}

func (bc *batchCommitter) tryFlush() {
	for {
		bc.mu.Lock()
		if len(bc.pending) == 0 {
			bc.mu.Unlock()
			return
		}
		n := len(bc.pending)
		if n > bc.maxBatchSize {
			n = bc.maxBatchSize
		}
		batch := bc.pending[:n:n]
		bc.pending = append([]*pendingAppend(nil), bc.pending[n:]...)
		bc.mu.Unlock()

		bc.flush(batch)
	}
}

type settled struct {
	pa   *pendingAppend
	seqs []uint64
	err  error
}

func (bc *batchCommitter) flush(batch []*pendingAppend) {
	results := make([]settled, 0, len(batch))

	err := bc.core.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		for i, pa := range batch {
			if err := pa.ctx.Err(); err != nil {
				results = append(results, settled{pa: pa, err: err})
				continue
			}

			sp := fmt.Sprintf("append_%d", i)
			if _, err := tx.ExecContext(pa.ctx, "SAVEPOINT "+sp); err != nil {
				return err
			}
			seqs, err := bc.core.AppendTx(pa.ctx, tx, pa.id, pa.recs)
			if err != nil {
				if _, rerr := tx.ExecContext(context.Background(), "ROLLBACK TO "+sp); rerr != nil {
					return rerr
				}
			}
			if _, rerr := tx.ExecContext(context.Background(), "RELEASE "+sp); rerr != nil {
				return rerr
			}
			results = append(results, settled{pa: pa, seqs: seqs, err: err})
		}
		return nil
	})

	if err != nil {
		// The whole group rolled back
		log.Warn().Err(err).Int("appends", len(batch)).Msg("Batch append failed")
		for _, pa := range batch {
			pa.promise.Set(nil, err)
		}
		return
	}

	for _, r := range results {
		r.pa.promise.Set(r.seqs, r.err)
	}
}
