// Package pebblestore keeps stream logs and subscription registries in an
// embedded Pebble LSM.
//
// Every stream owns a set of keys (see keys.go). Mutations of one stream are
// serialised by a per-stream latch and committed as a single synced batch.
// Reads are served from a Pebble snapshot taken under the latch, so the
// returned iterator is lazy and stays consistent while later reads trim the
// entries it is walking.
package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/tailstream/encoding"
	"github.com/maxpert/tailstream/stream"
	"github.com/rs/zerolog/log"
)

// Pebble configuration constants
const (
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3

	closeIterWait = 5 * time.Second
)

// Options tunes the store.
type Options struct {
	MemTableSize         uint64 // bytes, defaults to 64MB
	DisableWAL           bool
	CompressionThreshold int // payloads at least this long are zstd compressed, 0 disables
}

type streamMeta struct {
	CreatedAt int64 `msgpack:"c"`
}

// Store implements stream.Store on Pebble.
type Store struct {
	db        *pebble.DB
	path      string
	threshold int

	// latch serialises the mutations of one stream
	latch *stream.LocalGuard

	// iterators handed out and not yet closed
	openIters sync.WaitGroup
	closed    atomic.Bool
}

var _ stream.Store = (*Store)(nil)

// Open creates or opens a store under dir.
func Open(dir string, opts Options) (*Store, error) {
	if opts.MemTableSize == 0 {
		opts.MemTableSize = 64 << 20
	}

	popts := &pebble.Options{
		MemTableSize:                opts.MemTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
		DisableWAL:                  opts.DisableWAL,
	}

	path := filepath.Clean(dir)
	db, err := pebble.Open(path, popts)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream store at %s: %w", path, err)
	}

	s := &Store{
		db:        db,
		path:      path,
		threshold: opts.CompressionThreshold,
		latch:     stream.NewLocalGuard(),
	}

	ids, err := s.ListStreams(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load stream catalog: %w", err)
	}
	log.Info().Str("path", path).Int("streams", len(ids)).Msg("Opened pebble stream store")
	return s, nil
}

func (s *Store) lock(ctx context.Context, id stream.StreamID) (func(), error) {
	if s.closed.Load() {
		return nil, stream.ErrClosed
	}
	return s.latch.Lock(ctx, id)
}

// CreateStream registers an empty stream.
func (s *Store) CreateStream(ctx context.Context, id stream.StreamID, at time.Time) error {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	ok, err := s.exists(s.db, id)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("%w: %s", stream.ErrStreamExists, id)
	}

	meta, err := encoding.Marshal(&streamMeta{CreatedAt: at.UnixNano()})
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(streamKey(id), meta, nil); err != nil {
		return err
	}
	if err := batch.Set(tailKey(id), encodeUint64(0), nil); err != nil {
		return err
	}
	if err := batch.Set(trimKey(id), encodeUint64(0), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// DropStream deletes the stream with its log and subscriptions.
func (s *Store) DropStream(ctx context.Context, id stream.StreamID) error {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.mustExist(s.db, id); err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Delete(streamKey(id), nil); err != nil {
		return err
	}
	if err := batch.Delete(tailKey(id), nil); err != nil {
		return err
	}
	if err := batch.Delete(trimKey(id), nil); err != nil {
		return err
	}
	lp := logPrefix(id)
	if err := batch.DeleteRange(lp, prefixUpperBound(lp), nil); err != nil {
		return err
	}
	sp := subPrefix(id)
	if err := batch.DeleteRange(sp, prefixUpperBound(sp), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// ListStreams returns every stream in key order.
func (s *Store) ListStreams(_ context.Context) ([]stream.StreamID, error) {
	if s.closed.Load() {
		return nil, stream.ErrClosed
	}

	prefix := []byte(prefixStream)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var ids []stream.StreamID
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		ids = append(ids, stream.StreamID(iter.Key()[len(prefix):]))
	}
	return ids, iter.Error()
}

// Describe returns a consistent view of one stream's bookkeeping.
func (s *Store) Describe(_ context.Context, id stream.StreamID) (stream.StreamInfo, error) {
	if s.closed.Load() {
		return stream.StreamInfo{}, stream.ErrClosed
	}

	snap := s.db.NewSnapshot()
	defer snap.Close()

	val, closer, err := snap.Get(streamKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return stream.StreamInfo{}, fmt.Errorf("%w: %s", stream.ErrStreamNotFound, id)
	}
	if err != nil {
		return stream.StreamInfo{}, err
	}
	var meta streamMeta
	err = encoding.Unmarshal(val, &meta)
	closer.Close()
	if err != nil {
		return stream.StreamInfo{}, fmt.Errorf("corrupted stream metadata for %s: %w", id, err)
	}

	info := stream.StreamInfo{ID: id, CreatedAt: time.Unix(0, meta.CreatedAt).UTC()}
	if info.Tail, err = getUint64(snap, tailKey(id)); err != nil {
		return stream.StreamInfo{}, err
	}
	if info.TrimmedThrough, err = getUint64(snap, trimKey(id)); err != nil {
		return stream.StreamInfo{}, err
	}
	err = scanSubscriptions(snap, id, func(sub stream.SubscriberID, cursor uint64) {
		info.Subscriptions = append(info.Subscriptions, stream.Subscription{
			Stream:     id,
			Subscriber: sub,
			Cursor:     cursor,
		})
	})
	if err != nil {
		return stream.StreamInfo{}, err
	}
	return info, nil
}

// Tail returns the highest committed sequence number of id.
func (s *Store) Tail(_ context.Context, id stream.StreamID) (uint64, error) {
	if s.closed.Load() {
		return 0, stream.ErrClosed
	}
	if err := s.mustExist(s.db, id); err != nil {
		return 0, err
	}
	return getUint64(s.db, tailKey(id))
}

// AppendBatch writes recs as tail+1..tail+n and advances the tail in one
// synced batch. The caller holds the stream's ordering guard.
func (s *Store) AppendBatch(ctx context.Context, id stream.StreamID, recs []stream.Record) ([]uint64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.mustExist(s.db, id); err != nil {
		return nil, err
	}
	tail, err := getUint64(s.db, tailKey(id))
	if err != nil {
		return nil, err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	seqs := make([]uint64, len(recs))
	for i, rec := range recs {
		seq := tail + uint64(i) + 1
		val, err := encoding.EncodeEvent(rec.Payload, rec.Time, s.threshold)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event: %w", err)
		}
		if err := batch.Set(logKey(id, seq), val, nil); err != nil {
			return nil, fmt.Errorf("failed to write event: %w", err)
		}
		seqs[i] = seq
	}

	if err := batch.Set(tailKey(id), encodeUint64(seqs[len(seqs)-1]), nil); err != nil {
		return nil, fmt.Errorf("failed to update tail: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}
	return seqs, nil
}

// Subscribe seeds sub's cursor to the current tail.
func (s *Store) Subscribe(ctx context.Context, id stream.StreamID, sub stream.SubscriberID) (uint64, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if err := s.mustExist(s.db, id); err != nil {
		return 0, err
	}
	_, closer, err := s.db.Get(subKey(id, sub))
	if err == nil {
		closer.Close()
		return 0, fmt.Errorf("%w: %s on %s", stream.ErrAlreadySubscribed, sub, id)
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return 0, err
	}

	tail, err := getUint64(s.db, tailKey(id))
	if err != nil {
		return 0, err
	}
	if err := s.db.Set(subKey(id, sub), encodeUint64(tail), pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to persist subscription: %w", err)
	}
	return tail, nil
}

// Unsubscribe deletes sub's cursor. Deleting a missing cursor succeeds.
func (s *Store) Unsubscribe(ctx context.Context, id stream.StreamID, sub stream.SubscriberID) error {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.mustExist(s.db, id); err != nil {
		return err
	}
	return s.db.Delete(subKey(id, sub), pebble.Sync)
}

// Consume delivers (cursor, tail], moves sub's cursor to tail and trims
// every entry at or below the minimum cursor of the other subscriptions.
func (s *Store) Consume(ctx context.Context, id stream.StreamID, sub stream.SubscriberID) (stream.ConsumeResult, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return stream.ConsumeResult{}, err
	}
	defer unlock()

	snap := s.db.NewSnapshot()
	keep := false
	defer func() {
		if !keep {
			snap.Close()
		}
	}()

	if err := s.mustExist(snap, id); err != nil {
		return stream.ConsumeResult{}, err
	}

	low, err := getUint64(snap, subKey(id, sub))
	if errors.Is(err, pebble.ErrNotFound) {
		return stream.ConsumeResult{}, fmt.Errorf("%w: %s on %s", stream.ErrNotSubscribed, sub, id)
	}
	if err != nil {
		return stream.ConsumeResult{}, err
	}
	high, err := getUint64(snap, tailKey(id))
	if err != nil {
		return stream.ConsumeResult{}, err
	}
	if high <= low {
		return stream.ConsumeResult{Events: stream.EmptyEvents(), Low: low, High: low}, nil
	}

	boundary := high
	others := 0
	err = scanSubscriptions(snap, id, func(other stream.SubscriberID, cursor uint64) {
		if other == sub {
			return
		}
		if others == 0 || cursor < boundary {
			boundary = cursor
		}
		others++
	})
	if err != nil {
		return stream.ConsumeResult{}, err
	}
	trimmed, err := getUint64(snap, trimKey(id))
	if err != nil {
		return stream.ConsumeResult{}, err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(subKey(id, sub), encodeUint64(high), nil); err != nil {
		return stream.ConsumeResult{}, err
	}
	applied := uint64(0)
	if boundary > trimmed {
		if err := trimInBatch(batch, id, boundary); err != nil {
			return stream.ConsumeResult{}, err
		}
		applied = boundary
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return stream.ConsumeResult{}, fmt.Errorf("failed to commit read: %w", err)
	}

	events, err := s.snapshotEvents(snap, id, low, high)
	if err != nil {
		return stream.ConsumeResult{}, err
	}
	keep = true

	return stream.ConsumeResult{
		Events:         events,
		Low:            low,
		High:           high,
		TrimmedThrough: applied,
	}, nil
}

// snapshotEvents walks (low, high] on snap lazily; the iterator owns snap.
func (s *Store) snapshotEvents(snap *pebble.Snapshot, id stream.StreamID, low, high uint64) (*stream.Events, error) {
	iter, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: logKey(id, low+1),
		UpperBound: logKey(id, high+1),
	})
	if err != nil {
		return nil, err
	}

	s.openIters.Add(1)
	started := false
	next := func() (stream.Event, bool, error) {
		if !started {
			started = true
			iter.First()
		} else {
			iter.Next()
		}
		if !iter.Valid() {
			return stream.Event{}, false, iter.Error()
		}

		seq, err := parseLogSeq(id, iter.Key())
		if err != nil {
			return stream.Event{}, false, err
		}
		val, err := iter.ValueAndErr()
		if err != nil {
			return stream.Event{}, false, err
		}
		payload, at, err := encoding.DecodeEvent(val)
		if err != nil {
			return stream.Event{}, false, fmt.Errorf("event %d of %s: %w", seq, id, err)
		}
		return stream.Event{Stream: id, Sequence: seq, Payload: payload, Time: at}, true, nil
	}
	closeFn := func() error {
		defer s.openIters.Done()
		ierr := iter.Close()
		serr := snap.Close()
		return errors.Join(ierr, serr)
	}
	return stream.NewEvents(next, closeFn), nil
}

// Sweep trims id up to the slowest cursor.
func (s *Store) Sweep(ctx context.Context, id stream.StreamID) (uint64, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return 0, err
	}
	defer unlock()

	if err := s.mustExist(s.db, id); err != nil {
		return 0, err
	}
	tail, err := getUint64(s.db, tailKey(id))
	if err != nil {
		return 0, err
	}
	trimmed, err := getUint64(s.db, trimKey(id))
	if err != nil {
		return 0, err
	}

	boundary := tail
	first := true
	err = scanSubscriptions(s.db, id, func(_ stream.SubscriberID, cursor uint64) {
		if first || cursor < boundary {
			boundary = cursor
		}
		first = false
	})
	if err != nil {
		return 0, err
	}
	if boundary <= trimmed {
		return 0, nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := trimInBatch(batch, id, boundary); err != nil {
		return 0, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit sweep: %w", err)
	}

	log.Debug().Str("stream", id.String()).Uint64("boundary", boundary).Msg("Swept stream log")
	return boundary, nil
}

// PurgeSubscriptions deletes the cursors whose subscriber id starts with
// prefix, one stream at a time under that stream's latch.
func (s *Store) PurgeSubscriptions(ctx context.Context, prefix string) (int, error) {
	if s.closed.Load() {
		return 0, stream.ErrClosed
	}
	ids, err := s.ListStreams(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range ids {
		n, err := s.purgeStream(ctx, id, prefix)
		if err != nil {
			return count, err
		}
		count += n
	}
	return count, nil
}

func (s *Store) purgeStream(ctx context.Context, id stream.StreamID, prefix string) (int, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return 0, err
	}
	defer unlock()

	batch := s.db.NewBatch()
	defer batch.Close()
	var serr error
	err = scanSubscriptions(s.db, id, func(sub stream.SubscriberID, _ uint64) {
		if serr != nil || !strings.HasPrefix(string(sub), prefix) {
			return
		}
		serr = batch.Delete(subKey(id, sub), nil)
	})
	if err == nil {
		err = serr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to purge subscriptions of %s: %w", id, err)
	}
	n := int(batch.Count())
	if n == 0 {
		return 0, nil
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to purge subscriptions of %s: %w", id, err)
	}
	return n, nil
}

// Close waits a bounded time for outstanding read iterators and closes the
// database.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.openIters.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeIterWait):
		log.Warn().Str("path", s.path).Msg("Closing stream store with unclosed read iterators")
	}
	return s.db.Close()
}

// trimInBatch deletes log entries 1..boundary and records the boundary.
func trimInBatch(batch *pebble.Batch, id stream.StreamID, boundary uint64) error {
	if err := batch.DeleteRange(logPrefix(id), logKey(id, boundary+1), nil); err != nil {
		return fmt.Errorf("failed to trim log: %w", err)
	}
	return batch.Set(trimKey(id), encodeUint64(boundary), nil)
}

func (s *Store) exists(r pebble.Reader, id stream.StreamID) (bool, error) {
	_, closer, err := r.Get(streamKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func (s *Store) mustExist(r pebble.Reader, id stream.StreamID) error {
	ok, err := s.exists(r, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", stream.ErrStreamNotFound, id)
	}
	return nil
}

// getUint64 returns pebble.ErrNotFound unwrapped when the key is missing.
func getUint64(r pebble.Reader, key []byte) (uint64, error) {
	val, closer, err := r.Get(key)
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return decodeUint64(val)
}

func scanSubscriptions(r pebble.Reader, id stream.StreamID, fn func(stream.SubscriberID, uint64)) error {
	prefix := subPrefix(id)
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		cursor, err := decodeUint64(val)
		if err != nil {
			return fmt.Errorf("corrupted cursor for %s: %w", iter.Key(), err)
		}
		fn(stream.SubscriberID(iter.Key()[len(prefix):]), cursor)
	}
	return iter.Error()
}
