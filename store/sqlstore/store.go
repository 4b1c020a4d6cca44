// Package sqlstore implements stream.Store on a relational database through
// database/sql. Backends (sqlitestore, pgstore) supply the dialect, schema
// and connection; this package owns the queries.
//
// Every mutation of a stream runs in one transaction that first loads the
// stream's catalog row. With Dialect.RowLock the row is selected FOR UPDATE,
// which serialises subscribe, unsubscribe, read, append and sweep of one
// stream across processes. Backends without row locks must serialise write
// transactions themselves (SQLite's BEGIN IMMEDIATE).
//
// A read buffers its whole range of framed (possibly compressed) payloads.
// The range is fetched in keyset pages, but it cannot be streamed after
// commit: the same transaction moves the cursor and trims, and once it
// commits a concurrent read or sweep may delete the rows. Subscribers that
// fall far behind therefore pay for their backlog in memory on the next
// read; payloads are only decompressed as the iterator reaches them.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"
	"github.com/maxpert/tailstream/encoding"
	"github.com/maxpert/tailstream/stream"
	"github.com/rs/zerolog/log"
)

const (
	tableStreams       = "streams"
	tableEvents        = "stream_events"
	tableSubscriptions = "stream_subscriptions"

	// rows per INSERT, well below every driver's bind parameter limit
	insertChunk = 500
	// rows per SELECT when loading a read range
	consumePage = 1000

	defaultCacheSize = 1024
)

// Dialect describes what differs between database engines.
type Dialect struct {
	Name    string   // goqu dialect, the matching dialect package must be imported
	Schema  []string // idempotent DDL run by Migrate
	RowLock bool     // lock the stream row with SELECT ... FOR UPDATE

	// LockAppend, when set, runs first in every append transaction. It must
	// only use tx and hold its lock until tx ends.
	LockAppend func(ctx context.Context, tx *sqlx.Tx, id stream.StreamID) error

	// IsUniqueViolation reports duplicate key errors
	IsUniqueViolation func(error) bool
}

// Options tunes the store.
type Options struct {
	CompressionThreshold int // payloads at least this long are zstd compressed, 0 disables
	CacheSize            int // stream name to row id cache entries
}

type streamRow struct {
	ID        int64  `db:"id"`
	Name      string `db:"name"`
	Tail      int64  `db:"tail"`
	Trimmed   int64  `db:"trimmed"`
	CreatedAt int64  `db:"created_at"`
}

type eventRow struct {
	Seq       int64  `db:"seq"`
	Payload   []byte `db:"payload"`
	CreatedAt int64  `db:"created_at"`
}

type subscriptionRow struct {
	Subscriber string `db:"subscriber"`
	AckedSeq   int64  `db:"acked_seq"`
}

type boundRow struct {
	MinAcked sql.NullInt64 `db:"min_acked"`
}

type sqlBuilder interface {
	ToSQL() (string, []interface{}, error)
}

// Store implements stream.Store for a relational database.
type Store struct {
	db        *sqlx.DB
	dialect   Dialect
	qb        goqu.DialectWrapper
	threshold int

	// ids caches stream name to row id; ids are never reused so a stale
	// entry only costs one extra lookup
	ids    *lru.Cache[stream.StreamID, int64]
	closed atomic.Bool
}

var _ stream.Store = (*Store)(nil)

// New wraps an open database. Call Migrate before first use.
func New(db *sqlx.DB, dialect Dialect, opts Options) (*Store, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	ids, err := lru.New[stream.StreamID, int64](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream id cache: %w", err)
	}
	if dialect.IsUniqueViolation == nil {
		dialect.IsUniqueViolation = func(error) bool { return false }
	}

	return &Store{
		db:        db,
		dialect:   dialect,
		qb:        goqu.Dialect(dialect.Name),
		threshold: opts.CompressionThreshold,
		ids:       ids,
	}, nil
}

// DB returns the underlying database.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	for _, ddl := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// WithTx runs fn in a write transaction, committing when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	if s.closed.Load() {
		return stream.ErrClosed
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, ex sqlx.ExecerContext, b sqlBuilder) (sql.Result, error) {
	query, args, err := b.ToSQL()
	if err != nil {
		return nil, err
	}
	return ex.ExecContext(ctx, query, args...)
}

func (s *Store) get(ctx context.Context, q sqlx.QueryerContext, dest interface{}, b sqlBuilder) error {
	query, args, err := b.ToSQL()
	if err != nil {
		return err
	}
	return sqlx.GetContext(ctx, q, dest, query, args...)
}

func (s *Store) selectAll(ctx context.Context, q sqlx.QueryerContext, dest interface{}, b sqlBuilder) error {
	query, args, err := b.ToSQL()
	if err != nil {
		return err
	}
	return sqlx.SelectContext(ctx, q, dest, query, args...)
}

func (s *Store) selectStream(ctx context.Context, q sqlx.QueryerContext, where goqu.Ex, lock bool) (streamRow, error) {
	ds := s.qb.From(tableStreams).
		Select("id", "name", "tail", "trimmed", "created_at").
		Where(where)
	if lock && s.dialect.RowLock {
		ds = ds.ForUpdate(exp.Wait)
	}

	var row streamRow
	err := s.get(ctx, q, &row, ds.Prepared(true))
	return row, err
}

// lockStream loads (and with RowLock, locks) the catalog row of id.
func (s *Store) lockStream(ctx context.Context, tx *sqlx.Tx, id stream.StreamID) (streamRow, error) {
	if rowID, ok := s.ids.Get(id); ok {
		row, err := s.selectStream(ctx, tx, goqu.Ex{"id": rowID, "name": string(id)}, true)
		if err == nil {
			return row, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return streamRow{}, err
		}
		s.ids.Remove(id)
	}

	row, err := s.selectStream(ctx, tx, goqu.Ex{"name": string(id)}, true)
	if errors.Is(err, sql.ErrNoRows) {
		return streamRow{}, fmt.Errorf("%w: %s", stream.ErrStreamNotFound, id)
	}
	if err != nil {
		return streamRow{}, err
	}
	s.ids.Add(id, row.ID)
	return row, nil
}

// CreateStream inserts the catalog row of id.
func (s *Store) CreateStream(ctx context.Context, id stream.StreamID, at time.Time) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := s.selectStream(ctx, tx, goqu.Ex{"name": string(id)}, false)
		if err == nil {
			return fmt.Errorf("%w: %s", stream.ErrStreamExists, id)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		_, err = s.exec(ctx, tx, s.qb.Insert(tableStreams).Rows(goqu.Record{
			"name":       string(id),
			"tail":       0,
			"trimmed":    0,
			"created_at": at.UnixNano(),
		}).Prepared(true))
		if err != nil && s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", stream.ErrStreamExists, id)
		}
		return err
	})
}

// DropStream deletes the stream's events, subscriptions and catalog row.
func (s *Store) DropStream(ctx context.Context, id stream.StreamID) error {
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		row, err := s.lockStream(ctx, tx, id)
		if err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, s.qb.Delete(tableEvents).Where(goqu.Ex{"stream_id": row.ID}).Prepared(true)); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, s.qb.Delete(tableSubscriptions).Where(goqu.Ex{"stream_id": row.ID}).Prepared(true)); err != nil {
			return err
		}
		_, err = s.exec(ctx, tx, s.qb.Delete(tableStreams).Where(goqu.Ex{"id": row.ID}).Prepared(true))
		return err
	})
	if err == nil {
		s.ids.Remove(id)
	}
	return err
}

// ListStreams returns every stream name in ascending order.
func (s *Store) ListStreams(ctx context.Context) ([]stream.StreamID, error) {
	if s.closed.Load() {
		return nil, stream.ErrClosed
	}

	var names []string
	err := s.selectAll(ctx, s.db, &names, s.qb.From(tableStreams).Select("name").Order(goqu.C("name").Asc()).Prepared(true))
	if err != nil {
		return nil, err
	}
	ids := make([]stream.StreamID, len(names))
	for i, n := range names {
		ids[i] = stream.StreamID(n)
	}
	return ids, nil
}

// Describe returns the stream's bookkeeping read in one transaction.
func (s *Store) Describe(ctx context.Context, id stream.StreamID) (stream.StreamInfo, error) {
	var info stream.StreamInfo
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		row, err := s.lockStream(ctx, tx, id)
		if err != nil {
			return err
		}

		var subs []subscriptionRow
		err = s.selectAll(ctx, tx, &subs, s.qb.From(tableSubscriptions).
			Select("subscriber", "acked_seq").
			Where(goqu.Ex{"stream_id": row.ID}).
			Order(goqu.C("subscriber").Asc()).
			Prepared(true))
		if err != nil {
			return err
		}

		info = stream.StreamInfo{
			ID:             id,
			Tail:           uint64(row.Tail),
			TrimmedThrough: uint64(row.Trimmed),
			CreatedAt:      time.Unix(0, row.CreatedAt).UTC(),
		}
		for _, sub := range subs {
			info.Subscriptions = append(info.Subscriptions, stream.Subscription{
				Stream:     id,
				Subscriber: stream.SubscriberID(sub.Subscriber),
				Cursor:     uint64(sub.AckedSeq),
			})
		}
		return nil
	})
	return info, err
}

// Tail returns the highest committed sequence number of id.
func (s *Store) Tail(ctx context.Context, id stream.StreamID) (uint64, error) {
	if s.closed.Load() {
		return 0, stream.ErrClosed
	}
	row, err := s.selectStream(ctx, s.db, goqu.Ex{"name": string(id)}, false)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", stream.ErrStreamNotFound, id)
	}
	if err != nil {
		return 0, err
	}
	return uint64(row.Tail), nil
}

// AppendBatch appends recs in their own transaction.
func (s *Store) AppendBatch(ctx context.Context, id stream.StreamID, recs []stream.Record) ([]uint64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	var seqs []uint64
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		seqs, err = s.AppendTx(ctx, tx, id, recs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return seqs, nil
}

// AppendTx writes recs as tail+1..tail+n inside tx and advances the tail.
// It lets backends group several appends into one commit.
func (s *Store) AppendTx(ctx context.Context, tx *sqlx.Tx, id stream.StreamID, recs []stream.Record) ([]uint64, error) {
	if s.dialect.LockAppend != nil {
		if err := s.dialect.LockAppend(ctx, tx, id); err != nil {
			return nil, err
		}
	}
	row, err := s.lockStream(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	seqs := make([]uint64, len(recs))
	rows := make([]interface{}, 0, insertChunk)
	for i, rec := range recs {
		seq := row.Tail + int64(i) + 1
		framed, err := encoding.EncodePayload(rec.Payload, s.threshold)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event: %w", err)
		}
		rows = append(rows, goqu.Record{
			"stream_id":  row.ID,
			"seq":        seq,
			"payload":    framed,
			"created_at": rec.Time.UnixNano(),
		})
		seqs[i] = uint64(seq)

		if len(rows) == insertChunk || i == len(recs)-1 {
			if _, err := s.exec(ctx, tx, s.qb.Insert(tableEvents).Rows(rows...).Prepared(true)); err != nil {
				return nil, fmt.Errorf("failed to write events: %w", err)
			}
			rows = rows[:0]
		}
	}

	_, err = s.exec(ctx, tx, s.qb.Update(tableStreams).
		Set(goqu.Record{"tail": int64(seqs[len(seqs)-1])}).
		Where(goqu.Ex{"id": row.ID}).
		Prepared(true))
	if err != nil {
		return nil, fmt.Errorf("failed to update tail: %w", err)
	}
	return seqs, nil
}

// Subscribe inserts sub's registry row seeded to the current tail.
func (s *Store) Subscribe(ctx context.Context, id stream.StreamID, sub stream.SubscriberID) (uint64, error) {
	var cursor uint64
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		row, err := s.lockStream(ctx, tx, id)
		if err != nil {
			return err
		}

		var existing subscriptionRow
		err = s.get(ctx, tx, &existing, s.qb.From(tableSubscriptions).
			Select("subscriber", "acked_seq").
			Where(goqu.Ex{"stream_id": row.ID, "subscriber": string(sub)}).
			Prepared(true))
		if err == nil {
			return fmt.Errorf("%w: %s on %s", stream.ErrAlreadySubscribed, sub, id)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		_, err = s.exec(ctx, tx, s.qb.Insert(tableSubscriptions).Rows(goqu.Record{
			"stream_id":  row.ID,
			"subscriber": string(sub),
			"acked_seq":  row.Tail,
			"created_at": time.Now().UnixNano(),
		}).Prepared(true))
		if err != nil {
			if s.dialect.IsUniqueViolation(err) {
				return fmt.Errorf("%w: %s on %s", stream.ErrAlreadySubscribed, sub, id)
			}
			return err
		}
		cursor = uint64(row.Tail)
		return nil
	})
	return cursor, err
}

// Unsubscribe deletes sub's registry row; a missing row is not an error.
func (s *Store) Unsubscribe(ctx context.Context, id stream.StreamID, sub stream.SubscriberID) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		row, err := s.lockStream(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = s.exec(ctx, tx, s.qb.Delete(tableSubscriptions).
			Where(goqu.Ex{"stream_id": row.ID, "subscriber": string(sub)}).
			Prepared(true))
		return err
	})
}

// Consume delivers (cursor, tail], advances sub's cursor to the tail and
// trims events at or below the minimum cursor of the other subscribers,
// all in one transaction. The framed rows are loaded before commit and
// decoded lazily.
func (s *Store) Consume(ctx context.Context, id stream.StreamID, sub stream.SubscriberID) (stream.ConsumeResult, error) {
	var res stream.ConsumeResult
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		row, err := s.lockStream(ctx, tx, id)
		if err != nil {
			return err
		}

		var own subscriptionRow
		err = s.get(ctx, tx, &own, s.qb.From(tableSubscriptions).
			Select("subscriber", "acked_seq").
			Where(goqu.Ex{"stream_id": row.ID, "subscriber": string(sub)}).
			Prepared(true))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s on %s", stream.ErrNotSubscribed, sub, id)
		}
		if err != nil {
			return err
		}

		low, high := own.AckedSeq, row.Tail
		if high <= low {
			res = stream.ConsumeResult{Events: stream.EmptyEvents(), Low: uint64(low), High: uint64(low)}
			return nil
		}

		var bound boundRow
		err = s.get(ctx, tx, &bound, s.qb.From(tableSubscriptions).
			Select(goqu.MIN("acked_seq").As("min_acked")).
			Where(
				goqu.C("stream_id").Eq(row.ID),
				goqu.C("subscriber").Neq(string(sub)),
			).
			Prepared(true))
		if err != nil {
			return err
		}
		boundary := high
		if bound.MinAcked.Valid {
			boundary = bound.MinAcked.Int64
		}

		rows, err := s.selectRange(ctx, tx, row.ID, low, high)
		if err != nil {
			return err
		}

		_, err = s.exec(ctx, tx, s.qb.Update(tableSubscriptions).
			Set(goqu.Record{"acked_seq": high}).
			Where(goqu.Ex{"stream_id": row.ID, "subscriber": string(sub)}).
			Prepared(true))
		if err != nil {
			return fmt.Errorf("failed to advance cursor: %w", err)
		}

		applied, err := s.trim(ctx, tx, row, boundary)
		if err != nil {
			return err
		}

		res = stream.ConsumeResult{
			Events:         rowEvents(id, rows),
			Low:            uint64(low),
			High:           uint64(high),
			TrimmedThrough: applied,
		}
		return nil
	})
	return res, err
}

// selectRange loads the framed events in (low, high] one keyset page at a
// time, so no single result set exceeds consumePage rows.
func (s *Store) selectRange(ctx context.Context, tx *sqlx.Tx, streamID, low, high int64) ([]eventRow, error) {
	rows := make([]eventRow, 0, min(high-low, consumePage))
	for after := low; after < high; {
		var page []eventRow
		err := s.selectAll(ctx, tx, &page, s.qb.From(tableEvents).
			Select("seq", "payload", "created_at").
			Where(
				goqu.C("stream_id").Eq(streamID),
				goqu.C("seq").Gt(after),
				goqu.C("seq").Lte(high),
			).
			Order(goqu.C("seq").Asc()).
			Limit(consumePage).
			Prepared(true))
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		rows = append(rows, page...)
		after = page[len(page)-1].Seq
	}
	return rows, nil
}

// rowEvents decodes each framed row as the caller reaches it.
func rowEvents(id stream.StreamID, rows []eventRow) *stream.Events {
	i := 0
	return stream.NewEvents(func() (stream.Event, bool, error) {
		if i >= len(rows) {
			return stream.Event{}, false, nil
		}
		r := rows[i]
		rows[i] = eventRow{}
		i++
		payload, err := encoding.DecodePayload(r.Payload)
		if err != nil {
			return stream.Event{}, false, fmt.Errorf("event %d of %s: %w", r.Seq, id, err)
		}
		return stream.Event{
			Stream:   id,
			Sequence: uint64(r.Seq),
			Payload:  payload,
			Time:     time.Unix(0, r.CreatedAt).UTC(),
		}, true, nil
	}, nil)
}

// trim deletes events at or below boundary unless already trimmed and
// returns the boundary applied, zero when nothing changed.
func (s *Store) trim(ctx context.Context, tx *sqlx.Tx, row streamRow, boundary int64) (uint64, error) {
	if boundary <= row.Trimmed {
		return 0, nil
	}
	_, err := s.exec(ctx, tx, s.qb.Delete(tableEvents).
		Where(
			goqu.C("stream_id").Eq(row.ID),
			goqu.C("seq").Lte(boundary),
		).
		Prepared(true))
	if err != nil {
		return 0, fmt.Errorf("failed to trim events: %w", err)
	}
	_, err = s.exec(ctx, tx, s.qb.Update(tableStreams).
		Set(goqu.Record{"trimmed": boundary}).
		Where(goqu.Ex{"id": row.ID}).
		Prepared(true))
	if err != nil {
		return 0, fmt.Errorf("failed to record trim: %w", err)
	}
	return uint64(boundary), nil
}

// Sweep trims id up to the slowest cursor, or the tail without subscribers.
func (s *Store) Sweep(ctx context.Context, id stream.StreamID) (uint64, error) {
	var applied uint64
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		row, err := s.lockStream(ctx, tx, id)
		if err != nil {
			return err
		}

		var bound boundRow
		err = s.get(ctx, tx, &bound, s.qb.From(tableSubscriptions).
			Select(goqu.MIN("acked_seq").As("min_acked")).
			Where(goqu.C("stream_id").Eq(row.ID)).
			Prepared(true))
		if err != nil {
			return err
		}
		boundary := row.Tail
		if bound.MinAcked.Valid {
			boundary = bound.MinAcked.Int64
		}

		applied, err = s.trim(ctx, tx, row, boundary)
		return err
	})
	if err != nil {
		return 0, err
	}
	if applied > 0 {
		log.Debug().Str("stream", id.String()).Uint64("boundary", applied).Msg("Swept stream log")
	}
	return applied, nil
}

// PurgeSubscriptions deletes the registry rows whose subscriber starts with
// prefix. The match compares a substring rather than LIKE so ids need no
// escaping on any dialect.
func (s *Store) PurgeSubscriptions(ctx context.Context, prefix string) (int, error) {
	if s.closed.Load() {
		return 0, stream.ErrClosed
	}
	del := s.qb.Delete(tableSubscriptions)
	if prefix != "" {
		del = del.Where(goqu.Func("substr",
			goqu.C("subscriber"), 1, utf8.RuneCountInString(prefix),
		).Eq(prefix))
	}
	res, err := s.exec(ctx, s.db, del.Prepared(true))
	if err != nil {
		return 0, fmt.Errorf("failed to purge subscriptions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close closes the database.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	return s.closed.Load()
}
