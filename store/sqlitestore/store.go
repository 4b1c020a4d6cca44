// Package sqlitestore keeps streams in a single SQLite file.
//
// All queries come from sqlstore. This package opens the database with
// BEGIN IMMEDIATE transactions on a single connection, so write transactions
// never interleave, and routes appends through a group committer.
package sqlitestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/jmoiron/sqlx"
	"github.com/maxpert/tailstream/store/sqlstore"
	"github.com/maxpert/tailstream/stream"
	"github.com/rs/zerolog/log"
)

// Options tunes the store.
type Options struct {
	MaxBatchSize         int           // appends grouped into one commit
	BatchWait            time.Duration // longest an append waits for its group
	CacheSize            int           // stream name to row id cache entries
	BusyTimeout          time.Duration
	SynchronousNormal    bool // trade durability of the last commits for speed
	CompressionThreshold int
}

// Store implements stream.Store on SQLite.
type Store struct {
	*sqlstore.Store
	path      string
	committer *batchCommitter
}

var _ stream.Store = (*Store)(nil)

// Open creates or opens the database at path and applies the schema.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 256
	}
	if opts.BatchWait <= 0 {
		opts.BatchWait = 2 * time.Millisecond
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	db, err := sqlx.Open(DriverName, buildDSN(path, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store at %s: %w", path, err)
	}

	// Single connection: write transactions are serialised in-process
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	core, err := sqlstore.New(db, sqlstore.Dialect{
		Name:              "sqlite3",
		Schema:            schema,
		IsUniqueViolation: isUniqueViolation,
	}, sqlstore.Options{
		CompressionThreshold: opts.CompressionThreshold,
		CacheSize:            opts.CacheSize,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := core.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		Store:     core,
		path:      path,
		committer: newBatchCommitter(core, opts.MaxBatchSize, opts.BatchWait),
	}
	s.committer.Start()

	log.Info().Str("path", path).Int("max_batch_size", opts.MaxBatchSize).Msg("Opened sqlite stream store")
	return s, nil
}

func buildDSN(path string, opts Options) string {
	params := []string{
		"_journal_mode=WAL",
		"_txlock=immediate",
		fmt.Sprintf("_busy_timeout=%d", opts.BusyTimeout.Milliseconds()),
	}
	if opts.SynchronousNormal {
		params = append(params, "_synchronous=NORMAL")
	} else {
		params = append(params, "_synchronous=FULL")
	}

	dsn := "file:" + path
	if strings.Contains(path, "?") {
		return dsn + "&" + strings.Join(params, "&")
	}
	return dsn + "?" + strings.Join(params, "&")
}

// AppendBatch hands recs to the group committer and waits for the commit.
func (s *Store) AppendBatch(ctx context.Context, id stream.StreamID, recs []stream.Record) ([]uint64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	if s.Closed() {
		return nil, stream.ErrClosed
	}
	return s.committer.Enqueue(ctx, id, recs).Get()
}

// Close flushes pending appends and closes the database.
func (s *Store) Close() error {
	s.committer.Stop()
	return s.Store.Close()
}
