// Package pgstore keeps streams in PostgreSQL so several processes can share
// them. The catalog row of a stream is locked FOR UPDATE by every mutation,
// and appends additionally take a transaction scoped advisory lock keyed by
// stream name. Both live on the transaction's own connection, so the pool
// size bounds concurrency but never deadlocks appenders.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/maxpert/tailstream/store/sqlstore"
	"github.com/maxpert/tailstream/stream"
	"github.com/rs/zerolog/log"
)

// Options tunes the store.
type Options struct {
	MaxOpenConns         int
	CacheSize            int
	CompressionThreshold int
}

// Store implements stream.Store on PostgreSQL.
type Store struct {
	*sqlstore.Store
}

var _ stream.Store = (*Store)(nil)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS streams (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		tail BIGINT NOT NULL DEFAULT 0,
		trimmed BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stream_events (
		stream_id BIGINT NOT NULL,
		seq BIGINT NOT NULL,
		payload BYTEA NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (stream_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS stream_subscriptions (
		stream_id BIGINT NOT NULL,
		subscriber TEXT NOT NULL,
		acked_seq BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (stream_id, subscriber)
	)`,
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres store: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	core, err := sqlstore.New(db, sqlstore.Dialect{
		Name:              "postgres",
		Schema:            schema,
		RowLock:           true,
		LockAppend:        lockAppend,
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

	log.Info().Msg("Opened postgres stream store")
	return &Store{Store: core}, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pq.ErrorCode("23505")
	}
	return false
}
