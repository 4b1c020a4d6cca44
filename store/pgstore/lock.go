package pgstore

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/jmoiron/sqlx"
	"github.com/maxpert/tailstream/stream"
)

// LockKey maps a stream to its advisory lock key.
func LockKey(id stream.StreamID) int64 {
	return int64(xxhash.Sum64String("tailstream/append/" + string(id)))
}

// lockAppend takes the append lock of id for the rest of tx. It runs on the
// connection already owned by tx and is released by commit or rollback, so
// a blocked appender never holds a second pooled connection.
func lockAppend(ctx context.Context, tx *sqlx.Tx, id stream.StreamID) error {
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", LockKey(id)); err != nil {
		return fmt.Errorf("failed to take append lock of %s: %w", id, err)
	}
	return nil
}
