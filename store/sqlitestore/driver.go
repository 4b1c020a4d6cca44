package sqlitestore

import (
	"database/sql"
	"errors"

	"github.com/mattn/go-sqlite3"
)

// DriverName is the custom driver applying per-connection pragmas
const DriverName = "sqlite3_tailstream"

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			pragmas := []string{
				"PRAGMA foreign_keys = ON",
				"PRAGMA temp_store = MEMORY",
				"PRAGMA cache_size = -16000", // 16MB page cache
			}
			for _, pragma := range pragmas {
				if _, err := conn.Exec(pragma, nil); err != nil {
					return err
				}
			}
			return nil
		},
	})
}

// isUniqueViolation matches PRIMARY KEY and UNIQUE constraint failures
func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS streams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		tail INTEGER NOT NULL DEFAULT 0,
		trimmed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stream_events (
		stream_id INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		payload BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (stream_id, seq)
	) WITHOUT ROWID`,
	`CREATE TABLE IF NOT EXISTS stream_subscriptions (
		stream_id INTEGER NOT NULL,
		subscriber TEXT NOT NULL,
		acked_seq INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (stream_id, subscriber)
	) WITHOUT ROWID`,
}
