// Package store keeps household events and calendar connections in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/beekhof/household-calendar-sync/internal/model"
)

// Standard errors
var (
	ErrNotFound  = model.ErrNotFound
	ErrDuplicate = errors.New("store: duplicate key")
)

const schema = `
CREATE TABLE IF NOT EXISTS connections (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	provider      TEXT NOT NULL,
	name          TEXT NOT NULL DEFAULT '',
	direction     TEXT NOT NULL,
	calendar_id   TEXT NOT NULL DEFAULT '',
	feed_url      TEXT NOT NULL DEFAULT '',
	timezone      TEXT NOT NULL DEFAULT 'UTC',
	access_token  TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT '',
	token_expiry  INTEGER NOT NULL DEFAULT 0,
	last_sync     INTEGER NOT NULL DEFAULT 0,
	active        INTEGER NOT NULL DEFAULT 1,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connections_user ON connections(user_id);

CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id     TEXT NOT NULL,
	origin      TEXT NOT NULL,
	external_id TEXT NOT NULL,
	remote_id   TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	location    TEXT NOT NULL DEFAULT '',
	start_at    INTEGER NOT NULL,
	end_at      INTEGER NOT NULL,
	all_day     INTEGER NOT NULL DEFAULT 0,
	category    TEXT NOT NULL DEFAULT 'generic',
	source_type TEXT NOT NULL DEFAULT '',
	source_id   TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	UNIQUE (user_id, external_id)
);
CREATE INDEX IF NOT EXISTS idx_events_window ON events(user_id, origin, start_at);
`

// DB wraps sql.DB with the schema applied.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// the schema.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, model.NewError(model.ErrConfiguration, "open database", errors.New("database path is empty"))
	}
	// Transactions take the write lock at BEGIN, waiting up to the busy timeout.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{DB: db}, nil
}

// WithTransaction executes fn within a transaction. It commits on success
// and rolls back on error or panic.
func (db *DB) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// IsNotFound checks if err is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}

// IsDuplicate checks if err is a unique constraint violation.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Times are stored as unix seconds; 0 is the zero time.
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(s int64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(s, 0).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
