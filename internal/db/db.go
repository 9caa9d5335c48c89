// Package db provides SQLite database access for elissa.
package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/elissabot/elissa/internal/logging"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection shared by the repositories.
type DB struct {
	*sql.DB
	logger zerolog.Logger
}

// Open opens (or creates) the database at path. WAL mode keeps reads
// concurrent with the single writer; busy_timeout covers transient
// lock contention across connections.
func Open(path string) (*DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	return open(dsn)
}

// OpenInMemory opens a private in-memory database. Used by tests.
func OpenInMemory() (*DB, error) {
	return open(":memory:")
}

func open(dsn string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer at a time; a single pooled connection
	// avoids SQLITE_BUSY entirely.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	return &DB{DB: sqlDB, logger: logging.Component("db")}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	key             TEXT PRIMARY KEY,
	cursor          INTEGER NOT NULL DEFAULT 0,
	script_snapshot TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_log (
	id               TEXT PRIMARY KEY,
	conversation_key TEXT NOT NULL REFERENCES conversations(key),
	direction        TEXT NOT NULL,
	kind             TEXT NOT NULL,
	body             TEXT NOT NULL,
	created_at       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_log_conversation
	ON conversation_log(conversation_key, created_at);

CREATE TABLE IF NOT EXISTS timers (
	conversation_key TEXT PRIMARY KEY REFERENCES conversations(key),
	due_at           INTEGER NOT NULL, -- unix nanoseconds
	created_at       TEXT NOT NULL
);
`

// Migrate creates the schema. Idempotent; safe to call on every start.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
