package relaymail

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStateBackend keeps watermark records in a single-table SQLite
// database. ":memory:" is accepted for tests.
type SQLiteStateBackend struct {
	db *sqlx.DB
}

func NewSQLiteStateBackend(path string) (*SQLiteStateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	const schema = `
		CREATE TABLE IF NOT EXISTS relaymail_state (
			record_key TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating state table: %w", err)
	}
	return &SQLiteStateBackend{db: db}, nil
}

func (b *SQLiteStateBackend) Load(key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	var payload string
	err := b.db.GetContext(ctx, &payload, "SELECT payload FROM relaymail_state WHERE record_key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading record %s: %w", key, err)
	}
	return []byte(payload), nil
}

func (b *SQLiteStateBackend) Save(key string, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	const query = `
		INSERT INTO relaymail_state (record_key, payload, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(record_key) DO UPDATE SET payload = excluded.payload, updated_at = CURRENT_TIMESTAMP`
	if _, err := b.db.ExecContext(ctx, query, key, string(data)); err != nil {
		return fmt.Errorf("saving record %s: %w", key, err)
	}
	return nil
}

func (b *SQLiteStateBackend) Close() error {
	return b.db.Close()
}
