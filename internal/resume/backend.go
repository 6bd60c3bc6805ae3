// ABOUTME: Key/value backends for resumption records with an atomic take (read and delete)
// ABOUTME: MemoryBackend for tests and single processes, SQLiteBackend on modernc.org/sqlite

package resume

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"
)

// DefaultSQLiteDSN is a named shared-cache in-memory database. Every
// SQLiteBackend opened with it inside one process sees the same records,
// and nothing survives the process.
const DefaultSQLiteDSN = "file:council-resume?mode=memory&cache=shared"

// Backend stores opaque values by key. Take must read and delete in one
// step so a value is returned at most once.
type Backend interface {
	Put(ctx context.Context, key string, value []byte) error
	Take(ctx context.Context, key string) ([]byte, bool, error)
	Close() error
}

// MemoryBackend is a Backend held in a map.
type MemoryBackend struct {
	mu     sync.Mutex
	values map[string][]byte
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: make(map[string][]byte)}
}

// Put stores a copy of value under key, replacing any previous value.
func (m *MemoryBackend) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

// Take removes and returns the value under key.
func (m *MemoryBackend) Take(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.values[key]
	if ok {
		delete(m.values, key)
	}
	return value, ok, nil
}

// Len returns the number of stored values.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}

// Close is a no-op.
func (m *MemoryBackend) Close() error { return nil }

// SQLiteBackend keeps values in a resume_records table.
type SQLiteBackend struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteBackend opens dsn (DefaultSQLiteDSN when empty) and creates the
// table if needed.
func NewSQLiteBackend(dsn string) (*SQLiteBackend, error) {
	if dsn == "" {
		dsn = DefaultSQLiteDSN
	}
	logger := slog.Default().With("component", "resume_store")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening resume database: %w", err)
	}
	// One connection serializes takes and keeps a shared in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS resume_records (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating resume schema: %w", err)
	}

	logger.Debug("resume backend initialized", "dsn", dsn)
	return &SQLiteBackend{db: db, logger: logger}, nil
}

// Put upserts value under key.
func (b *SQLiteBackend) Put(ctx context.Context, key string, value []byte) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO resume_records (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("writing resume record: %w", err)
	}
	return nil
}

// Take deletes the row for key and returns its value.
func (b *SQLiteBackend) Take(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx,
		`DELETE FROM resume_records WHERE key = ? RETURNING value`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("taking resume record: %w", err)
	}
	return value, true, nil
}

// Close closes the database. A shared in-memory database is discarded once
// its last connection closes.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
