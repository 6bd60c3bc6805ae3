// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides credit, conversation and turn persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Debit reads then writes; a single connection serializes those transactions
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS accounts (
			principal_id TEXT PRIMARY KEY,
			balance INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			CHECK (balance >= 0)
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			principal_id TEXT NOT NULL,
			agent_ids TEXT NOT NULL,
			initial_message TEXT NOT NULL,
			max_turns INTEGER NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			CHECK (status IN ('active', 'completed', 'stopped', 'errored'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_principal
			ON conversations(principal_id);

		CREATE TABLE IF NOT EXISTS turns (
			conversation_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			agent_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (conversation_id, sequence),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// EnsureAccount returns the principal's account, creating it with the
// initial balance on first use.
func (s *SQLiteStore) EnsureAccount(ctx context.Context, principalID string, initial int64) (*Account, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (principal_id, balance, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(principal_id) DO NOTHING`,
		principalID, initial, formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("ensuring account: %w", err)
	}
	return s.GetAccount(ctx, principalID)
}

// GetAccount retrieves a principal's account.
// Returns ErrNotFound if the account doesn't exist.
func (s *SQLiteStore) GetAccount(ctx context.Context, principalID string) (*Account, error) {
	var acct Account
	var updatedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT principal_id, balance, updated_at FROM accounts WHERE principal_id = ?`,
		principalID,
	).Scan(&acct.PrincipalID, &acct.Balance, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}

	acct.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &acct, nil
}

// Debit subtracts amount and returns the new balance. When the balance is
// too low nothing changes and an *InsufficientCreditsError is returned.
func (s *SQLiteStore) Debit(ctx context.Context, principalID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit amount must not be negative: %d", amount)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var balance int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE principal_id = ?`, principalID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying balance: %w", err)
	}

	if balance < amount {
		return balance, &InsufficientCreditsError{Required: amount, Current: balance}
	}

	balance -= amount
	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = ?, updated_at = ? WHERE principal_id = ?`,
		balance, formatTime(time.Now()), principalID,
	); err != nil {
		return 0, fmt.Errorf("updating balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing debit: %w", err)
	}

	s.logger.Debug("debited credits", "principal_id", principalID, "amount", amount, "balance", balance)
	return balance, nil
}

// Credit adds amount and returns the new balance.
func (s *SQLiteStore) Credit(ctx context.Context, principalID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("credit amount must not be negative: %d", amount)
	}

	var balance int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE accounts SET balance = balance + ?, updated_at = ?
		 WHERE principal_id = ? RETURNING balance`,
		amount, formatTime(time.Now()), principalID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("crediting account: %w", err)
	}
	return balance, nil
}

// CreateConversation inserts a conversation.
// Returns ErrDuplicateConversation if the id is already taken.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	agents, err := json.Marshal(conv.AgentIDs)
	if err != nil {
		return fmt.Errorf("encoding agent ids: %w", err)
	}

	status := conv.Status
	if status == "" {
		status = StatusActive
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (
			id, correlation_id, principal_id, agent_ids, initial_message,
			max_turns, status, reason, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID,
		conv.CorrelationID,
		conv.PrincipalID,
		string(agents),
		conv.InitialMessage,
		conv.MaxTurns,
		status,
		conv.Reason,
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "conversation_id", conv.ID, "agents", len(conv.AgentIDs))
	return nil
}

// GetConversation retrieves a conversation by id.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	var agents, createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, correlation_id, principal_id, agent_ids, initial_message,
		       max_turns, status, reason, created_at, updated_at
		FROM conversations
		WHERE id = ?`, id,
	).Scan(
		&conv.ID,
		&conv.CorrelationID,
		&conv.PrincipalID,
		&agents,
		&conv.InitialMessage,
		&conv.MaxTurns,
		&conv.Status,
		&conv.Reason,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	if err := json.Unmarshal([]byte(agents), &conv.AgentIDs); err != nil {
		return nil, fmt.Errorf("decoding agent ids: %w", err)
	}
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conv, nil
}

// UpdateConversationStatus sets the status and reason of a conversation.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) UpdateConversationStatus(ctx context.Context, id, status, reason string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = ?, reason = ?, updated_at = ? WHERE id = ?`,
		status, reason, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveTurn records an agent turn.
// Returns ErrDuplicateTurn if the sequence already exists for the conversation.
func (s *SQLiteStore) SaveTurn(ctx context.Context, turn *Turn) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (conversation_id, sequence, agent_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		turn.ConversationID,
		turn.Sequence,
		turn.AgentID,
		turn.Content,
		formatTime(turn.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return ErrNotFound
		}
		if isConstraintViolation(err) {
			return ErrDuplicateTurn
		}
		return fmt.Errorf("inserting turn: %w", err)
	}
	return nil
}

// ListTurns returns a conversation's turns ordered by sequence.
func (s *SQLiteStore) ListTurns(ctx context.Context, conversationID string) ([]*Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, sequence, agent_id, content, created_at
		FROM turns
		WHERE conversation_id = ?
		ORDER BY sequence ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		var turn Turn
		var createdAt string
		if err := rows.Scan(&turn.ConversationID, &turn.Sequence, &turn.AgentID, &turn.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		if turn.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		turns = append(turns, &turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating turns: %w", err)
	}
	return turns, nil
}

// Compile-time check
var _ Store = (*SQLiteStore)(nil)
