// ABOUTME: Store interface and data types for the council server's persistence
// ABOUTME: Defines credit accounts, conversations and turns plus their sentinel errors

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a conversation id is reused
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrDuplicateTurn is returned when a sequence is written twice for one conversation
var ErrDuplicateTurn = errors.New("turn already recorded")

// InsufficientCreditsError is returned by Debit when the balance cannot cover the amount.
type InsufficientCreditsError struct {
	Required int64
	Current  int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, current %d", e.Required, e.Current)
}

// Account holds a principal's credit balance
type Account struct {
	PrincipalID string
	Balance     int64
	UpdatedAt   time.Time
}

// Conversation status values
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
	StatusErrored   = "errored"
)

// Conversation is one multi-agent run started by a principal
type Conversation struct {
	ID             string
	CorrelationID  string
	PrincipalID    string
	AgentIDs       []string
	InitialMessage string
	MaxTurns       int
	Status         string
	Reason         string // set when Status is errored
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Turn is one agent message, unique per (ConversationID, Sequence)
type Turn struct {
	ConversationID string
	Sequence       int
	AgentID        string
	Content        string
	CreatedAt      time.Time
}

// Store defines the persistence operations the council server needs
type Store interface {
	// Credits
	EnsureAccount(ctx context.Context, principalID string, initial int64) (*Account, error)
	GetAccount(ctx context.Context, principalID string) (*Account, error)
	Debit(ctx context.Context, principalID string, amount int64) (int64, error)
	Credit(ctx context.Context, principalID string, amount int64) (int64, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	UpdateConversationStatus(ctx context.Context, id, status, reason string) error

	// Turns
	SaveTurn(ctx context.Context, turn *Turn) error
	ListTurns(ctx context.Context, conversationID string) ([]*Turn, error)

	// Close releases any resources held by the store
	Close() error
}
