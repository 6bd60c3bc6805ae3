// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	accounts      map[string]*Account      // keyed by principal ID
	conversations map[string]*Conversation // keyed by conversation ID
	turns         map[string][]*Turn       // keyed by conversation ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		accounts:      make(map[string]*Account),
		conversations: make(map[string]*Conversation),
		turns:         make(map[string][]*Turn),
	}
}

// EnsureAccount creates the account with the initial balance if missing.
func (m *MockStore) EnsureAccount(ctx context.Context, principalID string, initial int64) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[principalID]
	if !ok {
		acct = &Account{PrincipalID: principalID, Balance: initial, UpdatedAt: time.Now()}
		m.accounts[principalID] = acct
	}
	result := *acct
	return &result, nil
}

// GetAccount retrieves an account by principal ID.
func (m *MockStore) GetAccount(ctx context.Context, principalID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[principalID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *acct
	return &result, nil
}

// Debit subtracts amount when the balance covers it.
func (m *MockStore) Debit(ctx context.Context, principalID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit amount must not be negative: %d", amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[principalID]
	if !ok {
		return 0, ErrNotFound
	}
	if acct.Balance < amount {
		return acct.Balance, &InsufficientCreditsError{Required: amount, Current: acct.Balance}
	}
	acct.Balance -= amount
	acct.UpdatedAt = time.Now()
	return acct.Balance, nil
}

// Credit adds amount to the balance.
func (m *MockStore) Credit(ctx context.Context, principalID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("credit amount must not be negative: %d", amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[principalID]
	if !ok {
		return 0, ErrNotFound
	}
	acct.Balance += amount
	acct.UpdatedAt = time.Now()
	return acct.Balance, nil
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return ErrDuplicateConversation
	}

	// Make a copy to avoid external modification
	c := *conv
	c.AgentIDs = slices.Clone(conv.AgentIDs)
	if c.Status == "" {
		c.Status = StatusActive
	}
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	result.AgentIDs = slices.Clone(c.AgentIDs)
	return &result, nil
}

// UpdateConversationStatus sets status and reason.
func (m *MockStore) UpdateConversationStatus(ctx context.Context, id, status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.Reason = reason
	c.UpdatedAt = time.Now()
	return nil
}

// SaveTurn records a turn.
func (m *MockStore) SaveTurn(ctx context.Context, turn *Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[turn.ConversationID]; !ok {
		return ErrNotFound
	}
	for _, existing := range m.turns[turn.ConversationID] {
		if existing.Sequence == turn.Sequence {
			return ErrDuplicateTurn
		}
	}

	t := *turn
	m.turns[turn.ConversationID] = append(m.turns[turn.ConversationID], &t)
	return nil
}

// ListTurns returns turns ordered by sequence.
func (m *MockStore) ListTurns(ctx context.Context, conversationID string) ([]*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	turns := m.turns[conversationID]
	result := make([]*Turn, 0, len(turns))
	for _, t := range turns {
		c := *t
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Sequence < result[j].Sequence })
	return result, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time check
var _ Store = (*MockStore)(nil)
