// ABOUTME: Error taxonomy for conversation sessions: preconditions, timeouts, server failures
// ABOUTME: Server reasons tagged insufficient_credits become gate.InsufficientError instead of ServerError

package conversation

import (
	"errors"
	"fmt"

	"github.com/2389/coven-council/internal/gate"
)

// ErrPrecondition is wrapped by every local precondition failure. These are
// detected before any wire traffic and are never retried.
var ErrPrecondition = errors.New("precondition failed")

// Precondition failures.
var (
	ErrTooFewAgents    = fmt.Errorf("%w: at least two agents are required", ErrPrecondition)
	ErrInvalidAgent    = fmt.Errorf("%w: agent ids must be unique and non-empty", ErrPrecondition)
	ErrEmptyMessage    = fmt.Errorf("%w: message is empty", ErrPrecondition)
	ErrInvalidMaxTurns = fmt.Errorf("%w: max turns must be positive", ErrPrecondition)
	ErrNotActive       = fmt.Errorf("%w: conversation is not active", ErrPrecondition)
	ErrAlreadyStarted  = fmt.Errorf("%w: session already started", ErrPrecondition)
	ErrNotCleared      = fmt.Errorf("%w: credit check has not passed", ErrPrecondition)
)

// ErrStartTimeout is returned when neither an acknowledgment nor an error
// arrives for a start request in time.
var ErrStartTimeout = errors.New("timed out waiting for conversation to start")

// IsPrecondition reports whether err is a local precondition failure.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrPrecondition)
}

// ServerError is a conversation_error reported by the server that is not a
// credit shortfall.
type ServerError struct {
	ConversationID string
	Reason         string
}

func (e *ServerError) Error() string {
	if e.ConversationID == "" {
		return fmt.Sprintf("conversation failed: %s", e.Reason)
	}
	return fmt.Sprintf("conversation %s failed: %s", e.ConversationID, e.Reason)
}

// classifyReason turns a wire reason into a typed error.
func classifyReason(conversationID, reason string) error {
	if insufficient := gate.FromReason(reason); insufficient != nil {
		return insufficient
	}
	return &ServerError{ConversationID: conversationID, Reason: reason}
}
