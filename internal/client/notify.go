// ABOUTME: Routes client errors and connection changes to the user-facing Notifier
// ABOUTME: Credit shortfalls get their own path and never surface as a generic toast

package client

import (
	"errors"
	"fmt"

	"github.com/2389/coven-council/internal/attach"
	"github.com/2389/coven-council/internal/conversation"
	"github.com/2389/coven-council/internal/gate"
	"github.com/2389/coven-council/internal/transport"
	"github.com/2389/coven-council/internal/turn"
)

// Notifier presents client events to the user.
type Notifier interface {
	// Toast shows a short generic message.
	Toast(message string)
	// InsufficientCredits prompts the user to top up.
	InsufficientCredits(err *gate.InsufficientError)
	// Connection reflects the transport status.
	Connection(status transport.Status)
}

// NopNotifier discards everything.
type NopNotifier struct{}

func (NopNotifier) Toast(string)                                {}
func (NopNotifier) InsufficientCredits(*gate.InsufficientError) {}
func (NopNotifier) Connection(transport.Status)                 {}

// Report sends err to the right Notifier method. Precondition failures are
// only logged: the UI prevents them and they need no message.
func (c *Client) Report(err error) {
	if err == nil {
		return
	}

	switch {
	case conversation.IsPrecondition(err):
		c.logger.Debug("precondition failed", "error", err)
	case gate.IsInsufficient(err):
		var insufficient *gate.InsufficientError
		if !errors.As(err, &insufficient) {
			insufficient = &gate.InsufficientError{Detail: err.Error()}
		}
		c.logger.Info("insufficient credits",
			"required", insufficient.Required,
			"current", insufficient.Current,
			"shortfall", insufficient.Shortfall)
		c.notifier.InsufficientCredits(insufficient)
	default:
		c.logger.Warn("reporting error", "error", err)
		c.notifier.Toast(HumanMessage(err))
	}
}

// HumanMessage phrases err for a toast.
func HumanMessage(err error) string {
	var (
		serverErr     *conversation.ServerError
		extractionErr *attach.ExtractionError
	)
	switch {
	case errors.Is(err, ErrNotConnected):
		return "Not connected to the council server."
	case errors.Is(err, ErrConnectionLost):
		return "The connection dropped before the conversation started. Please try again."
	case errors.Is(err, conversation.ErrStartTimeout):
		return "The conversation did not start in time. Please try again."
	case errors.Is(err, turn.ErrSendInFlight):
		return "Please wait for the agents to respond to your last message."
	case errors.As(err, &serverErr):
		return fmt.Sprintf("The conversation failed: %s", serverErr.Reason)
	case errors.As(err, &extractionErr):
		return fmt.Sprintf("Could not read %s.", extractionErr.Name)
	default:
		return fmt.Sprintf("Something went wrong: %v", err)
	}
}
