// ABOUTME: Turn coordination for one client: send eligibility, a single in-flight send per conversation,
// ABOUTME: typing timers for stalled-turn detection and the informational next-speaker hint

package turn

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-council/internal/conversation"
	"github.com/2389/coven-council/internal/wire"
)

// ErrSendInFlight is returned by Begin while an earlier send for the same
// conversation has not settled. Nothing is queued.
var ErrSendInFlight = errors.New("a message is already being sent")

// DefaultTurnTimeout is how long an agent may type before it counts as stalled.
const DefaultTurnTimeout = 2 * time.Minute

// Coordinator tracks in-flight sends and typing agents across conversations.
type Coordinator struct {
	mu       sync.Mutex
	inFlight map[string]time.Time
	typing   map[string]map[string]time.Time
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewCoordinator creates a Coordinator. A non-positive timeout selects
// DefaultTurnTimeout; nil now and logger select defaults.
func NewCoordinator(timeout time.Duration, now func() time.Time, logger *slog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTurnTimeout
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		inFlight: make(map[string]time.Time),
		typing:   make(map[string]map[string]time.Time),
		timeout:  timeout,
		now:      now,
		logger:   logger.With("component", "turn"),
	}
}

// Eligible checks that a follow-up could be sent: at least two agents and
// non-blank input. Errors wrap conversation.ErrPrecondition.
func Eligible(selected []string, input string) error {
	if len(selected) < 2 {
		return conversation.ErrTooFewAgents
	}
	if strings.TrimSpace(input) == "" {
		return conversation.ErrEmptyMessage
	}
	return nil
}

// Begin marks a send in flight for conversationID.
func (c *Coordinator) Begin(conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if since, busy := c.inFlight[conversationID]; busy {
		return fmt.Errorf("%w (since %s)", ErrSendInFlight, since.Format(time.TimeOnly))
	}
	c.inFlight[conversationID] = c.now()
	return nil
}

// InFlight reports whether a send is pending for conversationID.
func (c *Coordinator) InFlight(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, busy := c.inFlight[conversationID]
	return busy
}

// Settle ends the in-flight send for conversationID. Settling a conversation
// with nothing in flight is a no-op.
func (c *Coordinator) Settle(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	since, busy := c.inFlight[conversationID]
	if !busy {
		return
	}
	delete(c.inFlight, conversationID)
	c.logger.Debug("send settled",
		"conversation_id", conversationID,
		"waited", c.now().Sub(since))
}

// Observe updates typing timers from a server event and settles the
// in-flight send on the first agent activity or a terminal event.
func (c *Coordinator) Observe(ev wire.Event) {
	id := ev.Conversation()
	if id == "" {
		return
	}

	switch e := ev.(type) {
	case *wire.AgentTyping:
		c.Settle(id)
		c.mu.Lock()
		agents := c.typing[id]
		if agents == nil {
			agents = make(map[string]time.Time)
			c.typing[id] = agents
		}
		if _, already := agents[e.AgentID]; !already {
			agents[e.AgentID] = c.now()
		}
		c.mu.Unlock()
	case *wire.AgentMessage:
		c.Settle(id)
		c.mu.Lock()
		if agents := c.typing[id]; agents != nil {
			delete(agents, e.AgentID)
			if len(agents) == 0 {
				delete(c.typing, id)
			}
		}
		c.mu.Unlock()
	case *wire.ConversationComplete, *wire.ConversationError, *wire.ConversationStopped:
		c.Forget(id)
	}
}

// Forget drops every in-flight send and typing timer for conversationID.
func (c *Coordinator) Forget(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, conversationID)
	delete(c.typing, conversationID)
}

// Stall is an agent that has been typing longer than the turn timeout.
type Stall struct {
	ConversationID string
	AgentID        string
	Since          time.Time
}

// Stalled returns the agents typing for longer than the turn timeout at now,
// ordered by conversation then agent.
func (c *Coordinator) Stalled(now time.Time) []Stall {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stalls []Stall
	for convID, agents := range c.typing {
		for agentID, since := range agents {
			if now.Sub(since) > c.timeout {
				stalls = append(stalls, Stall{ConversationID: convID, AgentID: agentID, Since: since})
			}
		}
	}
	slices.SortFunc(stalls, func(a, b Stall) int {
		if n := strings.Compare(a.ConversationID, b.ConversationID); n != 0 {
			return n
		}
		return strings.Compare(a.AgentID, b.AgentID)
	})
	return stalls
}

// ImpliedNext returns the agent expected to speak next: the one typing, or
// the participant after the last speaker. It is a display hint only; the
// server picks the speaker.
func ImpliedNext(snap conversation.Snapshot) string {
	if len(snap.Typing) > 0 {
		return snap.Typing[0].AgentID
	}
	if len(snap.Participants) == 0 || snap.State.Terminal() {
		return ""
	}
	last := snap.LastSpeaker()
	if last == "" {
		return snap.Participants[0]
	}
	idx := slices.Index(snap.Participants, last)
	if idx < 0 {
		return snap.Participants[0]
	}
	return snap.Participants[(idx+1)%len(snap.Participants)]
}

// Continues reports whether more agent turns are expected in the current round.
func Continues(snap conversation.Snapshot) bool {
	if snap.ConversationID == "" || snap.State.Terminal() {
		return false
	}
	return snap.RoundTurns < snap.MaxTurns
}
