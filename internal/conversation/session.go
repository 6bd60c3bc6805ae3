// ABOUTME: Client-side state machine for one multi-agent conversation
// ABOUTME: Applies server events, keeps the transcript ordered by sequence, ignores late frames

package conversation

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-council/internal/clock"
	"github.com/2389/coven-council/internal/gate"
	"github.com/2389/coven-council/internal/wire"
)

// State is a conversation lifecycle state.
type State int

const (
	StateNoConversation State = iota
	StateStarting
	StateActive
	StateTurnInFlight
	StateCompleted
	StateStopped
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateNoConversation:
		return "no_conversation"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateTurnInFlight:
		return "turn_in_flight"
	case StateCompleted:
		return "completed"
	case StateStopped:
		return "stopped"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateStopped || s == StateErrored
}

// live reports whether the conversation accepts turns.
func (s State) live() bool {
	return s == StateActive || s == StateTurnInFlight
}

// Turn is one agent's recorded message.
type Turn struct {
	AgentID   string
	Speaker   string
	Text      string
	Timestamp time.Time
	Sequence  int64
}

// TypingIndicator marks an agent that is producing its next message.
type TypingIndicator struct {
	ConversationID string
	AgentID        string
	Since          time.Time
}

// StartRequest is what the user asked for when starting a conversation.
type StartRequest struct {
	AgentIDs []string
	Message  string
	MaxTurns int
	Files    []wire.FileAttachment
}

// Outcome describes what Apply did with an event.
type Outcome struct {
	// Ignored is set for frames that do not belong to this session or
	// arrive after it reached a terminal state.
	Ignored bool
	// Duplicate is set for agent messages whose sequence was already recorded.
	Duplicate bool
	// Changed is set when the snapshot differs from before the event.
	Changed bool
	// Turn is the turn recorded by an agent_message.
	Turn *Turn
	// Err is the classified failure of a conversation_error.
	Err error
}

// Snapshot is a copy of the session state, safe to hand to other goroutines.
type Snapshot struct {
	State          State
	ConversationID string
	CorrelationID  string
	Participants   []string
	MaxTurns       int
	RoundTurns     int
	Transcript     []Turn
	Typing         []TypingIndicator
	Err            error
}

// LastSpeaker returns the agent of the highest-sequence turn, or "".
func (s Snapshot) LastSpeaker() string {
	if len(s.Transcript) == 0 {
		return ""
	}
	return s.Transcript[len(s.Transcript)-1].AgentID
}

// Session is the client's projection of one conversation. A Session is used
// for exactly one conversation; start a new one after a terminal state.
type Session struct {
	mu     sync.Mutex
	clock  clock.Clock
	logger *slog.Logger

	state        State
	id           string
	correlation  string
	participants []string
	maxTurns     int
	roundTurns   int
	transcript   []Turn
	seen         map[int64]struct{}
	typing       map[string]TypingIndicator
	err          error
}

// NewSession creates a session in StateNoConversation. Pass nil for defaults.
func NewSession(clk clock.Clock, logger *slog.Logger) *Session {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		clock:  clk,
		logger: logger.With("component", "session"),
		seen:   make(map[int64]struct{}),
		typing: make(map[string]TypingIndicator),
	}
}

// ValidateStart checks the local preconditions of a start request.
func ValidateStart(req StartRequest) error {
	if err := validateAgents(req.AgentIDs); err != nil {
		return err
	}
	if strings.TrimSpace(req.Message) == "" {
		return ErrEmptyMessage
	}
	if req.MaxTurns < 1 {
		return ErrInvalidMaxTurns
	}
	return nil
}

func validateAgents(agentIDs []string) error {
	if len(agentIDs) < 2 {
		return ErrTooFewAgents
	}
	seen := make(map[string]struct{}, len(agentIDs))
	for _, id := range agentIDs {
		if id == "" {
			return ErrInvalidAgent
		}
		if _, dup := seen[id]; dup {
			return ErrInvalidAgent
		}
		seen[id] = struct{}{}
	}
	return nil
}

// BeginStart moves NoConversation to Starting and returns the payload to
// emit. The token is left for the caller to fill in.
func (s *Session) BeginStart(req StartRequest, clearance gate.Clearance) (*wire.StartConversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateNoConversation {
		return nil, ErrAlreadyStarted
	}
	if err := ValidateStart(req); err != nil {
		return nil, err
	}
	if !clearance.Valid() {
		return nil, ErrNotCleared
	}

	s.correlation = uuid.New().String()
	s.participants = slices.Clone(req.AgentIDs)
	s.maxTurns = req.MaxTurns
	s.state = StateStarting

	s.logger.Debug("starting conversation",
		"correlation_id", s.correlation,
		"agents", s.participants,
		"max_turns", s.maxTurns)

	return &wire.StartConversation{
		AgentIDs:       slices.Clone(req.AgentIDs),
		InitialMessage: req.Message,
		MaxTurns:       req.MaxTurns,
		Files:          slices.Clone(req.Files),
		CorrelationID:  s.correlation,
	}, nil
}

// AbortStart returns a Starting session to NoConversation, discarding the
// pending start. It reports whether anything was aborted.
func (s *Session) AbortStart(reason error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStarting {
		return false
	}
	s.logger.Info("start aborted", "correlation_id", s.correlation, "reason", reason)
	s.state = StateNoConversation
	s.correlation = ""
	s.participants = nil
	s.maxTurns = 0
	return true
}

// Apply feeds one server event into the state machine.
func (s *Session) Apply(ev wire.Event) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e := ev.(type) {
	case *wire.ConversationStarted:
		return s.applyStarted(e)
	case *wire.ConversationResumed:
		return s.applyResumed(e)
	case *wire.AgentTyping:
		return s.applyTyping(e)
	case *wire.AgentMessage:
		return s.applyMessage(e)
	case *wire.ConversationComplete:
		return s.applyComplete(e)
	case *wire.ConversationError:
		return s.applyError(e)
	case *wire.ConversationStopped:
		return s.applyStopped(e)
	default:
		return Outcome{Ignored: true}
	}
}

func (s *Session) applyStarted(e *wire.ConversationStarted) Outcome {
	if s.state != StateStarting || e.ConversationID == "" {
		return Outcome{Ignored: true}
	}
	if e.CorrelationID != "" && e.CorrelationID != s.correlation {
		return Outcome{Ignored: true}
	}

	s.id = e.ConversationID
	s.state = StateActive
	s.roundTurns = 0
	s.logger.Info("conversation started",
		"conversation_id", s.id,
		"correlation_id", s.correlation)
	return Outcome{Changed: true}
}

func (s *Session) applyResumed(e *wire.ConversationResumed) Outcome {
	if !s.matches(e.ConversationID) || s.state.Terminal() {
		return Outcome{Ignored: true}
	}
	s.logger.Debug("conversation rejoined", "conversation_id", s.id)
	return Outcome{}
}

func (s *Session) applyTyping(e *wire.AgentTyping) Outcome {
	if !s.matches(e.ConversationID) || !s.state.live() {
		return Outcome{Ignored: true}
	}

	s.typing[e.AgentID] = TypingIndicator{
		ConversationID: s.id,
		AgentID:        e.AgentID,
		Since:          s.clock.Now(),
	}
	s.state = StateTurnInFlight
	return Outcome{Changed: true}
}

func (s *Session) applyMessage(e *wire.AgentMessage) Outcome {
	if !s.matches(e.ConversationID) || !s.state.live() {
		return Outcome{Ignored: true}
	}
	if _, dup := s.seen[e.Sequence]; dup {
		s.logger.Debug("duplicate turn dropped",
			"conversation_id", s.id,
			"sequence", e.Sequence)
		return Outcome{Ignored: true, Duplicate: true}
	}

	turn := Turn{
		AgentID:   e.AgentID,
		Speaker:   e.Speaker,
		Text:      e.Message,
		Timestamp: e.Timestamp,
		Sequence:  e.Sequence,
	}

	// Insert after every turn with a lower sequence, so arrival order never
	// affects transcript order.
	idx, _ := slices.BinarySearchFunc(s.transcript, e.Sequence, func(t Turn, seq int64) int {
		switch {
		case t.Sequence < seq:
			return -1
		case t.Sequence > seq:
			return 1
		default:
			return 0
		}
	})
	if idx < len(s.transcript) {
		s.logger.Debug("out-of-order turn",
			"conversation_id", s.id,
			"sequence", e.Sequence,
			"position", idx)
	}
	s.transcript = slices.Insert(s.transcript, idx, turn)
	s.seen[e.Sequence] = struct{}{}

	if s.roundTurns < s.maxTurns {
		s.roundTurns++
	} else {
		s.logger.Warn("server exceeded turn budget",
			"conversation_id", s.id,
			"max_turns", s.maxTurns,
			"sequence", e.Sequence)
	}

	delete(s.typing, e.AgentID)
	if len(s.typing) == 0 {
		s.state = StateActive
	}

	recorded := turn
	return Outcome{Changed: true, Turn: &recorded}
}

func (s *Session) applyComplete(e *wire.ConversationComplete) Outcome {
	if !s.matches(e.ConversationID) || s.state.Terminal() {
		return Outcome{Ignored: true}
	}
	s.finish(StateCompleted, nil)
	s.logger.Info("conversation complete",
		"conversation_id", s.id,
		"turns", len(s.transcript))
	return Outcome{Changed: true}
}

func (s *Session) applyError(e *wire.ConversationError) Outcome {
	if s.state.Terminal() || !s.errorMatches(e) {
		return Outcome{Ignored: true}
	}

	err := classifyReason(s.id, e.Reason)
	s.finish(StateErrored, err)
	s.logger.Warn("conversation error",
		"conversation_id", s.id,
		"correlation_id", s.correlation,
		"reason", e.Reason)
	return Outcome{Changed: true, Err: err}
}

// errorMatches accepts errors for the bound id, or, while Starting, errors
// that carry this session's correlation token or no identifiers at all.
func (s *Session) errorMatches(e *wire.ConversationError) bool {
	if s.matches(e.ConversationID) {
		return true
	}
	if s.state != StateStarting {
		return false
	}
	if e.CorrelationID != "" {
		return e.CorrelationID == s.correlation
	}
	return e.ConversationID == ""
}

func (s *Session) applyStopped(e *wire.ConversationStopped) Outcome {
	if !s.matches(e.ConversationID) {
		return Outcome{Ignored: true}
	}
	switch {
	case s.state == StateStopped:
		// Acknowledgment of our own stop.
		return Outcome{}
	case s.state.Terminal():
		return Outcome{Ignored: true}
	}
	s.finish(StateStopped, nil)
	s.logger.Info("conversation stopped by server", "conversation_id", s.id)
	return Outcome{Changed: true}
}

// Stop moves a live conversation to Stopped and returns the payload to emit.
func (s *Session) Stop() (*wire.StopConversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.live() {
		return nil, ErrNotActive
	}
	s.finish(StateStopped, nil)
	s.logger.Info("conversation stopped", "conversation_id", s.id)
	return &wire.StopConversation{ConversationID: s.id}, nil
}

// PrepareSend validates a follow-up message and starts a new round. The
// lifecycle state does not change.
func (s *Session) PrepareSend(text string, agentIDs []string) (*wire.SendMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.live() {
		return nil, ErrNotActive
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	if err := validateAgents(agentIDs); err != nil {
		return nil, err
	}

	s.participants = slices.Clone(agentIDs)
	s.roundTurns = 0
	return &wire.SendMessage{
		ConversationID: s.id,
		Message:        text,
		AgentIDs:       slices.Clone(agentIDs),
	}, nil
}

// RejoinTarget returns the id of a bound conversation that is not terminal.
func (s *Session) RejoinTarget() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == "" || s.state.Terminal() {
		return "", false
	}
	return s.id, true
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the server-assigned conversation id, or "".
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// CorrelationID returns the token of the pending or acknowledged start.
func (s *Session) CorrelationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.correlation
}

// Snapshot returns a deep copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	typing := make([]TypingIndicator, 0, len(s.typing))
	for _, ind := range s.typing {
		typing = append(typing, ind)
	}
	slices.SortFunc(typing, func(a, b TypingIndicator) int { return strings.Compare(a.AgentID, b.AgentID) })

	return Snapshot{
		State:          s.state,
		ConversationID: s.id,
		CorrelationID:  s.correlation,
		Participants:   slices.Clone(s.participants),
		MaxTurns:       s.maxTurns,
		RoundTurns:     s.roundTurns,
		Transcript:     slices.Clone(s.transcript),
		Typing:         typing,
		Err:            s.err,
	}
}

func (s *Session) matches(conversationID string) bool {
	return s.id != "" && conversationID == s.id
}

// finish enters a terminal state. Must be called with mu held.
func (s *Session) finish(state State, err error) {
	s.state = state
	s.err = err
	clear(s.typing)
}
