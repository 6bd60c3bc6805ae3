// ABOUTME: Typed payloads for every council wire event, one struct per event name
// ABOUTME: All payloads implement Event so dispatch can switch on the concrete type

package wire

import "time"

// EventName identifies the payload carried by a Frame.
type EventName string

// Client to server events.
const (
	EventStartConversation EventName = "start_conversation"
	EventSendMessage       EventName = "send_message"
	EventStopConversation  EventName = "stop_conversation"
	EventJoinConversation  EventName = "join_conversation"
	EventLeaveConversation EventName = "leave_conversation"
)

// Server to client events.
const (
	EventConversationStarted  EventName = "conversation_started"
	EventConversationResumed  EventName = "conversation_resumed"
	EventConversationStopped  EventName = "conversation_stopped"
	EventConversationComplete EventName = "conversation_complete"
	EventConversationError    EventName = "conversation_error"
	EventAgentTyping          EventName = "agent_typing"
	EventAgentMessage         EventName = "agent_message"
)

// Event is implemented by every payload type in this package.
type Event interface {
	// EventName returns the frame discriminator for this payload.
	EventName() EventName
	// Conversation returns the conversation id the event refers to, or ""
	// when the event precedes id assignment.
	Conversation() string
}

// FileAttachment is extracted file content sent along with a start request.
type FileAttachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	FileType string `json:"file_type"`
}

// StartConversation asks the server to open a conversation.
type StartConversation struct {
	AgentIDs       []string         `json:"agent_ids"`
	InitialMessage string           `json:"initial_message"`
	MaxTurns       int              `json:"max_turns"`
	Token          string           `json:"token"`
	Files          []FileAttachment `json:"files,omitempty"`
	CorrelationID  string           `json:"correlation_id"`
}

// SendMessage is a follow-up user message for an active conversation.
type SendMessage struct {
	ConversationID string   `json:"conversation_id"`
	Message        string   `json:"message"`
	AgentIDs       []string `json:"agent_ids"`
	Token          string   `json:"token"`
}

// StopConversation is a client-initiated stop.
type StopConversation struct {
	ConversationID string `json:"conversation_id"`
}

// JoinConversation subscribes the connection to a conversation's room.
type JoinConversation struct {
	ConversationID string `json:"conversation_id"`
}

// LeaveConversation unsubscribes the connection from a conversation's room.
type LeaveConversation struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationStarted acknowledges a StartConversation.
type ConversationStarted struct {
	ConversationID string `json:"conversation_id"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

// ConversationResumed acknowledges a JoinConversation.
type ConversationResumed struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationStopped acknowledges a stop.
type ConversationStopped struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationComplete reports that the turn budget ran out or the agents finished.
type ConversationComplete struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationError reports a terminal failure. CorrelationID is set when the
// failure happened before a conversation id was assigned.
type ConversationError struct {
	ConversationID string `json:"conversation_id,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
	Reason         string `json:"reason"`
}

// AgentTyping reports that an agent started producing its next message.
type AgentTyping struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
}

// AgentMessage is one recorded turn.
type AgentMessage struct {
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	Speaker        string    `json:"speaker"`
	Message        string    `json:"message"`
	Sequence       int64     `json:"sequence"`
	Timestamp      time.Time `json:"timestamp"`
}

func (*StartConversation) EventName() EventName    { return EventStartConversation }
func (*SendMessage) EventName() EventName          { return EventSendMessage }
func (*StopConversation) EventName() EventName     { return EventStopConversation }
func (*JoinConversation) EventName() EventName     { return EventJoinConversation }
func (*LeaveConversation) EventName() EventName    { return EventLeaveConversation }
func (*ConversationStarted) EventName() EventName  { return EventConversationStarted }
func (*ConversationResumed) EventName() EventName  { return EventConversationResumed }
func (*ConversationStopped) EventName() EventName  { return EventConversationStopped }
func (*ConversationComplete) EventName() EventName { return EventConversationComplete }
func (*ConversationError) EventName() EventName    { return EventConversationError }
func (*AgentTyping) EventName() EventName          { return EventAgentTyping }
func (*AgentMessage) EventName() EventName         { return EventAgentMessage }

func (*StartConversation) Conversation() string      { return "" }
func (e *SendMessage) Conversation() string          { return e.ConversationID }
func (e *StopConversation) Conversation() string     { return e.ConversationID }
func (e *JoinConversation) Conversation() string     { return e.ConversationID }
func (e *LeaveConversation) Conversation() string    { return e.ConversationID }
func (e *ConversationStarted) Conversation() string  { return e.ConversationID }
func (e *ConversationResumed) Conversation() string  { return e.ConversationID }
func (e *ConversationStopped) Conversation() string  { return e.ConversationID }
func (e *ConversationComplete) Conversation() string { return e.ConversationID }
func (e *ConversationError) Conversation() string    { return e.ConversationID }
func (e *AgentTyping) Conversation() string          { return e.ConversationID }
func (e *AgentMessage) Conversation() string         { return e.ConversationID }
