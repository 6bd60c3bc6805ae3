// ABOUTME: Event envelope and lifecycle payloads published by the council server
// ABOUTME: Every event carries Meta (id, type, time, producer, correlation) around its Data

package notify

import "time"

// Event types, versioned so consumers can bind to a stable routing key.
const (
	TypeConversationStarted   = "council.conversation.started.v1"
	TypeConversationCompleted = "council.conversation.completed.v1"
	TypeConversationStopped   = "council.conversation.stopped.v1"
	TypeConversationErrored   = "council.conversation.errored.v1"
	TypeTurnRecorded          = "council.turn.recorded.v1"
)

// Meta describes an event independent of its payload.
type Meta struct {
	// Correlation token of the start request, when known
	CorrelationID *string `json:"correlation_id,omitempty"`
	// Unique event ID
	ID string `json:"id"`
	// Emitting service
	Producer *string `json:"producer,omitempty"`
	// Timestamp when the event was emitted
	Time time.Time `json:"time"`
	// Event name and version, also used as the routing key
	Type string `json:"type"`
}

// Envelope is the published message body.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// ConversationEvent is the payload of the conversation lifecycle events.
type ConversationEvent struct {
	ConversationID string   `json:"conversation_id"`
	PrincipalID    string   `json:"principal_id"`
	AgentIDs       []string `json:"agent_ids,omitempty"`
	MaxTurns       int      `json:"max_turns,omitempty"`
	Turns          int      `json:"turns"`
	Reason         string   `json:"reason,omitempty"`
}

// TurnEvent is the payload of TypeTurnRecorded.
type TurnEvent struct {
	ConversationID string `json:"conversation_id"`
	Sequence       int    `json:"sequence"`
	AgentID        string `json:"agent_id"`
	Balance        int64  `json:"balance"`
}
