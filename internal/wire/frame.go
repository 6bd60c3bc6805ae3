// ABOUTME: Frame envelope encoding and decoding for council wire events
// ABOUTME: Maps event names to payload types and classifies tagged error reasons

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownEvent is returned by Decode for event names this package does not define.
var ErrUnknownEvent = errors.New("unknown event")

// InsufficientCreditsPrefix tags a conversation_error reason caused by a
// credit shortfall.
const InsufficientCreditsPrefix = "insufficient_credits:"

// Frame is the envelope of every websocket message.
type Frame struct {
	Event   EventName       `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// payloadTypes maps each event name to a constructor for its payload.
var payloadTypes = map[EventName]func() Event{
	EventStartConversation:    func() Event { return &StartConversation{} },
	EventSendMessage:          func() Event { return &SendMessage{} },
	EventStopConversation:     func() Event { return &StopConversation{} },
	EventJoinConversation:     func() Event { return &JoinConversation{} },
	EventLeaveConversation:    func() Event { return &LeaveConversation{} },
	EventConversationStarted:  func() Event { return &ConversationStarted{} },
	EventConversationResumed:  func() Event { return &ConversationResumed{} },
	EventConversationStopped:  func() Event { return &ConversationStopped{} },
	EventConversationComplete: func() Event { return &ConversationComplete{} },
	EventConversationError:    func() Event { return &ConversationError{} },
	EventAgentTyping:          func() Event { return &AgentTyping{} },
	EventAgentMessage:         func() Event { return &AgentMessage{} },
}

// Known reports whether name is a defined event.
func Known(name EventName) bool {
	_, ok := payloadTypes[name]
	return ok
}

// Encode wraps an event in a Frame.
func Encode(ev Event) (Frame, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s payload: %w", ev.EventName(), err)
	}
	return Frame{Event: ev.EventName(), Payload: payload}, nil
}

// Decode unwraps a Frame into its typed payload.
func Decode(f Frame) (Event, error) {
	newEvent, ok := payloadTypes[f.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
	ev := newEvent()
	if len(f.Payload) == 0 {
		return ev, nil
	}
	if err := json.Unmarshal(f.Payload, ev); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", f.Event, err)
	}
	return ev, nil
}

// Marshal encodes an event straight to message bytes.
func Marshal(ev Event) ([]byte, error) {
	f, err := Encode(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Unmarshal parses message bytes into a typed event.
func Unmarshal(data []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing frame: %w", err)
	}
	return Decode(f)
}

// IsInsufficientCredits reports whether reason carries the credit shortfall tag.
func IsInsufficientCredits(reason string) bool {
	return strings.HasPrefix(strings.TrimSpace(reason), InsufficientCreditsPrefix)
}

// InsufficientCreditsReason builds a tagged reason from a human-readable detail.
func InsufficientCreditsReason(detail string) string {
	return InsufficientCreditsPrefix + " " + detail
}

// ReasonDetail strips a known tag from reason.
func ReasonDetail(reason string) string {
	reason = strings.TrimSpace(reason)
	if rest, ok := strings.CutPrefix(reason, InsufficientCreditsPrefix); ok {
		return strings.TrimSpace(rest)
	}
	return reason
}
