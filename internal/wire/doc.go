// Package wire defines the event frames exchanged between council clients
// and the council server.
//
// # Frames
//
// Every websocket text message is one JSON frame:
//
//	{"event": "agent_message", "payload": {...}}
//
// The event name selects the payload type. Decode turns a Frame into one of
// the typed payload structs, all of which implement Event, so handlers can
// switch on the concrete type:
//
//	ev, err := wire.Decode(frame)
//	switch ev := ev.(type) {
//	case *wire.AgentMessage:
//	    ...
//	}
//
// # Client to server
//
//   - start_conversation: agents, opening message, turn budget, token, files
//   - send_message: follow-up message for an active conversation
//   - stop_conversation: client-initiated stop
//   - join_conversation / leave_conversation: room membership
//
// # Server to client
//
//   - conversation_started / conversation_resumed
//   - conversation_stopped / conversation_complete
//   - conversation_error: reason string, optionally tagged (see below)
//   - agent_typing / agent_message
//
// # Reason tags
//
// Error reasons are plain strings. A reason starting with
// InsufficientCreditsPrefix marks a credit shortfall, which clients present
// differently from generic failures. The tag is carried as text so it
// survives any layer that only passes error strings along.
package wire
