// Package client is the council client: it ties the websocket transport,
// the credit gate, the conversation session and the turn coordinator
// together behind Start, Send, Stop, Leave and Mount.
//
// # Start
//
// Start runs its checks in a fixed order and stops at the first failure:
//
//  1. local preconditions (agents, message, max turns), with no wire traffic
//  2. an open transport
//  3. a credit check that must come back sufficient
//  4. the start_conversation frame, then a wait for conversation_started or
//     conversation_error, bounded by the start timeout
//
// A start that times out is abandoned. If the server acknowledges it later,
// the client stops that conversation instead of adopting it.
//
// # Errors
//
// Report routes errors to a Notifier. Credit shortfalls go to
// InsufficientCredits, never to Toast, including when they arrive as a
// tagged conversation_error reason mid-conversation.
//
// # Reconnection
//
// After the transport reconnects, the client re-joins the room of a bound
// conversation that has not reached a terminal state. The server may replay
// turns already seen; the session drops them by sequence.
package client
