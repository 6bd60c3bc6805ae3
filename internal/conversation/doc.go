// Package conversation holds the client-side state machine for a
// multi-agent conversation.
//
// # Lifecycle
//
//	NoConversation --BeginStart--> Starting --conversation_started--> Active
//	Active --agent_typing--> TurnInFlight --agent_message--> Active
//	Active|TurnInFlight --conversation_complete--> Completed
//	Active|TurnInFlight --conversation_error--> Errored
//	Active|TurnInFlight --Stop--> Stopped
//	Starting --AbortStart--> NoConversation
//
// Completed, Stopped and Errored are terminal. A Session serves exactly one
// conversation; the client creates a new Session for the next one.
//
// # Ordering
//
// Turns carry a server-assigned sequence. The transcript is kept sorted by
// sequence regardless of arrival order, and a sequence seen twice (for
// example when the server replays a transcript after a rejoin) is dropped.
//
// # Preconditions
//
// BeginStart, Stop and PrepareSend validate locally and return errors
// wrapping ErrPrecondition without producing a wire payload. BeginStart also
// requires a gate.Clearance, so a Session cannot leave NoConversation unless
// the credit check passed.
//
// # Errors
//
// conversation_error reasons are classified: a reason tagged
// insufficient_credits: becomes a *gate.InsufficientError, anything else a
// *ServerError. Both are terminal for the conversation.
//
// # Snapshots
//
// Snapshot returns a deep copy for rendering. Broadcaster fans snapshots out
// to any number of subscribers without blocking the event path.
package conversation
