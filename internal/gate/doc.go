// Package gate implements the credit pre-flight check that guards
// conversation start.
//
// A start request is priced by the server. Check asks the credits endpoint
// whether the caller can afford it; Approve turns a sufficient Result into a
// Clearance, the only value conversation.Session accepts for leaving the
// NoConversation state. An insufficient Result becomes an *InsufficientError,
// whose message starts with the insufficient_credits: tag so the distinction
// survives any layer that flattens errors to strings.
package gate
