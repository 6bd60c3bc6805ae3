// Package server is the reference council server.
//
// Clients connect to GET /ws with a bearer token and exchange JSON frames
// (see package wire). Each started conversation gets a runner that lets the
// selected agents speak in round-robin order. A turn is announced with
// agent_typing, billed against the caller's credit balance, answered by the
// configured Responder, persisted, and broadcast as agent_message with a
// per-conversation sequence. The conversation completes when the round's
// turn budget is spent; send_message adds a user line and starts a new round.
//
// A client that reconnects sends join_conversation and receives
// conversation_resumed followed by every stored turn, so it can rebuild or
// deduplicate its transcript. A repeated start_conversation with the same
// correlation token is answered with the conversation it already created.
//
// Running out of credits ends the conversation with a conversation_error
// whose reason starts with "insufficient_credits:".
//
// HTTP endpoints:
//
//	GET  /health
//	POST /api/credits/check   {agent_ids, max_turns}
//	POST /api/files/extract   multipart "file"
package server
