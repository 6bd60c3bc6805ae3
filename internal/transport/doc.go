// Package transport maintains the client's websocket connection to the
// council server.
//
// A Channel carries JSON frames of the form {"event": ..., "payload": ...}.
// Inbound frames are decoded and handed to the Channel's dispatcher one at a
// time, so handlers observe server order. Outbound frames go through a
// bounded queue drained by a single writer; Emit never blocks and never
// fails, it logs and drops when the Channel cannot send.
//
// After a connection drops the Channel redials with jittered exponential
// backoff. The server does not restore room memberships, so listeners get a
// StatusConnect with Reconnect set and are expected to rejoin.
package transport
