// Package auth provides bearer-token handling for council clients and the
// reference server.
//
// # Client side
//
// Tokens live in local credential storage and are read on demand, never
// cached by the protocol layer:
//
//  1. COUNCIL_TOKEN environment variable
//  2. $XDG_CONFIG_HOME/coven/council-token (or ~/.config/coven/council-token)
//
// CheckUsable inspects a JWT's exp claim without verifying the signature so
// the transport can fail fast instead of dialing with a dead token.
//
// # Server side
//
// JWTVerifier validates HS256 tokens signed with the configured jwt_secret and
// returns the "sub" claim as the principal ID. Handlers read it back with
// PrincipalFrom.
package auth
