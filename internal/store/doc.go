// Package store persists the council server's state in SQLite.
//
// Three tables back the Store interface:
//
//   - accounts: credit balance per principal, debited once per agent turn
//   - conversations: one row per started conversation with its status
//   - turns: agent messages keyed by (conversation_id, sequence)
//
// Debit is atomic: it either subtracts the full amount or returns an
// *InsufficientCreditsError carrying the current balance, never leaving a
// negative balance behind.
//
// MockStore is an in-memory implementation with the same semantics for
// server tests that do not need SQLite.
package store
