// Package resume stores short-lived, single-use resumption records.
//
// When a user picks agents and writes an opening message but the start is
// interrupted (a login redirect, a page change), the selection is captured
// under a fixed key per origin. The next mount consumes each record exactly
// once: reading deletes it, so a stale or repeated read can never start a
// second conversation.
//
// # Freshness
//
// A record is fresh while its age is at most the store TTL (five minutes by
// default). Stale and unparseable records are deleted and treated as absent.
//
// # Priority
//
// Mount walks origins in a fixed priority order. The first fresh record
// whose start succeeds wins. Records of lower-priority origins are still
// consumed so they cannot fire later.
//
// # Backends
//
// MemoryBackend keeps records in a map. SQLiteBackend uses modernc.org/sqlite
// and by default a shared in-memory database, which outlives individual
// clients in the same process but not the process itself. Pass a file DSN
// to persist across restarts.
package resume
