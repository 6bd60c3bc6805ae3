// Package turn coordinates user sends against agent turns.
//
// The server owns turn order. The Coordinator only keeps a client from
// sending twice before the first send shows any agent activity, and notices
// agents that started typing and never finished.
package turn
