// ABOUTME: Conversation rooms: fan-out of server events to every connection that joined a conversation
// ABOUTME: Sends are non-blocking; a connection whose queue is full misses the event

package server

import (
	"log/slog"
	"sync"

	"github.com/2389/coven-council/internal/wire"
)

// hub tracks which connections are in which conversation room.
type hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*conn]struct{} // conversationID -> members
	logger *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		rooms:  make(map[string]map[*conn]struct{}),
		logger: logger.With("component", "hub"),
	}
}

func (h *hub) join(conversationID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[conversationID]
	if !ok {
		room = make(map[*conn]struct{})
		h.rooms[conversationID] = room
	}
	room[c] = struct{}{}

	h.logger.Debug("joined room", "conversation_id", conversationID, "conn_id", c.id, "members", len(room))
}

func (h *hub) leave(conversationID string, c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(conversationID, c)
}

func (h *hub) leaveLocked(conversationID string, c *conn) {
	room, ok := h.rooms[conversationID]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, conversationID)
	}
}

// leaveAll removes c from every room, on disconnect.
func (h *hub) leaveAll(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, room := range h.rooms {
		if _, ok := room[c]; ok {
			h.leaveLocked(id, c)
		}
	}
}

func (h *hub) members(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// broadcast encodes ev once and queues it on every member of the room.
// Returns the number of connections it was queued on.
func (h *hub) broadcast(conversationID string, ev wire.Event) int {
	data, err := wire.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode event", "event", ev.EventName(), "error", err)
		return 0
	}

	// Copy members under read lock to avoid holding it during sends
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.rooms[conversationID]))
	for c := range h.rooms[conversationID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.enqueue(data) {
			sent++
		}
	}
	return sent
}
