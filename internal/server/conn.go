// ABOUTME: One authenticated websocket connection and the handlers for client events
// ABOUTME: Frames are decoded through a dispatcher; replies and room events leave via a buffered writer

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/2389/coven-council/internal/auth"
	"github.com/2389/coven-council/internal/conversation"
	"github.com/2389/coven-council/internal/dispatch"
	"github.com/2389/coven-council/internal/notify"
	"github.com/2389/coven-council/internal/store"
	"github.com/2389/coven-council/internal/wire"
)

const connSendBuffer = 256

type conn struct {
	id        string
	principal string
	server    *Server
	ws        *websocket.Conn
	send      chan []byte
	cancel    context.CancelFunc
	logger    *slog.Logger
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	principal := auth.PrincipalFrom(r.Context())

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer ws.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	c := &conn{
		id:        uuid.NewString(),
		principal: principal,
		server:    s,
		ws:        ws,
		send:      make(chan []byte, connSendBuffer),
		cancel:    cancel,
	}
	c.logger = s.logger.With("conn_id", c.id, "principal_id", principal)
	defer s.hub.leaveAll(c)

	c.logger.Info("client connected")
	go c.writeLoop(ctx)
	c.readLoop(ctx, c.routes())
	c.logger.Info("client disconnected")

	ws.Close(websocket.StatusNormalClosure, "")
}

// routes wires client events to this connection's handlers.
func (c *conn) routes() *dispatch.Dispatcher {
	d := dispatch.New(c.logger)
	d.On(wire.EventStartConversation, c.handleStart)
	d.On(wire.EventSendMessage, c.handleSend)
	d.On(wire.EventStopConversation, c.handleStop)
	d.On(wire.EventJoinConversation, c.handleJoin)
	d.On(wire.EventLeaveConversation, c.handleLeave)
	return d
}

func (c *conn) readLoop(ctx context.Context, d *dispatch.Dispatcher) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			c.logger.Debug("ignoring non-text message", "type", typ)
			continue
		}

		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		d.DispatchFrame(ctx, f)
	}
}

func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, c.server.writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.logger.Debug("write failed", "error", err)
				c.cancel()
				return
			}
		}
	}
}

// enqueue queues an encoded frame. Returns false when the queue is full.
func (c *conn) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("dropped event for slow connection")
		return false
	}
}

func (c *conn) reply(ev wire.Event) {
	data, err := wire.Marshal(ev)
	if err != nil {
		c.logger.Error("failed to encode reply", "event", ev.EventName(), "error", err)
		return
	}
	c.enqueue(data)
}

func (c *conn) rejectStart(correlationID, reason string) {
	c.logger.Info("start rejected", "correlation_id", correlationID, "reason", reason)
	c.reply(&wire.ConversationError{CorrelationID: correlationID, Reason: reason})
}

// verifyPayloadToken checks an in-band token against the connection's principal.
func (c *conn) verifyPayloadToken(token string) error {
	if token == "" {
		return nil
	}
	principal, err := c.server.verifier.Verify(token)
	if err != nil {
		return err
	}
	if principal != c.principal {
		return errors.New("token principal does not match connection")
	}
	return nil
}

func (c *conn) handleStart(ctx context.Context, ev wire.Event) error {
	req, ok := ev.(*wire.StartConversation)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev)
	}
	s := c.server

	if err := conversation.ValidateStart(conversation.StartRequest{
		AgentIDs: req.AgentIDs,
		Message:  req.InitialMessage,
		MaxTurns: req.MaxTurns,
	}); err != nil {
		c.rejectStart(req.CorrelationID, err.Error())
		return nil
	}
	if err := c.verifyPayloadToken(req.Token); err != nil {
		c.rejectStart(req.CorrelationID, "unauthorized")
		return nil
	}

	convID := uuid.NewString()
	if req.CorrelationID != "" {
		if existing, dup := s.dedupe.Claim(req.CorrelationID, convID); dup {
			c.logger.Info("repeated start", "correlation_id", req.CorrelationID, "conversation_id", existing)
			s.hub.join(existing, c)
			c.reply(&wire.ConversationStarted{ConversationID: existing, CorrelationID: req.CorrelationID})
			return nil
		}
	}

	acct, err := s.store.EnsureAccount(ctx, c.principal, s.initialCredits)
	if err != nil {
		s.dedupe.Forget(req.CorrelationID)
		c.rejectStart(req.CorrelationID, "billing unavailable")
		return fmt.Errorf("loading account: %w", err)
	}
	required := s.costPerTurn * int64(req.MaxTurns)
	if acct.Balance < required {
		s.dedupe.Forget(req.CorrelationID)
		c.rejectStart(req.CorrelationID, wire.InsufficientCreditsReason(
			fmt.Sprintf("need %d credits, have %d", required, acct.Balance)))
		return nil
	}

	now := s.clock.Now().UTC()
	conv := store.Conversation{
		ID:             convID,
		CorrelationID:  req.CorrelationID,
		PrincipalID:    c.principal,
		AgentIDs:       req.AgentIDs,
		InitialMessage: req.InitialMessage,
		MaxTurns:       req.MaxTurns,
		Status:         store.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateConversation(ctx, &conv); err != nil {
		s.dedupe.Forget(req.CorrelationID)
		c.rejectStart(req.CorrelationID, "could not create conversation")
		return fmt.Errorf("creating conversation: %w", err)
	}

	s.hub.join(convID, c)
	c.reply(&wire.ConversationStarted{ConversationID: convID, CorrelationID: req.CorrelationID})
	s.events.Emit(ctx, notify.TypeConversationStarted, req.CorrelationID, notify.ConversationEvent{
		ConversationID: convID,
		PrincipalID:    c.principal,
		AgentIDs:       req.AgentIDs,
		MaxTurns:       req.MaxTurns,
	})

	r := newRunner(s.baseCtx, s, conv, req.Files)
	s.addRunner(r)
	r.start()

	c.logger.Info("conversation started",
		"conversation_id", convID,
		"correlation_id", req.CorrelationID,
		"agents", len(req.AgentIDs),
		"files", len(req.Files))
	return nil
}

// owned returns the conversation when it exists and belongs to this connection's principal.
func (c *conn) owned(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := c.server.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.PrincipalID != c.principal {
		return nil, store.ErrNotFound
	}
	return conv, nil
}

func (c *conn) handleSend(ctx context.Context, ev wire.Event) error {
	req, ok := ev.(*wire.SendMessage)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev)
	}
	if err := c.verifyPayloadToken(req.Token); err != nil {
		c.logger.Warn("send rejected", "conversation_id", req.ConversationID, "error", err)
		return nil
	}

	r, live := c.server.runner(req.ConversationID)
	if !live || r.conv.PrincipalID != c.principal {
		c.logger.Debug("send for inactive conversation", "conversation_id", req.ConversationID)
		return nil
	}
	if req.Message == "" {
		return nil
	}
	r.interject(req.Message, req.AgentIDs)
	return nil
}

func (c *conn) handleStop(ctx context.Context, ev wire.Event) error {
	req, ok := ev.(*wire.StopConversation)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev)
	}

	r, live := c.server.runner(req.ConversationID)
	if !live || r.conv.PrincipalID != c.principal {
		c.logger.Debug("stop for inactive conversation", "conversation_id", req.ConversationID)
		return nil
	}
	if r.stop() {
		c.logger.Info("conversation stop requested", "conversation_id", req.ConversationID)
	}
	return nil
}

func (c *conn) handleJoin(ctx context.Context, ev wire.Event) error {
	req, ok := ev.(*wire.JoinConversation)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev)
	}
	s := c.server

	conv, err := c.owned(ctx, req.ConversationID)
	if err != nil {
		c.logger.Debug("join for unknown conversation", "conversation_id", req.ConversationID, "error", err)
		return nil
	}

	// Join before replaying so no live turn falls between the two; the
	// client drops anything it sees twice by sequence.
	s.hub.join(conv.ID, c)
	c.reply(&wire.ConversationResumed{ConversationID: conv.ID})

	turns, err := s.store.ListTurns(ctx, conv.ID)
	if err != nil {
		return fmt.Errorf("listing turns: %w", err)
	}
	for _, t := range turns {
		c.reply(&wire.AgentMessage{
			ConversationID: conv.ID,
			AgentID:        t.AgentID,
			Speaker:        t.AgentID,
			Message:        t.Content,
			Sequence:       int64(t.Sequence),
			Timestamp:      t.CreatedAt.UTC(),
		})
	}

	if _, live := s.runner(conv.ID); !live {
		// Re-read: the runner may have finished after the first lookup
		if latest, err := s.store.GetConversation(ctx, conv.ID); err == nil {
			conv = latest
		}
		c.replyTerminal(conv)
	}

	c.logger.Info("conversation joined", "conversation_id", conv.ID, "replayed", len(turns))
	return nil
}

// replyTerminal tells a rejoining client how a finished conversation ended.
func (c *conn) replyTerminal(conv *store.Conversation) {
	switch conv.Status {
	case store.StatusCompleted:
		c.reply(&wire.ConversationComplete{ConversationID: conv.ID})
	case store.StatusStopped:
		c.reply(&wire.ConversationStopped{ConversationID: conv.ID})
	case store.StatusErrored:
		c.reply(&wire.ConversationError{ConversationID: conv.ID, CorrelationID: conv.CorrelationID, Reason: conv.Reason})
	}
}

func (c *conn) handleLeave(ctx context.Context, ev wire.Event) error {
	req, ok := ev.(*wire.LeaveConversation)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev)
	}
	c.server.hub.leave(req.ConversationID, c)
	return nil
}

