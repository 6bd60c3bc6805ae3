// ABOUTME: Drives one conversation: agents take turns round-robin until the round budget is spent
// ABOUTME: Each turn emits agent_typing, debits credits, asks the Responder, then emits agent_message

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/2389/coven-council/internal/notify"
	"github.com/2389/coven-council/internal/store"
	"github.com/2389/coven-council/internal/wire"
)

// runner owns the live state of one conversation.
type runner struct {
	server *Server
	conv   store.Conversation
	files  []wire.FileAttachment
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu            sync.Mutex
	agents        []string
	next          int
	roundTurns    int
	turns         int64
	history       []Line
	stopRequested bool
}

func newRunner(parent context.Context, s *Server, conv store.Conversation, files []wire.FileAttachment) *runner {
	ctx, cancel := context.WithCancel(parent)
	return &runner{
		server:  s,
		ctx:     ctx,
		cancel:  cancel,
		conv:    conv,
		files:   files,
		logger:  s.logger.With("component", "runner", "conversation_id", conv.ID),
		done:    make(chan struct{}),
		agents:  slices.Clone(conv.AgentIDs),
		history: []Line{{Speaker: UserSpeaker, Text: conv.InitialMessage}},
	}
}

// start launches the turn loop.
func (r *runner) start() {
	go func() {
		defer close(r.done)
		defer r.cancel()
		defer r.server.removeRunner(r.conv.ID)
		r.run(r.ctx)
	}()
}

// stop asks the loop to end with conversation_stopped. Returns false when
// the conversation already finished.
func (r *runner) stop() bool {
	r.mu.Lock()
	r.stopRequested = true
	r.mu.Unlock()

	select {
	case <-r.done:
		return false
	default:
	}
	r.cancel()
	return true
}

// interject adds a user message and starts a new round. A selection of
// at least two agents replaces the participants.
func (r *runner) interject(text string, agents []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = append(r.history, Line{Speaker: UserSpeaker, Text: text})
	r.roundTurns = 0
	if len(agents) >= 2 {
		r.agents = slices.Clone(agents)
		r.next = 0
	}
	r.logger.Info("user message added", "agents", len(r.agents))
}

// nextTurn picks the next speaker, or reports that the round is over.
func (r *runner) nextTurn() (agentID string, prompt Prompt, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.roundTurns >= r.conv.MaxTurns {
		return "", Prompt{}, false
	}

	agentID = r.agents[r.next%len(r.agents)]
	r.next++
	prompt = Prompt{
		ConversationID: r.conv.ID,
		AgentID:        agentID,
		Participants:   slices.Clone(r.agents),
		Sequence:       r.turns,
		History:        slices.Clone(r.history),
		Files:          r.files,
	}
	return agentID, prompt, true
}

// record appends a reply and returns its sequence. Sequences start at 0.
func (r *runner) record(agentID, text string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.turns
	r.turns++
	r.roundTurns++
	r.history = append(r.history, Line{Speaker: agentID, Text: text})
	return seq
}

func (r *runner) run(ctx context.Context) {
	s := r.server
	r.logger.Info("conversation running", "agents", len(r.agents), "max_turns", r.conv.MaxTurns)

	for {
		agentID, prompt, ok := r.nextTurn()
		if !ok {
			r.finish(store.StatusCompleted, "")
			return
		}

		if ctx.Err() != nil {
			r.interrupted()
			return
		}

		s.hub.broadcast(r.conv.ID, &wire.AgentTyping{ConversationID: r.conv.ID, AgentID: agentID})

		select {
		case <-ctx.Done():
			r.interrupted()
			return
		case <-s.clock.After(s.agentDelay):
		}

		balance, err := s.store.Debit(ctx, r.conv.PrincipalID, s.costPerTurn)
		if err != nil {
			var insufficient *store.InsufficientCreditsError
			switch {
			case errors.As(err, &insufficient):
				r.finish(store.StatusErrored, wire.InsufficientCreditsReason(
					fmt.Sprintf("need %d credits for the next turn, have %d", insufficient.Required, insufficient.Current)))
			case ctx.Err() != nil:
				r.interrupted()
			default:
				r.logger.Error("failed to debit credits", "error", err)
				r.finish(store.StatusErrored, "billing unavailable")
			}
			return
		}

		reply, err := s.responder.Respond(ctx, prompt)
		if err != nil {
			if ctx.Err() != nil {
				r.refund()
				r.interrupted()
				return
			}
			r.logger.Error("responder failed", "agent_id", agentID, "error", err)
			r.refund()
			r.finish(store.StatusErrored, fmt.Sprintf("agent %s failed to respond", agentID))
			return
		}

		seq := r.record(agentID, reply)
		now := s.clock.Now().UTC()

		if err := s.store.SaveTurn(ctx, &store.Turn{
			ConversationID: r.conv.ID,
			Sequence:       int(seq),
			AgentID:        agentID,
			Content:        reply,
			CreatedAt:      now,
		}); err != nil {
			r.logger.Warn("failed to persist turn", "sequence", seq, "error", err)
		}

		s.hub.broadcast(r.conv.ID, &wire.AgentMessage{
			ConversationID: r.conv.ID,
			AgentID:        agentID,
			Speaker:        agentID,
			Message:        reply,
			Sequence:       seq,
			Timestamp:      now,
		})
		s.events.Emit(ctx, notify.TypeTurnRecorded, r.conv.CorrelationID, notify.TurnEvent{
			ConversationID: r.conv.ID,
			Sequence:       int(seq),
			AgentID:        agentID,
			Balance:        balance,
		})

		r.logger.Debug("turn recorded", "agent_id", agentID, "sequence", seq, "balance", balance)
	}
}

// refund returns the credit taken for a turn that produced no message.
func (r *runner) refund() {
	if r.server.costPerTurn == 0 {
		return
	}
	if _, err := r.server.store.Credit(context.Background(), r.conv.PrincipalID, r.server.costPerTurn); err != nil {
		r.logger.Warn("failed to refund credits", "error", err)
	}
}

// interrupted ends a loop whose context was cancelled, either by a stop
// request or by server shutdown.
func (r *runner) interrupted() {
	r.mu.Lock()
	stopped := r.stopRequested
	r.mu.Unlock()

	if stopped {
		r.finish(store.StatusStopped, "")
		return
	}
	r.finish(store.StatusErrored, "server shutting down")
}

// finish persists the terminal status and tells the room.
func (r *runner) finish(status, reason string) {
	s := r.server
	ctx := context.Background()

	if err := s.store.UpdateConversationStatus(ctx, r.conv.ID, status, reason); err != nil {
		r.logger.Warn("failed to update conversation status", "status", status, "error", err)
	}

	r.mu.Lock()
	turns := int(r.turns)
	r.mu.Unlock()

	data := notify.ConversationEvent{
		ConversationID: r.conv.ID,
		PrincipalID:    r.conv.PrincipalID,
		Turns:          turns,
		Reason:         reason,
	}

	switch status {
	case store.StatusCompleted:
		s.hub.broadcast(r.conv.ID, &wire.ConversationComplete{ConversationID: r.conv.ID})
		s.events.Emit(ctx, notify.TypeConversationCompleted, r.conv.CorrelationID, data)
	case store.StatusStopped:
		s.hub.broadcast(r.conv.ID, &wire.ConversationStopped{ConversationID: r.conv.ID})
		s.events.Emit(ctx, notify.TypeConversationStopped, r.conv.CorrelationID, data)
	default:
		s.hub.broadcast(r.conv.ID, &wire.ConversationError{
			ConversationID: r.conv.ID,
			CorrelationID:  r.conv.CorrelationID,
			Reason:         reason,
		})
		s.events.Emit(ctx, notify.TypeConversationErrored, r.conv.CorrelationID, data)
	}

	r.logger.Info("conversation finished", "status", status, "turns", turns, "reason", reason)
}
