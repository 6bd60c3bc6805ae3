// ABOUTME: Tests for the conversation Session state machine
// ABOUTME: Covers start/ack, ordering by sequence, terminal states, stop races and error classification

package conversation

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-council/internal/clock"
	"github.com/2389/coven-council/internal/gate"
	"github.com/2389/coven-council/internal/wire"
)

func cleared(t *testing.T) gate.Clearance {
	t.Helper()
	c, err := gate.Approve(gate.Result{Sufficient: true, Required: 4, Current: 100})
	require.NoError(t, err)
	return c
}

// activeSession returns a session bound to conversationID with agents A and B.
func activeSession(t *testing.T, conversationID string, maxTurns int) *Session {
	t.Helper()
	s := NewSession(nil, nil)
	payload, err := s.BeginStart(StartRequest{AgentIDs: []string{"A", "B"}, Message: "go", MaxTurns: maxTurns}, cleared(t))
	require.NoError(t, err)
	out := s.Apply(&wire.ConversationStarted{ConversationID: conversationID, CorrelationID: payload.CorrelationID})
	require.True(t, out.Changed)
	return s
}

func msg(conv, agent, text string, seq int64) *wire.AgentMessage {
	return &wire.AgentMessage{ConversationID: conv, AgentID: agent, Speaker: agent, Message: text, Sequence: seq}
}

func sequences(turns []Turn) []int64 {
	out := make([]int64, len(turns))
	for i, t := range turns {
		out[i] = t.Sequence
	}
	return out
}

func TestValidateStart(t *testing.T) {
	tests := []struct {
		name string
		req  StartRequest
		want error
	}{
		{"one agent", StartRequest{AgentIDs: []string{"A"}, Message: "hi", MaxTurns: 2}, ErrTooFewAgents},
		{"no agents", StartRequest{Message: "hi", MaxTurns: 2}, ErrTooFewAgents},
		{"duplicate agent", StartRequest{AgentIDs: []string{"A", "A"}, Message: "hi", MaxTurns: 2}, ErrInvalidAgent},
		{"blank agent", StartRequest{AgentIDs: []string{"A", ""}, Message: "hi", MaxTurns: 2}, ErrInvalidAgent},
		{"blank message", StartRequest{AgentIDs: []string{"A", "B"}, Message: "  \n", MaxTurns: 2}, ErrEmptyMessage},
		{"zero turns", StartRequest{AgentIDs: []string{"A", "B"}, Message: "hi"}, ErrInvalidMaxTurns},
		{"valid", StartRequest{AgentIDs: []string{"A", "B"}, Message: "hi", MaxTurns: 2}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStart(tt.req)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsPrecondition(err))
		})
	}
}

func TestBeginStart_RequiresClearance(t *testing.T) {
	s := NewSession(nil, nil)

	_, err := s.BeginStart(StartRequest{AgentIDs: []string{"A", "B"}, Message: "hi", MaxTurns: 2}, gate.Clearance{})

	assert.ErrorIs(t, err, ErrNotCleared)
	assert.Equal(t, StateNoConversation, s.State())
}

func TestBeginStart_PreconditionLeavesStateUntouched(t *testing.T) {
	s := NewSession(nil, nil)

	_, err := s.BeginStart(StartRequest{AgentIDs: []string{"A"}, Message: "hi", MaxTurns: 2}, cleared(t))

	assert.ErrorIs(t, err, ErrTooFewAgents)
	assert.Equal(t, StateNoConversation, s.State())
	assert.Empty(t, s.CorrelationID())
}

func TestBeginStart_BuildsPayload(t *testing.T) {
	s := NewSession(nil, nil)
	files := []wire.FileAttachment{{Filename: "a.txt", Content: "alpha", FileType: "text/plain"}}

	payload, err := s.BeginStart(StartRequest{AgentIDs: []string{"A", "B"}, Message: "hi", MaxTurns: 6, Files: files}, cleared(t))
	require.NoError(t, err)

	assert.Equal(t, StateStarting, s.State())
	assert.Equal(t, []string{"A", "B"}, payload.AgentIDs)
	assert.Equal(t, "hi", payload.InitialMessage)
	assert.Equal(t, 6, payload.MaxTurns)
	assert.Equal(t, files, payload.Files)
	assert.NotEmpty(t, payload.CorrelationID)
	assert.Equal(t, payload.CorrelationID, s.CorrelationID())
	assert.Empty(t, payload.Token, "token is attached by the caller")

	_, err = s.BeginStart(StartRequest{AgentIDs: []string{"A", "B"}, Message: "hi", MaxTurns: 6}, cleared(t))
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestStarted_WrongCorrelationIgnored(t *testing.T) {
	s := NewSession(nil, nil)
	_, err := s.BeginStart(StartRequest{AgentIDs: []string{"A", "B"}, Message: "hi", MaxTurns: 2}, cleared(t))
	require.NoError(t, err)

	out := s.Apply(&wire.ConversationStarted{ConversationID: "other", CorrelationID: "someone-else"})

	assert.True(t, out.Ignored)
	assert.Equal(t, StateStarting, s.State())
	assert.Empty(t, s.ID())
}

func TestAbortStart_ReturnsToNoConversation(t *testing.T) {
	s := NewSession(nil, nil)
	payload, err := s.BeginStart(StartRequest{AgentIDs: []string{"A", "B"}, Message: "hi", MaxTurns: 2}, cleared(t))
	require.NoError(t, err)

	assert.True(t, s.AbortStart(ErrStartTimeout))
	assert.Equal(t, StateNoConversation, s.State())
	assert.False(t, s.AbortStart(ErrStartTimeout), "second abort is a no-op")

	// A late acknowledgment no longer binds the session.
	out := s.Apply(&wire.ConversationStarted{ConversationID: "c1", CorrelationID: payload.CorrelationID})
	assert.True(t, out.Ignored)
	assert.Empty(t, s.ID())
}

func TestScenario_TwoAgentsComplete(t *testing.T) {
	s := activeSession(t, "c1", 4)

	s.Apply(&wire.AgentTyping{ConversationID: "c1", AgentID: "A"})
	assert.Equal(t, StateTurnInFlight, s.State())
	s.Apply(msg("c1", "A", "hi", 0))
	assert.Equal(t, StateActive, s.State())
	s.Apply(&wire.AgentTyping{ConversationID: "c1", AgentID: "B"})
	s.Apply(msg("c1", "B", "hello", 1))
	s.Apply(&wire.ConversationComplete{ConversationID: "c1"})

	snap := s.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	require.Len(t, snap.Transcript, 2)
	assert.Equal(t, "A", snap.Transcript[0].AgentID)
	assert.Equal(t, "hi", snap.Transcript[0].Text)
	assert.Equal(t, int64(0), snap.Transcript[0].Sequence)
	assert.Equal(t, "B", snap.Transcript[1].AgentID)
	assert.Equal(t, "hello", snap.Transcript[1].Text)
	assert.Equal(t, int64(1), snap.Transcript[1].Sequence)
	assert.Empty(t, snap.Typing)
	assert.NoError(t, snap.Err)
}

func TestAgentMessage_OutOfOrderSortedBySequence(t *testing.T) {
	s := activeSession(t, "c1", 100)

	for _, seq := range []int64{3, 0, 2, 5, 1, 4} {
		s.Apply(msg("c1", "A", "m", seq))
	}

	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5}, sequences(s.Snapshot().Transcript))
}

func TestAgentMessage_RandomPermutationsNoDuplicatesNoInventedGaps(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := range 50 {
		s := activeSession(t, "c1", 1000)

		// Sparse sequences: gaps exist in the input and must stay exactly as delivered.
		var input []int64
		for seq := int64(0); seq < 40; seq++ {
			if rng.Intn(4) != 0 {
				input = append(input, seq)
			}
		}
		deliveries := append([]int64{}, input...)
		// Deliver some of them twice.
		for range 10 {
			deliveries = append(deliveries, input[rng.Intn(len(input))])
		}
		rng.Shuffle(len(deliveries), func(i, j int) { deliveries[i], deliveries[j] = deliveries[j], deliveries[i] })

		for _, seq := range deliveries {
			s.Apply(msg("c1", "A", "m", seq))
		}

		assert.Equal(t, input, sequences(s.Snapshot().Transcript), "round %d", round)
	}
}

func TestAgentMessage_DuplicateReported(t *testing.T) {
	s := activeSession(t, "c1", 4)

	first := s.Apply(msg("c1", "A", "hi", 0))
	second := s.Apply(msg("c1", "A", "hi again", 0))

	assert.True(t, first.Changed)
	require.NotNil(t, first.Turn)
	assert.True(t, second.Ignored)
	assert.True(t, second.Duplicate)
	assert.Equal(t, "hi", s.Snapshot().Transcript[0].Text, "recorded turns are immutable")
}

func TestAgentMessage_ClearsOnlyThatAgentsTyping(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := NewSession(fake, nil)
	payload, err := s.BeginStart(StartRequest{AgentIDs: []string{"A", "B"}, Message: "go", MaxTurns: 4}, cleared(t))
	require.NoError(t, err)
	s.Apply(&wire.ConversationStarted{ConversationID: "c1", CorrelationID: payload.CorrelationID})

	s.Apply(&wire.AgentTyping{ConversationID: "c1", AgentID: "A"})
	s.Apply(&wire.AgentTyping{ConversationID: "c1", AgentID: "B"})
	s.Apply(msg("c1", "A", "hi", 0))

	snap := s.Snapshot()
	assert.Equal(t, StateTurnInFlight, snap.State, "B is still typing")
	require.Len(t, snap.Typing, 1)
	assert.Equal(t, "B", snap.Typing[0].AgentID)
	assert.Equal(t, fake.Now(), snap.Typing[0].Since)
}

func TestRoundTurns_NeverExceedsMax(t *testing.T) {
	s := activeSession(t, "c1", 2)

	for seq := range int64(5) {
		s.Apply(msg("c1", "A", "m", seq))
	}

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.RoundTurns)
	assert.Len(t, snap.Transcript, 5, "turns are never discarded")
}

func TestComplete_LateFramesIgnored(t *testing.T) {
	s := activeSession(t, "c1", 4)
	s.Apply(msg("c1", "A", "hi", 0))
	s.Apply(&wire.ConversationComplete{ConversationID: "c1"})

	for _, ev := range []wire.Event{
		msg("c1", "B", "late", 1),
		&wire.AgentTyping{ConversationID: "c1", AgentID: "B"},
		&wire.ConversationError{ConversationID: "c1", Reason: "boom"},
		&wire.ConversationComplete{ConversationID: "c1"},
	} {
		out := s.Apply(ev)
		assert.True(t, out.Ignored, "%s", ev.EventName())
	}

	snap := s.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	assert.Len(t, snap.Transcript, 1)
	assert.NoError(t, snap.Err)
}

func TestStop_LateFramesDoNotMutateTranscript(t *testing.T) {
	s := activeSession(t, "c1", 4)
	s.Apply(&wire.AgentTyping{ConversationID: "c1", AgentID: "A"})
	s.Apply(msg("c1", "A", "hi", 0))
	s.Apply(&wire.AgentTyping{ConversationID: "c1", AgentID: "B"})

	payload, err := s.Stop()
	require.NoError(t, err)
	assert.Equal(t, "c1", payload.ConversationID)
	before := s.Snapshot()
	assert.Equal(t, StateStopped, before.State)
	assert.Empty(t, before.Typing, "stop clears typing indicators")

	assert.True(t, s.Apply(msg("c1", "B", "too late", 1)).Ignored)
	assert.True(t, s.Apply(&wire.AgentTyping{ConversationID: "c1", AgentID: "A"}).Ignored)
	ack := s.Apply(&wire.ConversationStopped{ConversationID: "c1"})
	assert.False(t, ack.Ignored, "stop acknowledgment is accepted")
	assert.False(t, ack.Changed)

	assert.Equal(t, before, s.Snapshot())
}

func TestStop_RequiresLiveConversation(t *testing.T) {
	s := NewSession(nil, nil)
	_, err := s.Stop()
	assert.ErrorIs(t, err, ErrNotActive)

	_, err = s.BeginStart(StartRequest{AgentIDs: []string{"A", "B"}, Message: "hi", MaxTurns: 2}, cleared(t))
	require.NoError(t, err)
	_, err = s.Stop()
	assert.ErrorIs(t, err, ErrNotActive, "cannot stop before acknowledgment")
}

func TestServerStop_MovesToStopped(t *testing.T) {
	s := activeSession(t, "c1", 4)

	out := s.Apply(&wire.ConversationStopped{ConversationID: "c1"})

	assert.True(t, out.Changed)
	assert.Equal(t, StateStopped, s.State())
}

func TestError_GenericServerError(t *testing.T) {
	s := activeSession(t, "c1", 4)
	s.Apply(&wire.AgentTyping{ConversationID: "c1", AgentID: "A"})

	out := s.Apply(&wire.ConversationError{ConversationID: "c1", Reason: "agent A crashed"})

	var serverErr *ServerError
	require.True(t, errors.As(out.Err, &serverErr))
	assert.Equal(t, "c1", serverErr.ConversationID)
	assert.Equal(t, "agent A crashed", serverErr.Reason)
	assert.False(t, gate.IsInsufficient(out.Err))

	snap := s.Snapshot()
	assert.Equal(t, StateErrored, snap.State)
	assert.Empty(t, snap.Typing)
	assert.Equal(t, out.Err, snap.Err)
}

func TestError_InsufficientCreditsClassified(t *testing.T) {
	s := activeSession(t, "c1", 4)

	out := s.Apply(&wire.ConversationError{ConversationID: "c1", Reason: "insufficient_credits: balance exhausted after turn 3"})

	var insufficient *gate.InsufficientError
	require.True(t, errors.As(out.Err, &insufficient))
	assert.Equal(t, "balance exhausted after turn 3", insufficient.Detail)
	assert.Equal(t, StateErrored, s.State())
}

func TestError_DuringStartMatchedByCorrelation(t *testing.T) {
	s := NewSession(nil, nil)
	payload, err := s.BeginStart(StartRequest{AgentIDs: []string{"A", "B"}, Message: "hi", MaxTurns: 2}, cleared(t))
	require.NoError(t, err)

	assert.True(t, s.Apply(&wire.ConversationError{CorrelationID: "not-mine", Reason: "x"}).Ignored)

	out := s.Apply(&wire.ConversationError{CorrelationID: payload.CorrelationID, Reason: "insufficient_credits: need 8"})
	assert.True(t, gate.IsInsufficient(out.Err))
	assert.Equal(t, StateErrored, s.State())
}

func TestError_DuringStartWithoutIdentifiers(t *testing.T) {
	s := NewSession(nil, nil)
	_, err := s.BeginStart(StartRequest{AgentIDs: []string{"A", "B"}, Message: "hi", MaxTurns: 2}, cleared(t))
	require.NoError(t, err)

	out := s.Apply(&wire.ConversationError{Reason: "unknown agent B"})

	assert.False(t, out.Ignored)
	assert.Equal(t, StateErrored, s.State())
}

func TestOtherConversationIgnored(t *testing.T) {
	s := activeSession(t, "c1", 4)

	assert.True(t, s.Apply(msg("c2", "A", "hi", 0)).Ignored)
	assert.True(t, s.Apply(&wire.AgentTyping{ConversationID: "c2", AgentID: "A"}).Ignored)
	assert.True(t, s.Apply(&wire.ConversationComplete{ConversationID: "c2"}).Ignored)
	assert.True(t, s.Apply(&wire.ConversationError{ConversationID: "c2", Reason: "x"}).Ignored)
	assert.Equal(t, StateActive, s.State())
}

func TestPrepareSend(t *testing.T) {
	s := activeSession(t, "c1", 2)
	s.Apply(msg("c1", "A", "one", 0))
	s.Apply(msg("c1", "B", "two", 1))
	assert.Equal(t, 2, s.Snapshot().RoundTurns)

	payload, err := s.PrepareSend("keep going", []string{"B", "C"})
	require.NoError(t, err)

	assert.Equal(t, &wire.SendMessage{ConversationID: "c1", Message: "keep going", AgentIDs: []string{"B", "C"}}, payload)
	snap := s.Snapshot()
	assert.Equal(t, StateActive, snap.State, "sending does not change lifecycle state")
	assert.Equal(t, 0, snap.RoundTurns, "a follow-up starts a new round")
	assert.Equal(t, []string{"B", "C"}, snap.Participants)
}

func TestPrepareSend_Preconditions(t *testing.T) {
	idle := NewSession(nil, nil)
	_, err := idle.PrepareSend("hi", []string{"A", "B"})
	assert.ErrorIs(t, err, ErrNotActive)

	starting := NewSession(nil, nil)
	_, err = starting.BeginStart(StartRequest{AgentIDs: []string{"A", "B"}, Message: "hi", MaxTurns: 2}, cleared(t))
	require.NoError(t, err)
	_, err = starting.PrepareSend("hi", []string{"A", "B"})
	assert.ErrorIs(t, err, ErrNotActive)

	live := activeSession(t, "c1", 2)
	_, err = live.PrepareSend(" ", []string{"A", "B"})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = live.PrepareSend("hi", []string{"A"})
	assert.ErrorIs(t, err, ErrTooFewAgents)

	live.Apply(&wire.AgentTyping{ConversationID: "c1", AgentID: "A"})
	_, err = live.PrepareSend("hi", []string{"A", "B"})
	assert.NoError(t, err, "sending while a turn is in flight is allowed")
}

func TestRejoinTarget(t *testing.T) {
	s := NewSession(nil, nil)
	_, ok := s.RejoinTarget()
	assert.False(t, ok)

	s = activeSession(t, "c1", 4)
	id, ok := s.RejoinTarget()
	assert.True(t, ok)
	assert.Equal(t, "c1", id)

	assert.False(t, s.Apply(&wire.ConversationResumed{ConversationID: "c1"}).Ignored)

	s.Apply(&wire.ConversationComplete{ConversationID: "c1"})
	_, ok = s.RejoinTarget()
	assert.False(t, ok)
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	s := activeSession(t, "c1", 4)
	s.Apply(msg("c1", "A", "hi", 0))

	snap := s.Snapshot()
	snap.Transcript[0].Text = "mutated"
	snap.Participants[0] = "Z"

	fresh := s.Snapshot()
	assert.Equal(t, "hi", fresh.Transcript[0].Text)
	assert.Equal(t, "A", fresh.Participants[0])
	assert.Equal(t, "A", fresh.LastSpeaker())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "turn_in_flight", StateTurnInFlight.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.True(t, StateErrored.Terminal())
	assert.False(t, StateStarting.Terminal())
}
