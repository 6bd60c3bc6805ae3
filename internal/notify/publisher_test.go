// ABOUTME: Tests for envelope stamping and AMQP message construction
// ABOUTME: Uses a fake channel so no broker is needed

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-council/internal/clock"
)

type fakeChannel struct {
	published []amqp091.Publishing
	keys      []string
	exchange  string
	closed    int
	err       error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.exchange = exchange
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed++
	return nil
}

func newTestPublisher(ch *fakeChannel) *AMQPPublisher {
	return &AMQPPublisher{
		exchange:    "council.events",
		openChannel: func() (amqpChannel, error) { return ch, nil },
		closeConn:   func() error { return nil },
		logger:      testLogger(),
	}
}

func TestAMQPPublisher_Publish(t *testing.T) {
	ch := &fakeChannel{}
	pub := newTestPublisher(ch)

	corr := "corr-1"
	env := Envelope{
		Meta: Meta{ID: "evt-1", CorrelationID: &corr, Time: time.Unix(100, 0).UTC(), Type: TypeConversationStarted},
		Data: ConversationEvent{ConversationID: "conv-1", AgentIDs: []string{"A", "B"}},
	}
	require.NoError(t, pub.Publish(t.Context(), TypeConversationStarted, env))

	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	assert.Equal(t, "council.events", ch.exchange)
	assert.Equal(t, []string{TypeConversationStarted}, ch.keys)
	assert.Equal(t, "evt-1", msg.MessageId)
	assert.Equal(t, "corr-1", msg.CorrelationId)
	assert.Equal(t, amqp091.Persistent, msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, 1, ch.closed, "per-publish channel should be closed")

	var decoded struct {
		Meta Meta              `json:"meta"`
		Data ConversationEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, "conv-1", decoded.Data.ConversationID)
	assert.Equal(t, TypeConversationStarted, decoded.Meta.Type)
}

func TestAMQPPublisher_GeneratesMessageID(t *testing.T) {
	ch := &fakeChannel{}
	pub := newTestPublisher(ch)

	require.NoError(t, pub.Publish(t.Context(), "k", Envelope{Meta: Meta{Type: "k"}}))
	assert.NotEmpty(t, ch.published[0].MessageId)
	assert.Empty(t, ch.published[0].CorrelationId)
}

func TestAMQPPublisher_Error(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	pub := newTestPublisher(ch)

	err := pub.Publish(t.Context(), "k", Envelope{})
	assert.ErrorContains(t, err, "channel closed")
}

func TestEmitter_StampsMeta(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	rec := &Recorder{}
	em := NewEmitter(rec, "council-server", clock.Fake(now), testLogger())

	em.Emit(t.Context(), TypeTurnRecorded, "corr-9", TurnEvent{ConversationID: "c", Sequence: 1, AgentID: "A"})
	em.Emit(t.Context(), TypeConversationCompleted, "", ConversationEvent{ConversationID: "c", Turns: 2})

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, []string{TypeTurnRecorded, TypeConversationCompleted}, rec.Types())

	first := events[0].Meta
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, now, first.Time)
	require.NotNil(t, first.Producer)
	assert.Equal(t, "council-server", *first.Producer)
	require.NotNil(t, first.CorrelationID)
	assert.Equal(t, "corr-9", *first.CorrelationID)
	assert.Nil(t, events[1].Meta.CorrelationID)
	assert.NotEqual(t, first.ID, events[1].Meta.ID)
}

type failingPublisher struct{ Nop }

func (failingPublisher) Publish(context.Context, string, Envelope) error {
	return errors.New("broker down")
}

func TestEmitter_SwallowsPublishErrors(t *testing.T) {
	em := NewEmitter(failingPublisher{}, "", nil, testLogger())
	em.Emit(t.Context(), TypeConversationStopped, "", nil)
	assert.NoError(t, em.Close())
}

func TestEmitter_NilPublisher(t *testing.T) {
	em := NewEmitter(nil, "", nil, nil)
	em.Emit(t.Context(), TypeConversationStarted, "", nil)
}
