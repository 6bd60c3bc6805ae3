// ABOUTME: Publishers for lifecycle events: AMQP topic exchange, no-op, and in-memory recorder
// ABOUTME: Emitter wraps a Publisher so callers never block the conversation on a broker failure

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/2389/coven-council/internal/clock"
)

// Publisher delivers an envelope under a routing key.
type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

// amqpChannel is the subset of *amqp091.Channel the publisher uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// AMQPPublisher publishes JSON envelopes to a durable topic exchange.
type AMQPPublisher struct {
	exchange    string
	openChannel func() (amqpChannel, error)
	closeConn   func() error
	logger      *slog.Logger
}

// NewAMQPPublisher dials url and declares exchange as a durable topic exchange.
func NewAMQPPublisher(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{
		exchange:    exchange,
		openChannel: func() (amqpChannel, error) { return conn.Channel() },
		closeConn:   conn.Close,
		logger:      logger.With("component", "notify"),
	}, nil
}

// Publish sends env on a fresh channel. Meta.ID and Meta.CorrelationID
// become the AMQP message and correlation ids.
func (p *AMQPPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	ch, err := p.openChannel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	msgID := env.Meta.ID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	cid := ""
	if env.Meta.CorrelationID != nil {
		cid = *env.Meta.CorrelationID
	}

	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     msgID,
		CorrelationId: cid,
		Timestamp:     env.Meta.Time,
		Type:          env.Meta.Type,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publishing %s: %w", key, err)
	}

	p.logger.Debug("published", "key", key, "exchange", p.exchange)
	return nil
}

// Close closes the broker connection.
func (p *AMQPPublisher) Close() error {
	return p.closeConn()
}

// Nop drops every event. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, string, Envelope) error { return nil }
func (Nop) Close() error                                    { return nil }

// Recorder keeps published envelopes in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *Recorder) Publish(_ context.Context, _ string, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Types returns the Meta.Type of every recorded envelope in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, env := range r.events {
		types[i] = env.Meta.Type
	}
	return types
}

// Events returns a copy of the recorded envelopes.
func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.events...)
}

// DefaultPublishTimeout bounds a single Emit.
const DefaultPublishTimeout = 5 * time.Second

// Emitter stamps envelopes and publishes them. Failures are logged, not returned.
type Emitter struct {
	pub      Publisher
	producer string
	clock    clock.Clock
	logger   *slog.Logger
}

// NewEmitter wraps pub. A nil pub behaves like Nop.
func NewEmitter(pub Publisher, producer string, clk clock.Clock, logger *slog.Logger) *Emitter {
	if pub == nil {
		pub = Nop{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		pub:      pub,
		producer: producer,
		clock:    clk,
		logger:   logger.With("component", "notify"),
	}
}

// Emit publishes data as eventType, routed by eventType.
func (e *Emitter) Emit(ctx context.Context, eventType, correlationID string, data any) {
	env := Envelope{
		Meta: Meta{
			ID:   uuid.NewString(),
			Time: e.clock.Now().UTC(),
			Type: eventType,
		},
		Data: data,
	}
	if e.producer != "" {
		producer := e.producer
		env.Meta.Producer = &producer
	}
	if correlationID != "" {
		env.Meta.CorrelationID = &correlationID
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultPublishTimeout)
	defer cancel()

	if err := e.pub.Publish(ctx, eventType, env); err != nil {
		e.logger.Warn("failed to publish event", "type", eventType, "error", err)
	}
}

// Close closes the underlying publisher.
func (e *Emitter) Close() error {
	return e.pub.Close()
}
