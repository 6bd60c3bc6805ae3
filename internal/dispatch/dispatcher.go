// ABOUTME: Event dispatcher mapping wire event names to ordered handler lists
// ABOUTME: Isolates handler failures so one broken subscriber cannot starve the rest

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/2389/coven-council/internal/wire"
)

// Handler receives one decoded event.
type Handler func(ctx context.Context, ev wire.Event) error

// Subscription identifies one registration. Its pointer identity is what Off
// removes, so registering the same function twice yields two subscriptions.
type Subscription struct {
	event   wire.EventName
	handler Handler
}

// Event returns the event name this subscription listens to.
func (s *Subscription) Event() wire.EventName { return s.event }

// Dispatcher fans frames out to handlers registered per event name.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[wire.EventName][]*Subscription
	logger   *slog.Logger
}

// New creates an empty Dispatcher. Pass nil logger for default.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[wire.EventName][]*Subscription),
		logger:   logger.With("component", "dispatch"),
	}
}

// On registers handler for event and returns its subscription.
func (d *Dispatcher) On(event wire.EventName, handler Handler) *Subscription {
	sub := &Subscription{event: event, handler: handler}

	d.mu.Lock()
	d.handlers[event] = append(d.handlers[event], sub)
	count := len(d.handlers[event])
	d.mu.Unlock()

	d.logger.Debug("handler registered", "event", event, "handlers", count)
	return sub
}

// Off removes exactly sub. Removing an unknown or already removed
// subscription is a no-op.
func (d *Dispatcher) Off(sub *Subscription) {
	if sub == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	subs := d.handlers[sub.event]
	idx := slices.Index(subs, sub)
	if idx < 0 {
		return
	}
	subs = slices.Delete(subs, idx, idx+1)
	if len(subs) == 0 {
		delete(d.handlers, sub.event)
	} else {
		d.handlers[sub.event] = subs
	}

	d.logger.Debug("handler removed", "event", sub.event, "handlers", len(subs))
}

// Count returns the number of handlers registered for event.
func (d *Dispatcher) Count(event wire.EventName) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[event])
}

// Reset drops every registration.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.handlers)
}

// DispatchFrame decodes f and dispatches the resulting event. Frames with an
// unknown event name or malformed payload are logged and dropped.
func (d *Dispatcher) DispatchFrame(ctx context.Context, f wire.Frame) {
	ev, err := wire.Decode(f)
	if err != nil {
		d.logger.Warn("dropping undecodable frame", "event", f.Event, "error", err)
		return
	}
	d.Dispatch(ctx, ev)
}

// Dispatch invokes every handler registered for ev's event name, in
// registration order. It returns the number of handlers that failed.
func (d *Dispatcher) Dispatch(ctx context.Context, ev wire.Event) int {
	// Copy under read lock so handlers may call On/Off without deadlocking.
	d.mu.RLock()
	subs := slices.Clone(d.handlers[ev.EventName()])
	d.mu.RUnlock()

	failed := 0
	for i, sub := range subs {
		if err := d.invoke(ctx, sub, ev); err != nil {
			failed++
			d.logger.Error("handler failed",
				"event", ev.EventName(),
				"conversation_id", ev.Conversation(),
				"handler_index", i,
				"error", err)
		}
	}
	return failed
}

// invoke runs one handler, converting a panic into an error.
func (d *Dispatcher) invoke(ctx context.Context, sub *Subscription, ev wire.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, ev)
}
