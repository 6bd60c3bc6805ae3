// Package dispatch routes inbound wire frames to registered handlers.
//
// A Dispatcher is a registration table owned by one transport Channel. It is
// created with the channel and reset when the channel disconnects, so tests
// and multiple clients never share handlers through package state.
//
//	d := dispatch.New(logger)
//	sub := d.On(wire.EventAgentMessage, func(ctx context.Context, ev wire.Event) error {
//	    msg := ev.(*wire.AgentMessage)
//	    ...
//	    return nil
//	})
//	defer d.Off(sub)
//
// Handlers for one event run in registration order. An error or panic in one
// handler is logged and the remaining handlers still run. Frames are not
// buffered: a handler registered after a frame was dispatched never sees it.
package dispatch
