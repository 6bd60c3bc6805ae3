// ABOUTME: Persistent websocket Channel to the council server with automatic reconnection
// ABOUTME: A read pump feeds the dispatcher in order; a write pump drains a bounded send queue

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/coven-council/internal/auth"
	"github.com/2389/coven-council/internal/clock"
	"github.com/2389/coven-council/internal/dispatch"
	"github.com/2389/coven-council/internal/wire"
)

// Defaults for zero Options fields.
const (
	DefaultReconnectBase = 500 * time.Millisecond
	DefaultReconnectMax  = 30 * time.Second
	DefaultJitterPercent = 20
	DefaultWriteTimeout  = 5 * time.Second
	DefaultSendBuffer    = 64
	defaultReadLimit     = 4 << 20
)

// ErrNoServerURL is returned by Connect when Options.URL is empty.
var ErrNoServerURL = errors.New("server url not configured")

// StatusKind names a connection status change.
type StatusKind string

const (
	StatusConnect      StatusKind = "connect"
	StatusDisconnect   StatusKind = "disconnect"
	StatusConnectError StatusKind = "connect_error"
)

// Status is delivered to listeners registered with OnStatus.
type Status struct {
	Kind StatusKind
	// Reconnect is set on StatusConnect after an automatic reconnection.
	// Room memberships are not restored by the server.
	Reconnect bool
	Err       error
}

// StatusListener receives status changes. It runs on the goroutine that
// observed the change and must not block.
type StatusListener func(Status)

// Options configures a Channel.
type Options struct {
	URL           string
	Tokens        auth.TokenSource
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	JitterPercent int
	WriteTimeout  time.Duration
	SendBuffer    int
	HTTPClient    *http.Client
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Channel is a single logical connection to the server. One Channel owns one
// dispatcher for its lifetime.
type Channel struct {
	opts       Options
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	link      *link
	listeners []StatusListener
}

// link is one websocket connection and its send queue.
type link struct {
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a disconnected Channel.
func New(opts Options) *Channel {
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = DefaultReconnectBase
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = DefaultReconnectMax
	}
	if opts.ReconnectMax < opts.ReconnectBase {
		opts.ReconnectMax = opts.ReconnectBase
	}
	if opts.JitterPercent <= 0 {
		opts.JitterPercent = DefaultJitterPercent
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Channel{
		opts:       opts,
		dispatcher: dispatch.New(opts.Logger),
		logger:     opts.Logger.With("component", "transport"),
	}
}

// Dispatcher returns the registry that receives every inbound frame.
func (c *Channel) Dispatcher() *dispatch.Dispatcher { return c.dispatcher }

// OnStatus registers a status listener.
func (c *Channel) OnStatus(l StatusListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// IsConnected reports whether a websocket is currently open.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link != nil
}

// Connect dials the server and starts the pumps. It returns nil at once when
// the Channel is already connected or reconnecting. A failed first dial is
// returned and not retried; drops after that are retried until Disconnect.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.notify(Status{Kind: StatusConnectError, Err: err})
		return err
	}

	c.mu.Lock()
	if c.running {
		// Lost a race with a concurrent Connect.
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "duplicate connection")
		return nil
	}
	lifetime, cancel := context.WithCancel(context.Background())
	c.running = true
	c.cancel = cancel
	l := c.attach(lifetime, conn)
	c.mu.Unlock()

	c.logger.Info("connected", "url", c.opts.URL)
	c.notify(Status{Kind: StatusConnect})

	go c.run(lifetime, l)
	return nil
}

// Disconnect closes the connection, stops reconnection and clears every
// handler and status listener.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	wasRunning := c.running
	if c.cancel != nil {
		c.cancel()
	}
	l := c.link
	c.running = false
	c.cancel = nil
	c.link = nil
	c.mu.Unlock()

	if l != nil {
		l.cancel()
		l.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if wasRunning {
		c.logger.Info("disconnected")
		c.notify(Status{Kind: StatusDisconnect})
	}

	c.mu.Lock()
	c.listeners = nil
	c.mu.Unlock()
	c.dispatcher.Reset()
}

// Emit queues ev for the server. When the Channel is not connected or the
// queue is full the frame is logged and dropped.
func (c *Channel) Emit(ev wire.Event) {
	data, err := wire.Marshal(ev)
	if err != nil {
		c.logger.Error("dropping unencodable frame", "event", ev.EventName(), "error", err)
		return
	}

	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		c.logger.Warn("not connected, dropping frame",
			"event", ev.EventName(),
			"conversation_id", ev.Conversation())
		return
	}

	select {
	case l.send <- data:
	case <-l.ctx.Done():
		c.logger.Warn("connection closing, dropping frame", "event", ev.EventName())
	default:
		c.logger.Warn("send queue full, dropping frame",
			"event", ev.EventName(),
			"conversation_id", ev.Conversation())
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	if c.opts.URL == "" {
		return nil, ErrNoServerURL
	}

	header := http.Header{}
	if c.opts.Tokens != nil {
		token, err := c.opts.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading token: %w", err)
		}
		if err := auth.CheckUsable(token, c.opts.Clock.Now()); err != nil {
			return nil, fmt.Errorf("checking token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{
		HTTPClient: c.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: status %d: %w", c.opts.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(defaultReadLimit)
	return conn, nil
}

// attach installs conn as the current link. Must be called with mu held.
func (c *Channel) attach(lifetime context.Context, conn *websocket.Conn) *link {
	ctx, cancel := context.WithCancel(lifetime)
	l := &link{
		conn:   conn,
		send:   make(chan []byte, c.opts.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	c.link = l
	return l
}

// run serves links until the lifetime ends, reconnecting after each drop.
func (c *Channel) run(lifetime context.Context, l *link) {
	for {
		go c.writePump(l)
		err := c.readPump(l)
		l.cancel()
		l.conn.CloseNow()

		if lifetime.Err() != nil {
			return
		}

		c.mu.Lock()
		if c.link == l {
			c.link = nil
		}
		c.mu.Unlock()

		c.logger.Warn("connection lost", "error", err)
		c.notify(Status{Kind: StatusDisconnect, Err: err})

		next, ok := c.reconnect(lifetime)
		if !ok {
			return
		}
		l = next
	}
}

// reconnect dials with backoff until it succeeds or lifetime ends.
func (c *Channel) reconnect(lifetime context.Context) (*link, bool) {
	backoff := Backoff{
		Base:          c.opts.ReconnectBase,
		Max:           c.opts.ReconnectMax,
		JitterPercent: c.opts.JitterPercent,
	}

	for attempt := 1; ; attempt++ {
		wait := backoff.Next()
		c.logger.Info("reconnecting", "attempt", attempt, "retry_in", wait)
		select {
		case <-lifetime.Done():
			return nil, false
		case <-c.opts.Clock.After(wait):
		}

		conn, err := c.dial(lifetime)
		if err != nil {
			if lifetime.Err() != nil {
				return nil, false
			}
			c.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
			c.notify(Status{Kind: StatusConnectError, Err: err})
			continue
		}

		c.mu.Lock()
		if lifetime.Err() != nil {
			c.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "client disconnect")
			return nil, false
		}
		l := c.attach(lifetime, conn)
		c.mu.Unlock()

		c.logger.Info("reconnected", "attempt", attempt)
		c.notify(Status{Kind: StatusConnect, Reconnect: true})
		return l, true
	}
}

// readPump decodes frames and dispatches them one at a time.
func (c *Channel) readPump(l *link) error {
	for {
		typ, data, err := l.conn.Read(l.ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			c.logger.Warn("ignoring non-text message", "type", typ)
			continue
		}

		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("ignoring malformed frame", "error", err, "bytes", len(data))
			continue
		}
		c.dispatcher.DispatchFrame(l.ctx, f)
	}
}

func (c *Channel) writePump(l *link) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case data := <-l.send:
			ctx, cancel := context.WithTimeout(l.ctx, c.opts.WriteTimeout)
			err := l.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.logger.Warn("write failed", "error", err)
				l.cancel()
				return
			}
		}
	}
}

func (c *Channel) notify(s Status) {
	c.mu.Lock()
	listeners := make([]StatusListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l(s)
	}
}
