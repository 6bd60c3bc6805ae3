// ABOUTME: Council client orchestrating transport, credit gate, session state and turn coordination
// ABOUTME: Start waits for the server's acknowledgment; Send and Stop are fire and forget

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-council/internal/attach"
	"github.com/2389/coven-council/internal/auth"
	"github.com/2389/coven-council/internal/clock"
	"github.com/2389/coven-council/internal/conversation"
	"github.com/2389/coven-council/internal/dispatch"
	"github.com/2389/coven-council/internal/gate"
	"github.com/2389/coven-council/internal/resume"
	"github.com/2389/coven-council/internal/transport"
	"github.com/2389/coven-council/internal/turn"
	"github.com/2389/coven-council/internal/wire"
)

// Defaults for zero Options fields.
const (
	DefaultStartTimeout = 15 * time.Second
	DefaultMaxTurns     = 6
)

var (
	// ErrNotConnected is returned when an action needs the transport and it is down.
	ErrNotConnected = errors.New("not connected to the council server")
	// ErrConnectionLost is returned by Start when the transport drops before
	// the server acknowledges.
	ErrConnectionLost = errors.New("connection lost before the conversation started")
)

// Transport is the part of transport.Channel the client uses.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	Emit(ev wire.Event)
	IsConnected() bool
	OnStatus(l transport.StatusListener)
	Dispatcher() *dispatch.Dispatcher
}

// Options configures a Client. Transport, Gate and Tokens are required.
type Options struct {
	Transport    Transport
	Gate         gate.Checker
	Tokens       auth.TokenSource
	Resume       *resume.Store
	Attachments  *attach.Set
	Notifier     Notifier
	Clock        clock.Clock
	StartTimeout time.Duration
	TurnTimeout  time.Duration
	MaxTurns     int
	Logger       *slog.Logger
}

// Client drives one conversation at a time over a shared transport.
type Client struct {
	transport    Transport
	gate         gate.Checker
	tokens       auth.TokenSource
	resume       *resume.Store
	attachments  *attach.Set
	notifier     Notifier
	clock        clock.Clock
	startTimeout time.Duration
	maxTurns     int
	coord        *turn.Coordinator
	broadcaster  *conversation.Broadcaster
	logger       *slog.Logger
	baseLogger   *slog.Logger

	mu         sync.Mutex
	session    *conversation.Session
	pending    *pendingStart
	starting   bool
	abandoned  map[string]struct{}
	subs       []*dispatch.Subscription
	registered bool
}

// pendingStart is a Start call waiting for conversation_started or an error.
type pendingStart struct {
	correlation string
	done        chan startResult
	once        sync.Once
}

type startResult struct {
	id  string
	err error
}

func (p *pendingStart) resolve(id string, err error) {
	p.once.Do(func() { p.done <- startResult{id: id, err: err} })
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Client{
		transport:    opts.Transport,
		gate:         opts.Gate,
		tokens:       opts.Tokens,
		resume:       opts.Resume,
		attachments:  opts.Attachments,
		notifier:     opts.Notifier,
		clock:        opts.Clock,
		startTimeout: opts.StartTimeout,
		maxTurns:     opts.MaxTurns,
		coord:        turn.NewCoordinator(opts.TurnTimeout, opts.Clock.Now, opts.Logger),
		broadcaster:  conversation.NewBroadcaster(opts.Logger),
		logger:       opts.Logger.With("component", "client"),
		baseLogger:   opts.Logger,
		abandoned:    make(map[string]struct{}),
	}
}

// Connect registers the client's handlers and opens the transport.
func (c *Client) Connect(ctx context.Context) error {
	c.register()
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

// Close disconnects the transport, which also drops the client's handlers.
func (c *Client) Close() {
	c.transport.Disconnect()
	c.mu.Lock()
	c.registered = false
	c.subs = nil
	c.mu.Unlock()
	c.broadcaster.Close()
}

func (c *Client) register() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return
	}

	d := c.transport.Dispatcher()
	for _, name := range []wire.EventName{
		wire.EventConversationStarted,
		wire.EventConversationResumed,
		wire.EventConversationStopped,
		wire.EventConversationComplete,
		wire.EventConversationError,
		wire.EventAgentTyping,
		wire.EventAgentMessage,
	} {
		c.subs = append(c.subs, d.On(name, c.handle))
	}
	c.transport.OnStatus(c.onStatus)
	c.registered = true
}

// Subscribe streams session snapshots until ctx ends.
func (c *Client) Subscribe(ctx context.Context) <-chan conversation.Snapshot {
	ch, _ := c.broadcaster.Subscribe(ctx)
	return ch
}

// Snapshot returns the current session state. ok is false before the first start.
func (c *Client) Snapshot() (conversation.Snapshot, bool) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return conversation.Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Coordinator exposes the turn coordinator, mostly for stalled-turn checks.
func (c *Client) Coordinator() *turn.Coordinator { return c.coord }

// Start validates req, checks credits and asks the server for a
// conversation. It returns the conversation id once acknowledged.
func (c *Client) Start(ctx context.Context, req conversation.StartRequest) (string, error) {
	if req.MaxTurns == 0 {
		req.MaxTurns = c.maxTurns
	}
	if err := conversation.ValidateStart(req); err != nil {
		return "", err
	}
	if !c.reserveStart() {
		return "", conversation.ErrAlreadyStarted
	}
	defer c.releaseStart()
	if !c.transport.IsConnected() {
		return "", ErrNotConnected
	}

	res, err := c.gate.Check(ctx, gate.Request{AgentIDs: req.AgentIDs, MaxTurns: req.MaxTurns})
	if err != nil {
		return "", fmt.Errorf("checking credits: %w", err)
	}
	clearance, err := gate.Approve(res)
	if err != nil {
		return "", err
	}

	if len(req.Files) == 0 && c.attachments != nil {
		req.Files = attach.StartEntries(c.attachments.Files())
	}

	session := conversation.NewSession(c.clock, c.baseLogger)
	payload, err := session.BeginStart(req, clearance)
	if err != nil {
		return "", err
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		session.AbortStart(err)
		return "", fmt.Errorf("reading token: %w", err)
	}
	payload.Token = token

	pending := &pendingStart{correlation: payload.CorrelationID, done: make(chan startResult, 1)}
	c.mu.Lock()
	c.session = session
	c.pending = pending
	c.mu.Unlock()
	c.publish(session)

	c.transport.Emit(payload)
	c.logger.Info("start requested",
		"correlation_id", payload.CorrelationID,
		"agents", payload.AgentIDs,
		"max_turns", payload.MaxTurns,
		"files", len(payload.Files))

	var result startResult
	select {
	case result = <-pending.done:
	case <-c.clock.After(c.startTimeout):
		result.err = conversation.ErrStartTimeout
	case <-ctx.Done():
		result.err = ctx.Err()
	}

	c.mu.Lock()
	if c.pending == pending {
		c.pending = nil
	}
	c.mu.Unlock()

	if result.err != nil {
		if session.AbortStart(result.err) {
			c.abandon(pending.correlation)
		} else if id, ok := session.RejoinTarget(); ok {
			// The acknowledgment won the race against the failure.
			return id, nil
		}
		c.publish(session)
		return "", result.err
	}
	return result.id, nil
}

// Send posts a follow-up message to the active conversation.
func (c *Client) Send(ctx context.Context, text string, agentIDs []string) error {
	if err := turn.Eligible(agentIDs, text); err != nil {
		return err
	}
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return conversation.ErrNotActive
	}
	id, ok := session.RejoinTarget()
	if !ok {
		return conversation.ErrNotActive
	}
	if !c.transport.IsConnected() {
		return ErrNotConnected
	}

	if err := c.coord.Begin(id); err != nil {
		return err
	}
	payload, err := session.PrepareSend(text, agentIDs)
	if err != nil {
		c.coord.Settle(id)
		return err
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		c.coord.Settle(id)
		return fmt.Errorf("reading token: %w", err)
	}
	payload.Token = token

	c.transport.Emit(payload)
	c.publish(session)
	c.logger.Debug("message sent", "conversation_id", id, "agents", agentIDs)
	return nil
}

// Stop ends the active conversation locally at once and tells the server.
func (c *Client) Stop(context.Context) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return conversation.ErrNotActive
	}

	payload, err := session.Stop()
	if err != nil {
		return err
	}
	c.coord.Forget(payload.ConversationID)
	c.transport.Emit(payload)
	c.publish(session)
	return nil
}

// Leave leaves the bound conversation's room and forgets the session.
func (c *Client) Leave() {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()
	if session == nil {
		return
	}

	if id := session.ID(); id != "" {
		c.coord.Forget(id)
		c.transport.Emit(&wire.LeaveConversation{ConversationID: id})
	}
}

// CaptureForResume records a selection so the next Mount can start it.
func (c *Client) CaptureForResume(ctx context.Context, origin string, agentIDs []string, message string) error {
	if c.resume == nil {
		return errors.New("resumption is not configured")
	}
	return c.resume.Capture(ctx, origin, agentIDs, message)
}

// Mount runs the resumption pass and returns the origin that started a
// conversation, if any.
func (c *Client) Mount(ctx context.Context) (string, error) {
	if c.resume == nil {
		return "", nil
	}
	return resume.Mount(ctx, c.resume, nil, c.isActive, func(ctx context.Context, rec resume.Record) error {
		_, err := c.Start(ctx, conversation.StartRequest{
			AgentIDs: rec.AgentIDs,
			Message:  rec.InitialMessage,
			MaxTurns: c.maxTurns,
		})
		return err
	})
}

// isActive reports whether a conversation is starting or live.
func (c *Client) isActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starting || sessionLive(c.session)
}

// reserveStart claims the single start slot. It fails while another Start
// is in progress or a conversation is live.
func (c *Client) reserveStart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.starting || sessionLive(c.session) {
		return false
	}
	c.starting = true
	return true
}

func (c *Client) releaseStart() {
	c.mu.Lock()
	c.starting = false
	c.mu.Unlock()
}

func sessionLive(s *conversation.Session) bool {
	if s == nil {
		return false
	}
	st := s.State()
	return st != conversation.StateNoConversation && !st.Terminal()
}

// handle applies one server event to the current session.
func (c *Client) handle(_ context.Context, ev wire.Event) error {
	c.mu.Lock()
	session := c.session
	pending := c.pending
	c.mu.Unlock()

	if started, ok := ev.(*wire.ConversationStarted); ok && c.claimAbandoned(started.CorrelationID) {
		c.logger.Info("stopping conversation acknowledged after abandoned start",
			"conversation_id", started.ConversationID,
			"correlation_id", started.CorrelationID)
		c.transport.Emit(&wire.StopConversation{ConversationID: started.ConversationID})
		return nil
	}
	if session == nil {
		return nil
	}

	out := session.Apply(ev)
	if out.Ignored {
		return nil
	}
	c.coord.Observe(ev)

	switch e := ev.(type) {
	case *wire.ConversationStarted:
		if pending != nil {
			pending.resolve(e.ConversationID, nil)
		}
	case *wire.ConversationError:
		if pending != nil && session.ID() == "" {
			pending.resolve("", out.Err)
		} else {
			c.Report(out.Err)
		}
	}

	if out.Changed {
		c.publish(session)
	}
	return nil
}

func (c *Client) onStatus(st transport.Status) {
	c.notifier.Connection(st)

	c.mu.Lock()
	session := c.session
	pending := c.pending
	c.mu.Unlock()

	switch st.Kind {
	case transport.StatusDisconnect:
		if pending != nil {
			pending.resolve("", ErrConnectionLost)
		}
	case transport.StatusConnect:
		if !st.Reconnect || session == nil {
			return
		}
		if id, ok := session.RejoinTarget(); ok {
			c.logger.Info("rejoining conversation", "conversation_id", id)
			c.transport.Emit(&wire.JoinConversation{ConversationID: id})
		}
	}
}

func (c *Client) abandon(correlation string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abandoned[correlation] = struct{}{}
}

func (c *Client) claimAbandoned(correlation string) bool {
	if correlation == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.abandoned[correlation]; !ok {
		return false
	}
	delete(c.abandoned, correlation)
	return true
}

func (c *Client) publish(session *conversation.Session) {
	c.broadcaster.Publish(session.Snapshot())
}
