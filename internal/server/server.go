// ABOUTME: Reference council server: websocket endpoint, credit and extraction APIs, conversation runners
// ABOUTME: Owns the HTTP server lifecycle and the registry of live conversations

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/2389/coven-council/internal/attach"
	"github.com/2389/coven-council/internal/auth"
	"github.com/2389/coven-council/internal/clock"
	"github.com/2389/coven-council/internal/dedupe"
	"github.com/2389/coven-council/internal/notify"
	"github.com/2389/coven-council/internal/store"
)

// Defaults for zero Options fields.
const (
	DefaultWriteTimeout = 5 * time.Second
	dedupeMaxEntries    = 100_000
)

// Options configures a Server. Store and Verifier are required.
type Options struct {
	Addr           string
	Store          store.Store
	Verifier       auth.TokenVerifier
	Responder      Responder
	Events         *notify.Emitter
	Dedupe         *dedupe.Cache
	CostPerTurn    int64
	InitialCredits int64
	AgentDelay     time.Duration
	MaxFileBytes   int64
	WriteTimeout   time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Server hosts council conversations.
type Server struct {
	store          store.Store
	verifier       auth.TokenVerifier
	responder      Responder
	events         *notify.Emitter
	dedupe         *dedupe.Cache
	ownsDedupe     bool
	costPerTurn    int64
	initialCredits int64
	agentDelay     time.Duration
	maxFileBytes   int64
	writeTimeout   time.Duration
	clock          clock.Clock
	logger         *slog.Logger

	hub        *hub
	httpServer *http.Server

	// baseCtx outlives requests; runners and websocket connections hang off it
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	runners map[string]*runner
}

// New creates a Server.
func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("token verifier is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Responder == nil {
		opts.Responder = EchoResponder{}
	}
	if opts.Events == nil {
		opts.Events = notify.NewEmitter(nil, "", opts.Clock, opts.Logger)
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = attach.DefaultMaxBytes
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.CostPerTurn < 0 {
		return nil, fmt.Errorf("cost per turn must not be negative: %d", opts.CostPerTurn)
	}

	s := &Server{
		store:          opts.Store,
		verifier:       opts.Verifier,
		responder:      opts.Responder,
		events:         opts.Events,
		dedupe:         opts.Dedupe,
		costPerTurn:    opts.CostPerTurn,
		initialCredits: opts.InitialCredits,
		agentDelay:     opts.AgentDelay,
		maxFileBytes:   opts.MaxFileBytes,
		writeTimeout:   opts.WriteTimeout,
		clock:          opts.Clock,
		logger:         opts.Logger.With("component", "server"),
		runners:        make(map[string]*runner),
	}
	if s.dedupe == nil {
		s.dedupe = dedupe.New(5*time.Minute, dedupeMaxEntries, opts.Clock)
		s.ownsDedupe = true
	}
	s.hub = newHub(s.logger)
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	requireAuth := auth.HTTPAuthMiddleware(s.verifier)

	// Health endpoint - no auth required
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.Handle("GET /ws", requireAuth(http.HandlerFunc(s.handleWebSocket)))
	mux.Handle("POST /api/credits/check", requireAuth(http.HandlerFunc(s.handleCreditsCheck)))
	mux.Handle("POST /api/files/extract", requireAuth(http.HandlerFunc(s.handleExtract)))
	return mux
}

// Run serves on ln until ctx is cancelled or the server fails.
// Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	// The caller's context is already canceled, so shut down on a fresh one
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// ListenAndServe listens on the configured address and calls Run.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return s.Run(ctx, ln)
}

// Shutdown stops accepting requests, ends live conversations and closes
// websocket connections. The store and event publisher are left to the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)
	s.cancelBase()

	for _, r := range s.liveRunners() {
		select {
		case <-r.done:
		case <-ctx.Done():
			return errors.Join(err, fmt.Errorf("waiting for conversations: %w", ctx.Err()))
		}
	}

	if s.ownsDedupe {
		s.dedupe.Close()
	}
	if err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

func (s *Server) addRunner(r *runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runners[r.conv.ID] = r
}

func (s *Server) removeRunner(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runners, id)
}

func (s *Server) runner(id string) (*runner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[id]
	return r, ok
}

func (s *Server) liveRunners() []*runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*runner, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, r)
	}
	return out
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
