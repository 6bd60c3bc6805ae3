// ABOUTME: Test harness for the council server: httptest server, JWTs and a websocket test client
// ABOUTME: Responders here let tests hold a turn open until they release it

package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-council/internal/auth"
	"github.com/2389/coven-council/internal/notify"
	"github.com/2389/coven-council/internal/store"
	"github.com/2389/coven-council/internal/wire"
)

const testSecret = "test-secret-that-is-at-least-32-bytes-long"

type testEnv struct {
	srv      *Server
	http     *httptest.Server
	store    *store.MockStore
	verifier *auth.JWTVerifier
	events   *notify.Recorder
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, configure func(*Options)) *testEnv {
	t.Helper()

	env := &testEnv{
		store:    store.NewMockStore(),
		verifier: auth.NewJWTVerifier([]byte(testSecret)),
		events:   &notify.Recorder{},
	}
	opts := Options{
		Store:          env.store,
		Verifier:       env.verifier,
		Events:         notify.NewEmitter(env.events, "council-test", nil, testLogger()),
		CostPerTurn:    1,
		InitialCredits: 100,
		Logger:         testLogger(),
	}
	if configure != nil {
		configure(&opts)
	}

	srv, err := New(opts)
	require.NoError(t, err)
	env.srv = srv
	env.http = httptest.NewServer(srv.Handler())
	t.Cleanup(env.http.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return env
}

func (e *testEnv) token(t *testing.T, principal string) string {
	t.Helper()
	token, err := e.verifier.Generate(principal, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (e *testEnv) dial(t *testing.T, principal string) *wsClient {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+e.token(t, principal))

	conn, _, err := websocket.Dial(t.Context(), e.wsURL(), &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(ev wire.Event) {
	c.t.Helper()
	data, err := wire.Marshal(ev)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.Write(c.t.Context(), websocket.MessageText, data))
}

// next reads one event, failing the test after five seconds.
func (c *wsClient) next() wire.Event {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(c.t.Context(), 5*time.Second)
	defer cancel()

	_, data, err := c.conn.Read(ctx)
	require.NoError(c.t, err)
	ev, err := wire.Unmarshal(data)
	require.NoError(c.t, err)
	return ev
}

// expectNothing asserts no frame arrives within d.
func (c *wsClient) expectNothing(d time.Duration) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(c.t.Context(), d)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	require.Error(c.t, err, "unexpected frame: %s", data)
}

// collect reads until an event named stop arrives and returns everything read.
func (c *wsClient) collect(stop wire.EventName) []wire.Event {
	c.t.Helper()
	var out []wire.Event
	for {
		ev := c.next()
		out = append(out, ev)
		if ev.EventName() == stop {
			return out
		}
	}
}

func names(events []wire.Event) []wire.EventName {
	out := make([]wire.EventName, len(events))
	for i, ev := range events {
		out[i] = ev.EventName()
	}
	return out
}

// gatedResponder answers each turn only after release receives.
type gatedResponder struct {
	release chan struct{}
	prompts chan Prompt
}

func newGatedResponder() *gatedResponder {
	return &gatedResponder{release: make(chan struct{}), prompts: make(chan Prompt, 16)}
}

func (g *gatedResponder) Respond(ctx context.Context, p Prompt) (string, error) {
	g.prompts <- p
	select {
	case <-g.release:
		return "reply from " + p.AgentID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func decodeJSON(t *testing.T, r io.Reader, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(r).Decode(v))
}
