// ABOUTME: Websocket round-trip tests for the transport Channel against an httptest server
// ABOUTME: Covers bearer auth, idempotent connect, dispatch, dropped emits and reconnection

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-council/internal/auth"
	"github.com/2389/coven-council/internal/wire"
)

// wsServer accepts websocket connections and exposes what they receive.
type wsServer struct {
	srv     *httptest.Server
	dials   atomic.Int32
	conns   chan *websocket.Conn
	frames  chan wire.Frame
	headers chan string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		conns:   make(chan *websocket.Conn, 8),
		frames:  make(chan wire.Frame, 32),
		headers: make(chan string, 8),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.dials.Add(1)
		s.headers <- r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			var f wire.Frame
			if err := wsjson.Read(context.Background(), conn, &f); err != nil {
				return
			}
			s.frames <- f
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for value")
		var zero T
		return zero
	}
}

func newTestChannel(t *testing.T, url string, tokens auth.TokenSource) *Channel {
	t.Helper()
	ch := New(Options{
		URL:           url,
		Tokens:        tokens,
		ReconnectBase: 10 * time.Millisecond,
		ReconnectMax:  50 * time.Millisecond,
	})
	t.Cleanup(ch.Disconnect)
	return ch
}

func TestConnect_SendsBearerAndEmits(t *testing.T) {
	srv := newWSServer(t)
	ch := newTestChannel(t, srv.url(), auth.StaticToken("opaque-token"))

	require.NoError(t, ch.Connect(t.Context()))
	assert.Equal(t, "Bearer opaque-token", recv(t, srv.headers))
	recv(t, srv.conns)
	assert.True(t, ch.IsConnected())

	ch.Emit(&wire.StopConversation{ConversationID: "c1"})

	f := recv(t, srv.frames)
	assert.Equal(t, wire.EventStopConversation, f.Event)
	ev, err := wire.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, "c1", ev.Conversation())
}

func TestConnect_Idempotent(t *testing.T) {
	srv := newWSServer(t)
	ch := newTestChannel(t, srv.url(), nil)

	require.NoError(t, ch.Connect(t.Context()))
	require.NoError(t, ch.Connect(t.Context()))
	recv(t, srv.conns)

	assert.Equal(t, int32(1), srv.dials.Load())
}

func TestConnect_ExpiredTokenFailsBeforeDial(t *testing.T) {
	srv := newWSServer(t)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	ch := newTestChannel(t, srv.url(), auth.StaticToken(expired))
	statuses := make(chan Status, 4)
	ch.OnStatus(func(s Status) { statuses <- s })

	err = ch.Connect(t.Context())

	require.ErrorIs(t, err, auth.ErrExpiredToken)
	assert.Equal(t, int32(0), srv.dials.Load())
	assert.False(t, ch.IsConnected())
	st := recv(t, statuses)
	assert.Equal(t, StatusConnectError, st.Kind)
	assert.ErrorIs(t, st.Err, auth.ErrExpiredToken)
}

func TestConnect_MissingToken(t *testing.T) {
	srv := newWSServer(t)
	ch := newTestChannel(t, srv.url(), auth.StaticToken(""))

	err := ch.Connect(t.Context())

	assert.ErrorIs(t, err, auth.ErrNoToken)
	assert.Equal(t, int32(0), srv.dials.Load())
}

func TestEmit_DroppedWhenNotConnected(t *testing.T) {
	ch := newTestChannel(t, "ws://127.0.0.1:1/ws", nil)

	assert.NotPanics(t, func() {
		ch.Emit(&wire.StopConversation{ConversationID: "c1"})
	})
	assert.False(t, ch.IsConnected())
}

func TestInboundFramesDispatchedInOrder(t *testing.T) {
	srv := newWSServer(t)
	ch := newTestChannel(t, srv.url(), nil)

	var mu sync.Mutex
	var got []int64
	done := make(chan struct{})
	ch.Dispatcher().On(wire.EventAgentMessage, func(_ context.Context, ev wire.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.(*wire.AgentMessage).Sequence)
		if len(got) == 3 {
			close(done)
		}
		return nil
	})

	require.NoError(t, ch.Connect(t.Context()))
	conn := recv(t, srv.conns)

	ctx := t.Context()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{not json`)))
	require.NoError(t, wsjson.Write(ctx, conn, wire.Frame{Event: "mystery_event"}))
	for _, seq := range []int64{2, 0, 1} {
		f, err := wire.Encode(&wire.AgentMessage{ConversationID: "c1", AgentID: "A", Sequence: seq})
		require.NoError(t, err)
		require.NoError(t, wsjson.Write(ctx, conn, f))
	}

	recv(t, done)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{2, 0, 1}, got, "dispatch follows arrival order")
	assert.True(t, ch.IsConnected(), "bad frames do not drop the connection")
}

func TestReconnectAfterServerDrop(t *testing.T) {
	srv := newWSServer(t)
	ch := newTestChannel(t, srv.url(), auth.StaticToken("tok"))
	statuses := make(chan Status, 16)
	ch.OnStatus(func(s Status) { statuses <- s })

	require.NoError(t, ch.Connect(t.Context()))
	first := recv(t, srv.conns)
	assert.Equal(t, Status{Kind: StatusConnect}, recv(t, statuses))

	first.CloseNow()

	st := recv(t, statuses)
	assert.Equal(t, StatusDisconnect, st.Kind)
	st = recv(t, statuses)
	assert.Equal(t, StatusConnect, st.Kind)
	assert.True(t, st.Reconnect)

	recv(t, srv.conns)
	assert.Equal(t, int32(2), srv.dials.Load())
	assert.True(t, ch.IsConnected())

	ch.Emit(&wire.JoinConversation{ConversationID: "c1"})
	f := recv(t, srv.frames)
	assert.Equal(t, wire.EventJoinConversation, f.Event)
}

func TestDisconnect_ResetsHandlersAndListeners(t *testing.T) {
	srv := newWSServer(t)
	ch := newTestChannel(t, srv.url(), nil)
	ch.Dispatcher().On(wire.EventAgentTyping, func(context.Context, wire.Event) error { return nil })

	var statusCount atomic.Int32
	ch.OnStatus(func(Status) { statusCount.Add(1) })

	require.NoError(t, ch.Connect(t.Context()))
	recv(t, srv.conns)

	ch.Disconnect()

	assert.False(t, ch.IsConnected())
	assert.Equal(t, 0, ch.Dispatcher().Count(wire.EventAgentTyping))
	assert.Equal(t, int32(2), statusCount.Load(), "connect and disconnect")

	ch.Disconnect()
	assert.Equal(t, int32(2), statusCount.Load(), "listeners were cleared")

	// The Channel can be connected again.
	require.NoError(t, ch.Connect(t.Context()))
	recv(t, srv.conns)
	assert.True(t, ch.IsConnected())
}
