package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticToken string

func (s staticToken) Token() string { return string(s) }

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, ch <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for " + msg)
	}
}

func TestWebSocket_ReceiveAndSend(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"check-in"}`)))

		_, payload, err := conn.ReadMessage()
		if err == nil {
			received <- string(payload)
		}
	}))
	defer srv.Close()

	tr := NewWebSocket(WebSocketConfig{URL: wsURL(srv), ReconnectMin: 10 * time.Millisecond}, zap.NewNop())

	connected := make(chan struct{}, 1)
	gotMessage := make(chan []byte, 1)
	tr.SetConnectHandler(func() { connected <- struct{}{} })
	tr.SetMessageHandler(func(p []byte) { gotMessage <- p })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Start(ctx))
	defer tr.Close()

	waitFor(t, connected, "connect")

	select {
	case p := <-gotMessage:
		assert.JSONEq(t, `{"event":"check-in"}`, string(p))
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
	}

	require.NoError(t, tr.Send(context.Background(), []byte(`{"event":"authenticate","data":"tok"}`)))
	select {
	case p := <-received:
		assert.Contains(t, p, "authenticate")
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive frame")
	}
}

func TestWebSocket_RedialsAfterDrop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	conns := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		mu.Lock()
		conns++
		first := conns == 1
		mu.Unlock()

		if first {
			// kill the first connection immediately
			_ = conn.Close()
			return
		}
		// hold the second one open
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tr := NewWebSocket(WebSocketConfig{
		URL:          wsURL(srv),
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
	}, zap.NewNop())

	connects := make(chan struct{}, 4)
	disconnects := make(chan struct{}, 4)
	tr.SetConnectHandler(func() { connects <- struct{}{} })
	tr.SetDisconnectHandler(func(error) { disconnects <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Start(ctx))
	defer tr.Close()

	waitFor(t, connects, "first connect")
	waitFor(t, disconnects, "disconnect")
	waitFor(t, connects, "reconnect")

	mu.Lock()
	assert.GreaterOrEqual(t, conns, 2)
	mu.Unlock()
}

func TestWebSocket_SendWithoutConnection(t *testing.T) {
	tr := NewWebSocket(WebSocketConfig{URL: "ws://127.0.0.1:1/socket"}, zap.NewNop())
	assert.Error(t, tr.Send(context.Background(), []byte("x")))
}

func TestWebSocket_CloseStopsRedialing(t *testing.T) {
	tr := NewWebSocket(WebSocketConfig{
		URL:          "ws://127.0.0.1:1/socket",
		ReconnectMin: 10 * time.Millisecond,
	}, zap.NewNop())

	fails := make(chan int, 16)
	tr.SetDialFailureHandler(func(n int) { fails <- n })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Start(ctx))

	select {
	case <-fails:
	case <-time.After(5 * time.Second):
		t.Fatal("no dial failure observed")
	}

	require.NoError(t, tr.Close())
	// double close is fine
	require.NoError(t, tr.Close())
	// starting a closed transport fails
	assert.Error(t, tr.Start(ctx))
}

func TestPolling_PullsFramesAndTracksCursor(t *testing.T) {
	var mu sync.Mutex
	cursors := []string{}
	posts := [][]byte{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		switch r.Method {
		case http.MethodGet:
			mu.Lock()
			cursors = append(cursors, r.URL.Query().Get("cursor"))
			n := len(cursors)
			mu.Unlock()
			resp := map[string]any{
				"cursor": "c1",
				"events": []json.RawMessage{},
			}
			if n == 1 {
				resp["events"] = []json.RawMessage{json.RawMessage(`{"event":"check-in"}`)}
			}
			_ = json.NewEncoder(w).Encode(resp)
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			posts = append(posts, body)
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	tr := NewPolling(PollingConfig{URL: srv.URL, Interval: 20 * time.Millisecond}, staticToken("tok-1"), zap.NewNop())

	connected := make(chan struct{}, 1)
	messages := make(chan []byte, 4)
	tr.SetConnectHandler(func() { connected <- struct{}{} })
	tr.SetMessageHandler(func(p []byte) { messages <- p })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.Start(ctx))
	defer tr.Close()

	waitFor(t, connected, "connect")

	select {
	case p := <-messages:
		assert.JSONEq(t, `{"event":"check-in"}`, string(p))
	case <-time.After(5 * time.Second):
		t.Fatal("no frame pulled")
	}

	require.NoError(t, tr.Send(context.Background(), []byte(`{"event":"authenticate","data":"tok-1"}`)))

	// second pull carries the advanced cursor
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range cursors {
			if c == "c1" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.NotEmpty(t, posts)
	assert.Contains(t, string(posts[0]), "authenticate")
	mu.Unlock()
}

func TestAuto_FallsBackToPolling(t *testing.T) {
	polls := make(chan struct{}, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case polls <- struct{}{}:
		default:
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"cursor": "", "events": []json.RawMessage{}})
	}))
	defer srv.Close()

	// nothing listens on the websocket side
	ws := NewWebSocket(WebSocketConfig{
		URL:          "ws://127.0.0.1:1/socket",
		DialTimeout:  100 * time.Millisecond,
		ReconnectMin: 5 * time.Millisecond,
		ReconnectMax: 10 * time.Millisecond,
	}, zap.NewNop())
	poll := NewPolling(PollingConfig{URL: srv.URL, Interval: 10 * time.Millisecond}, staticToken("tok"), zap.NewNop())

	auto := NewAuto(ws, poll, 2, zap.NewNop())

	switched := make(chan struct{}, 1)
	auto.SetSwitchHandler(func() { switched <- struct{}{} })

	connected := make(chan struct{}, 2)
	auto.SetConnectHandler(func() { connected <- struct{}{} })
	auto.SetMessageHandler(func([]byte) {})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, auto.Start(ctx))
	defer auto.Close()

	waitFor(t, switched, "fallback switch")
	waitFor(t, connected, "polling connect")
	waitFor(t, polls, "first poll")

	// outbound frames now go over HTTP
	assert.NoError(t, auto.Send(context.Background(), []byte(`{"event":"authenticate"}`)))
}
