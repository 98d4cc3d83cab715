package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketConfig tunes the websocket transport.
type WebSocketConfig struct {
	URL          string        // ws:// or wss:// endpoint
	DialTimeout  time.Duration
	PingInterval time.Duration
	ReconnectMin time.Duration // initial redial backoff
	ReconnectMax time.Duration // backoff ceiling
}

// WebSocket is the low-latency persistent transport. It redials with
// jittered exponential backoff on its own; dial failures are additionally
// reported through the dial-failure hook so a composite transport can fall
// back to polling.
type WebSocket struct {
	logger *zap.Logger
	cfg    WebSocketConfig

	mu           sync.Mutex
	conn         *websocket.Conn
	writeMu      sync.Mutex
	started      bool
	closed       bool
	onMessage    func([]byte)
	onConnect    func()
	onDisconnect func(error)
	onDialFail   func(consecutive int)

	done chan struct{}
}

var _ Interface = (*WebSocket)(nil)

// NewWebSocket creates the websocket transport.
func NewWebSocket(cfg WebSocketConfig, logger *zap.Logger) *WebSocket {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &WebSocket{
		logger: logger.Named("transport.websocket"),
		cfg:    cfg,
		done:   make(chan struct{}),
	}
}

// SetMessageHandler implements Interface.SetMessageHandler
func (t *WebSocket) SetMessageHandler(fn func([]byte)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

// SetConnectHandler implements Interface.SetConnectHandler
func (t *WebSocket) SetConnectHandler(fn func()) {
	t.mu.Lock()
	t.onConnect = fn
	t.mu.Unlock()
}

// SetDisconnectHandler implements Interface.SetDisconnectHandler
func (t *WebSocket) SetDisconnectHandler(fn func(error)) {
	t.mu.Lock()
	t.onDisconnect = fn
	t.mu.Unlock()
}

// SetDialFailureHandler reports consecutive failed dials; used by the
// fallback composite.
func (t *WebSocket) SetDialFailureHandler(fn func(consecutive int)) {
	t.mu.Lock()
	t.onDialFail = fn
	t.mu.Unlock()
}

// Start implements Interface.Start
func (t *WebSocket) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("websocket transport already started")
	}
	if t.closed {
		t.mu.Unlock()
		return errors.New("websocket transport closed")
	}
	t.started = true
	t.mu.Unlock()

	go t.run(ctx)
	return nil
}

func (t *WebSocket) run(ctx context.Context) {
	backoff := t.cfg.ReconnectMin
	failures := 0

	for {
		if ctx.Err() != nil || t.isClosed() {
			return
		}

		conn, err := t.dial(ctx)
		if err != nil {
			failures++
			t.notifyDialFail(failures)
			t.logger.Warn("dial failed",
				zap.String("url", t.cfg.URL),
				zap.Int("consecutive", failures),
				zap.Error(err))

			if !t.sleep(ctx, jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff, t.cfg.ReconnectMax)
			continue
		}

		failures = 0
		backoff = t.cfg.ReconnectMin

		t.setConn(conn)
		t.notifyConnect()

		err = t.readLoop(ctx, conn)
		t.setConn(nil)
		_ = conn.Close()

		if ctx.Err() != nil || t.isClosed() {
			return
		}
		t.logger.Info("connection lost, redialing", zap.Error(err))
		t.notifyDisconnect(err)
	}
}

func (t *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.DialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, t.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// readLoop delivers inbound frames until the connection breaks. A ping
// ticker keeps intermediaries from idling the connection out.
func (t *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn) error {
	readWait := t.cfg.PingInterval * 2
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go t.pingLoop(pingCtx, conn)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		t.notifyMessage(payload)
	}
}

func (t *WebSocket) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send implements Interface.Send
func (t *WebSocket) Send(_ context.Context, payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("websocket not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Close implements Interface.Close
func (t *WebSocket) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	close(t.done)
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

func (t *WebSocket) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *WebSocket) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
}

// sleep waits d unless the context or transport is shut down first.
func (t *WebSocket) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.done:
		return false
	case <-timer.C:
		return true
	}
}

func (t *WebSocket) notifyMessage(payload []byte) {
	t.mu.Lock()
	fn := t.onMessage
	t.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

func (t *WebSocket) notifyConnect() {
	t.mu.Lock()
	fn := t.onConnect
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *WebSocket) notifyDisconnect(err error) {
	t.mu.Lock()
	fn := t.onDisconnect
	t.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (t *WebSocket) notifyDialFail(consecutive int) {
	t.mu.Lock()
	fn := t.onDialFail
	t.mu.Unlock()
	if fn != nil {
		fn(consecutive)
	}
}

// jitter spreads redials so a fleet of kiosks does not stampede the server.
func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)))/2
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
