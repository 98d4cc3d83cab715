package transport

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Auto prefers the websocket transport and falls back to polling once the
// websocket keeps failing to dial. The switch is one-way for the lifetime of
// this transport; a fresh channel (next session transition) tries websocket
// again.
type Auto struct {
	logger        *zap.Logger
	ws            *WebSocket
	poll          *Polling
	fallbackAfter int

	mu       sync.Mutex
	ctx      context.Context
	started  bool
	closed   bool
	onPoll   bool
	onSwitch func()
}

var _ Interface = (*Auto)(nil)

// NewAuto composes the two transports. fallbackAfter is the number of
// consecutive failed websocket dials tolerated before switching.
func NewAuto(ws *WebSocket, poll *Polling, fallbackAfter int, logger *zap.Logger) *Auto {
	if fallbackAfter <= 0 {
		fallbackAfter = 3
	}
	return &Auto{
		logger:        logger.Named("transport.auto"),
		ws:            ws,
		poll:          poll,
		fallbackAfter: fallbackAfter,
	}
}

// SetSwitchHandler observes the websocket-to-polling fallback, for metrics.
func (t *Auto) SetSwitchHandler(fn func()) {
	t.mu.Lock()
	t.onSwitch = fn
	t.mu.Unlock()
}

// SetMessageHandler implements Interface.SetMessageHandler
func (t *Auto) SetMessageHandler(fn func([]byte)) {
	t.ws.SetMessageHandler(fn)
	t.poll.SetMessageHandler(fn)
}

// SetConnectHandler implements Interface.SetConnectHandler
func (t *Auto) SetConnectHandler(fn func()) {
	t.ws.SetConnectHandler(fn)
	t.poll.SetConnectHandler(fn)
}

// SetDisconnectHandler implements Interface.SetDisconnectHandler
func (t *Auto) SetDisconnectHandler(fn func(error)) {
	t.ws.SetDisconnectHandler(fn)
	t.poll.SetDisconnectHandler(fn)
}

// Start implements Interface.Start
func (t *Auto) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("auto transport already started")
	}
	t.started = true
	t.ctx = ctx
	t.mu.Unlock()

	t.ws.SetDialFailureHandler(func(consecutive int) {
		if consecutive >= t.fallbackAfter {
			t.fallback()
		}
	})

	return t.ws.Start(ctx)
}

// fallback tears down the websocket and brings up polling. Runs at most once.
func (t *Auto) fallback() {
	t.mu.Lock()
	if t.onPoll || t.closed {
		t.mu.Unlock()
		return
	}
	t.onPoll = true
	ctx := t.ctx
	onSwitch := t.onSwitch
	t.mu.Unlock()

	t.logger.Warn("websocket unavailable, falling back to polling")
	_ = t.ws.Close()
	if onSwitch != nil {
		onSwitch()
	}
	if err := t.poll.Start(ctx); err != nil {
		t.logger.Error("failed to start polling fallback", zap.Error(err))
	}
}

// Send implements Interface.Send, routed to whichever mode is active.
func (t *Auto) Send(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	onPoll := t.onPoll
	t.mu.Unlock()
	if onPoll {
		return t.poll.Send(ctx, payload)
	}
	return t.ws.Send(ctx, payload)
}

// Close implements Interface.Close
func (t *Auto) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	wsErr := t.ws.Close()
	pollErr := t.poll.Close()
	if wsErr != nil {
		return wsErr
	}
	return pollErr
}
