package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PollingConfig tunes the polling transport.
type PollingConfig struct {
	URL      string        // http(s) endpoint of the poll resource
	Interval time.Duration // pull cadence
	Timeout  time.Duration // per-request timeout
}

// Polling is the higher-latency fallback transport: it pulls queued frames
// from the server on a fixed interval and posts outbound frames. It is
// always available wherever plain HTTP is, at the cost of delivery latency
// up to one interval.
type Polling struct {
	logger *zap.Logger
	cfg    PollingConfig
	tokens TokenSource
	http   *http.Client

	mu           sync.Mutex
	started      bool
	closed       bool
	cursor       string
	onMessage    func([]byte)
	onConnect    func()
	onDisconnect func(error)

	cancel context.CancelFunc
}

var _ Interface = (*Polling)(nil)

// pollResponse is the poll resource's payload: frames queued since cursor.
type pollResponse struct {
	Cursor string            `json:"cursor"`
	Events []json.RawMessage `json:"events"`
}

// NewPolling creates the polling transport.
func NewPolling(cfg PollingConfig, tokens TokenSource, logger *zap.Logger) *Polling {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Polling{
		logger: logger.Named("transport.polling"),
		cfg:    cfg,
		tokens: tokens,
		http:   &http.Client{Timeout: cfg.Timeout},
	}
}

// SetMessageHandler implements Interface.SetMessageHandler
func (t *Polling) SetMessageHandler(fn func([]byte)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

// SetConnectHandler implements Interface.SetConnectHandler
func (t *Polling) SetConnectHandler(fn func()) {
	t.mu.Lock()
	t.onConnect = fn
	t.mu.Unlock()
}

// SetDisconnectHandler implements Interface.SetDisconnectHandler
func (t *Polling) SetDisconnectHandler(fn func(error)) {
	t.mu.Lock()
	t.onDisconnect = fn
	t.mu.Unlock()
}

// Start implements Interface.Start
func (t *Polling) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("polling transport already started")
	}
	if t.closed {
		t.mu.Unlock()
		return errors.New("polling transport closed")
	}
	t.started = true
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	onConnect := t.onConnect
	t.mu.Unlock()

	// polling is "connected" as soon as it starts; the first pull proves it
	if onConnect != nil {
		onConnect()
	}

	go t.run(runCtx)
	return nil
}

func (t *Polling) run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.pull(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn("poll failed", zap.Error(err))
			}
		}
	}
}

func (t *Polling) pull(ctx context.Context) error {
	t.mu.Lock()
	cursor := t.cursor
	t.mu.Unlock()

	endpoint := t.cfg.URL
	if cursor != "" {
		endpoint += "?cursor=" + url.QueryEscape(cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	t.authorize(req)

	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("poll status %d: %s", resp.StatusCode, body)
	}

	var payload pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}

	t.mu.Lock()
	t.cursor = payload.Cursor
	onMessage := t.onMessage
	t.mu.Unlock()

	if onMessage != nil {
		for _, ev := range payload.Events {
			onMessage(ev)
		}
	}
	return nil
}

// Send implements Interface.Send: outbound frames are posted to the poll
// resource.
func (t *Polling) Send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	t.authorize(req)

	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("send status %d", resp.StatusCode)
	}
	return nil
}

// Close implements Interface.Close
func (t *Polling) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

func (t *Polling) authorize(req *http.Request) {
	if t.tokens == nil {
		return
	}
	if token := t.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
