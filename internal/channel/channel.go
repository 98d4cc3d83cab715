package channel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fithublabs/gatekeeper/internal/channel/transport"
	"github.com/fithublabs/gatekeeper/internal/common/cnst"
	"github.com/fithublabs/gatekeeper/internal/session"
	"github.com/fithublabs/gatekeeper/pkg/metrics"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// ConnState is the lifecycle state of the event channel.
type ConnState string

const (
	StateClosed         ConnState = "closed"
	StateConnecting     ConnState = "connecting"
	StateAuthenticating ConnState = "authenticating"
	StateAuthenticated  ConnState = "authenticated"
	StateError          ConnState = "error"
)

// Handler receives the data payload of one server event. Handlers run on the
// transport's receive goroutine and must not block.
type Handler func(data []byte)

// Factory builds a fresh transport for each channel incarnation. Injected so
// tests can substitute a fake.
type Factory func() transport.Interface

// frame is the wire shape of every channel message, both directions.
type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// EncodeFrame marshals an outbound channel frame.
func EncodeFrame(event string, data any) ([]byte, error) {
	return json.Marshal(frame{Event: event, Data: data})
}

// Manager owns at most one live channel, strictly bound to the authenticated
// session. A session transition always closes the previous channel before a
// new one dials, so the aggregator can never receive duplicate deliveries
// from two coexisting channels. Delivery is at-most-once: a reconnect only
// affects events sent afterwards, there is no replay.
type Manager struct {
	logger  *zap.Logger
	factory Factory
	metrics *metrics.Metrics

	mu        sync.Mutex
	state     ConnState
	transport transport.Interface
	cancel    context.CancelFunc
	owner     string // session identity the live channel belongs to
	token     string // credential used for the handshake
	subs      map[cnst.EventKind]map[int]Handler
	nextSub   int
}

// NewManager creates a channel manager in the closed state.
func NewManager(factory Factory, m *metrics.Metrics, logger *zap.Logger) *Manager {
	return &Manager{
		logger:  logger.Named("channel"),
		factory: factory,
		metrics: m,
		state:   StateClosed,
		subs:    make(map[cnst.EventKind]map[int]Handler),
	}
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers interest in one event kind and returns the unsubscribe
// func. Subscriptions do not survive the channel closing on logout; callers
// re-subscribe when their own lifecycle restarts.
func (m *Manager) Subscribe(kind cnst.EventKind, fn Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	if m.subs[kind] == nil {
		m.subs[kind] = make(map[int]Handler)
	}
	m.subs[kind][id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if handlers, ok := m.subs[kind]; ok {
			delete(handlers, id)
		}
	}
}

// BindSession ties the channel lifecycle to the session state: authenticated
// opens a channel, anonymous closes it. Returns the unbind func.
func (m *Manager) BindSession(sm *session.Manager) func() {
	return sm.Watch(func(s session.Session) {
		m.Apply(s)
	})
}

// Apply reconciles the channel against a session snapshot.
func (m *Manager) Apply(s session.Session) {
	if !s.Authenticated() {
		m.Close()
		return
	}

	m.mu.Lock()
	sameOwner := m.transport != nil && m.owner == s.Identity.ID && m.token == s.Token
	m.mu.Unlock()
	if sameOwner {
		return
	}

	// old channel down before the new one dials
	m.Close()
	m.open(s)
}

func (m *Manager) open(s session.Session) {
	t := m.factory()
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.transport = t
	m.cancel = cancel
	m.owner = s.Identity.ID
	m.token = s.Token
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	t.SetConnectHandler(func() { m.handshake(ctx, t, s.Token) })
	t.SetDisconnectHandler(func(err error) {
		m.metrics.IncReconnect("websocket")
		m.transition(StateError)
		// the transport redials on its own; the next connect re-handshakes
	})
	t.SetMessageHandler(m.dispatch)

	if err := t.Start(ctx); err != nil {
		m.logger.Error("failed to start transport", zap.Error(err))
		cancel()
		m.transition(StateError)
		return
	}
	m.logger.Info("channel opened", zap.String("owner", s.Identity.ID))
}

// handshake authenticates the channel itself; transport-level authentication
// is never assumed. Failure is non-fatal: role-gated events will simply not
// arrive.
func (m *Manager) handshake(ctx context.Context, t transport.Interface, token string) {
	m.transition(StateAuthenticating)

	payload, err := EncodeFrame(cnst.ClientEventAuthenticate, token)
	if err != nil {
		m.logger.Error("failed to encode handshake frame", zap.Error(err))
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := t.Send(sendCtx, payload); err != nil {
		m.logger.Warn("failed to send handshake", zap.Error(err))
	}
}

// dispatch routes one inbound frame. Each received server event is delivered
// to in-process subscribers at most once.
func (m *Manager) dispatch(payload []byte) {
	event := cnst.EventKind(gjson.GetBytes(payload, "event").String())
	if event == "" {
		m.logger.Debug("dropping frame without event kind")
		return
	}
	m.metrics.IncEvent(string(event))

	switch event {
	case cnst.EventAuthenticated:
		m.transition(StateAuthenticated)
		m.logger.Info("channel authenticated")
		return
	case cnst.EventAuthenticationError:
		// non-fatal: the transport stays up, unauthenticated-tier events may
		// still flow
		m.logger.Warn("channel authentication rejected",
			zap.String("reason", gjson.GetBytes(payload, "data").String()))
		return
	}

	data := gjson.GetBytes(payload, "data")
	var raw []byte
	if data.Index > 0 {
		raw = payload[data.Index : data.Index+len(data.Raw)]
	} else {
		raw = []byte(data.Raw)
	}

	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.subs[event]))
	for _, fn := range m.subs[event] {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(raw)
	}
}

// Close tears the channel down deterministically: any in-flight connection
// attempt is cancelled and all subscriptions are discarded.
func (m *Manager) Close() {
	m.mu.Lock()
	t := m.transport
	cancel := m.cancel
	m.transport = nil
	m.cancel = nil
	m.owner = ""
	m.token = ""
	m.subs = make(map[cnst.EventKind]map[int]Handler)
	changed := m.state != StateClosed
	m.setStateLocked(StateClosed)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		if err := t.Close(); err != nil {
			m.logger.Warn("transport close failed", zap.Error(err))
		}
	}
	if changed {
		m.logger.Info("channel closed")
	}
}

func (m *Manager) transition(state ConnState) {
	m.mu.Lock()
	// a late transport callback must not resurrect a closed channel
	if m.state == StateClosed && m.transport == nil {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(state)
	m.mu.Unlock()
}

func (m *Manager) setStateLocked(state ConnState) {
	m.state = state
	m.metrics.SetChannelState(string(state))
}
