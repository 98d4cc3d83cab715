package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fithublabs/gatekeeper/internal/api"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// swapped in tests
var nowFunc = time.Now

// Status of the operator session.
type Status string

const (
	StatusAnonymous     Status = "anonymous"
	StatusAuthenticated Status = "authenticated"
)

// Identity is the authenticated operator.
type Identity struct {
	ID    string
	Name  string
	Email string
	Role  string
	GymID string
}

// Session is an immutable snapshot of the authentication state.
// Invariant: Token is non-empty exactly when Status is authenticated.
type Session struct {
	Identity Identity
	Token    string
	Status   Status
}

// Authenticated reports whether the snapshot carries a live credential.
func (s Session) Authenticated() bool {
	return s.Status == StatusAuthenticated
}

// AuthAPI is the slice of the backend client the manager needs.
type AuthAPI interface {
	Login(ctx context.Context, email, password string) (*api.LoginData, error)
	Logout(ctx context.Context) error
}

// Watcher observes session transitions. Watchers run on the goroutine that
// performed the transition and must not block.
type Watcher func(Session)

// Manager is the sole writer of login/logout transitions. Every other
// component reads the session through Current, Watch, or the shared
// TokenHolder.
type Manager struct {
	logger *zap.Logger
	auth   AuthAPI
	store  Store
	tokens *TokenHolder

	mu       sync.RWMutex
	current  Session
	watchers map[int]Watcher
	nextID   int
}

// NewManager creates a session manager. The TokenHolder must be the same one
// handed to the API client; the manager is its only writer.
func NewManager(auth AuthAPI, store Store, tokens *TokenHolder, logger *zap.Logger) *Manager {
	return &Manager{
		logger:   logger.Named("session"),
		auth:     auth,
		store:    store,
		tokens:   tokens,
		current:  Session{Status: StatusAnonymous},
		watchers: make(map[int]Watcher),
	}
}

// Current returns a snapshot of the session.
func (m *Manager) Current() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Token implements api.TokenSource via the shared holder.
func (m *Manager) Token() string {
	return m.tokens.Token()
}

// Watch registers a transition observer and returns its unsubscribe func.
// The watcher is immediately invoked with the current snapshot so late
// subscribers converge without a transition.
func (m *Manager) Watch(fn Watcher) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	snapshot := m.current
	m.mu.Unlock()

	fn(snapshot)

	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

// Login authenticates against the backend and, on success, persists the
// credential and flips to authenticated. Failures keep the session anonymous
// and are returned using the errorx taxonomy; a blocked-organization failure
// must route the caller to the blocked view.
func (m *Manager) Login(ctx context.Context, email, password string) (Session, error) {
	data, err := m.auth.Login(ctx, email, password)
	if err != nil {
		m.logger.Warn("login failed", zap.String("email", email), zap.Error(err))
		return Session{Status: StatusAnonymous}, err
	}

	state := State{Token: data.AccessToken, User: data.User}
	if err := m.store.Save(state); err != nil {
		// a session that cannot be persisted is still a session
		m.logger.Error("failed to persist session state", zap.Error(err))
	}

	sess := m.apply(state)
	m.logger.Info("login successful",
		zap.String("user", data.User.ID),
		zap.String("role", data.User.Role))
	return sess, nil
}

// Logout best-effort notifies the server, then unconditionally clears local
// state. It never fails to clear the session.
func (m *Manager) Logout(ctx context.Context) {
	if err := m.auth.Logout(ctx); err != nil {
		m.logger.Warn("server logout failed, clearing local session anyway", zap.Error(err))
	}
	if err := m.store.Clear(); err != nil {
		m.logger.Error("failed to clear persisted session state", zap.Error(err))
	}
	m.clear()
	m.logger.Info("logged out")
}

// Invalidate drops the local session without a server round-trip. Used when
// the server reports the credential is no longer acceptable.
func (m *Manager) Invalidate() {
	if err := m.store.Clear(); err != nil {
		m.logger.Error("failed to clear persisted session state", zap.Error(err))
	}
	m.clear()
}

// Restore loads the persisted session at startup. Malformed or expired state
// is discarded and the session stays anonymous.
func (m *Manager) Restore(ctx context.Context) Session {
	state, err := m.store.Load()
	if err != nil {
		m.logger.Warn("failed to load persisted session state", zap.Error(err))
		return m.Current()
	}
	if state == nil {
		return m.Current()
	}

	if !validState(state) {
		m.logger.Warn("persisted session state malformed, discarding")
		_ = m.store.Clear()
		return m.Current()
	}
	if tokenExpired(state.Token) {
		m.logger.Info("persisted session expired, discarding")
		_ = m.store.Clear()
		return m.Current()
	}

	sess := m.apply(*state)
	m.logger.Info("session restored",
		zap.String("user", state.User.ID),
		zap.String("role", state.User.Role))
	return sess
}

// validState checks the shape of restored state before trusting it.
func validState(s *State) bool {
	return s.Token != "" && s.User.ID != "" && s.User.Role != ""
}

// tokenExpired parses the credential's claims without verifying the
// signature; verification is the server's job, the client only avoids
// restoring a token it knows is dead.
func tokenExpired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		// opaque tokens pass through; the server will reject them if invalid
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Time.Before(nowFunc())
}

func (m *Manager) apply(state State) Session {
	sess := Session{
		Identity: Identity{
			ID:    state.User.ID,
			Name:  state.User.Name,
			Email: state.User.Email,
			Role:  state.User.Role,
			GymID: state.User.GymID,
		},
		Token:  state.Token,
		Status: StatusAuthenticated,
	}

	m.tokens.set(state.Token)
	m.transition(sess)
	return sess
}

func (m *Manager) clear() {
	m.tokens.set("")
	m.transition(Session{Status: StatusAnonymous})
}

// transition publishes a new snapshot. Watchers run outside the lock, in
// registration order, so dependent components reconcile deterministically.
func (m *Manager) transition(sess Session) {
	m.mu.Lock()
	m.current = sess
	ids := make([]int, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	watchers := make([]Watcher, 0, len(ids))
	for _, id := range ids {
		watchers = append(watchers, m.watchers[id])
	}
	m.mu.Unlock()

	for _, fn := range watchers {
		fn(sess)
	}
}
