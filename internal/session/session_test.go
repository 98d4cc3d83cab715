package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fithublabs/gatekeeper/internal/api"
	"github.com/fithublabs/gatekeeper/internal/common/errorx"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAuth struct {
	loginData *api.LoginData
	loginErr  error
	logoutErr error
	logouts   int
}

func (f *fakeAuth) Login(_ context.Context, _, _ string) (*api.LoginData, error) {
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return f.loginData, nil
}

func (f *fakeAuth) Logout(context.Context) error {
	f.logouts++
	return f.logoutErr
}

func newManager(t *testing.T, auth AuthAPI) (*Manager, *TokenHolder, Store) {
	t.Helper()
	holder := NewTokenHolder()
	store := NewMemoryStore()
	return NewManager(auth, store, holder, zap.NewNop()), holder, store
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "u1"}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestLogin_Success(t *testing.T) {
	auth := &fakeAuth{loginData: &api.LoginData{
		AccessToken: "tok-1",
		User:        api.User{ID: "u1", Name: "Olu", Email: "o@x.test", Role: "owner"},
	}}
	mgr, holder, store := newManager(t, auth)

	var seen []Session
	unwatch := mgr.Watch(func(s Session) { seen = append(seen, s) })
	defer unwatch()

	sess, err := mgr.Login(context.Background(), "o@x.test", "pw")
	require.NoError(t, err)
	assert.True(t, sess.Authenticated())
	assert.Equal(t, "tok-1", sess.Token)
	assert.Equal(t, "owner", sess.Identity.Role)

	// credential holder follows the transition
	assert.Equal(t, "tok-1", holder.Token())

	// persisted for restart
	state, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "tok-1", state.Token)

	// watcher saw the initial anonymous snapshot, then the login
	require.Len(t, seen, 2)
	assert.Equal(t, StatusAnonymous, seen[0].Status)
	assert.Equal(t, StatusAuthenticated, seen[1].Status)
}

func TestLogin_Failure_StaysAnonymous(t *testing.T) {
	auth := &fakeAuth{loginErr: errorx.ErrInvalidCredentials}
	mgr, holder, _ := newManager(t, auth)

	sess, err := mgr.Login(context.Background(), "o@x.test", "bad")
	require.Error(t, err)
	assert.True(t, errorx.IsAuthFailure(err))
	assert.False(t, sess.Authenticated())
	assert.Empty(t, holder.Token())
}

func TestLogin_Blocked(t *testing.T) {
	auth := &fakeAuth{loginErr: errorx.WithMessage(errorx.ErrOrganizationBlocked, "Your gym has been blocked")}
	mgr, _, _ := newManager(t, auth)

	_, err := mgr.Login(context.Background(), "o@x.test", "pw")
	require.Error(t, err)
	assert.True(t, errorx.IsBlocked(err))
	assert.Equal(t, StatusAnonymous, mgr.Current().Status)
}

func TestLogout_AlwaysClears(t *testing.T) {
	auth := &fakeAuth{
		loginData: &api.LoginData{AccessToken: "tok-1", User: api.User{ID: "u1", Role: "owner"}},
		logoutErr: errors.New("server down"),
	}
	mgr, holder, store := newManager(t, auth)

	_, err := mgr.Login(context.Background(), "o@x.test", "pw")
	require.NoError(t, err)

	mgr.Logout(context.Background())

	assert.Equal(t, 1, auth.logouts)
	assert.Equal(t, StatusAnonymous, mgr.Current().Status)
	assert.Empty(t, holder.Token())
	state, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestRestore(t *testing.T) {
	valid := State{Token: signedToken(t, time.Now().Add(time.Hour)), User: api.User{ID: "u1", Role: "staff"}}

	tests := []struct {
		name  string
		state *State
		auth  bool
	}{
		{"valid state restores", &valid, true},
		{"nothing persisted", nil, false},
		{"missing role discarded", &State{Token: "tok", User: api.User{ID: "u1"}}, false},
		{"missing identity discarded", &State{Token: "tok", User: api.User{Role: "owner"}}, false},
		{"expired token discarded", &State{Token: signedToken(t, time.Now().Add(-time.Hour)), User: api.User{ID: "u1", Role: "staff"}}, false},
		{"opaque token trusted", &State{Token: "not-a-jwt", User: api.User{ID: "u1", Role: "staff"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, _, store := newManager(t, &fakeAuth{})
			if tt.state != nil {
				require.NoError(t, store.Save(*tt.state))
			}

			sess := mgr.Restore(context.Background())
			assert.Equal(t, tt.auth, sess.Authenticated())

			if !tt.auth && tt.state != nil {
				// discarded state must not survive for the next restart
				left, err := store.Load()
				require.NoError(t, err)
				assert.Nil(t, left)
			}
		})
	}
}

func TestWatchUnsubscribe(t *testing.T) {
	auth := &fakeAuth{loginData: &api.LoginData{AccessToken: "tok", User: api.User{ID: "u1", Role: "owner"}}}
	mgr, _, _ := newManager(t, auth)

	calls := 0
	unwatch := mgr.Watch(func(Session) { calls++ })
	assert.Equal(t, 1, calls) // immediate snapshot

	unwatch()
	_, err := mgr.Login(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "session.json")
	store := NewFileStore(path)

	// load before save: anonymous, no error
	state, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, state)

	require.NoError(t, store.Save(State{Token: "tok", User: api.User{ID: "u1", Role: "owner"}}))

	state, err = store.Load()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "tok", state.Token)

	require.NoError(t, store.Clear())
	state, err = store.Load()
	require.NoError(t, err)
	assert.Nil(t, state)

	// clearing twice is fine
	require.NoError(t, store.Clear())
}

func TestFileStore_CorruptStateIgnoredByRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	mgr := NewManager(&fakeAuth{}, NewFileStore(path), NewTokenHolder(), zap.NewNop())
	sess := mgr.Restore(context.Background())
	assert.False(t, sess.Authenticated())
}
