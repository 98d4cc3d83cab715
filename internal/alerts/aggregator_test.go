package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fithublabs/gatekeeper/internal/api"
	"github.com/fithublabs/gatekeeper/internal/common/cnst"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeAlertAPI struct {
	mu        sync.Mutex
	alerts    []api.Alert
	unread    int
	listErr   error
	markErr   error
	marked    []string
	markedAll int
}

func (f *fakeAlertAPI) Alerts(_ context.Context, _ api.AlertQuery) (*api.AlertList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]api.Alert, len(f.alerts))
	copy(out, f.alerts)
	return &api.AlertList{Alerts: out, Total: len(out)}, nil
}

func (f *fakeAlertAPI) UnreadCount(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, nil
}

func (f *fakeAlertAPI) MarkAlertRead(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeAlertAPI) MarkAllAlertsRead(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.markedAll++
	return nil
}

func newTestAggregator(t *testing.T, client *fakeAlertAPI, window int) *Aggregator {
	t.Helper()
	return NewAggregator(client, NewMemoryStore(), time.Hour, window, nil, zap.NewNop())
}

func pulledAlert(id string, read bool, age time.Duration) api.Alert {
	return api.Alert{
		ID:        id,
		Title:     "Member Check-in",
		Message:   "Alice checked in",
		IsRead:    read,
		CreatedAt: time.Now().Add(-age),
	}
}

func TestPollMergesPulledAlerts(t *testing.T) {
	client := &fakeAlertAPI{alerts: []api.Alert{
		pulledAlert("a1", false, time.Minute),
		pulledAlert("a2", true, 2*time.Minute),
	}}
	agg := newTestAggregator(t, client, 10)

	agg.Poll(context.Background())

	snap := agg.Snapshot(context.Background())
	require.Len(t, snap.Alerts, 2)
	assert.Equal(t, 1, snap.Unread)
	// newest first
	assert.Equal(t, "a1", snap.Alerts[0].ID)
	assert.Equal(t, "a2", snap.Alerts[1].ID)
}

func TestPushThenPullCountsOnce(t *testing.T) {
	ctx := context.Background()
	client := &fakeAlertAPI{}
	agg := newTestAggregator(t, client, 10)

	agg.handlePush(ctx, cnst.AlertKindCheckIn, []byte(`{
		"alert": {"_id": "a1", "title": "Member Check-in", "message": "Alice checked in"}
	}`))
	assert.Equal(t, 1, agg.Unread(ctx))

	client.mu.Lock()
	client.alerts = []api.Alert{pulledAlert("a1", false, 0)}
	client.mu.Unlock()
	agg.Poll(ctx)

	snap := agg.Snapshot(ctx)
	assert.Len(t, snap.Alerts, 1)
	assert.Equal(t, 1, snap.Unread)
	// the push copy arrived first, so its origin sticks
	assert.Equal(t, cnst.OriginPush, snap.Alerts[0].Origin)
}

func TestPullRefreshesReadState(t *testing.T) {
	ctx := context.Background()
	client := &fakeAlertAPI{alerts: []api.Alert{pulledAlert("a1", false, 0)}}
	agg := newTestAggregator(t, client, 10)

	agg.Poll(ctx)
	assert.Equal(t, 1, agg.Unread(ctx))

	// another terminal marked it read on the server
	client.mu.Lock()
	client.alerts = []api.Alert{pulledAlert("a1", true, 0)}
	client.mu.Unlock()
	agg.Poll(ctx)

	assert.Equal(t, 0, agg.Unread(ctx))
}

func TestPushNeverClearsRead(t *testing.T) {
	ctx := context.Background()
	client := &fakeAlertAPI{alerts: []api.Alert{pulledAlert("a1", true, 0)}}
	agg := newTestAggregator(t, client, 10)

	agg.Poll(ctx)
	require.Equal(t, 0, agg.Unread(ctx))

	// a re-delivered push for the same id must not resurrect the badge
	agg.handlePush(ctx, cnst.AlertKindCheckIn, []byte(`{"alert": {"_id": "a1"}}`))
	assert.Equal(t, 0, agg.Unread(ctx))
}

func TestMarkReadKeepsLocalOnServerError(t *testing.T) {
	ctx := context.Background()
	client := &fakeAlertAPI{alerts: []api.Alert{pulledAlert("a1", false, 0)}}
	agg := newTestAggregator(t, client, 10)
	agg.Poll(ctx)

	client.mu.Lock()
	client.markErr = errors.New("boom")
	client.mu.Unlock()

	err := agg.MarkRead(ctx, "a1")
	assert.Error(t, err)
	// optimistic flip stands despite the failure
	assert.Equal(t, 0, agg.Unread(ctx))
}

func TestMarkReadUnknownID(t *testing.T) {
	agg := newTestAggregator(t, &fakeAlertAPI{}, 10)
	err := agg.MarkRead(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestMarkAllRead(t *testing.T) {
	ctx := context.Background()
	client := &fakeAlertAPI{alerts: []api.Alert{
		pulledAlert("a1", false, time.Minute),
		pulledAlert("a2", false, 2*time.Minute),
		pulledAlert("a3", true, 3*time.Minute),
	}}
	agg := newTestAggregator(t, client, 10)
	agg.Poll(ctx)
	require.Equal(t, 2, agg.Unread(ctx))

	require.NoError(t, agg.MarkAllRead(ctx))
	assert.Equal(t, 0, agg.Unread(ctx))

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, 1, client.markedAll)
}

func TestWindowEvictsOldest(t *testing.T) {
	ctx := context.Background()
	client := &fakeAlertAPI{}
	agg := newTestAggregator(t, client, 2)

	for i := 0; i < 4; i++ {
		agg.upsert(ctx, Alert{
			ID:        fmt.Sprintf("a%d", i),
			Kind:      cnst.AlertKindCheckIn,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Minute),
			Origin:    cnst.OriginPush,
		})
	}

	snap := agg.Snapshot(ctx)
	require.Len(t, snap.Alerts, 2)
	assert.Equal(t, "a3", snap.Alerts[0].ID)
	assert.Equal(t, "a2", snap.Alerts[1].ID)
}

func TestListenerLifecycle(t *testing.T) {
	ctx := context.Background()
	client := &fakeAlertAPI{alerts: []api.Alert{pulledAlert("a1", false, 0)}}
	agg := newTestAggregator(t, client, 10)

	var mu sync.Mutex
	var got []Snapshot
	unsub := agg.OnUpdate(func(s Snapshot) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	agg.Poll(ctx)
	mu.Lock()
	require.NotEmpty(t, got)
	assert.Equal(t, 1, got[len(got)-1].Unread)
	seen := len(got)
	mu.Unlock()

	unsub()
	agg.Poll(ctx)
	mu.Lock()
	assert.Len(t, got, seen)
	mu.Unlock()
}

func TestResetDropsView(t *testing.T) {
	ctx := context.Background()
	client := &fakeAlertAPI{alerts: []api.Alert{pulledAlert("a1", false, 0)}}
	agg := newTestAggregator(t, client, 10)
	agg.Poll(ctx)
	require.Equal(t, 1, agg.Unread(ctx))

	agg.Reset(ctx)
	assert.Empty(t, agg.Snapshot(ctx).Alerts)
}

func TestParsePush(t *testing.T) {
	tests := []struct {
		name    string
		kind    cnst.AlertKind
		payload string
		check   func(t *testing.T, a Alert)
	}{
		{
			name: "nested alert row",
			kind: cnst.AlertKindAccessDenied,
			payload: `{"alert": {
				"_id": "a9",
				"title": "Access Denied",
				"message": "Bob was denied entry",
				"priority": "high",
				"member": {"name": "Bob", "phone": "555-0100"},
				"metadata": {"denialReason": "membership expired"},
				"createdAt": "2026-08-30T10:00:00Z"
			}}`,
			check: func(t *testing.T, a Alert) {
				assert.Equal(t, "a9", a.ID)
				assert.Equal(t, "Bob", a.MemberName)
				assert.Equal(t, "membership expired", a.DenialReason)
				assert.Equal(t, "high", a.Priority)
				assert.Equal(t, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC), a.CreatedAt)
				assert.False(t, a.Read)
			},
		},
		{
			name:    "legacy top-level member",
			kind:    cnst.AlertKindCheckIn,
			payload: `{"_id": "a10", "member": {"name": "Alice", "phone": "555-0101"}}`,
			check: func(t *testing.T, a Alert) {
				assert.Equal(t, "a10", a.ID)
				assert.Equal(t, "Alice", a.MemberName)
				assert.Equal(t, "Member Check-in", a.Title)
			},
		},
		{
			name:    "missing id gets synthesized",
			kind:    cnst.AlertKindCheckIn,
			payload: `{"member": {"name": "Carol"}}`,
			check: func(t *testing.T, a Alert) {
				assert.NotEmpty(t, a.ID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := parsePush(tt.kind, []byte(tt.payload))
			assert.Equal(t, tt.kind, a.Kind)
			assert.Equal(t, cnst.OriginPush, a.Origin)
			tt.check(t, a)
		})
	}
}
