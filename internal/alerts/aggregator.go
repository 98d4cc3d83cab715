package alerts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fithublabs/gatekeeper/internal/api"
	"github.com/fithublabs/gatekeeper/internal/channel"
	"github.com/fithublabs/gatekeeper/internal/common/cnst"
	"github.com/fithublabs/gatekeeper/pkg/metrics"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// AlertAPI is the slice of the backend client the aggregator pulls from.
type AlertAPI interface {
	Alerts(ctx context.Context, q api.AlertQuery) (*api.AlertList, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkAlertRead(ctx context.Context, id string) error
	MarkAllAlertsRead(ctx context.Context) error
}

// Snapshot is the rendered view: alerts ordered by timestamp descending plus
// the unread projection.
type Snapshot struct {
	Alerts []Alert
	Unread int
}

// Listener observes every change to the merged view.
type Listener func(Snapshot)

// Aggregator merges push-delivered events with pulled alert batches into one
// de-duplicated view keyed by alert id. The fixed-interval fallback poll
// reconciles whatever the channel's at-most-once delivery missed. The unread
// count is always recomputed from the set, never tracked independently.
type Aggregator struct {
	logger  *zap.Logger
	client  AlertAPI
	store   Store
	metrics *metrics.Metrics

	pollInterval time.Duration
	window       int

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	unsubs    []func()
	listeners map[int]Listener
	nextID    int
	wg        sync.WaitGroup
}

// NewAggregator creates a stopped aggregator.
func NewAggregator(client AlertAPI, store Store, pollInterval time.Duration, window int, m *metrics.Metrics, logger *zap.Logger) *Aggregator {
	if pollInterval <= 0 {
		pollInterval = cnst.DefaultAlertPollInterval
	}
	if window <= 0 {
		window = cnst.DefaultAlertWindow
	}
	return &Aggregator{
		logger:       logger.Named("alerts"),
		client:       client,
		store:        store,
		metrics:      m,
		pollInterval: pollInterval,
		window:       window,
		listeners:    make(map[int]Listener),
	}
}

// OnUpdate registers a view listener; returns the unsubscribe func.
func (a *Aggregator) OnUpdate(fn Listener) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// Start subscribes to the channel's push events and begins the fallback
// poll. It is bound to one session: Stop must run on logout so no timer
// leaks across session boundaries.
func (a *Aggregator) Start(ctx context.Context, ch *channel.Manager) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.unsubs = []func(){
		ch.Subscribe(cnst.EventCheckIn, func(data []byte) {
			a.handlePush(runCtx, cnst.AlertKindCheckIn, data)
		}),
		ch.Subscribe(cnst.EventAccessDenied, func(data []byte) {
			a.handlePush(runCtx, cnst.AlertKindAccessDenied, data)
		}),
	}
	a.mu.Unlock()

	a.wg.Add(1)
	go a.pollLoop(runCtx)
	a.logger.Info("aggregator started", zap.Duration("poll_interval", a.pollInterval))
}

// Stop cancels the poll timer and push subscriptions.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	unsubs := a.unsubs
	a.cancel = nil
	a.unsubs = nil
	a.mu.Unlock()

	cancel()
	for _, unsub := range unsubs {
		unsub()
	}
	a.wg.Wait()
	a.logger.Info("aggregator stopped")
}

// Reset drops the merged view; used on logout so alerts never leak into the
// next session.
func (a *Aggregator) Reset(ctx context.Context) {
	if err := a.store.Clear(ctx); err != nil {
		a.logger.Warn("failed to clear alert store", zap.Error(err))
	}
	a.publish(ctx)
}

func (a *Aggregator) pollLoop(ctx context.Context) {
	defer a.wg.Done()

	// one immediate pull so the view converges right after login
	a.Poll(ctx)

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Poll(ctx)
		}
	}
}

// Poll runs one reconciliation pull. Exported so surfaces can force a
// refresh (e.g. after the user opens the alert list).
func (a *Aggregator) Poll(ctx context.Context) {
	list, err := a.client.Alerts(ctx, api.AlertQuery{Limit: a.window})
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("alert poll failed", zap.Error(err))
			a.metrics.IncPoll("error")
		}
		return
	}
	a.metrics.IncPoll("ok")

	for _, row := range list.Alerts {
		a.upsert(ctx, fromAPI(row))
	}

	// server's unread count is logged when it disagrees; the local
	// projection stays authoritative for rendering
	if count, err := a.client.UnreadCount(ctx); err == nil {
		if local := a.Unread(ctx); local != count {
			a.logger.Debug("unread drift after poll",
				zap.Int("local", local),
				zap.Int("server", count))
		}
	}

	a.publish(ctx)
}

// handlePush folds one channel event into the view.
func (a *Aggregator) handlePush(ctx context.Context, kind cnst.AlertKind, data []byte) {
	alert := parsePush(kind, data)
	a.logger.Debug("push alert received",
		zap.String("id", alert.ID),
		zap.String("kind", string(kind)))
	a.upsert(ctx, alert)
	a.publish(ctx)
}

// upsert applies the merge rule: same id twice is a no-op, except a pulled
// copy is authoritative for the read flag.
func (a *Aggregator) upsert(ctx context.Context, alert Alert) {
	existing, err := a.store.Get(ctx, alert.ID)
	if err == nil {
		if alert.Origin == cnst.OriginPull && existing.Read != alert.Read {
			existing.Read = alert.Read
			if err := a.store.Put(ctx, *existing); err != nil {
				a.logger.Warn("failed to refresh read state", zap.Error(err))
			}
		}
		return
	}
	if err != ErrAlertNotFound {
		a.logger.Warn("alert store read failed", zap.Error(err))
		return
	}

	if err := a.store.Put(ctx, alert); err != nil {
		a.logger.Warn("failed to store alert", zap.Error(err))
		return
	}
	a.prune(ctx)
}

// prune evicts the oldest entries beyond the recent-alert window.
func (a *Aggregator) prune(ctx context.Context) {
	all, err := a.store.List(ctx)
	if err != nil || len(all) <= a.window {
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	for _, old := range all[a.window:] {
		if err := a.store.Delete(ctx, old.ID); err != nil {
			a.logger.Warn("failed to evict alert", zap.String("id", old.ID), zap.Error(err))
		}
	}
}

// MarkRead optimistically flips one alert locally, then tells the server.
// On server failure the local flip stands (stale "read" beats a reappearing
// dismissed alert) and the error is returned for diagnostics.
func (a *Aggregator) MarkRead(ctx context.Context, id string) error {
	alert, err := a.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !alert.Read {
		alert.Read = true
		if err := a.store.Put(ctx, *alert); err != nil {
			return err
		}
		a.publish(ctx)
	}

	if err := a.client.MarkAlertRead(ctx, id); err != nil {
		a.logger.Warn("server mark-read failed, keeping local state",
			zap.String("id", id), zap.Error(err))
		return err
	}
	return nil
}

// MarkAllRead is the bulk variant of MarkRead with the same optimistic
// last-writer-wins strategy.
func (a *Aggregator) MarkAllRead(ctx context.Context) error {
	all, err := a.store.List(ctx)
	if err != nil {
		return err
	}
	changed := false
	for _, alert := range all {
		if alert.Read {
			continue
		}
		alert.Read = true
		if err := a.store.Put(ctx, alert); err != nil {
			return err
		}
		changed = true
	}
	if changed {
		a.publish(ctx)
	}

	if err := a.client.MarkAllAlertsRead(ctx); err != nil {
		a.logger.Warn("server mark-all-read failed, keeping local state", zap.Error(err))
		return err
	}
	return nil
}

// Unread is the pure projection: the count of unread entries in the set.
func (a *Aggregator) Unread(ctx context.Context) int {
	all, err := a.store.List(ctx)
	if err != nil {
		a.logger.Warn("alert store list failed", zap.Error(err))
		return 0
	}
	n := 0
	for _, alert := range all {
		if !alert.Read {
			n++
		}
	}
	return n
}

// Snapshot returns the rendered view, newest first.
func (a *Aggregator) Snapshot(ctx context.Context) Snapshot {
	all, err := a.store.List(ctx)
	if err != nil {
		a.logger.Warn("alert store list failed", zap.Error(err))
		return Snapshot{}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	unread := 0
	for _, alert := range all {
		if !alert.Read {
			unread++
		}
	}
	return Snapshot{Alerts: all, Unread: unread}
}

func (a *Aggregator) publish(ctx context.Context) {
	snapshot := a.Snapshot(ctx)
	a.metrics.SetUnread(snapshot.Unread)

	a.mu.Lock()
	listeners := make([]Listener, 0, len(a.listeners))
	for _, fn := range a.listeners {
		listeners = append(listeners, fn)
	}
	a.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// parsePush maps a channel event payload onto an Alert. Both event kinds
// nest the persisted alert row under "alert"; top-level member fields are
// the legacy shape and remain accepted.
func parsePush(kind cnst.AlertKind, data []byte) Alert {
	get := func(paths ...string) string {
		for _, p := range paths {
			if v := gjson.GetBytes(data, p); v.Exists() {
				return v.String()
			}
		}
		return ""
	}

	id := get("alert._id", "_id")
	if id == "" {
		// no id means no de-duplication; synthesize one so the event still renders
		id = uuid.NewString()
	}

	createdAt := time.Now()
	if raw := get("alert.createdAt", "createdAt"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			createdAt = ts
		}
	}

	title := get("alert.title")
	if title == "" {
		if kind == cnst.AlertKindAccessDenied {
			title = "Access Denied"
		} else {
			title = "Member Check-in"
		}
	}

	return Alert{
		ID:           id,
		Kind:         kind,
		Title:        title,
		Message:      get("alert.message"),
		MemberName:   get("alert.member.name", "member.name"),
		MemberPhone:  get("alert.member.phone", "member.phone"),
		DenialReason: get("alert.metadata.denialReason", "metadata.denialReason"),
		Priority:     get("alert.priority"),
		CreatedAt:    createdAt,
		Read:         false,
		Origin:       cnst.OriginPush,
	}
}
