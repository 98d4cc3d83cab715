package metrics

import (
	"net/http"

	"github.com/fithublabs/gatekeeper/internal/common/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the agent's prometheus instruments. A nil *Metrics is a
// valid no-op receiver so components can be wired without metrics enabled.
type Metrics struct {
	registry *prometheus.Registry

	scanCnt      *prometheus.CounterVec
	scanDur      *prometheus.HistogramVec
	eventCnt     *prometheus.CounterVec
	staleCnt     prometheus.Counter
	reconnectCnt *prometheus.CounterVec
	channelState *prometheus.GaugeVec
	unreadGauge  prometheus.Gauge
	pollCnt      *prometheus.CounterVec
}

// New creates a registry with the agent's instruments plus the standard
// process and Go collectors.
func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	if ns == "" {
		ns = "gatekeeper"
	}
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	scanCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "scan_submissions_total"}, []string{"outcome"})
	scanDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "scan_submission_duration_seconds", Buckets: buckets}, []string{"outcome"})
	r.MustRegister(scanCnt, scanDur)

	eventCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "channel_events_total"}, []string{"kind"})
	staleCnt := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "scan_stale_responses_total"})
	reconnectCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "channel_reconnects_total"}, []string{"transport"})
	channelState := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "channel_state"}, []string{"state"})
	r.MustRegister(eventCnt, staleCnt, reconnectCnt, channelState)

	unreadGauge := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "alerts_unread"})
	pollCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "alert_polls_total"}, []string{"status"})
	r.MustRegister(unreadGauge, pollCnt)

	return &Metrics{
		registry:     r,
		scanCnt:      scanCnt,
		scanDur:      scanDur,
		eventCnt:     eventCnt,
		staleCnt:     staleCnt,
		reconnectCnt: reconnectCnt,
		channelState: channelState,
		unreadGauge:  unreadGauge,
		pollCnt:      pollCnt,
	}
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveScan records one decision submission.
func (m *Metrics) ObserveScan(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.scanCnt.WithLabelValues(outcome).Inc()
	m.scanDur.WithLabelValues(outcome).Observe(seconds)
}

// IncEvent counts one received server event.
func (m *Metrics) IncEvent(kind string) {
	if m == nil {
		return
	}
	m.eventCnt.WithLabelValues(kind).Inc()
}

// IncStale counts one dropped stale decision response.
func (m *Metrics) IncStale() {
	if m == nil {
		return
	}
	m.staleCnt.Inc()
}

// IncReconnect counts one transport redial.
func (m *Metrics) IncReconnect(transport string) {
	if m == nil {
		return
	}
	m.reconnectCnt.WithLabelValues(transport).Inc()
}

// SetChannelState marks exactly one connection state as active.
func (m *Metrics) SetChannelState(state string) {
	if m == nil {
		return
	}
	for _, s := range []string{"closed", "connecting", "authenticating", "authenticated", "error"} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.channelState.WithLabelValues(s).Set(v)
	}
}

// SetUnread publishes the aggregator's unread projection.
func (m *Metrics) SetUnread(n int) {
	if m == nil {
		return
	}
	m.unreadGauge.Set(float64(n))
}

// IncPoll counts one fallback poll by result status.
func (m *Metrics) IncPoll(status string) {
	if m == nil {
		return
	}
	m.pollCnt.WithLabelValues(status).Inc()
}
