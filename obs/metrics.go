// Package obs records tool-call, HTTP, and session metrics and serves the
// status snapshot used by the /status endpoint.
//
// Counters are monotonic and safe under concurrent update; the recent-call
// ring buffer evicts its oldest entry once full.
package obs

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the central metric set registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	// ToolCallCounter counts tool invocations.
	// Labels: tool, outcome (ok|error), status (machine status or "").
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool execution time in seconds.
	// Labels: tool.
	ToolCallDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests. Labels: method, path, code.
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency in seconds.
	// Labels: method, path.
	HTTPRequestDuration *prometheus.HistogramVec

	// SessionsOpened and SessionsClosed count session lifecycle events.
	// SessionsClosed labels: reason (explicit|idle|shutdown).
	SessionsOpened prometheus.Counter
	SessionsClosed *prometheus.CounterVec

	// ActiveSessions tracks the live session count.
	ActiveSessions prometheus.Gauge

	// SessionDuration measures session lifetime in seconds.
	SessionDuration prometheus.Histogram

	recent *ring

	mu         sync.Mutex
	toolCounts map[string]int64
	errCounts  map[string]int64
}

// recentCapacity bounds the recent-call ring buffer.
const recentCapacity = 64

// NewMetrics builds and registers the metric set on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ToolCallCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restgate_tool_calls_total",
			Help: "Tool invocations by tool name, outcome, and machine status.",
		}, []string{"tool", "outcome", "status"}),
		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "restgate_tool_call_duration_seconds",
			Help:    "Tool execution time in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		HTTPRequestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restgate_http_requests_total",
			Help: "HTTP requests by method, path, and status code.",
		}, []string{"method", "path", "code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "restgate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path"}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "restgate_sessions_opened_total",
			Help: "Sessions opened since process start.",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "restgate_sessions_closed_total",
			Help: "Sessions closed since process start, by reason.",
		}, []string{"reason"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "restgate_sessions_active",
			Help: "Live session count.",
		}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "restgate_session_duration_seconds",
			Help:    "Session lifetime in seconds.",
			Buckets: []float64{60, 300, 600, 1800, 3600, 7200, 14400, 28800},
		}),
		recent:     newRing(recentCapacity),
		toolCounts: map[string]int64{},
		errCounts:  map[string]int64{},
	}
	reg.MustRegister(
		m.ToolCallCounter, m.ToolCallDuration,
		m.HTTPRequestCounter, m.HTTPRequestDuration,
		m.SessionsOpened, m.SessionsClosed, m.ActiveSessions, m.SessionDuration,
	)
	return m
}

// Handler serves the Prometheus text exposition for this metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordToolCall records one tool invocation. shape is bounded, truncated
// request-shape metadata (never raw payloads).
func (m *Metrics) RecordToolCall(tool, status string, failed bool, dur time.Duration, shape map[string]any) {
	outcome := "ok"
	if failed {
		outcome = "error"
	} else {
		status = ""
	}
	m.ToolCallCounter.WithLabelValues(tool, outcome, status).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(dur.Seconds())

	m.mu.Lock()
	m.toolCounts[tool]++
	if failed && status != "" {
		m.errCounts[status]++
	}
	m.mu.Unlock()

	m.recent.push(RecentCall{
		Time:     time.Now().UTC(),
		Tool:     tool,
		Outcome:  outcome,
		Status:   status,
		Duration: dur,
		Shape:    shape,
	})
}

// RecordHTTP records one handled HTTP request.
func (m *Metrics) RecordHTTP(method, path, code string, dur time.Duration) {
	m.HTTPRequestCounter.WithLabelValues(method, path, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(dur.Seconds())
}

// SessionOpened records a session admission.
func (m *Metrics) SessionOpened() {
	m.SessionsOpened.Inc()
	m.ActiveSessions.Inc()
}

// SessionClosed records a session termination.
func (m *Metrics) SessionClosed(reason string, lifetime time.Duration) {
	m.SessionsClosed.WithLabelValues(reason).Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(lifetime.Seconds())
}

// RecentCall is one entry of the status ring buffer.
type RecentCall struct {
	Time     time.Time      `json:"time"`
	Tool     string         `json:"tool"`
	Outcome  string         `json:"outcome"`
	Status   string         `json:"status,omitempty"`
	Duration time.Duration  `json:"durationNs"`
	Shape    map[string]any `json:"shape,omitempty"`
}

// CountEntry is one row of a top-N listing.
type CountEntry struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Status is the JSON snapshot served by /status.
type Status struct {
	TopTools    []CountEntry `json:"topTools"`
	TopErrors   []CountEntry `json:"topErrors"`
	RecentCalls []RecentCall `json:"recentCalls"`
}

// Snapshot assembles the current status: top tools and errors by count plus
// the newest-first recent-call buffer.
func (m *Metrics) Snapshot(topN int) Status {
	m.mu.Lock()
	tools := topEntries(m.toolCounts, topN)
	errs := topEntries(m.errCounts, topN)
	m.mu.Unlock()
	return Status{TopTools: tools, TopErrors: errs, RecentCalls: m.recent.snapshot()}
}

func topEntries(counts map[string]int64, n int) []CountEntry {
	out := make([]CountEntry, 0, len(counts))
	for name, c := range counts {
		out = append(out, CountEntry{Name: name, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// ring is a fixed-capacity buffer keeping the newest entries.
type ring struct {
	mu   sync.Mutex
	buf  []RecentCall
	next int
	full bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]RecentCall, capacity)}
}

func (r *ring) push(c RecentCall) {
	r.mu.Lock()
	r.buf[r.next] = c
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// snapshot returns entries newest first.
func (r *ring) snapshot() []RecentCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	if r.full {
		size = len(r.buf)
	}
	out := make([]RecentCall, 0, size)
	for i := 1; i <= size; i++ {
		out = append(out, r.buf[(r.next-i+len(r.buf))%len(r.buf)])
	}
	return out
}
