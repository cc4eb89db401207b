// Package monitor records operation traces and derives latency, error-rate
// and throughput metrics from them. It also owns the alert lifecycle:
// raised, acknowledged, resolved.
package monitor

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Health levels.
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// recentWindow is the trailing window Status classifies health over.
const recentWindow = 5 * time.Minute

// Trace is a single tracked operation.
type Trace struct {
	RequestID string     `json:"requestId"`
	Operation string     `json:"operationName"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Success   *bool      `json:"success,omitempty"`
}

// Duration returns the trace latency, or zero for an open trace.
func (t Trace) Duration() time.Duration {
	if t.EndedAt == nil {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}

func (t Trace) failed() bool {
	return t.Success != nil && !*t.Success
}

// Alert is a raised condition awaiting operator attention.
type Alert struct {
	ID             string     `json:"id"`
	Condition      string     `json:"condition"`
	Severity       string     `json:"severity"`
	Message        string     `json:"message"`
	Source         string     `json:"source"`
	RaisedAt       time.Time  `json:"raisedAt"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}

// Thresholds drive health classification.
type Thresholds struct {
	ErrorRateDegraded  float64
	ErrorRateUnhealthy float64
	LatencyDegraded    time.Duration
	MemoryDegraded     float64
	MemoryCritical     float64
}

// DefaultThresholds returns the stock classification thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRateDegraded:  0.05,
		ErrorRateUnhealthy: 0.10,
		LatencyDegraded:    5 * time.Second,
		MemoryDegraded:     0.85,
		MemoryCritical:     0.95,
	}
}

// Options configures a Monitor.
type Options struct {
	MaxTraces  int
	Retention  time.Duration
	Thresholds Thresholds
}

type lookup struct {
	at  time.Time
	hit bool
}

// Monitor is safe for concurrent use.
type Monitor struct {
	mu          sync.Mutex
	opts        Options
	open        map[string]*Trace
	closed      []Trace // oldest first
	alerts      []*Alert
	byCondition map[string]*Alert // open alerts only
	lookups     []lookup
	evictions   int64

	memoryProbe func() float64
	now         func() time.Time // injectable clock for testing
	logger      *slog.Logger
}

// New creates a Monitor.
func New(opts Options) *Monitor {
	if opts.MaxTraces <= 0 {
		opts.MaxTraces = 10000
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	return &Monitor{
		opts:        opts,
		open:        make(map[string]*Trace),
		byCondition: make(map[string]*Alert),
		now:         time.Now,
		logger:      slog.Default().With("component", "monitor"),
	}
}

// Thresholds returns the classification thresholds.
func (m *Monitor) Thresholds() Thresholds {
	return m.opts.Thresholds
}

// SetMemoryProbe registers the function reporting memory usage as a
// fraction of its budget. The probe is always called without the monitor
// lock held.
func (m *Monitor) SetMemoryProbe(probe func() float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memoryProbe = probe
}

// StartRequest opens a trace. A duplicate id replaces the open trace.
func (m *Monitor) StartRequest(requestID, operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open[requestID] = &Trace{RequestID: requestID, Operation: operation, StartedAt: m.now()}
}

// EndRequest closes a trace. Unknown ids are ignored.
func (m *Monitor) EndRequest(requestID string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.open[requestID]
	if !ok {
		return
	}
	delete(m.open, requestID)

	ended := m.now()
	t.EndedAt = &ended
	t.Success = &success
	m.closed = append(m.closed, *t)
	m.pruneLocked(ended)
}

// Track runs fn as a traced operation.
func (m *Monitor) Track(requestID, operation string, fn func() error) error {
	m.StartRequest(requestID, operation)
	err := fn()
	m.EndRequest(requestID, err == nil)
	return err
}

// RecordCacheLookup records a cache hit or miss for hit-rate insights.
func (m *Monitor) RecordCacheLookup(hit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.lookups = append(m.lookups, lookup{at: now, hit: hit})
	m.pruneLocked(now)
}

// CacheLookup lets the monitor observe a cache directly.
func (m *Monitor) CacheLookup(_ string, hit bool) {
	m.RecordCacheLookup(hit)
}

// CacheEviction counts cache evictions.
func (m *Monitor) CacheEviction(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictions++
}

// pruneLocked enforces the retention bounds. Must be called with m.mu held.
func (m *Monitor) pruneLocked(now time.Time) {
	cutoff := now.Add(-m.opts.Retention)

	drop := 0
	for drop < len(m.closed) && m.closed[drop].EndedAt.Before(cutoff) {
		drop++
	}
	if over := len(m.closed) - drop - m.opts.MaxTraces; over > 0 {
		drop += over
	}
	if drop > 0 {
		m.closed = append([]Trace(nil), m.closed[drop:]...)
	}

	hourAgo := now.Add(-time.Hour)
	keep := 0
	for keep < len(m.lookups) && m.lookups[keep].at.Before(hourAgo) {
		keep++
	}
	if over := len(m.lookups) - keep - m.opts.MaxTraces; over > 0 {
		keep += over
	}
	if keep > 0 {
		m.lookups = append([]lookup(nil), m.lookups[keep:]...)
	}

	for id, t := range m.open {
		if t.StartedAt.Before(cutoff) {
			delete(m.open, id)
		}
	}

	alerts := m.alerts[:0]
	for _, a := range m.alerts {
		if a.ResolvedAt != nil && a.ResolvedAt.Before(cutoff) {
			continue
		}
		alerts = append(alerts, a)
	}
	m.alerts = alerts
}

// closedSince returns closed traces that ended at or after since.
// Must be called with m.mu held.
func (m *Monitor) closedSince(since time.Time) []Trace {
	i := sort.Search(len(m.closed), func(i int) bool {
		return !m.closed[i].EndedAt.Before(since)
	})
	out := make([]Trace, len(m.closed)-i)
	copy(out, m.closed[i:])
	return out
}

// Metrics are the derived performance figures.
type Metrics struct {
	Requests     int     `json:"requests"`
	ResponseTime float64 `json:"responseTime"` // average, milliseconds
	P95          float64 `json:"p95"`          // milliseconds
	ErrorRate    float64 `json:"errorRate"`
	Throughput   float64 `json:"throughput"` // requests per minute
	MemoryUsage  float64 `json:"memoryUsage"`
}

// Status is the monitor's health view.
type Status struct {
	Overall      string  `json:"overall"`
	Metrics      Metrics `json:"metrics"`
	ActiveAlerts []Alert `json:"activeAlerts"`
}

// Status classifies health over the recent window and reconciles the
// performance alerts with it.
func (m *Monitor) Status() Status {
	memory := m.probeMemory()

	m.mu.Lock()
	now := m.now()
	traces := m.closedSince(now.Add(-recentWindow))
	m.mu.Unlock()

	metrics := computeMetrics(traces, recentWindow)
	metrics.MemoryUsage = memory
	overall := Classify(metrics, m.opts.Thresholds)

	m.reconcile(metrics)

	return Status{
		Overall:      overall,
		Metrics:      metrics,
		ActiveAlerts: m.ActiveAlerts(),
	}
}

// Start re-evaluates performance alerts on a timer until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Status()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probeMemory() float64 {
	m.mu.Lock()
	probe := m.memoryProbe
	m.mu.Unlock()
	if probe == nil {
		return 0
	}
	return probe()
}

// Classify maps metrics to a health level.
func Classify(mt Metrics, th Thresholds) string {
	switch {
	case mt.ErrorRate > th.ErrorRateUnhealthy, th.MemoryCritical > 0 && mt.MemoryUsage > th.MemoryCritical:
		return Unhealthy
	case mt.ErrorRate > th.ErrorRateDegraded,
		th.LatencyDegraded > 0 && mt.P95 > float64(th.LatencyDegraded.Milliseconds()),
		th.MemoryDegraded > 0 && mt.MemoryUsage > th.MemoryDegraded:
		return Degraded
	default:
		return Healthy
	}
}

func computeMetrics(traces []Trace, window time.Duration) Metrics {
	mt := Metrics{Requests: len(traces)}
	if len(traces) == 0 {
		return mt
	}

	durations := make([]float64, len(traces))
	var total float64
	failures := 0
	for i, t := range traces {
		ms := float64(t.Duration()) / float64(time.Millisecond)
		durations[i] = ms
		total += ms
		if t.failed() {
			failures++
		}
	}
	sort.Float64s(durations)

	mt.ResponseTime = total / float64(len(traces))
	mt.P95 = percentile(durations, 0.95)
	mt.ErrorRate = float64(failures) / float64(len(traces))
	mt.Throughput = float64(len(traces)) / window.Minutes()
	return mt
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// reconcile raises or resolves the performance alerts for mt.
func (m *Monitor) reconcile(mt Metrics) {
	th := m.opts.Thresholds

	switch {
	case mt.ErrorRate > th.ErrorRateUnhealthy:
		m.RaiseAlert("error_rate", SeverityCritical, formatPercent("error rate", mt.ErrorRate, th.ErrorRateUnhealthy), "performance")
	case mt.ErrorRate > th.ErrorRateDegraded:
		m.RaiseAlert("error_rate", SeverityWarning, formatPercent("error rate", mt.ErrorRate, th.ErrorRateDegraded), "performance")
	default:
		m.ResolveCondition("error_rate")
	}

	if th.LatencyDegraded > 0 && mt.P95 > float64(th.LatencyDegraded.Milliseconds()) {
		m.RaiseAlert("latency_p95", SeverityWarning, formatLatency(mt.P95, th.LatencyDegraded), "performance")
	} else {
		m.ResolveCondition("latency_p95")
	}

	switch {
	case th.MemoryCritical > 0 && mt.MemoryUsage > th.MemoryCritical:
		m.RaiseAlert("memory", SeverityCritical, formatPercent("cache memory usage", mt.MemoryUsage, th.MemoryCritical), "performance")
	case th.MemoryDegraded > 0 && mt.MemoryUsage > th.MemoryDegraded:
		m.RaiseAlert("memory", SeverityWarning, formatPercent("cache memory usage", mt.MemoryUsage, th.MemoryDegraded), "performance")
	default:
		m.ResolveCondition("memory")
	}
}

// Reset drops all traces, lookups and alerts.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = make(map[string]*Trace)
	m.closed = nil
	m.alerts = nil
	m.byCondition = make(map[string]*Alert)
	m.lookups = nil
	m.evictions = 0
}

// Export is the offline dump of retained monitor data.
type Export struct {
	ExportedAt time.Time `json:"exportedAt"`
	Traces     []Trace   `json:"traces"`
	OpenTraces []Trace   `json:"openTraces"`
	Alerts     []Alert   `json:"alerts"`
}

// ExportData returns copies of all retained traces and alerts.
func (m *Monitor) ExportData() Export {
	m.mu.Lock()
	defer m.mu.Unlock()

	exp := Export{
		ExportedAt: m.now(),
		Traces:     append([]Trace(nil), m.closed...),
		OpenTraces: make([]Trace, 0, len(m.open)),
		Alerts:     make([]Alert, 0, len(m.alerts)),
	}
	for _, t := range m.open {
		exp.OpenTraces = append(exp.OpenTraces, *t)
	}
	sort.Slice(exp.OpenTraces, func(i, j int) bool {
		return exp.OpenTraces[i].StartedAt.Before(exp.OpenTraces[j].StartedAt)
	})
	for _, a := range m.alerts {
		exp.Alerts = append(exp.Alerts, *a)
	}
	return exp
}

func newAlertID() string {
	return uuid.New().String()
}
