package monitor

import (
	"fmt"
	"sort"
	"time"
)

// OperationStats aggregates traces for a single operation.
type OperationStats struct {
	Count     int     `json:"count"`
	Errors    int     `json:"errors"`
	ErrorRate float64 `json:"errorRate"`
	AvgMs     float64 `json:"avgMs"`
	P95       float64 `json:"p95"`
}

// Report aggregates closed traces within a trailing window.
type Report struct {
	Window        string                    `json:"window"`
	From          time.Time                 `json:"from"`
	To            time.Time                 `json:"to"`
	TotalRequests int                       `json:"totalRequests"`
	SuccessCount  int                       `json:"successCount"`
	ErrorCount    int                       `json:"errorCount"`
	ErrorRate     float64                   `json:"errorRate"`
	AvgMs         float64                   `json:"avgMs"`
	P50           float64                   `json:"p50"`
	P95           float64                   `json:"p95"`
	P99           float64                   `json:"p99"`
	ByOperation   map[string]OperationStats `json:"byOperation"`
}

// Report aggregates the traces that closed within the trailing window.
func (m *Monitor) Report(window time.Duration) Report {
	if window <= 0 {
		window = time.Hour
	}

	m.mu.Lock()
	now := m.now()
	traces := m.closedSince(now.Add(-window))
	m.mu.Unlock()

	r := Report{
		Window:        window.String(),
		From:          now.Add(-window),
		To:            now,
		TotalRequests: len(traces),
		ByOperation:   make(map[string]OperationStats),
	}
	if len(traces) == 0 {
		return r
	}

	all := make([]float64, 0, len(traces))
	perOp := make(map[string][]Trace)
	var total float64
	for _, t := range traces {
		ms := durationMs(t)
		all = append(all, ms)
		total += ms
		if t.failed() {
			r.ErrorCount++
		}
		perOp[t.Operation] = append(perOp[t.Operation], t)
	}
	sort.Float64s(all)

	r.SuccessCount = r.TotalRequests - r.ErrorCount
	r.ErrorRate = float64(r.ErrorCount) / float64(r.TotalRequests)
	r.AvgMs = total / float64(r.TotalRequests)
	r.P50 = percentile(all, 0.50)
	r.P95 = percentile(all, 0.95)
	r.P99 = percentile(all, 0.99)

	for op, ts := range perOp {
		r.ByOperation[op] = operationStats(ts)
	}
	return r
}

func operationStats(traces []Trace) OperationStats {
	ds := make([]float64, len(traces))
	st := OperationStats{Count: len(traces)}
	var total float64
	for i, t := range traces {
		ds[i] = durationMs(t)
		total += ds[i]
		if t.failed() {
			st.Errors++
		}
	}
	sort.Float64s(ds)
	st.ErrorRate = float64(st.Errors) / float64(st.Count)
	st.AvgMs = total / float64(st.Count)
	st.P95 = percentile(ds, 0.95)
	return st
}

func durationMs(t Trace) float64 {
	return float64(t.Duration()) / float64(time.Millisecond)
}

// minLookups is the sample size below which hit-rate insights are withheld.
const minLookups = 10

// GenerateInsights derives short observations from the last two hours of
// traces and the last hour of cache lookups.
func (m *Monitor) GenerateInsights() []string {
	m.mu.Lock()
	now := m.now()
	lastHour := m.closedSince(now.Add(-time.Hour))
	prevHour := make([]Trace, 0)
	for _, t := range m.closedSince(now.Add(-2 * time.Hour)) {
		if t.EndedAt.Before(now.Add(-time.Hour)) {
			prevHour = append(prevHour, t)
		}
	}
	var hits, lookups int
	for _, l := range m.lookups {
		if l.at.Before(now.Add(-time.Hour)) {
			continue
		}
		lookups++
		if l.hit {
			hits++
		}
	}
	evictions := m.evictions
	active := len(m.byCondition)
	m.mu.Unlock()

	th := m.opts.Thresholds
	var insights []string

	if len(lastHour) == 0 {
		insights = append(insights, "no requests recorded in the last hour")
	} else {
		cur := computeMetrics(lastHour, time.Hour)
		insights = append(insights, fmt.Sprintf("handled %d requests in the last hour (%.1f req/min)", cur.Requests, cur.Throughput))

		if len(prevHour) > 0 {
			prev := computeMetrics(prevHour, time.Hour)
			switch delta := cur.ErrorRate - prev.ErrorRate; {
			case delta >= 0.02:
				insights = append(insights, fmt.Sprintf("error rate rose from %.1f%% to %.1f%% over the last hour", prev.ErrorRate*100, cur.ErrorRate*100))
			case delta <= -0.02:
				insights = append(insights, fmt.Sprintf("error rate fell from %.1f%% to %.1f%% over the last hour", prev.ErrorRate*100, cur.ErrorRate*100))
			}
		} else if cur.ErrorRate > th.ErrorRateDegraded {
			insights = append(insights, fmt.Sprintf("error rate is %.1f%% in the last hour", cur.ErrorRate*100))
		}

		ops := make(map[string][]Trace)
		for _, t := range lastHour {
			ops[t.Operation] = append(ops[t.Operation], t)
		}
		names := make([]string, 0, len(ops))
		for op := range ops {
			names = append(names, op)
		}
		sort.Strings(names)

		busiest, busiestCount := "", 0
		for _, op := range names {
			st := operationStats(ops[op])
			if th.LatencyDegraded > 0 && st.AvgMs > float64(th.LatencyDegraded.Milliseconds()) {
				insights = append(insights, fmt.Sprintf("operation %q averaged %.0fms, above the %dms threshold", op, st.AvgMs, th.LatencyDegraded.Milliseconds()))
			}
			if st.Count > busiestCount {
				busiest, busiestCount = op, st.Count
			}
		}
		if len(names) > 1 {
			insights = append(insights, fmt.Sprintf("busiest operation: %q with %d requests", busiest, busiestCount))
		}
	}

	if lookups >= minLookups {
		rate := float64(hits) / float64(lookups)
		if rate < 0.5 {
			insights = append(insights, fmt.Sprintf("cache hit rate dropped below 50%% in the last hour (%.0f%%)", rate*100))
		} else {
			insights = append(insights, fmt.Sprintf("cache hit rate is %.0f%% over the last hour", rate*100))
		}
	}
	if evictions > 0 {
		insights = append(insights, fmt.Sprintf("%d cache entries evicted since start", evictions))
	}
	if active > 0 {
		insights = append(insights, fmt.Sprintf("%d active alerts", active))
	}
	return insights
}
