package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics endpoint.
type Summary struct {
	HTTP      httpSummary    `json:"http"`
	Gateway   gatewaySummary `json:"gateway"`
	Cache     cacheSummary   `json:"cache"`
	RateLimit counterInfo    `json:"rateLimit"`
	Budget    budgetInfo     `json:"budget"`
	Collector collectorInfo  `json:"collector"`
	Auth      authInfo       `json:"auth"`
	DB        dbInfo         `json:"db"`
	Server    serverInfo     `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type gatewaySummary struct {
	Attempts       float64 `json:"attempts"`
	UpstreamErrors float64 `json:"upstreamErrors"`
	Timeouts       float64 `json:"timeouts"`
	P50Upstream    float64 `json:"p50Upstream"`
	P95Upstream    float64 `json:"p95Upstream"`
	Generations    float64 `json:"generations"`
}

type cacheSummary struct {
	Hits        float64 `json:"hits"`
	Misses      float64 `json:"misses"`
	HitRate     float64 `json:"hitRate"`
	Evictions   float64 `json:"evictions"`
	Entries     float64 `json:"entries"`
	MemoryBytes float64 `json:"memoryBytes"`
}

type counterInfo struct {
	Rejections float64 `json:"rejections"`
}

type budgetInfo struct {
	Rejections   float64 `json:"rejections"`
	DailyCents   float64 `json:"dailyCents"`
	MonthlyCents float64 `json:"monthlyCents"`
	Stopped      bool    `json:"stopped"`
}

type collectorInfo struct {
	BufferSize   float64 `json:"bufferSize"`
	TotalFlushes float64 `json:"totalFlushes"`
	FlushErrors  float64 `json:"flushErrors"`
	Records      float64 `json:"records"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Successes float64 `json:"successes"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	ActiveAlerts  float64 `json:"activeAlerts"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

// Handler returns an http.HandlerFunc that serves a JSON summary of the
// registry.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := m.Summarize()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}
	name := func(n string) *dto.MetricFamily { return fam[namespace+"_"+n] }

	hits := sumCounter(name("cache_lookups_total"), "result", "hit")
	misses := sumCounter(name("cache_lookups_total"), "result", "miss")
	var hitRate float64
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}

	start := gaugeValue(name("server_start_time_seconds"))

	return &Summary{
		HTTP: httpSummary{
			TotalRequests: sumCounter(name("http_requests_total"), "", ""),
			ErrorRate:     errorRate(name("http_requests_total")),
			P50Latency:    histogramPercentile(name("http_request_duration_seconds"), 0.50),
			P95Latency:    histogramPercentile(name("http_request_duration_seconds"), 0.95),
			P99Latency:    histogramPercentile(name("http_request_duration_seconds"), 0.99),
		},
		Gateway: gatewaySummary{
			Attempts:       sumCounter(name("gateway_requests_total"), "", ""),
			UpstreamErrors: sumCounter(name("gateway_upstream_errors_total"), "", ""),
			Timeouts:       sumCounter(name("gateway_upstream_errors_total"), "kind", "timeout"),
			P50Upstream:    histogramPercentile(name("gateway_upstream_duration_seconds"), 0.50),
			P95Upstream:    histogramPercentile(name("gateway_upstream_duration_seconds"), 0.95),
			Generations:    sumCounter(name("generations_total"), "", ""),
		},
		Cache: cacheSummary{
			Hits:        hits,
			Misses:      misses,
			HitRate:     hitRate,
			Evictions:   sumCounter(name("cache_evictions_total"), "", ""),
			Entries:     gaugeValue(name("cache_entries")),
			MemoryBytes: gaugeValue(name("cache_memory_bytes")),
		},
		RateLimit: counterInfo{
			Rejections: sumCounter(name("ratelimit_rejections_total"), "", ""),
		},
		Budget: budgetInfo{
			Rejections:   sumCounter(name("budget_rejections_total"), "", ""),
			DailyCents:   gaugeWithLabel(name("budget_spend_cents"), "period", "daily"),
			MonthlyCents: gaugeWithLabel(name("budget_spend_cents"), "period", "monthly"),
			Stopped:      gaugeValue(name("budget_auto_stopped")) > 0,
		},
		Collector: collectorInfo{
			BufferSize:   gaugeValue(name("collector_buffer_size")),
			TotalFlushes: sumCounter(name("collector_flushes_total"), "", ""),
			FlushErrors:  sumCounter(name("collector_flushes_total"), "status", "error"),
			Records:      sumCounter(name("collector_records_total"), "", ""),
		},
		Auth: authInfo{
			Failures:  sumCounter(name("auth_failures_total"), "", ""),
			Successes: sumCounter(name("auth_successes_total"), "", ""),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(name("db_pool_total_conns")),
			IdleConns:     gaugeValue(name("db_pool_idle_conns")),
			AcquiredConns: gaugeValue(name("db_pool_acquired_conns")),
		},
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(time.Now().Unix()) - start,
			ActiveAlerts:  gaugeValue(name("monitor_active_alerts")),
		},
	}, nil
}

// --- Prometheus metric helpers ---

func hasLabel(m *dto.Metric, name, value string) bool {
	if name == "" {
		return true
	}
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

// sumCounter sums the counters in f, restricted to series carrying the given
// label when labelName is set.
func sumCounter(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil || len(f.GetMetric()) == 0 {
		return 0
	}
	return f.GetMetric()[0].GetGauge().GetValue()
}

func gaugeWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetGauge() != nil {
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

// errorRate is the share of requests with a 4xx or 5xx status_code label.
func errorRate(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total, errs float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '4' {
					errs += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errs / total
}

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// Above every finite bucket: report the largest finite bound.
	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}
