package metrics

import "github.com/prometheus/client_golang/prometheus"

// DBPoolStatFunc returns database pool statistics without importing pgxpool.
type DBPoolStatFunc func() (total, idle, acquired int32)

type dbPoolCollector struct {
	statFunc DBPoolStatFunc

	totalDesc    *prometheus.Desc
	idleDesc     *prometheus.Desc
	acquiredDesc *prometheus.Desc
}

// NewDBPoolCollector creates a collector that exposes DB pool gauges.
func NewDBPoolCollector(statFunc DBPoolStatFunc) prometheus.Collector {
	return &dbPoolCollector{
		statFunc:     statFunc,
		totalDesc:    prometheus.NewDesc(namespace+"_db_pool_total_conns", "Total number of connections in the DB pool.", nil, nil),
		idleDesc:     prometheus.NewDesc(namespace+"_db_pool_idle_conns", "Number of idle connections in the DB pool.", nil, nil),
		acquiredDesc: prometheus.NewDesc(namespace+"_db_pool_acquired_conns", "Number of acquired connections in the DB pool.", nil, nil),
	}
}

func (c *dbPoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalDesc
	ch <- c.idleDesc
	ch <- c.acquiredDesc
}

func (c *dbPoolCollector) Collect(ch chan<- prometheus.Metric) {
	total, idle, acquired := c.statFunc()
	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.GaugeValue, float64(total))
	ch <- prometheus.MustNewConstMetric(c.idleDesc, prometheus.GaugeValue, float64(idle))
	ch <- prometheus.MustNewConstMetric(c.acquiredDesc, prometheus.GaugeValue, float64(acquired))
}

// State is a point-in-time sample of the in-process services.
type State struct {
	CacheEntries       int
	CacheMemoryBytes   int64
	CacheMemoryUsage   float64
	BudgetDailyCents   int64
	BudgetMonthlyCents int64
	BudgetStopped      bool
	ActiveAlerts       int
	PendingRecords     int
}

// StateFunc samples service state at scrape time. It must not block.
type StateFunc func() State

type stateCollector struct {
	fn StateFunc

	cacheEntries   *prometheus.Desc
	cacheMemory    *prometheus.Desc
	cacheUsage     *prometheus.Desc
	budgetSpend    *prometheus.Desc
	budgetStopped  *prometheus.Desc
	activeAlerts   *prometheus.Desc
	pendingRecords *prometheus.Desc
}

// NewStateCollector creates a collector that samples fn on every scrape.
func NewStateCollector(fn StateFunc) prometheus.Collector {
	return &stateCollector{
		fn:             fn,
		cacheEntries:   prometheus.NewDesc(namespace+"_cache_entries", "Number of entries in the response cache.", nil, nil),
		cacheMemory:    prometheus.NewDesc(namespace+"_cache_memory_bytes", "Accounted size of the response cache in bytes.", nil, nil),
		cacheUsage:     prometheus.NewDesc(namespace+"_cache_memory_usage_ratio", "Response cache size as a fraction of its memory budget.", nil, nil),
		budgetSpend:    prometheus.NewDesc(namespace+"_budget_spend_cents", "Spend in the current budget period.", []string{"period"}, nil),
		budgetStopped:  prometheus.NewDesc(namespace+"_budget_auto_stopped", "1 while AI calls are auto-stopped by the budget.", nil, nil),
		activeAlerts:   prometheus.NewDesc(namespace+"_monitor_active_alerts", "Number of unresolved alerts.", nil, nil),
		pendingRecords: prometheus.NewDesc(namespace+"_collector_buffer_size", "Current number of buffered usage records.", nil, nil),
	}
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cacheEntries
	ch <- c.cacheMemory
	ch <- c.cacheUsage
	ch <- c.budgetSpend
	ch <- c.budgetStopped
	ch <- c.activeAlerts
	ch <- c.pendingRecords
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.fn()
	stopped := 0.0
	if s.BudgetStopped {
		stopped = 1
	}
	ch <- prometheus.MustNewConstMetric(c.cacheEntries, prometheus.GaugeValue, float64(s.CacheEntries))
	ch <- prometheus.MustNewConstMetric(c.cacheMemory, prometheus.GaugeValue, float64(s.CacheMemoryBytes))
	ch <- prometheus.MustNewConstMetric(c.cacheUsage, prometheus.GaugeValue, s.CacheMemoryUsage)
	ch <- prometheus.MustNewConstMetric(c.budgetSpend, prometheus.GaugeValue, float64(s.BudgetDailyCents), "daily")
	ch <- prometheus.MustNewConstMetric(c.budgetSpend, prometheus.GaugeValue, float64(s.BudgetMonthlyCents), "monthly")
	ch <- prometheus.MustNewConstMetric(c.budgetStopped, prometheus.GaugeValue, stopped)
	ch <- prometheus.MustNewConstMetric(c.activeAlerts, prometheus.GaugeValue, float64(s.ActiveAlerts))
	ch <- prometheus.MustNewConstMetric(c.pendingRecords, prometheus.GaugeValue, float64(s.PendingRecords))
}
