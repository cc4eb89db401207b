package health

import (
	"context"
	"fmt"
	"runtime"

	"github.com/alecgard/okrai/internal/budget"
	"github.com/alecgard/okrai/internal/cache"
	"github.com/alecgard/okrai/internal/gateway"
	"github.com/alecgard/okrai/internal/monitor"
)

// Check names.
const (
	CheckPerformance = "performance"
	CheckCache       = "cache"
	CheckMemory      = "memory"
	CheckGateway     = "gateway"
	CheckDatabase    = "database"
	CheckBudget      = "budget"
)

// StatusSource reports monitor health.
type StatusSource interface {
	Status() monitor.Status
}

// StatsSource reports cache statistics.
type StatsSource interface {
	AdvancedStats() cache.AdvancedStats
}

// ProviderProber probes model providers.
type ProviderProber interface {
	Health(ctx context.Context) []gateway.ProviderHealth
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BudgetSource reports budget state.
type BudgetSource interface {
	State() budget.State
}

// Performance maps the monitor classification directly.
func Performance(src StatusSource) CheckFunc {
	return func(context.Context) Check {
		st := src.Status()
		c := Check{Status: st.Overall, Details: st.Metrics}
		if n := len(st.ActiveAlerts); n > 0 {
			c.Message = fmt.Sprintf("%d active alerts", n)
		}
		return c
	}
}

// Cache reports degraded when the cache is disabled.
func Cache(src StatsSource) CheckFunc {
	return func(context.Context) Check {
		st := src.AdvancedStats()
		c := Check{Status: Healthy, Details: st}
		if !st.Enabled {
			c.Status = Degraded
			c.Message = "cache disabled"
		}
		return c
	}
}

type memoryDetails struct {
	CacheUsage     float64 `json:"cacheUsage"`
	HeapAllocBytes uint64  `json:"heapAllocBytes"`
	HeapSysBytes   uint64  `json:"heapSysBytes"`
	Goroutines     int     `json:"goroutines"`
}

// Memory classifies cache memory usage against th.
func Memory(src StatsSource, th monitor.Thresholds) CheckFunc {
	return func(context.Context) Check {
		usage := src.AdvancedStats().MemoryUsage

		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		c := Check{
			Status: Healthy,
			Details: memoryDetails{
				CacheUsage:     usage,
				HeapAllocBytes: ms.HeapAlloc,
				HeapSysBytes:   ms.HeapSys,
				Goroutines:     runtime.NumGoroutine(),
			},
		}
		switch {
		case th.MemoryCritical > 0 && usage > th.MemoryCritical:
			c.Status = Unhealthy
			c.Message = fmt.Sprintf("cache memory at %.0f%%", usage*100)
		case th.MemoryDegraded > 0 && usage > th.MemoryDegraded:
			c.Status = Degraded
			c.Message = fmt.Sprintf("cache memory at %.0f%%", usage*100)
		}
		return c
	}
}

// Gateway is unhealthy when no provider answers and degraded when only some
// do.
func Gateway(p ProviderProber) CheckFunc {
	return func(ctx context.Context) Check {
		results := p.Health(ctx)
		if len(results) == 0 {
			return Check{Status: Degraded, Message: "no providers configured"}
		}
		up := 0
		for _, r := range results {
			if r.Healthy {
				up++
			}
		}
		c := Check{Status: Healthy, Details: results}
		switch {
		case up == 0:
			c.Status = Unhealthy
			c.Message = "no provider reachable"
		case up < len(results):
			c.Status = Degraded
			c.Message = fmt.Sprintf("%d of %d providers reachable", up, len(results))
		}
		return c
	}
}

// Database pings the pool.
func Database(p Pinger) CheckFunc {
	return func(ctx context.Context) Check {
		if err := p.Ping(ctx); err != nil {
			return Check{Status: Unhealthy, Message: "database unreachable"}
		}
		return Check{Status: Healthy}
	}
}

// Budget is degraded while AI calls are auto-stopped.
func Budget(src BudgetSource) CheckFunc {
	return func(context.Context) Check {
		st := src.State()
		c := Check{Status: Healthy, Details: st}
		if st.Stopped {
			c.Status = Degraded
			c.Message = "AI calls auto-stopped by budget"
		}
		return c
	}
}
