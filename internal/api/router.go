package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alecgard/okrai/internal/assist"
	"github.com/alecgard/okrai/internal/auth"
	"github.com/alecgard/okrai/internal/budget"
	"github.com/alecgard/okrai/internal/cache"
	"github.com/alecgard/okrai/internal/health"
	"github.com/alecgard/okrai/internal/metrics"
	"github.com/alecgard/okrai/internal/monitor"
	"github.com/alecgard/okrai/internal/ratelimit"
)

// RouterDeps holds all dependencies for the API router. Warmer, Metrics and
// MeterStore are optional.
type RouterDeps struct {
	Cache          *cache.Cache
	Warmer         *cache.Warmer
	Monitor        *monitor.Monitor
	Budget         *budget.Guard
	Assist         *assist.Service
	Limiter        *ratelimit.Limiter
	Auth           *auth.Service
	Health         *health.Service
	Metrics        *metrics.Metrics
	MeterStore     UsageStore
	AllowedOrigins []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	r.Use(slogRequestLogger)

	// Liveness only; the composed view lives at /api/ai/status.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Well-known manifest.
	r.Get("/.well-known/okrai.json", WellKnownHandler)

	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	cacheH := newCacheHandler(deps.Cache, deps.Warmer, deps.Monitor, deps.Health)
	status := newStatusHandler(deps.Health)
	budgetH := newBudgetHandler(deps.Budget)
	generate := newGenerateHandler(deps.Assist)
	usage := newUsageHandler(deps.MeterStore)

	// Principal-authed routes.
	r.Route("/api/ai", func(ar chi.Router) {
		var onAuthFailure []func()
		if deps.Metrics != nil {
			onAuthFailure = append(onAuthFailure, deps.Metrics.IncAuthFailure)
		}
		ar.Use(auth.Middleware(deps.Auth, onAuthFailure...))
		if deps.Metrics != nil {
			ar.Use(countAuthSuccess(deps.Metrics))
		}

		ar.Get("/cache", cacheH.Get)
		ar.Post("/cache", cacheH.Post)
		ar.Delete("/cache", cacheH.Delete)

		ar.Get("/status", status.Get)
		ar.Post("/status", status.Post)

		ar.Get("/budget/config", budgetH.GetConfig)
		ar.Put("/budget/config", budgetH.PutConfig)
		ar.Get("/budget/status", budgetH.GetStatus)
		ar.Post("/budget/resume", budgetH.Resume)

		ar.Get("/usage", usage.GetUsage)
		ar.Get("/usage/records", usage.ListRecords)

		if deps.Metrics != nil {
			ar.Get("/metrics", deps.Metrics.Handler())
		}

		// Model calls are metered against the per-principal window.
		ar.Group(func(gr chi.Router) {
			var onReject []func()
			if deps.Metrics != nil {
				onReject = append(onReject, func() { deps.Metrics.IncRateLimitRejection("principal") })
			}
			gr.Use(ratelimit.Middleware(deps.Limiter, onReject...))
			gr.Post("/generate", generate.Generate)
		})
	})

	return r
}

func countAuthSuccess(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.IncAuthSuccess()
			next.ServeHTTP(w, r)
		})
	}
}
