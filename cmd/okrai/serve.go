package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/alecgard/okrai/internal/api"
	"github.com/alecgard/okrai/internal/assist"
	"github.com/alecgard/okrai/internal/auth"
	"github.com/alecgard/okrai/internal/budget"
	"github.com/alecgard/okrai/internal/cache"
	"github.com/alecgard/okrai/internal/config"
	"github.com/alecgard/okrai/internal/crypto"
	"github.com/alecgard/okrai/internal/gateway"
	"github.com/alecgard/okrai/internal/health"
	"github.com/alecgard/okrai/internal/metering"
	"github.com/alecgard/okrai/internal/metrics"
	"github.com/alecgard/okrai/internal/monitor"
	"github.com/alecgard/okrai/internal/ratelimit"
)

const (
	monitorInterval = 30 * time.Second
	healthTimeout   = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the okrai API server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	cipher, err := crypto.NewCipher(cfg.Encryption.Key)
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()

	// Optional Postgres for budget history and the usage ledger.
	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		pool, err = pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			return err
		}
		slog.Info("connected to database")
		m.RegisterDBPoolCollector(func() (int32, int32, int32) {
			s := pool.Stat()
			return s.TotalConns(), s.IdleConns(), s.AcquiredConns()
		})
	} else {
		slog.Warn("database.url not set, running without budget history or usage ledger")
	}

	// Core services.
	responses := cache.New(cacheOptions(cfg.Cache))
	responses.AddObserver(m)

	mon := monitor.New(monitorOptions(cfg.Monitor))
	mon.SetMemoryProbe(responses.MemoryUsage)
	responses.AddObserver(mon)

	guard, err := budget.New(budgetConfig(cfg.Budget), loc)
	if err != nil {
		return fmt.Errorf("budget config: %w", err)
	}
	guard.SetAlertSink(mon)

	limiter := ratelimit.New(cfg.RateLimit.Ceiling, cfg.RateLimit.Window)
	limiter.SetTokenCeiling(cfg.RateLimit.TokenCeiling)
	if cfg.RateLimit.RedisAddr != "" {
		shared, err := ratelimit.NewRedisWindow(ctx, cfg.RateLimit.RedisAddr)
		if err != nil {
			return err
		}
		defer shared.Close()
		limiter.SetShared(shared)
		slog.Info("rate limiter using redis", "addr", cfg.RateLimit.RedisAddr)
	}

	gwOpts, err := gatewayOptions(cfg.Gateway, cipher)
	if err != nil {
		return err
	}
	gw := gateway.New(gwOpts)
	gw.SetMetrics(m)
	if len(gw.Providers()) == 0 {
		slog.Warn("no model providers configured, generation requests will fail")
	}

	var (
		meterStore *metering.Store
		collector  *metering.Collector
		usage      assist.UsageRecorder
	)
	if pool != nil {
		guard.SetStore(budget.NewPGStore(pool))
		if err := guard.Load(ctx); err != nil {
			return err
		}
		meterStore = metering.NewStore(pool)
		collector = metering.NewCollector(meterStore, cfg.Metering.BatchSize, cfg.Metering.FlushInterval)
		collector.SetMetrics(m)
		usage = collector
	}

	svc := assist.New(assist.Deps{
		Cache:   responses,
		Budget:  guard,
		Monitor: mon,
		Gateway: gw,
		Tokens:  limiter,
		Usage:   usage,
		Metrics: m,
	}, assist.Options{FallbackModel: cfg.Gateway.FallbackModel})

	warmer := cache.NewWarmer(responses, warmItems(cfg.Cache.Warming), svc.Load, cfg.Cache.Warming.Concurrency)
	scheduler := cache.NewScheduler(warmer)
	if err := scheduler.Start(ctx, cfg.Cache.Warming.Schedule); err != nil {
		return err
	}
	defer scheduler.Stop()

	checks := health.New(healthTimeout)
	checks.Register(health.CheckPerformance, health.Performance(mon))
	checks.Register(health.CheckCache, health.Cache(responses))
	checks.Register(health.CheckMemory, health.Memory(responses, mon.Thresholds()))
	checks.Register(health.CheckGateway, health.Gateway(gw))
	checks.Register(health.CheckBudget, health.Budget(guard))
	if pool != nil {
		checks.Register(health.CheckDatabase, health.Database(pool))
	}

	m.RegisterStateCollector(func() metrics.State {
		stats := responses.AdvancedStats()
		st := guard.State()
		s := metrics.State{
			CacheEntries:       stats.Size,
			CacheMemoryBytes:   stats.MemoryBytes,
			CacheMemoryUsage:   stats.MemoryUsage,
			BudgetDailyCents:   st.DailySpendCents,
			BudgetMonthlyCents: st.MonthlySpendCents,
			BudgetStopped:      st.Stopped,
			ActiveAlerts:       len(mon.ActiveAlerts()),
		}
		if collector != nil {
			s.PendingRecords = collector.Pending()
		}
		return s
	})

	// Background loops.
	var wg sync.WaitGroup
	background := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	background(func() { responses.Start(ctx, cfg.Cache.SweepInterval) })
	background(func() { mon.Start(ctx, monitorInterval) })
	background(func() { limiter.Start(ctx, cfg.RateLimit.PruneInterval) })
	if collector != nil {
		background(func() { collector.Start(ctx) })
	}
	reload := &budgetReload{last: budgetConfig(cfg.Budget)}
	background(func() {
		err := config.Watch(ctx, cfgFile, func(next *config.Config) {
			if bc := budgetConfig(next.Budget); reload.changed(bc) {
				if err := guard.ReplaceConfig(ctx, bc); err != nil {
					slog.Error("applying reloaded budget config", "error", err)
				}
			}
			warmer.SetItems(warmItems(next.Cache.Warming))
		})
		if err != nil {
			slog.Error("config watcher stopped", "error", err)
		}
	})

	if cfg.Cache.Warming.OnStartup {
		warmer.PerformWarming(ctx)
	}

	deps := api.RouterDeps{
		Cache:          responses,
		Warmer:         warmer,
		Monitor:        mon,
		Budget:         guard,
		Assist:         svc,
		Limiter:        limiter,
		Auth:           auth.NewService(authKeys(cfg.Auth)),
		Health:         checks,
		Metrics:        m,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	}
	if meterStore != nil {
		deps.MeterStore = meterStore
	}

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		cancel()
		return fmt.Errorf("server error: %w", err)
	}
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)
	responses.Close()
	if collector != nil {
		collector.Stop()
	}
	wg.Wait()
	return err
}
