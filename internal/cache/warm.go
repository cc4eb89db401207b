package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Warming states.
const (
	WarmingIdle      = "idle"
	WarmingRunning   = "running"
	WarmingCompleted = "completed"
	WarmingFailed    = "failed"
)

// WarmingStatus reports the progress of the most recent warming pass.
type WarmingStatus struct {
	State   string     `json:"state"`
	LastRun *time.Time `json:"lastRun,omitempty"`
	Total   int        `json:"total"`
	Warmed  int        `json:"warmed"`
	Skipped int        `json:"skipped"`
	Failed  int        `json:"failed"`
}

// WarmItem is one request to pre-compute.
type WarmItem struct {
	Operation string
	Params    map[string]any
	Tags      []string
	TTL       time.Duration
}

// Loader computes the value for a warm item, usually by calling the gateway.
type Loader func(ctx context.Context, operation string, params map[string]any) (any, error)

// Warmer pre-populates a Cache from a fixed list of items.
type Warmer struct {
	cache       *Cache
	items       []WarmItem
	load        Loader
	concurrency int
	running     atomic.Bool
}

// NewWarmer creates a Warmer. concurrency bounds the number of in-flight loads.
func NewWarmer(c *Cache, items []WarmItem, load Loader, concurrency int) *Warmer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Warmer{cache: c, items: items, load: load, concurrency: concurrency}
}

// SetItems replaces the warm list used by subsequent passes.
func (w *Warmer) SetItems(items []WarmItem) {
	w.cache.mu.Lock()
	defer w.cache.mu.Unlock()
	w.items = items
}

// PerformWarming starts a warming pass in the background and returns
// immediately. It reports false if a pass is already running.
func (w *Warmer) PerformWarming(ctx context.Context) bool {
	if !w.running.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer w.running.Store(false)
		w.run(ctx)
	}()
	return true
}

// Run performs a warming pass synchronously and returns its final status.
func (w *Warmer) Run(ctx context.Context) WarmingStatus {
	if !w.running.CompareAndSwap(false, true) {
		return w.cache.AdvancedStats().WarmingStatus
	}
	defer w.running.Store(false)
	return w.run(ctx)
}

func (w *Warmer) run(ctx context.Context) WarmingStatus {
	w.cache.mu.Lock()
	items := w.items
	started := w.cache.now()
	w.cache.warming = WarmingStatus{State: WarmingRunning, LastRun: &started, Total: len(items)}
	w.cache.mu.Unlock()

	var warmed, skipped, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, item := range items {
		g.Go(func() error {
			switch err := w.warmOne(gctx, item); {
			case errors.Is(err, errAlreadyCached):
				skipped.Add(1)
			case err != nil:
				failed.Add(1)
				w.cache.logger.Warn("cache warming entry failed", "operation", item.Operation, "error", err)
			default:
				warmed.Add(1)
			}
			// A failed item never aborts the batch.
			return nil
		})
	}
	_ = g.Wait()

	status := WarmingStatus{
		State:   WarmingCompleted,
		LastRun: &started,
		Total:   len(items),
		Warmed:  int(warmed.Load()),
		Skipped: int(skipped.Load()),
		Failed:  int(failed.Load()),
	}
	if status.Total > 0 && status.Failed == status.Total {
		status.State = WarmingFailed
	}

	w.cache.mu.Lock()
	w.cache.warming = status
	w.cache.mu.Unlock()

	w.cache.logger.Info("cache warming finished",
		"warmed", status.Warmed,
		"skipped", status.Skipped,
		"failed", status.Failed,
	)
	return status
}

var errAlreadyCached = errors.New("already cached")

func (w *Warmer) warmOne(ctx context.Context, item WarmItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("loader panic: %v", r)
		}
	}()

	key, _, err := Key(item.Operation, item.Params)
	if err != nil {
		return err
	}
	if w.cache.peek(key) {
		return errAlreadyCached
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := w.load(ctx, item.Operation, item.Params)
	if err != nil {
		return err
	}
	if !w.cache.Set(item.Operation, item.Params, value, SetOptions{TTL: item.TTL, Tags: item.Tags}) {
		return errors.New("value rejected by cache")
	}
	return nil
}
