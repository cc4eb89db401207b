// Package health composes component checks into the service status report.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Health levels, ordered from best to worst.
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

const defaultCheckTimeout = 5 * time.Second

// Check is the outcome of one component probe.
type Check struct {
	Status    string  `json:"status"`
	Message   string  `json:"message,omitempty"`
	LatencyMs float64 `json:"latencyMs"`
	Details   any     `json:"details,omitempty"`
}

// CheckFunc probes one component. It must honour ctx and never panic.
type CheckFunc func(ctx context.Context) Check

// Report is the composed status.
type Report struct {
	Status     string           `json:"status"`
	Checks     map[string]Check `json:"checks"`
	Timestamp  time.Time        `json:"timestamp"`
	DurationMs float64          `json:"durationMs"`
}

// UnknownCheckError is returned by Run when a requested check is not
// registered.
type UnknownCheckError struct {
	Name string
}

func (e *UnknownCheckError) Error() string {
	return fmt.Sprintf("unknown check %q", e.Name)
}

// Service runs registered checks concurrently.
type Service struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an empty Service. Each check runs under timeout; zero means 5s.
func New(timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &Service{
		checks:  make(map[string]CheckFunc),
		timeout: timeout,
		now:     time.Now,
		logger:  slog.Default().With("component", "health"),
	}
}

// Register adds or replaces a named check.
func (s *Service) Register(name string, fn CheckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = fn
}

// Names returns the registered check names, sorted.
func (s *Service) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.checks))
	for n := range s.checks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run executes the named checks, or every check when names is empty, and
// folds them into the worst observed level.
func (s *Service) Run(ctx context.Context, names []string) (Report, error) {
	s.mu.RLock()
	selected := make(map[string]CheckFunc, len(s.checks))
	if len(names) == 0 {
		for n, fn := range s.checks {
			selected[n] = fn
		}
	} else {
		for _, n := range names {
			fn, ok := s.checks[n]
			if !ok {
				s.mu.RUnlock()
				return Report{}, &UnknownCheckError{Name: n}
			}
			selected[n] = fn
		}
	}
	s.mu.RUnlock()

	start := s.now()
	results := make(map[string]Check, len(selected))
	var mu sync.Mutex

	var g errgroup.Group
	for name, fn := range selected {
		g.Go(func() error {
			c := s.runOne(ctx, name, fn)
			mu.Lock()
			results[name] = c
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overall := Healthy
	for _, c := range results {
		overall = Worst(overall, c.Status)
	}

	return Report{
		Status:     overall,
		Checks:     results,
		Timestamp:  start,
		DurationMs: float64(s.now().Sub(start).Microseconds()) / 1000,
	}, nil
}

func (s *Service) runOne(ctx context.Context, name string, fn CheckFunc) (c Check) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("health check panicked", "check", name, "panic", r)
			c = Check{Status: Unhealthy, Message: "check failed"}
		}
		c.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
	}()

	c = fn(ctx)
	if c.Status == "" {
		c.Status = Healthy
	}
	if ctx.Err() != nil && c.Status == Healthy {
		c = Check{Status: Unhealthy, Message: "check timed out"}
	}
	return c
}

func rank(level string) int {
	switch level {
	case Healthy:
		return 0
	case Degraded:
		return 1
	default:
		return 2
	}
}

// Worst returns the more severe of two levels. Unknown levels count as
// unhealthy.
func Worst(a, b string) string {
	if rank(b) > rank(a) {
		return b
	}
	return a
}
