package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// window tracks the fixed-window counters for a single identity.
type window struct {
	start    time.Time
	requests int
	tokens   int
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Shared is a cross-instance counter store. Implementations must be safe for
// concurrent use. A failing Shared store is bypassed in favour of the local
// window.
type Shared interface {
	Take(ctx context.Context, identity string, ceiling int, window time.Duration) (allowed bool, count int, resetIn time.Duration, err error)
}

// Limiter implements a fixed wall-clock window limiter keyed by identity
// (user, principal or client). A window opens on the first request for an
// identity and is replaced once now-start exceeds the window duration, so
// bursts straddling a window edge can admit up to twice the ceiling.
type Limiter struct {
	mu           sync.Mutex
	windows      map[string]*window
	ceiling      int
	tokenCeiling int
	window       time.Duration
	shared       Shared
	now          func() time.Time // injectable clock for testing
}

// New creates a Limiter that allows ceiling requests per window. A ceiling of
// zero disables limiting.
func New(ceiling int, win time.Duration) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		ceiling: ceiling,
		window:  win,
		now:     time.Now,
	}
}

// SetTokenCeiling caps the number of model tokens an identity may consume per
// window. Zero means unlimited.
func (l *Limiter) SetTokenCeiling(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokenCeiling = n
}

// SetShared attaches a cross-instance store for request counting.
func (l *Limiter) SetShared(s Shared) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shared = s
}

// getWindow returns the live window for identity, opening a fresh one when
// none exists or the previous one has expired. Must be called with l.mu held.
func (l *Limiter) getWindow(identity string, now time.Time) *window {
	w, ok := l.windows[identity]
	if !ok || now.Sub(w.start) > l.window {
		w = &window{start: now}
		l.windows[identity] = w
	}
	return w
}

// CheckRateLimit reports whether identity may make another request, counting
// it when allowed.
func (l *Limiter) CheckRateLimit(identity string) bool {
	return l.Check(identity).Allowed
}

// Check counts a request for identity and returns the full decision. A
// rejected request leaves the window untouched. Tokens are always counted in
// the local window, so the token ceiling applies with or without a shared
// store.
func (l *Limiter) Check(identity string) Decision {
	l.mu.Lock()
	shared := l.shared
	now := l.now()
	if l.ceiling <= 0 {
		l.mu.Unlock()
		return Decision{Allowed: true}
	}
	w := l.getWindow(identity, now)
	if l.tokenCeiling > 0 && w.tokens >= l.tokenCeiling {
		d := l.rejectLocked(w, now)
		l.mu.Unlock()
		return d
	}
	l.mu.Unlock()

	if shared != nil {
		if d, ok := l.checkShared(shared, identity); ok {
			return d
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now = l.now()
	w = l.getWindow(identity, now)
	overTokens := l.tokenCeiling > 0 && w.tokens >= l.tokenCeiling
	if w.requests >= l.ceiling || overTokens {
		return l.rejectLocked(w, now)
	}

	w.requests++
	return Decision{
		Allowed:   true,
		Limit:     l.ceiling,
		Remaining: l.ceiling - w.requests,
		ResetAt:   w.start.Add(l.window),
	}
}

func (l *Limiter) rejectLocked(w *window, now time.Time) Decision {
	resetAt := w.start.Add(l.window)
	return Decision{
		Allowed:    false,
		Limit:      l.ceiling,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: retryAfter(resetAt, now),
	}
}

// sharedTimeout bounds a single round trip to the shared store.
const sharedTimeout = 250 * time.Millisecond

func (l *Limiter) checkShared(shared Shared, identity string) (Decision, bool) {
	if l.ceiling <= 0 {
		return Decision{Allowed: true}, true
	}

	ctx, cancel := context.WithTimeout(context.Background(), sharedTimeout)
	defer cancel()

	allowed, count, resetIn, err := shared.Take(ctx, identity, l.ceiling, l.window)
	if err != nil {
		slog.Warn("shared rate limit store unavailable, using local window", "identity", identity, "error", err)
		return Decision{}, false
	}

	now := l.now()
	resetAt := now.Add(resetIn)
	remaining := l.ceiling - count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{Allowed: allowed, Limit: l.ceiling, Remaining: remaining, ResetAt: resetAt}
	if !allowed {
		d.RetryAfter = retryAfter(resetAt, now)
	}
	return d, true
}

// AddTokens records model tokens consumed by identity in its current window.
func (l *Limiter) AddTokens(identity string, n int) {
	if n <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.getWindow(identity, l.now())
	w.tokens += n
}

// Status returns the current state for identity without counting a request.
// An identity that has never been seen reports a full, unopened window.
func (l *Limiter) Status(identity string) (limit int, remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	limit = l.ceiling

	w, ok := l.windows[identity]
	if !ok || now.Sub(w.start) > l.window {
		return limit, limit, now.Add(l.window)
	}

	remaining = l.ceiling - w.requests
	if remaining < 0 {
		remaining = 0
	}
	return limit, remaining, w.start.Add(l.window)
}

// Prune drops expired windows and returns how many were removed.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, w := range l.windows {
		if now.Sub(w.start) > l.window {
			delete(l.windows, id)
			removed++
		}
	}
	return removed
}

// Start prunes expired windows on a timer until ctx is cancelled.
func (l *Limiter) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := l.Prune(); n > 0 {
				slog.Debug("pruned rate limit windows", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Reset forgets every window.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.windows = make(map[string]*window)
}

func retryAfter(resetAt, now time.Time) time.Duration {
	d := resetAt.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d
}
