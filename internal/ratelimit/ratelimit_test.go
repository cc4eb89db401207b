package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alecgard/okrai/internal/auth"
)

// fakeClock is a controllable time source for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestLimiter creates a Limiter wired to the given fake clock.
func newTestLimiter(ceiling int, win time.Duration, clock *fakeClock) *Limiter {
	l := New(ceiling, win)
	l.now = clock.Now
	return l
}

func TestCeilingAndRollover(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	l := newTestLimiter(50, time.Hour, clock)

	for i := 1; i <= 50; i++ {
		if !l.CheckRateLimit("user-1") {
			t.Fatalf("request %d should be allowed", i)
		}
		clock.Advance(time.Second)
	}

	if l.CheckRateLimit("user-1") {
		t.Fatal("request 51 within the hour should be denied")
	}

	// Rejections do not consume or reset anything.
	_, remaining, _ := l.Status("user-1")
	if remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", remaining)
	}

	clock.Advance(time.Hour)
	if !l.CheckRateLimit("user-1") {
		t.Fatal("first request of the new window should be allowed")
	}
	_, remaining, _ = l.Status("user-1")
	if remaining != 49 {
		t.Fatalf("expected 49 remaining in new window, got %d", remaining)
	}
}

func TestWindowBoundaryIsStrict(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(1, time.Minute, clock)

	if !l.CheckRateLimit("k") {
		t.Fatal("first request should be allowed")
	}
	clock.Advance(time.Minute)
	if l.CheckRateLimit("k") {
		t.Fatal("window is still live at exactly its duration")
	}
	clock.Advance(time.Nanosecond)
	if !l.CheckRateLimit("k") {
		t.Fatal("window should roll over once its duration is exceeded")
	}
}

func TestDifferentIdentities(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(1, time.Minute, clock)

	if !l.CheckRateLimit("a") {
		t.Fatal("first request for 'a' should be allowed")
	}
	if l.CheckRateLimit("a") {
		t.Fatal("second request for 'a' should be denied")
	}
	if !l.CheckRateLimit("b") {
		t.Fatal("first request for 'b' should be allowed")
	}
}

func TestZeroCeilingDisablesLimiting(t *testing.T) {
	l := New(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !l.CheckRateLimit("k") {
			t.Fatalf("request %d should be allowed with ceiling 0", i)
		}
	}
}

func TestTokenCeiling(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(10, time.Minute, clock)
	l.SetTokenCeiling(1000)

	if !l.CheckRateLimit("k") {
		t.Fatal("first request should be allowed")
	}
	l.AddTokens("k", 1200)

	d := l.Check("k")
	if d.Allowed {
		t.Fatal("request should be denied once token ceiling is exhausted")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("expected positive retry hint, got %v", d.RetryAfter)
	}

	clock.Advance(time.Minute + time.Second)
	if !l.CheckRateLimit("k") {
		t.Fatal("token count should reset with the window")
	}
}

func TestCheckDecision(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	l := newTestLimiter(2, time.Minute, clock)

	d := l.Check("k")
	if !d.Allowed || d.Limit != 2 || d.Remaining != 1 || !d.ResetAt.Equal(start.Add(time.Minute)) {
		t.Fatalf("unexpected first decision %+v", d)
	}
	l.Check("k")

	clock.Advance(20 * time.Second)
	d = l.Check("k")
	if d.Allowed {
		t.Fatal("third request should be denied")
	}
	if d.RetryAfter != 40*time.Second {
		t.Fatalf("expected retry after 40s, got %v", d.RetryAfter)
	}
}

func TestConcurrentAccess(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(100, time.Minute, clock)

	var wg sync.WaitGroup
	allowed := make(chan bool, 200)

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- l.CheckRateLimit("concurrent")
		}()
	}

	wg.Wait()
	close(allowed)

	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}

	if count != 100 {
		t.Fatalf("expected exactly 100 allowed, got %d", count)
	}
}

func TestStatusUnknownIdentity(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(10, time.Minute, clock)

	limit, remaining, resetAt := l.Status("never-seen")
	if limit != 10 || remaining != 10 {
		t.Fatalf("expected full window, got limit=%d remaining=%d", limit, remaining)
	}
	if !resetAt.After(clock.Now()) {
		t.Fatal("resetAt should be in the future")
	}
}

func TestPruneAndReset(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(5, time.Minute, clock)

	l.CheckRateLimit("old")
	clock.Advance(2 * time.Minute)
	l.CheckRateLimit("fresh")

	if n := l.Prune(); n != 1 {
		t.Fatalf("expected 1 pruned window, got %d", n)
	}

	l.Reset()
	_, remaining, _ := l.Status("fresh")
	if remaining != 5 {
		t.Fatalf("expected full window after reset, got %d", remaining)
	}
}

type fakeShared struct {
	allowed bool
	count   int
	err     error
	calls   int
}

func (f *fakeShared) Take(_ context.Context, _ string, _ int, _ time.Duration) (bool, int, time.Duration, error) {
	f.calls++
	return f.allowed, f.count, 30 * time.Second, f.err
}

func TestSharedStore(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(3, time.Minute, clock)

	shared := &fakeShared{allowed: false, count: 3}
	l.SetShared(shared)

	d := l.Check("k")
	if d.Allowed {
		t.Fatal("shared store rejection should be honoured")
	}
	if d.RetryAfter != 30*time.Second {
		t.Fatalf("expected retry 30s from shared ttl, got %v", d.RetryAfter)
	}

	// A failing shared store falls back to the local window.
	shared.err = errors.New("connection refused")
	if !l.CheckRateLimit("k") {
		t.Fatal("local fallback should allow the first request")
	}
	if shared.calls != 2 {
		t.Fatalf("expected 2 shared calls, got %d", shared.calls)
	}
}

func TestTokenCeilingWithSharedStore(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(50, time.Hour, clock)
	l.SetTokenCeiling(100)
	shared := &fakeShared{allowed: true, count: 1}
	l.SetShared(shared)

	if !l.Check("alice").Allowed {
		t.Fatal("first request should be allowed")
	}
	l.AddTokens("alice", 500)

	d := l.Check("alice")
	if d.Allowed {
		t.Fatal("token ceiling must apply when a shared store is attached")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("expected a retry hint, got %v", d.RetryAfter)
	}
	if shared.calls != 1 {
		t.Errorf("token rejection should not consume a shared request, got %d calls", shared.calls)
	}
	if !l.Check("bob").Allowed {
		t.Error("other identities are unaffected")
	}

	clock.Advance(time.Hour + time.Second)
	if !l.Check("alice").Allowed {
		t.Error("token count should reset with the window")
	}
}

func TestParseScriptResult(t *testing.T) {
	allowed, count, resetIn, err := parseScriptResult([]any{int64(1), int64(4), int64(1500)}, time.Minute)
	if err != nil || !allowed || count != 4 || resetIn != 1500*time.Millisecond {
		t.Fatalf("unexpected parse: %v %d %v %v", allowed, count, resetIn, err)
	}

	_, _, resetIn, err = parseScriptResult([]any{int64(0), int64(4), int64(-1)}, time.Minute)
	if err != nil || resetIn != time.Minute {
		t.Fatalf("expected full window for missing ttl, got %v (%v)", resetIn, err)
	}

	if _, _, _, err := parseScriptResult("nope", time.Minute); err == nil {
		t.Fatal("expected error for malformed response")
	}
	if _, _, _, err := parseScriptResult([]any{"a", int64(1), int64(1)}, time.Minute); err == nil {
		t.Fatal("expected error for non-integer value")
	}
}

func TestMiddleware(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(1, time.Hour, clock)

	rejected := 0
	handler := Middleware(l, func() { rejected++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/ai/generate", nil)
		req = req.WithContext(auth.ContextWithPrincipal(req.Context(), &auth.Principal{ID: "user-1"}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := do(); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}

	var body struct {
		RetryAfter int `json:"retryAfter"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.RetryAfter <= 0 {
		t.Errorf("expected positive retryAfter, got %d", body.RetryAfter)
	}
	if rejected != 1 {
		t.Errorf("expected 1 reject callback, got %d", rejected)
	}

	// Requests without a principal pass through untouched.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected pass-through 200, got %d", rec.Code)
	}
}
