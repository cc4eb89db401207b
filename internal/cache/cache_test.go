package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
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

func testOptions() Options {
	return Options{
		Enabled:        true,
		MaxEntries:     1000,
		MaxMemoryBytes: 1 << 20,
		MaxEntryBytes:  64 << 10,
		DefaultTTL:     time.Hour,
	}
}

func newTestCache(opts Options, clock *fakeClock) *Cache {
	c := New(opts)
	c.now = clock.Now
	return c
}

// entrySize reports the accounted size of a single entry.
func entrySize(t *testing.T, op string, params, value any) int64 {
	t.Helper()
	c := New(testOptions())
	if !c.Set(op, params, value, SetOptions{}) {
		t.Fatal("sizing Set failed")
	}
	return c.AdvancedStats().MemoryBytes
}

// --- Key tests ---

func TestKeyIgnoresParamOrder(t *testing.T) {
	k1, _, err := Key("generate", map[string]any{"prompt": "Hi", "model": "gpt-4o-mini", "n": 1})
	if err != nil {
		t.Fatalf("Key() error: %v", err)
	}
	k2, _, _ := Key("generate", map[string]any{"n": 1, "model": "gpt-4o-mini", "prompt": "Hi"})
	if k1 != k2 {
		t.Fatalf("expected equal keys for reordered params, got %s and %s", k1, k2)
	}

	k3, _, _ := Key("generate", json.RawMessage(`{ "n":1, "prompt":"Hi", "model":"gpt-4o-mini" }`))
	if k1 != k3 {
		t.Fatal("raw JSON params should canonicalize to the same key")
	}

	k4, _, _ := Key("summarize", map[string]any{"prompt": "Hi", "model": "gpt-4o-mini", "n": 1})
	if k1 == k4 {
		t.Fatal("different operations must produce different keys")
	}
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "null"},
		{"nested", map[string]any{"b": map[string]any{"z": 1, "y": 2}, "a": []any{3, 1}}, `{"a":[3,1],"b":{"y":2,"z":1}}`},
		{"number literal kept", json.RawMessage(`{"x":1.50}`), `{"x":1.50}`},
		{"struct", struct {
			B string `json:"b"`
			A int    `json:"a"`
		}{"x", 1}, `{"a":1,"b":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(tt.in)
			if err != nil {
				t.Fatalf("Canonicalize() error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

// --- Get/Set tests ---

func TestSetGet(t *testing.T) {
	clock := newFakeClock(time.Now())
	c := newTestCache(testOptions(), clock)

	params := map[string]any{"prompt": "Say hi"}
	if !c.Set("generate", params, "Hi there!", SetOptions{}) {
		t.Fatal("Set should succeed")
	}

	got, ok := c.Get("generate", map[string]any{"prompt": "Say hi"})
	if !ok {
		t.Fatal("expected hit")
	}
	var s string
	if err := json.Unmarshal(got, &s); err != nil || s != "Hi there!" {
		t.Fatalf("unexpected value %s (%v)", got, err)
	}

	if _, ok := c.Get("generate", map[string]any{"prompt": "Say bye"}); ok {
		t.Fatal("expected miss for different params")
	}

	st := c.AdvancedStats()
	if st.Hits != 1 || st.Misses != 1 || st.HitRate != 0.5 || st.Size != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestSetOverwrites(t *testing.T) {
	c := newTestCache(testOptions(), newFakeClock(time.Now()))
	c.Set("op", 1, "first", SetOptions{})
	c.Set("op", 1, "second", SetOptions{})

	got, _ := c.Get("op", 1)
	if string(got) != `"second"` {
		t.Fatalf("expected last writer to win, got %s", got)
	}
	if st := c.AdvancedStats(); st.Size != 1 {
		t.Fatalf("expected a single entry, got %d", st.Size)
	}
}

func TestGetWithUnencodableParamsIsMiss(t *testing.T) {
	c := newTestCache(testOptions(), newFakeClock(time.Now()))
	if _, ok := c.Get("op", make(chan int)); ok {
		t.Fatal("expected miss")
	}
	if c.Set("op", make(chan int), "v", SetOptions{}) {
		t.Fatal("Set with unencodable params should fail")
	}
	if c.Set("op", 1, func() {}, SetOptions{}) {
		t.Fatal("Set with unencodable value should fail")
	}
}

func TestDisabledCache(t *testing.T) {
	opts := testOptions()
	opts.Enabled = false
	c := newTestCache(opts, newFakeClock(time.Now()))
	if c.Set("op", 1, "v", SetOptions{}) {
		t.Fatal("Set should fail on a disabled cache")
	}
	if _, ok := c.Get("op", 1); ok {
		t.Fatal("expected miss")
	}
}

func TestEntryTooLarge(t *testing.T) {
	opts := testOptions()
	opts.MaxEntryBytes = 512
	c := newTestCache(opts, newFakeClock(time.Now()))

	if c.Set("op", 1, strings.Repeat("x", 1024), SetOptions{}) {
		t.Fatal("oversized entry should be rejected")
	}
	if c.AdvancedStats().Size != 0 {
		t.Fatal("nothing should be stored")
	}
}

func TestTTLExpiry(t *testing.T) {
	clock := newFakeClock(time.Now())
	c := newTestCache(testOptions(), clock)

	c.Set("op", 1, "v", SetOptions{TTL: time.Minute})
	clock.Advance(59 * time.Second)
	if _, ok := c.Get("op", 1); !ok {
		t.Fatal("entry should still be live")
	}
	clock.Advance(time.Second)
	if _, ok := c.Get("op", 1); ok {
		t.Fatal("entry should be expired at its ttl")
	}
	st := c.AdvancedStats()
	if st.Expirations != 1 || st.Size != 0 || st.MemoryBytes != 0 {
		t.Fatalf("unexpected stats after expiry %+v", st)
	}
}

func TestNegativeTTLRejected(t *testing.T) {
	c := newTestCache(testOptions(), newFakeClock(time.Now()))
	if c.Set("op", 1, "v", SetOptions{TTL: -time.Second}) {
		t.Fatal("negative ttl should be rejected")
	}
}

// --- Eviction tests ---

func TestLRUEviction(t *testing.T) {
	size := entrySize(t, "op", map[string]any{"n": 1}, "v")

	clock := newFakeClock(time.Now())
	opts := testOptions()
	opts.MaxMemoryBytes = 3 * size
	c := newTestCache(opts, clock)

	for i := 1; i <= 3; i++ {
		if !c.Set("op", map[string]any{"n": i}, "v", SetOptions{}) {
			t.Fatalf("Set %d failed", i)
		}
		clock.Advance(time.Second)
	}

	// Touch 1 so 2 becomes least recently used.
	if _, ok := c.Get("op", map[string]any{"n": 1}); !ok {
		t.Fatal("expected hit for 1")
	}
	clock.Advance(time.Second)

	if !c.Set("op", map[string]any{"n": 4}, "v", SetOptions{}) {
		t.Fatal("Set 4 failed")
	}

	st := c.AdvancedStats()
	if st.MemoryBytes > st.MaxMemoryBytes {
		t.Fatalf("memory %d exceeds budget %d", st.MemoryBytes, st.MaxMemoryBytes)
	}
	if st.Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %d", st.Evictions)
	}

	if _, ok := c.Get("op", map[string]any{"n": 2}); ok {
		t.Error("2 should have been evicted")
	}
	for _, n := range []int{1, 3, 4} {
		if _, ok := c.Get("op", map[string]any{"n": n}); !ok {
			t.Errorf("%d should still be cached", n)
		}
	}
}

func TestEvictionTieBreaksOnHitCount(t *testing.T) {
	// The clock never moves, so every access time ties.
	clock := newFakeClock(time.Now())
	opts := testOptions()
	opts.MaxEntries = 2
	c := newTestCache(opts, clock)

	c.Set("op", "a", "A", SetOptions{})
	for i := 0; i < 3; i++ {
		c.Get("op", "a")
	}
	c.Set("op", "b", "B", SetOptions{})

	// "a" is at the LRU tail but has more hits than "b".
	c.Set("op", "c", "C", SetOptions{})

	if _, ok := c.Get("op", "b"); ok {
		t.Error("b should have been evicted on hit count")
	}
	if _, ok := c.Get("op", "a"); !ok {
		t.Error("a should survive")
	}
	if _, ok := c.Get("op", "c"); !ok {
		t.Error("the entry being inserted must never be evicted")
	}
}

func TestMaxEntries(t *testing.T) {
	clock := newFakeClock(time.Now())
	opts := testOptions()
	opts.MaxEntries = 5
	c := newTestCache(opts, clock)

	for i := 0; i < 20; i++ {
		c.Set("op", i, i, SetOptions{})
		clock.Advance(time.Millisecond)
	}
	st := c.AdvancedStats()
	if st.Size != 5 {
		t.Fatalf("expected 5 entries, got %d", st.Size)
	}
	if st.Evictions != 15 {
		t.Fatalf("expected 15 evictions, got %d", st.Evictions)
	}
	if _, ok := c.Get("op", 19); !ok {
		t.Error("newest entry should be cached")
	}
}

// --- Tag tests ---

func TestClearByTagAndOperation(t *testing.T) {
	c := newTestCache(testOptions(), newFakeClock(time.Now()))

	c.Set("generate", 1, "a", SetOptions{Tags: []string{"tenant:acme"}})
	c.Set("generate", 2, "b", SetOptions{Tags: []string{"tenant:globex"}})
	c.Set("summarize", 1, "c", SetOptions{Tags: []string{"tenant:acme", "tenant:acme"}})

	if n := c.ClearByTag("tenant:acme"); n != 2 {
		t.Fatalf("expected 2 cleared, got %d", n)
	}
	if _, ok := c.Get("generate", 2); !ok {
		t.Fatal("untagged entry should remain")
	}
	if n := c.ClearByTag("tenant:acme"); n != 0 {
		t.Fatalf("second clear should remove nothing, got %d", n)
	}

	c.Set("summarize", 5, "d", SetOptions{})
	if n := c.ClearByOperation("generate"); n != 1 {
		t.Fatalf("expected 1 cleared by operation, got %d", n)
	}
	if _, ok := c.Get("summarize", 5); !ok {
		t.Fatal("other operations should remain")
	}

	c.Clear()
	st := c.AdvancedStats()
	if st.Size != 0 || st.MemoryBytes != 0 || st.Tags != 0 {
		t.Fatalf("expected empty cache, got %+v", st)
	}
}

// --- Snapshot tests ---

func TestExportImportRoundTrip(t *testing.T) {
	clock := newFakeClock(time.Now())
	src := newTestCache(testOptions(), clock)
	src.Set("generate", map[string]any{"p": "x"}, map[string]any{"text": "hello"}, SetOptions{Tags: []string{"t1"}})
	src.Set("generate", map[string]any{"p": "y"}, "world", SetOptions{TTL: 10 * time.Minute})

	data, err := json.Marshal(src.Export())
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}

	dst := newTestCache(testOptions(), clock)
	if res, err := dst.ImportJSON(data); err != nil || res.Applied != 2 {
		t.Fatalf("ImportJSON() = %+v, %v", res, err)
	}

	got, ok := dst.Get("generate", map[string]any{"p": "x"})
	if !ok || string(got) != `{"text":"hello"}` {
		t.Fatalf("expected imported entry, got %s (%v)", got, ok)
	}
	if n := dst.ClearByTag("t1"); n != 1 {
		t.Fatalf("tags should survive import, cleared %d", n)
	}

	// Imported TTL still applies.
	clock.Advance(11 * time.Minute)
	if _, ok := dst.Get("generate", map[string]any{"p": "y"}); ok {
		t.Fatal("imported entry should expire on its original ttl")
	}
}

func TestImportRejectsCorruptSnapshot(t *testing.T) {
	clock := newFakeClock(time.Now())
	src := newTestCache(testOptions(), clock)
	src.Set("op", 1, "good", SetOptions{})
	good := src.Export().Entries[0]

	tests := []struct {
		name string
		snap Snapshot
	}{
		{"bad version", Snapshot{Version: 99, Entries: []SnapshotEntry{good}}},
		{"invalid value", Snapshot{Version: SnapshotVersion, Entries: []SnapshotEntry{
			good,
			{Operation: "op", Params: json.RawMessage(`2`), Value: json.RawMessage(`{bad`), CreatedAt: clock.Now()},
		}}},
		{"key mismatch", Snapshot{Version: SnapshotVersion, Entries: []SnapshotEntry{
			good,
			{Key: "deadbeef", Operation: "op", Params: json.RawMessage(`2`), Value: json.RawMessage(`"x"`), CreatedAt: clock.Now()},
		}}},
		{"missing operation", Snapshot{Version: SnapshotVersion, Entries: []SnapshotEntry{
			{Params: json.RawMessage(`2`), Value: json.RawMessage(`"x"`), CreatedAt: clock.Now()},
		}}},
		{"negative ttl", Snapshot{Version: SnapshotVersion, Entries: []SnapshotEntry{
			{Operation: "op", Params: json.RawMessage(`2`), Value: json.RawMessage(`"x"`), CreatedAt: clock.Now(), TTLMillis: -1},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := newTestCache(testOptions(), clock)
			_, err := dst.Import(tt.snap)
			if !errors.Is(err, ErrInvalidSnapshot) {
				t.Fatalf("expected ErrInvalidSnapshot, got %v", err)
			}
			if st := dst.AdvancedStats(); st.Size != 0 {
				t.Fatalf("rejected import must not apply any entry, got %d", st.Size)
			}
		})
	}

	dst := newTestCache(testOptions(), clock)
	if _, err := dst.ImportJSON([]byte(`{"version":`)); !errors.Is(err, ErrInvalidSnapshot) {
		t.Fatalf("expected ErrInvalidSnapshot for malformed JSON, got %v", err)
	}
}

func TestImportSkipsExpiredEntries(t *testing.T) {
	clock := newFakeClock(time.Now())
	dst := newTestCache(testOptions(), clock)

	snap := Snapshot{Version: SnapshotVersion, Entries: []SnapshotEntry{
		{Operation: "op", Params: json.RawMessage(`1`), Value: json.RawMessage(`"old"`), CreatedAt: clock.Now().Add(-time.Hour), TTLMillis: 60000},
		{Operation: "op", Params: json.RawMessage(`2`), Value: json.RawMessage(`"new"`), CreatedAt: clock.Now(), TTLMillis: 60000},
	}}
	res, err := dst.Import(snap)
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if res.Applied != 1 || res.Expired != 1 {
		t.Fatalf("unexpected import result %+v", res)
	}
	if st := dst.AdvancedStats(); st.Size != 1 {
		t.Fatalf("expected only the live entry, got %d", st.Size)
	}
}

func TestImportReportsEntriesThatDidNotFit(t *testing.T) {
	clock := newFakeClock(time.Now())
	src := newTestCache(testOptions(), clock)
	for i := 0; i < 5; i++ {
		src.Set("op", i, "value", SetOptions{})
	}
	snap := src.Export()

	opts := testOptions()
	opts.MaxEntries = 3
	dst := newTestCache(opts, clock)
	dst.Set("op", "resident", "value", SetOptions{})

	res, err := dst.Import(snap)
	if err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	want := ImportResult{Applied: 3, Dropped: 2, Evicted: 3}
	if res != want {
		t.Fatalf("Import() = %+v, want %+v", res, want)
	}
	if st := dst.AdvancedStats(); st.Size != 3 {
		t.Fatalf("expected a full cache of 3, got %d", st.Size)
	}
}

// --- Sweep/Optimize tests ---

func TestSweepAndOptimize(t *testing.T) {
	clock := newFakeClock(time.Now())
	c := newTestCache(testOptions(), clock)

	c.Set("op", 1, "short", SetOptions{TTL: time.Second})
	for i := 2; i <= 11; i++ {
		c.Set("op", i, strings.Repeat("v", 100), SetOptions{})
		clock.Advance(time.Millisecond)
	}
	clock.Advance(2 * time.Second)

	if n := c.Sweep(); n != 1 {
		t.Fatalf("expected 1 swept entry, got %d", n)
	}

	before := c.MemoryUsage()
	res := c.Optimize(before / 2)
	if res.Evicted == 0 {
		t.Fatal("optimize should evict to reach the target fill")
	}
	if res.MemoryUsage > before/2 {
		t.Fatalf("memory usage %.4f above target %.4f", res.MemoryUsage, before/2)
	}
	if _, ok := c.Get("op", 11); !ok {
		t.Fatal("most recent entry should survive optimize")
	}
}

func TestStartStopsOnClose(t *testing.T) {
	c := New(testOptions())
	done := make(chan struct{})
	go func() {
		c.Start(context.Background(), time.Millisecond)
		close(done)
	}()
	c.Close()
	c.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep loop did not stop after Close")
	}
}

func TestReset(t *testing.T) {
	c := newTestCache(testOptions(), newFakeClock(time.Now()))
	c.Set("op", 1, "v", SetOptions{})
	c.Get("op", 1)
	c.Get("op", 2)
	c.Reset()

	st := c.AdvancedStats()
	if st.Size != 0 || st.Hits != 0 || st.Misses != 0 || st.WarmingStatus.State != WarmingIdle {
		t.Fatalf("expected pristine stats, got %+v", st)
	}
}

// --- Observer tests ---

type recordingObserver struct {
	mu        sync.Mutex
	hits      int
	misses    int
	evictions map[string]int
}

func (o *recordingObserver) CacheLookup(_ string, hit bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if hit {
		o.hits++
	} else {
		o.misses++
	}
}

func (o *recordingObserver) CacheEviction(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.evictions[reason]++
}

func TestObserver(t *testing.T) {
	clock := newFakeClock(time.Now())
	opts := testOptions()
	opts.MaxEntries = 1
	c := newTestCache(opts, clock)
	obs := &recordingObserver{evictions: make(map[string]int)}
	c.AddObserver(obs)

	c.Set("op", 1, "v", SetOptions{TTL: time.Second})
	c.Get("op", 1)
	c.Set("op", 2, "v", SetOptions{TTL: time.Second})
	clock.Advance(time.Second)
	c.Get("op", 2)

	if obs.hits != 1 || obs.misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got %d/%d", obs.hits, obs.misses)
	}
	if obs.evictions["capacity"] != 1 || obs.evictions["expired"] != 1 {
		t.Fatalf("unexpected evictions %v", obs.evictions)
	}
}

func TestConcurrentAccess(t *testing.T) {
	opts := testOptions()
	opts.MaxEntries = 50
	c := New(opts)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*200+i)%80)
				c.Set("op", key, i, SetOptions{Tags: []string{fmt.Sprintf("g%d", g)}})
				c.Get("op", key)
				if i%50 == 0 {
					c.ClearByTag(fmt.Sprintf("g%d", (g+1)%8))
				}
			}
		}(g)
	}
	wg.Wait()

	st := c.AdvancedStats()
	if st.Size > 50 {
		t.Fatalf("size %d exceeds max entries", st.Size)
	}
	if st.MemoryBytes > st.MaxMemoryBytes {
		t.Fatalf("memory %d exceeds budget", st.MemoryBytes)
	}
}

// --- Warming tests ---

func TestWarmingIsolatesFailures(t *testing.T) {
	c := New(testOptions())
	items := []WarmItem{
		{Operation: "generate", Params: map[string]any{"prompt": "a"}},
		{Operation: "generate", Params: map[string]any{"prompt": "fail"}},
		{Operation: "generate", Params: map[string]any{"prompt": "panic"}},
		{Operation: "generate", Params: map[string]any{"prompt": "b"}, Tags: []string{"warm"}},
	}
	load := func(_ context.Context, _ string, params map[string]any) (any, error) {
		switch params["prompt"] {
		case "fail":
			return nil, errors.New("upstream down")
		case "panic":
			panic("boom")
		}
		return "warm:" + params["prompt"].(string), nil
	}

	w := NewWarmer(c, items, load, 2)
	st := w.Run(context.Background())
	if st.State != WarmingCompleted || st.Total != 4 || st.Warmed != 2 || st.Failed != 2 {
		t.Fatalf("unexpected status %+v", st)
	}
	if _, ok := c.Get("generate", map[string]any{"prompt": "b"}); !ok {
		t.Fatal("warmed entry should be cached")
	}
	if got := c.AdvancedStats().WarmingStatus; got.Warmed != 2 || got.LastRun == nil {
		t.Fatalf("cache stats should carry warming status, got %+v", got)
	}

	// A second pass skips what is already cached.
	st = w.Run(context.Background())
	if st.Skipped != 2 || st.Warmed != 0 {
		t.Fatalf("expected 2 skipped on second pass, got %+v", st)
	}
}

func TestWarmingSkipsCachedWithoutLoading(t *testing.T) {
	c := New(testOptions())
	c.Set("op", map[string]any{"x": 1}, "present", SetOptions{})

	var loads atomic.Int32
	w := NewWarmer(c, []WarmItem{{Operation: "op", Params: map[string]any{"x": 1}}},
		func(context.Context, string, map[string]any) (any, error) {
			loads.Add(1)
			return "fresh", nil
		}, 1)

	st := w.Run(context.Background())
	if st.Skipped != 1 || st.Failed != 0 || st.State != WarmingCompleted {
		t.Fatalf("cached item should count as skipped, got %+v", st)
	}
	if loads.Load() != 0 {
		t.Fatal("loader must not run for a cached item")
	}
}

func TestWarmingAllFailed(t *testing.T) {
	c := New(testOptions())
	w := NewWarmer(c, []WarmItem{{Operation: "op", Params: map[string]any{"x": 1}}},
		func(context.Context, string, map[string]any) (any, error) { return nil, errors.New("nope") }, 1)
	if st := w.Run(context.Background()); st.State != WarmingFailed {
		t.Fatalf("expected failed state, got %q", st.State)
	}
}

func TestPerformWarmingDoesNotBlock(t *testing.T) {
	c := New(testOptions())
	release := make(chan struct{})
	w := NewWarmer(c, []WarmItem{{Operation: "slow", Params: map[string]any{"x": 1}}},
		func(ctx context.Context, _ string, _ map[string]any) (any, error) {
			<-release
			return "done", nil
		}, 1)

	if !w.PerformWarming(context.Background()) {
		t.Fatal("first PerformWarming should start a pass")
	}
	if w.PerformWarming(context.Background()) {
		t.Fatal("overlapping pass should be refused")
	}

	// The cache stays usable while the loader is blocked.
	if !c.Set("op", 1, "v", SetOptions{}) {
		t.Fatal("Set should not block during warming")
	}
	if _, ok := c.Get("op", 1); !ok {
		t.Fatal("Get should not block during warming")
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for c.AdvancedStats().WarmingStatus.State != WarmingCompleted {
		if time.Now().After(deadline) {
			t.Fatal("warming did not complete")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := c.Get("slow", map[string]any{"x": 1}); !ok {
		t.Fatal("warmed entry should be cached")
	}
}

// --- Scheduler tests ---

func TestScheduler(t *testing.T) {
	c := New(testOptions())
	w := NewWarmer(c, nil, func(context.Context, string, map[string]any) (any, error) { return nil, nil }, 1)

	s := NewScheduler(w)
	if err := s.Start(context.Background(), "not a schedule"); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if err := s.Start(context.Background(), ""); err != nil || s.IsRunning() {
		t.Fatalf("empty schedule should be a no-op, got err=%v running=%v", err, s.IsRunning())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx, "*/15 * * * *"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !s.IsRunning() {
		t.Fatal("scheduler should be running")
	}
	if next := s.NextRun(); next == nil || !next.After(time.Now()) {
		t.Fatalf("expected a future next run, got %v", next)
	}
	s.Stop()
	if s.IsRunning() {
		t.Fatal("scheduler should be stopped")
	}
}
