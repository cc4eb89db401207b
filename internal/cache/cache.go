// Package cache implements the memory-bounded response cache that sits in
// front of the model gateway.
//
// Entries are addressed by the SHA-256 of (operation, canonical params) and
// carry a tag set used for bulk invalidation. Every entry is implicitly tagged
// with "op:<operation>". When an insert would exceed the memory or entry
// budget, the least recently used entry is evicted; entries with the same
// last-access time are ordered by hit count, lowest first. Expired entries
// are dropped lazily on access and eagerly by a periodic sweep.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// entryOverhead approximates the bookkeeping cost per entry in bytes.
const entryOverhead = 128

// Options configures a Cache.
type Options struct {
	Enabled        bool
	MaxEntries     int
	MaxMemoryBytes int64
	MaxEntryBytes  int64
	DefaultTTL     time.Duration // zero means entries never expire by default
}

// SetOptions are per-entry overrides for Set.
type SetOptions struct {
	TTL  time.Duration // zero means the cache default
	Tags []string
}

// Observer receives lookup and eviction notifications. Calls are made after
// the cache lock is released.
type Observer interface {
	CacheLookup(operation string, hit bool)
	CacheEviction(reason string)
}

// Entry is a single cached response.
type Entry struct {
	Key            string
	Operation      string
	Params         json.RawMessage
	Value          json.RawMessage
	Tags           map[string]struct{}
	CreatedAt      time.Time
	LastAccessedAt time.Time
	HitCount       int64
	SizeBytes      int64
	TTL            time.Duration

	elem *list.Element
}

func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) >= e.TTL
}

// Cache is safe for concurrent use. All mutations happen under a single
// mutex so readers never observe a partially applied change.
type Cache struct {
	mu       sync.Mutex
	opts     Options
	entries  map[string]*Entry
	lru      *list.List // front is most recently used
	tagIndex map[string]map[string]struct{}
	memory   int64

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
	warming     WarmingStatus

	observers []Observer
	now       func() time.Time // injectable clock for testing
	logger    *slog.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an empty Cache.
func New(opts Options) *Cache {
	return &Cache{
		opts:     opts,
		entries:  make(map[string]*Entry),
		lru:      list.New(),
		tagIndex: make(map[string]map[string]struct{}),
		warming:  WarmingStatus{State: WarmingIdle},
		now:      time.Now,
		logger:   slog.Default().With("component", "cache"),
		done:     make(chan struct{}),
	}
}

// AddObserver registers an observer for lookups and evictions.
func (c *Cache) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

func operationTag(operation string) string {
	return "op:" + operation
}

// Get returns the cached value for (operation, params). It never fails: an
// absent, expired or un-encodable key is reported as a miss.
func (c *Cache) Get(operation string, params any) (json.RawMessage, bool) {
	key, _, err := Key(operation, params)
	if err != nil {
		c.notifyLookup(operation, false, 0)
		return nil, false
	}

	c.mu.Lock()
	value, ok, expired := c.getLocked(key)
	c.mu.Unlock()

	c.notifyLookup(operation, ok, expired)
	return value, ok
}

// getLocked must be called with c.mu held.
func (c *Cache) getLocked(key string) (json.RawMessage, bool, int) {
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false, 0
	}

	now := c.now()
	if e.expired(now) {
		c.removeLocked(e)
		c.expirations++
		c.misses++
		return nil, false, 1
	}

	e.HitCount++
	e.LastAccessedAt = now
	c.lru.MoveToFront(e.elem)
	c.hits++

	out := make(json.RawMessage, len(e.Value))
	copy(out, e.Value)
	return out, true, 0
}

// peek reports whether a live entry exists without touching statistics.
func (c *Cache) peek(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && !e.expired(c.now())
}

// Set stores value under (operation, params). It returns false when the
// cache is disabled, the value cannot be encoded, or the encoded entry is
// larger than the per-entry or total memory budget. Concurrent writers for
// the same key resolve last-writer-wins.
func (c *Cache) Set(operation string, params any, value any, opts SetOptions) bool {
	if !c.opts.Enabled {
		return false
	}

	key, canonical, err := Key(operation, params)
	if err != nil {
		return false
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return false
	}

	ttl := opts.TTL
	if ttl == 0 {
		ttl = c.opts.DefaultTTL
	}
	if ttl < 0 {
		return false
	}

	c.mu.Lock()
	now := c.now()
	e := c.newEntry(key, operation, canonical, raw, opts.Tags, ttl, now)
	evicted, ok := c.insertLocked(e)
	c.mu.Unlock()

	c.notifyEvictions(evicted)
	return ok
}

func (c *Cache) newEntry(key, operation string, params, value json.RawMessage, tags []string, ttl time.Duration, now time.Time) *Entry {
	tagSet := make(map[string]struct{}, len(tags)+1)
	size := int64(len(key)+len(operation)+len(params)+len(value)) + entryOverhead
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, dup := tagSet[t]; !dup {
			tagSet[t] = struct{}{}
			size += int64(len(t))
		}
	}
	tagSet[operationTag(operation)] = struct{}{}

	return &Entry{
		Key:            key,
		Operation:      operation,
		Params:         params,
		Value:          value,
		Tags:           tagSet,
		CreatedAt:      now,
		LastAccessedAt: now,
		SizeBytes:      size,
		TTL:            ttl,
	}
}

// insertLocked places e at the front of the LRU list, evicting older entries
// until budgets allow. It returns the number of evictions and false if e can
// never fit. Must be called with c.mu held.
func (c *Cache) insertLocked(e *Entry) (int, bool) {
	if e.SizeBytes > c.opts.MaxEntryBytes || e.SizeBytes > c.opts.MaxMemoryBytes {
		return 0, false
	}

	if old, ok := c.entries[e.Key]; ok {
		c.removeLocked(old)
	}

	evicted := 0
	for c.lru.Len() > 0 && (c.memory+e.SizeBytes > c.opts.MaxMemoryBytes ||
		(c.opts.MaxEntries > 0 && c.lru.Len() >= c.opts.MaxEntries)) {
		victim := c.victimLocked()
		c.removeLocked(victim)
		c.evictions++
		evicted++
	}

	e.elem = c.lru.PushFront(e)
	c.entries[e.Key] = e
	c.memory += e.SizeBytes
	for t := range e.Tags {
		keys, ok := c.tagIndex[t]
		if !ok {
			keys = make(map[string]struct{})
			c.tagIndex[t] = keys
		}
		keys[e.Key] = struct{}{}
	}
	return evicted, true
}

// victimLocked picks the eviction candidate: the least recently used entry,
// and among entries sharing that access time, the one with fewest hits.
func (c *Cache) victimLocked() *Entry {
	back := c.lru.Back()
	victim := back.Value.(*Entry)
	for el := back.Prev(); el != nil; el = el.Prev() {
		e := el.Value.(*Entry)
		if !e.LastAccessedAt.Equal(victim.LastAccessedAt) {
			break
		}
		if e.HitCount < victim.HitCount {
			victim = e
		}
	}
	return victim
}

// removeLocked must be called with c.mu held.
func (c *Cache) removeLocked(e *Entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.Key)
	c.memory -= e.SizeBytes
	for t := range e.Tags {
		if keys, ok := c.tagIndex[t]; ok {
			delete(keys, e.Key)
			if len(keys) == 0 {
				delete(c.tagIndex, t)
			}
		}
	}
}

// ClearByTag removes every entry carrying tag and returns how many were removed.
func (c *Cache) ClearByTag(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.tagIndex[tag]
	n := 0
	for key := range keys {
		if e, ok := c.entries[key]; ok {
			c.removeLocked(e)
			n++
		}
	}
	return n
}

// ClearByOperation removes every entry stored for operation.
func (c *Cache) ClearByOperation(operation string) int {
	return c.ClearByTag(operationTag(operation))
}

// Clear removes all entries. Statistics are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
	c.lru.Init()
	c.tagIndex = make(map[string]map[string]struct{})
	c.memory = 0
}

// Reset clears all entries and statistics.
func (c *Cache) Reset() {
	c.Clear()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits, c.misses, c.evictions, c.expirations = 0, 0, 0, 0
	c.warming = WarmingStatus{State: WarmingIdle}
}

// Sweep drops all expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	n := c.sweepLocked()
	c.mu.Unlock()

	for i := 0; i < n; i++ {
		c.notifyEviction("expired")
	}
	return n
}

func (c *Cache) sweepLocked() int {
	now := c.now()
	n := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*Entry)
		if e.expired(now) {
			c.removeLocked(e)
			c.expirations++
			n++
		}
		el = prev
	}
	return n
}

// OptimizeResult summarizes an Optimize pass.
type OptimizeResult struct {
	Expired     int     `json:"expired"`
	Evicted     int     `json:"evicted"`
	MemoryUsage float64 `json:"memoryUsage"`
}

// Optimize sweeps expired entries then evicts until memory usage is at or
// below targetFill (a fraction of the memory budget).
func (c *Cache) Optimize(targetFill float64) OptimizeResult {
	if targetFill <= 0 || targetFill > 1 {
		targetFill = 1
	}
	target := int64(float64(c.opts.MaxMemoryBytes) * targetFill)

	c.mu.Lock()
	res := OptimizeResult{Expired: c.sweepLocked()}
	for c.lru.Len() > 0 && c.memory > target {
		c.removeLocked(c.victimLocked())
		c.evictions++
		res.Evicted++
	}
	res.MemoryUsage = c.memoryUsageLocked()
	c.mu.Unlock()

	c.notifyEvictions(res.Evicted)
	c.logger.Info("cache optimized", "expired", res.Expired, "evicted", res.Evicted, "memory_usage", res.MemoryUsage)
	return res
}

// Start sweeps expired entries on a timer. It blocks until Close is called or
// the context is cancelled.
func (c *Cache) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("swept expired cache entries", "count", n)
			}
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

// Close stops the sweep loop. It is safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// AdvancedStats is the cache statistics snapshot.
type AdvancedStats struct {
	Enabled        bool          `json:"enabled"`
	HitRate        float64       `json:"hitRate"`
	Hits           int64         `json:"hits"`
	Misses         int64         `json:"misses"`
	Size           int           `json:"size"`
	MaxSize        int           `json:"maxSize"`
	MemoryBytes    int64         `json:"memoryBytes"`
	MaxMemoryBytes int64         `json:"maxMemoryBytes"`
	MemoryUsage    float64       `json:"memoryUsage"`
	Evictions      int64         `json:"evictions"`
	Expirations    int64         `json:"expirations"`
	Tags           int           `json:"tags"`
	WarmingStatus  WarmingStatus `json:"warmingStatus"`
}

// AdvancedStats returns a consistent snapshot of cache statistics.
func (c *Cache) AdvancedStats() AdvancedStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var hitRate float64
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	tags := 0
	for t := range c.tagIndex {
		if len(t) < 3 || t[:3] != "op:" {
			tags++
		}
	}

	return AdvancedStats{
		Enabled:        c.opts.Enabled,
		HitRate:        hitRate,
		Hits:           c.hits,
		Misses:         c.misses,
		Size:           c.lru.Len(),
		MaxSize:        c.opts.MaxEntries,
		MemoryBytes:    c.memory,
		MaxMemoryBytes: c.opts.MaxMemoryBytes,
		MemoryUsage:    c.memoryUsageLocked(),
		Evictions:      c.evictions,
		Expirations:    c.expirations,
		Tags:           tags,
		WarmingStatus:  c.warming,
	}
}

// MemoryUsage returns the used fraction of the memory budget.
func (c *Cache) MemoryUsage() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memoryUsageLocked()
}

func (c *Cache) memoryUsageLocked() float64 {
	if c.opts.MaxMemoryBytes <= 0 {
		return 0
	}
	return float64(c.memory) / float64(c.opts.MaxMemoryBytes)
}

func (c *Cache) snapshotObservers() []Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.observers
}

func (c *Cache) notifyLookup(operation string, hit bool, expired int) {
	for _, o := range c.snapshotObservers() {
		o.CacheLookup(operation, hit)
		for i := 0; i < expired; i++ {
			o.CacheEviction("expired")
		}
	}
}

func (c *Cache) notifyEvictions(n int) {
	for i := 0; i < n; i++ {
		c.notifyEviction("capacity")
	}
}

func (c *Cache) notifyEviction(reason string) {
	for _, o := range c.snapshotObservers() {
		o.CacheEviction(reason)
	}
}
