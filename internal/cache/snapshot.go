package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// SnapshotVersion is the current export format version.
const SnapshotVersion = 1

// Snapshot is the portable export of a cache.
type Snapshot struct {
	Version    int             `json:"version"`
	ExportedAt time.Time       `json:"exportedAt"`
	Entries    []SnapshotEntry `json:"entries"`
}

// SnapshotEntry is one exported entry. Params is the canonical parameter
// encoding; the key is re-derived from (operation, params) on import.
type SnapshotEntry struct {
	Key            string          `json:"key"`
	Operation      string          `json:"operation"`
	Params         json.RawMessage `json:"params"`
	Value          json.RawMessage `json:"value"`
	Tags           []string        `json:"tags,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	LastAccessedAt time.Time       `json:"lastAccessedAt"`
	HitCount       int64           `json:"hitCount"`
	TTLMillis      int64           `json:"ttlMs,omitempty"`
}

// Export returns all live entries, least recently used first, so that
// importing the snapshot reproduces the recency order.
func (c *Cache) Export() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	snap := Snapshot{Version: SnapshotVersion, ExportedAt: now, Entries: make([]SnapshotEntry, 0, c.lru.Len())}
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*Entry)
		if e.expired(now) {
			continue
		}
		tags := make([]string, 0, len(e.Tags))
		for t := range e.Tags {
			if t != operationTag(e.Operation) {
				tags = append(tags, t)
			}
		}
		sort.Strings(tags)
		snap.Entries = append(snap.Entries, SnapshotEntry{
			Key:            e.Key,
			Operation:      e.Operation,
			Params:         append(json.RawMessage(nil), e.Params...),
			Value:          append(json.RawMessage(nil), e.Value...),
			Tags:           tags,
			CreatedAt:      e.CreatedAt,
			LastAccessedAt: e.LastAccessedAt,
			HitCount:       e.HitCount,
			TTLMillis:      e.TTL.Milliseconds(),
		})
	}
	return snap
}

// ErrInvalidSnapshot is returned when an import is rejected.
var ErrInvalidSnapshot = errors.New("invalid cache snapshot")

// ImportResult summarizes an applied snapshot.
type ImportResult struct {
	// Applied is the number of imported entries resident once the import
	// finished.
	Applied int `json:"applied"`
	// Expired entries were valid but already past their TTL.
	Expired int `json:"expired"`
	// Dropped imported entries were evicted by later ones in the same
	// snapshot because it did not fit the cache limits.
	Dropped int `json:"dropped"`
	// Evicted counts every eviction the import caused, including entries
	// that were resident before it.
	Evicted int `json:"evicted"`
}

// Import validates every entry of snap and only then applies them. A single
// invalid entry rejects the whole snapshot and leaves the cache untouched.
// Entries that have already expired are skipped.
func (c *Cache) Import(snap Snapshot) (ImportResult, error) {
	var res ImportResult
	if snap.Version != SnapshotVersion {
		return res, fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, snap.Version)
	}

	prepared := make([]*Entry, 0, len(snap.Entries))
	for i, se := range snap.Entries {
		e, err := c.validateEntry(se)
		if err != nil {
			return res, fmt.Errorf("%w: entry %d: %v", ErrInvalidSnapshot, i, err)
		}
		prepared = append(prepared, e)
	}

	if !c.opts.Enabled {
		return res, nil
	}

	c.mu.Lock()
	now := c.now()
	inserted := make([]*Entry, 0, len(prepared))
	for _, e := range prepared {
		if e.expired(now) {
			res.Expired++
			continue
		}
		n, ok := c.insertLocked(e)
		res.Evicted += n
		if ok {
			inserted = append(inserted, e)
		}
	}
	for _, e := range inserted {
		if c.entries[e.Key] == e {
			res.Applied++
		}
	}
	res.Dropped = len(prepared) - res.Expired - res.Applied
	c.mu.Unlock()

	c.notifyEvictions(res.Evicted)
	return res, nil
}

// ImportJSON decodes and imports a JSON snapshot.
func (c *Cache) ImportJSON(data []byte) (ImportResult, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return ImportResult{}, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return c.Import(snap)
}

func (c *Cache) validateEntry(se SnapshotEntry) (*Entry, error) {
	if se.Operation == "" {
		return nil, errors.New("operation is required")
	}
	if len(se.Params) == 0 || !json.Valid(se.Params) {
		return nil, errors.New("params must be valid JSON")
	}
	if len(se.Value) == 0 || !json.Valid(se.Value) {
		return nil, errors.New("value must be valid JSON")
	}
	if se.TTLMillis < 0 {
		return nil, errors.New("ttl must not be negative")
	}
	if se.HitCount < 0 {
		return nil, errors.New("hit count must not be negative")
	}
	if se.CreatedAt.IsZero() {
		return nil, errors.New("createdAt is required")
	}

	canonical, err := Canonicalize(se.Params)
	if err != nil {
		return nil, err
	}
	key := keyFromCanonical(se.Operation, canonical)
	if se.Key != "" && se.Key != key {
		return nil, errors.New("key does not match operation and params")
	}

	e := c.newEntry(key, se.Operation, canonical, se.Value, se.Tags, time.Duration(se.TTLMillis)*time.Millisecond, se.CreatedAt)
	e.HitCount = se.HitCount
	if !se.LastAccessedAt.IsZero() {
		e.LastAccessedAt = se.LastAccessedAt
	}
	if e.SizeBytes > c.opts.MaxEntryBytes {
		return nil, fmt.Errorf("entry of %d bytes exceeds the per-entry limit", e.SizeBytes)
	}
	return e, nil
}
