// Package metering buffers per-call usage records and writes them to the
// usage ledger in batches.
package metering

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const flushTimeout = 10 * time.Second

// BatchInserter is the interface used by Collector to persist records.
type BatchInserter interface {
	BatchInsert(ctx context.Context, records []Record) error
}

// FlushRecorder is an optional interface for recording flush metrics.
type FlushRecorder interface {
	ObserveFlush(records int, seconds float64, err error)
}

// Collector buffers records in memory and periodically flushes them to the
// store in batches. It is safe for concurrent use.
type Collector struct {
	store         BatchInserter
	buffer        []Record
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	metrics       FlushRecorder
	logger        *slog.Logger
}

// NewCollector creates a Collector that flushes to store when the buffer
// reaches batchSize or every flushInterval, whichever comes first.
func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Collector{
		store:         store,
		buffer:        make([]Record, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
		logger:        slog.Default().With("component", "metering"),
	}
}

// SetMetrics sets the optional flush recorder. Call before Start.
func (c *Collector) SetMetrics(m FlushRecorder) {
	c.metrics = m
}

// Start flushes buffered records on a timer. It blocks until Stop is called
// or the context is cancelled, and flushes once more before returning.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-ctx.Done():
			c.flush()
			c.wg.Wait()
			return
		case <-c.done:
			c.flush()
			c.wg.Wait()
			return
		}
	}
}

// Record adds r to the buffer. A full buffer is flushed in the background so
// the caller never waits on the database.
func (c *Collector) Record(r Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	c.mu.Lock()
	c.buffer = append(c.buffer, r)
	shouldFlush := len(c.buffer) >= c.batchSize
	c.mu.Unlock()

	if shouldFlush {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.flush()
		}()
	}
}

// Pending returns the number of buffered records.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// flush drains the buffer and writes it to the store. Errors are logged, and
// the failed batch is dropped.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]Record, 0, c.batchSize)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	start := time.Now()
	err := c.store.BatchInsert(ctx, batch)
	if c.metrics != nil {
		c.metrics.ObserveFlush(len(batch), time.Since(start).Seconds(), err)
	}
	if err != nil {
		c.logger.Error("failed to flush usage records", "count", len(batch), "error", err)
	}
}

// Stop signals Start to exit after a final flush. It is safe to call more
// than once.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}
