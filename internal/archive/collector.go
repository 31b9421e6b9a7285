package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BatchInserter is the interface used by Collector to persist rows. It
// exists to allow testing without a real database.
type BatchInserter interface {
	BatchInsert(ctx context.Context, batch []Row) error
}

// FlushObserver receives the outcome of one flush attempt: its status
// ("ok" or "error"), the number of rows in the batch, and how long the
// insert took.
type FlushObserver func(status string, rows int, took time.Duration)

// Collector buffers archive rows in memory and periodically flushes them to
// the store in batches. It is safe for concurrent use.
type Collector struct {
	store         BatchInserter
	buffer        []Row
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}

	onBuffer func(n int)
	onFlush  []FlushObserver
}

// NewCollector creates a new Collector that flushes to the given store when
// the buffer reaches batchSize or every flushInterval, whichever comes
// first.
func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration) *Collector {
	return &Collector{
		store:         store,
		buffer:        make([]Row, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

// Observe installs instrumentation hooks. onBuffer is called with the buffer
// size after every change; each FlushObserver is called once per flush
// attempt. Must be called before Start.
func (c *Collector) Observe(onBuffer func(n int), onFlush ...FlushObserver) {
	c.onBuffer = onBuffer
	c.onFlush = onFlush
}

// Start begins a background goroutine that flushes buffered rows on a
// timer. It blocks until Stop is called or the context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			c.flush()
			return
		}
	}
}

// Record adds a row to the buffer. If the buffer reaches batchSize, a flush
// is triggered immediately.
func (c *Collector) Record(row Row) {
	c.mu.Lock()
	c.buffer = append(c.buffer, row)
	buffered := len(c.buffer)
	c.mu.Unlock()

	if c.onBuffer != nil {
		c.onBuffer(buffered)
	}
	if buffered >= c.batchSize {
		c.flush()
	}
}

// BufferLen returns the number of rows currently buffered.
func (c *Collector) BufferLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// flush drains all buffered rows and writes them to the store. It logs
// errors rather than returning them so callers are not blocked.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]Row, 0, c.batchSize)
	c.mu.Unlock()

	if c.onBuffer != nil {
		c.onBuffer(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	err := c.store.BatchInsert(ctx, batch)
	took := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		slog.Error("failed to flush archive rows", "count", len(batch), "error", err)
	}
	for _, fn := range c.onFlush {
		fn(status, len(batch), took)
	}
}

// Stop signals the background goroutine to exit and performs a final flush.
func (c *Collector) Stop() {
	close(c.done)
}
