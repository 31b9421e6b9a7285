package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// captureStore records every batch it receives.
type captureStore struct {
	mu      sync.Mutex
	batches [][]Row
	err     error
}

func (s *captureStore) BatchInsert(_ context.Context, batch []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureStore) rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func testRow(i int) Row {
	return Row{
		RequestID:    fmt.Sprintf("req-%03d", i),
		User:         "alice",
		Endpoint:     "weather",
		Timestamp:    time.Unix(1_700_000_000+int64(i), 0),
		RequestCount: 1,
		ResponseTime: 25,
		StatusCode:   200,
		Cost:         10,
		Billed:       true,
	}
}

func TestCollectorFlushesAtBatchSize(t *testing.T) {
	store := &captureStore{}
	c := NewCollector(store, 3, time.Hour)

	c.Record(testRow(0))
	c.Record(testRow(1))
	if c.BufferLen() != 2 {
		t.Fatalf("buffer = %d, want 2", c.BufferLen())
	}
	if store.rows() != 0 {
		t.Fatalf("store has %d rows before batch fills", store.rows())
	}

	c.Record(testRow(2))
	if c.BufferLen() != 0 {
		t.Errorf("buffer = %d after flush, want 0", c.BufferLen())
	}
	if store.rows() != 3 {
		t.Errorf("store has %d rows, want 3", store.rows())
	}

	store.mu.Lock()
	first := store.batches[0]
	store.mu.Unlock()
	if first[0].RequestID != "req-000" || first[2].RequestID != "req-002" {
		t.Errorf("batch order = %s..%s", first[0].RequestID, first[2].RequestID)
	}
}

func TestCollectorStopDrainsBuffer(t *testing.T) {
	store := &captureStore{}
	c := NewCollector(store, 100, time.Hour)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Start(context.Background())
	}()

	c.Record(testRow(0))
	c.Record(testRow(1))
	c.Stop()
	wg.Wait()

	if store.rows() != 2 {
		t.Errorf("store has %d rows after Stop, want 2", store.rows())
	}
	if c.BufferLen() != 0 {
		t.Errorf("buffer = %d after Stop, want 0", c.BufferLen())
	}
}

func TestCollectorContextCancelDrainsBuffer(t *testing.T) {
	store := &captureStore{}
	c := NewCollector(store, 100, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Start(ctx)
	}()

	c.Record(testRow(0))
	cancel()
	wg.Wait()

	if store.rows() != 1 {
		t.Errorf("store has %d rows after cancel, want 1", store.rows())
	}
}

func TestCollectorTickerFlush(t *testing.T) {
	store := &captureStore{}
	c := NewCollector(store, 100, 10*time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Start(context.Background())
	}()
	defer func() {
		c.Stop()
		wg.Wait()
	}()

	c.Record(testRow(0))
	deadline := time.Now().Add(2 * time.Second)
	for store.rows() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("ticker never flushed the buffer")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCollectorObserveHooks(t *testing.T) {
	store := &captureStore{}
	c := NewCollector(store, 2, time.Hour)

	var sizes []int
	type flush struct {
		status string
		rows   int
	}
	var flushes []flush
	c.Observe(
		func(n int) { sizes = append(sizes, n) },
		func(status string, rows int, took time.Duration) {
			if took < 0 {
				t.Errorf("flush took %v", took)
			}
			flushes = append(flushes, flush{status: status, rows: rows})
		},
	)

	c.Record(testRow(0))
	c.Record(testRow(1)) // fills the batch, triggers a flush

	// Buffer depth is reported after every change: grow, grow, drain.
	want := []int{1, 2, 0}
	if len(sizes) != len(want) {
		t.Fatalf("buffer sizes = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("size %d = %d, want %d", i, sizes[i], want[i])
		}
	}

	if len(flushes) != 1 {
		t.Fatalf("got %d flush reports, want 1", len(flushes))
	}
	if flushes[0].status != "ok" || flushes[0].rows != 2 {
		t.Errorf("flush = %+v, want status ok rows 2", flushes[0])
	}

	// Failed flushes report their status too.
	store.mu.Lock()
	store.err = errors.New("connection refused")
	store.mu.Unlock()
	c.Record(testRow(2))
	c.Record(testRow(3))

	if len(flushes) != 2 {
		t.Fatalf("got %d flush reports after failure, want 2", len(flushes))
	}
	if flushes[1].status != "error" || flushes[1].rows != 2 {
		t.Errorf("failed flush = %+v, want status error rows 2", flushes[1])
	}
}

func TestCollectorKeepsRunningOnStoreError(t *testing.T) {
	store := &captureStore{err: errors.New("connection refused")}
	c := NewCollector(store, 2, time.Hour)

	c.Record(testRow(0))
	c.Record(testRow(1))
	if c.BufferLen() != 0 {
		t.Fatalf("buffer = %d, want 0; failed batches are dropped, not retried", c.BufferLen())
	}

	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()

	c.Record(testRow(2))
	c.Record(testRow(3))
	if store.rows() != 2 {
		t.Errorf("store has %d rows after recovery, want 2", store.rows())
	}
}
