// Package event provides the in-process notification bus. Every
// state-changing engine operation publishes a structured event; external
// billing, webhook, and monitoring integrations subscribe to the bus. The
// bus guarantees that delivery order matches operation completion order; it
// does not guarantee delivery beyond the process boundary.
package event

import (
	"sync"
	"time"
)

// Event is a structured record of a completed state-changing operation.
type Event struct {
	// Type names the operation, e.g. "ledger.deposit" or "billing.usage_recorded".
	Type string `json:"type"`
	// Actor is the principal that performed the operation.
	Actor string `json:"actor"`
	// Subject is the primary entity key: an account, escrow id, endpoint
	// id, or usage-record id.
	Subject string `json:"subject"`
	// Amount carries the value moved, in base units, where applicable.
	Amount int64 `json:"amount,omitempty"`
	// Count carries the request count, where applicable.
	Count int64 `json:"count,omitempty"`
	// At is the unix-second completion timestamp.
	At int64 `json:"at"`
}

// Handler consumes events. Handlers run synchronously on the publishing
// goroutine so that per-subscriber order matches publish order; slow
// handlers should hand off internally.
type Handler func(Event)

// Bus fans events out to subscribers in publish order. A nil *Bus is valid
// and drops everything, so components can treat the bus as optional.
type Bus struct {
	mu   sync.Mutex
	subs []Handler
	seq  int64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	if b == nil || h == nil {
		return
	}
	b.mu.Lock()
	b.subs = append(b.subs, h)
	b.mu.Unlock()
}

// Publish delivers e to every subscriber. Calls are serialized under the bus
// lock, which is what preserves the completion-order guarantee.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	if e.At == 0 {
		e.At = time.Now().Unix()
	}
	for _, h := range b.subs {
		h(e)
	}
}

// Seq returns the number of events published so far.
func (b *Bus) Seq() int64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}
