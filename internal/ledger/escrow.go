package ledger

import (
	"time"

	"github.com/tollgate/tollgate/internal/auth"
	"github.com/tollgate/tollgate/internal/event"
	"github.com/tollgate/tollgate/internal/fault"
)

// EscrowState is the lifecycle state of an escrow deposit.
type EscrowState uint8

const (
	// EscrowCreated is the sole non-terminal state.
	EscrowCreated EscrowState = iota
	// EscrowReleased means the funds were paid to a recipient. Terminal.
	EscrowReleased
	// EscrowRefunded means the funds went back to the owner. Terminal.
	EscrowRefunded
)

// String returns the state name.
func (s EscrowState) String() string {
	switch s {
	case EscrowCreated:
		return "created"
	case EscrowReleased:
		return "released"
	case EscrowRefunded:
		return "refunded"
	}
	return "unknown"
}

// EscrowDeposit is a conditionally held balance. The record persists after
// finalization; State marks finality.
type EscrowDeposit struct {
	ID        string         `json:"id"`
	Owner     auth.Principal `json:"owner"`
	Amount    int64          `json:"amount"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	State     EscrowState    `json:"state"`
}

// Expired reports whether the timeout escape valve is open: past ExpiresAt
// anyone may refund, so funds can never be stuck behind an absent releaser.
// Expiry is a derived predicate, never a scheduled transition.
func (e *EscrowDeposit) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// CreateEscrow atomically moves amount from the owner's available balance
// into escrow under a caller-chosen globally unique id. The id doubles as an
// idempotency key: a concurrent retry gets Duplicate, never a second escrow.
func (l *Ledger) CreateEscrow(owner auth.Principal, id string, amount int64, timeout time.Duration) error {
	const op = "ledger.create_escrow"
	if id == "" {
		return fault.New(fault.InvalidArgument, op, "escrow id required")
	}
	if owner == "" {
		return fault.New(fault.InvalidArgument, op, "owner required")
	}
	if amount <= 0 {
		return fault.Errorf(fault.InvalidArgument, op, "amount must be positive, got %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.escrows[id]; exists {
		return fault.Errorf(fault.Duplicate, op, "escrow %q already exists", id)
	}
	a := l.account(owner)
	if a.Available < amount {
		return fault.Errorf(fault.InsufficientFunds, op, "available %d, requested %d", a.Available, amount)
	}

	now := l.now()
	a.Available -= amount
	a.Escrowed += amount
	l.escrows[id] = &EscrowDeposit{
		ID:        id,
		Owner:     owner,
		Amount:    amount,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
		State:     EscrowCreated,
	}

	l.bus.Publish(event.Event{
		Type:    "ledger.escrow_created",
		Actor:   string(owner),
		Subject: id,
		Amount:  amount,
		At:      now.Unix(),
	})
	return nil
}

// Release pays the escrowed amount to recipient's available balance and
// finalizes the escrow. Only allow-listed settlement callers and the
// platform owner may release.
func (l *Ledger) Release(caller auth.Principal, id string, recipient auth.Principal) error {
	const op = "ledger.release"
	if recipient == "" {
		return fault.New(fault.InvalidArgument, op, "recipient required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.escrows[id]
	if !ok {
		return fault.Errorf(fault.NotFound, op, "escrow %q not found", id)
	}
	if !l.canSettle(caller) {
		return fault.Errorf(fault.Unauthorized, op, "caller %s may not release escrow", caller)
	}
	if e.State != EscrowCreated {
		return fault.Errorf(fault.AlreadyFinalized, op, "escrow %q is %s", id, e.State)
	}

	ownerAcct := l.account(e.Owner)
	ownerAcct.Escrowed -= e.Amount
	l.account(recipient).Available += e.Amount
	e.State = EscrowReleased

	l.bus.Publish(event.Event{
		Type:    "ledger.escrow_released",
		Actor:   string(caller),
		Subject: id,
		Amount:  e.Amount,
		At:      l.now().Unix(),
	})
	return nil
}

// Refund returns the escrowed amount to its owner and finalizes the escrow.
// The owner and the platform owner may refund at any time; once the escrow
// has expired, any caller may.
func (l *Ledger) Refund(caller auth.Principal, id string) error {
	const op = "ledger.refund"

	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.escrows[id]
	if !ok {
		return fault.Errorf(fault.NotFound, op, "escrow %q not found", id)
	}
	if e.State != EscrowCreated {
		return fault.Errorf(fault.AlreadyFinalized, op, "escrow %q is %s", id, e.State)
	}
	now := l.now()
	if caller != e.Owner && caller != l.owner && !e.Expired(now) {
		return fault.Errorf(fault.Unauthorized, op, "caller %s may not refund escrow %q before expiry", caller, id)
	}

	ownerAcct := l.account(e.Owner)
	ownerAcct.Escrowed -= e.Amount
	ownerAcct.Available += e.Amount
	e.State = EscrowRefunded

	l.bus.Publish(event.Event{
		Type:    "ledger.escrow_refunded",
		Actor:   string(caller),
		Subject: id,
		Amount:  e.Amount,
		At:      now.Unix(),
	})
	return nil
}

// Escrow returns a copy of the escrow record for id.
func (l *Ledger) Escrow(id string) (EscrowDeposit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.escrows[id]
	if !ok {
		return EscrowDeposit{}, fault.Errorf(fault.NotFound, "ledger.escrow", "escrow %q not found", id)
	}
	return *e, nil
}
