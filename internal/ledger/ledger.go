// Package ledger owns account balances and escrow deposits. It is the only
// component allowed to move value between accounts. All operations are
// serialized under a single mutex, so every balance mutation is atomic and
// the conservation invariant (deposits == balances held + withdrawals) holds
// after every call.
package ledger

import (
	"sync"
	"time"

	"github.com/tollgate/tollgate/internal/auth"
	"github.com/tollgate/tollgate/internal/event"
	"github.com/tollgate/tollgate/internal/fault"
)

// Account holds the two balance buckets for one principal. Accounts are
// created on the first funds-affecting operation and never deleted.
type Account struct {
	Available int64 `json:"available"`
	Escrowed  int64 `json:"escrowed"`
}

// Config configures a Ledger.
type Config struct {
	// MinDeposit rejects dust deposits below this many base units.
	MinDeposit int64
	// Owner is the platform operator principal.
	Owner auth.Principal
	// Settlers are the callers allowed to invoke Transfer and Release,
	// in addition to the owner.
	Settlers auth.Allowlist
	// Bus receives an event for every state-changing operation. May be nil.
	Bus *event.Bus
}

// Ledger is the fund-conservation-critical balance store.
type Ledger struct {
	mu       sync.Mutex
	accounts map[auth.Principal]*Account
	escrows  map[string]*EscrowDeposit

	minDeposit int64
	owner      auth.Principal
	settlers   auth.Allowlist
	bus        *event.Bus
	now        func() time.Time // injectable clock for testing

	deposited int64 // lifetime funds moved into the ledger
	withdrawn int64 // lifetime funds moved out of the ledger
}

// New creates a Ledger.
func New(cfg Config) *Ledger {
	return &Ledger{
		accounts:   make(map[auth.Principal]*Account),
		escrows:    make(map[string]*EscrowDeposit),
		minDeposit: cfg.MinDeposit,
		owner:      cfg.Owner,
		settlers:   cfg.Settlers,
		bus:        cfg.Bus,
		now:        time.Now,
	}
}

// account returns the account for p, creating it if absent.
// Must be called with l.mu held.
func (l *Ledger) account(p auth.Principal) *Account {
	a, ok := l.accounts[p]
	if !ok {
		a = &Account{}
		l.accounts[p] = a
	}
	return a
}

// canSettle reports whether p may move funds between third-party accounts.
// Must be called with l.mu held.
func (l *Ledger) canSettle(p auth.Principal) bool {
	return p == l.owner || l.settlers.Allows(p)
}

// Deposit credits amount to the account's available balance. The external
// value-transfer collaborator must have taken custody of the funds before
// this is called.
func (l *Ledger) Deposit(account auth.Principal, amount int64) error {
	const op = "ledger.deposit"
	if account == "" {
		return fault.New(fault.InvalidArgument, op, "account required")
	}
	if amount <= 0 {
		return fault.Errorf(fault.InvalidArgument, op, "amount must be positive, got %d", amount)
	}
	if amount < l.minDeposit {
		return fault.Errorf(fault.BelowMinimum, op, "deposit %d below minimum %d", amount, l.minDeposit)
	}

	// Publishing inside the critical section keeps bus order equal to
	// operation completion order for the account.
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.account(account)
	a.Available += amount
	l.deposited += amount

	l.bus.Publish(event.Event{
		Type:    "ledger.deposit",
		Actor:   string(account),
		Subject: string(account),
		Amount:  amount,
		At:      l.now().Unix(),
	})
	return nil
}

// Withdraw debits amount from the account's available balance and releases
// it to the external payout primitive.
func (l *Ledger) Withdraw(account auth.Principal, amount int64) error {
	const op = "ledger.withdraw"
	if account == "" {
		return fault.New(fault.InvalidArgument, op, "account required")
	}
	if amount <= 0 {
		return fault.Errorf(fault.InvalidArgument, op, "amount must be positive, got %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.account(account)
	if a.Available < amount {
		return fault.Errorf(fault.InsufficientFunds, op, "available %d, requested %d", a.Available, amount)
	}
	a.Available -= amount
	l.withdrawn += amount

	l.bus.Publish(event.Event{
		Type:    "ledger.withdraw",
		Actor:   string(account),
		Subject: string(account),
		Amount:  amount,
		At:      l.now().Unix(),
	})
	return nil
}

// Transfer moves amount of available balance from one account to another.
// Only allow-listed settlement callers and the platform owner may invoke it.
func (l *Ledger) Transfer(caller, from, to auth.Principal, amount int64) error {
	const op = "ledger.transfer"

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.transferLocked(op, caller, from, to, amount); err != nil {
		return err
	}

	l.bus.Publish(event.Event{
		Type:    "ledger.transfer",
		Actor:   string(caller),
		Subject: string(from) + "->" + string(to),
		Amount:  amount,
		At:      l.now().Unix(),
	})
	return nil
}

// TransferItem is one entry of a batch transfer.
type TransferItem struct {
	From   auth.Principal `json:"from"`
	To     auth.Principal `json:"to"`
	Amount int64          `json:"amount"`
}

// BatchTransfer applies each item independently and collects per-item
// results; a failed item does not roll back the items before it. The
// returned slice is index-aligned with items, nil meaning success.
func (l *Ledger) BatchTransfer(caller auth.Principal, items []TransferItem) ([]error, error) {
	const op = "ledger.batch_transfer"
	if len(items) == 0 {
		return nil, fault.New(fault.InvalidArgument, op, "empty batch")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.canSettle(caller) {
		return nil, fault.Errorf(fault.Unauthorized, op, "caller %s is not a settlement caller", caller)
	}
	errs := make([]error, len(items))
	now := l.now().Unix()
	for i, item := range items {
		if err := l.transferLocked(op, caller, item.From, item.To, item.Amount); err != nil {
			errs[i] = err
			continue
		}
		l.bus.Publish(event.Event{
			Type:    "ledger.transfer",
			Actor:   string(caller),
			Subject: string(item.From) + "->" + string(item.To),
			Amount:  item.Amount,
			At:      now,
		})
	}
	return errs, nil
}

// transferLocked performs one transfer. Must be called with l.mu held.
func (l *Ledger) transferLocked(op string, caller, from, to auth.Principal, amount int64) error {
	if !l.canSettle(caller) {
		return fault.Errorf(fault.Unauthorized, op, "caller %s is not a settlement caller", caller)
	}
	if from == "" || to == "" {
		return fault.New(fault.InvalidArgument, op, "from and to accounts required")
	}
	if amount <= 0 {
		return fault.Errorf(fault.InvalidArgument, op, "amount must be positive, got %d", amount)
	}

	src := l.account(from)
	if src.Available < amount {
		return fault.Errorf(fault.InsufficientFunds, op, "available %d, requested %d", src.Available, amount)
	}
	dst := l.account(to)
	src.Available -= amount
	dst.Available += amount
	return nil
}

// Balance returns the current balances for an account. Unknown accounts
// report zero.
func (l *Ledger) Balance(account auth.Principal) Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.accounts[account]; ok {
		return *a
	}
	return Account{}
}

// Totals returns the lifetime sums of funds deposited into and withdrawn
// from the ledger. At all times
//
//	sum(available+escrowed) == deposited - withdrawn.
func (l *Ledger) Totals() (deposited, withdrawn int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deposited, l.withdrawn
}

// Held returns the sum of available plus escrowed balance over all accounts.
func (l *Ledger) Held() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var sum int64
	for _, a := range l.accounts {
		sum += a.Available + a.Escrowed
	}
	return sum
}
