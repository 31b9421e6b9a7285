package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/tollgate/tollgate/internal/auth"
	"github.com/tollgate/tollgate/internal/event"
	"github.com/tollgate/tollgate/internal/fault"
)

const (
	platform auth.Principal = "platform"
	settler  auth.Principal = "settlement-svc"
	alice    auth.Principal = "alice"
	bob      auth.Principal = "bob"
)

func newTestLedger(minDeposit int64) *Ledger {
	return New(Config{
		MinDeposit: minDeposit,
		Owner:      platform,
		Settlers:   auth.NewAllowlist(settler),
	})
}

func TestDepositAndBalance(t *testing.T) {
	l := newTestLedger(0)

	if err := l.Deposit(alice, 1000); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if got := l.Balance(alice).Available; got != 1000 {
		t.Errorf("available = %d, want 1000", got)
	}

	if err := l.Deposit(alice, 500); err != nil {
		t.Fatalf("second Deposit failed: %v", err)
	}
	if got := l.Balance(alice).Available; got != 1500 {
		t.Errorf("available = %d, want 1500", got)
	}
}

func TestDepositRejectsInvalid(t *testing.T) {
	l := newTestLedger(100)

	tests := []struct {
		name    string
		account auth.Principal
		amount  int64
		want    fault.Kind
	}{
		{"zero amount", alice, 0, fault.InvalidArgument},
		{"negative amount", alice, -5, fault.InvalidArgument},
		{"empty account", "", 200, fault.InvalidArgument},
		{"below minimum", alice, 99, fault.BelowMinimum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.Deposit(tt.account, tt.amount)
			if !fault.IsKind(err, tt.want) {
				t.Errorf("got %v, want kind %v", err, tt.want)
			}
		})
	}

	// At exactly the minimum the deposit is accepted.
	if err := l.Deposit(alice, 100); err != nil {
		t.Fatalf("deposit at minimum should succeed: %v", err)
	}
}

func TestWithdraw(t *testing.T) {
	l := newTestLedger(0)
	mustDeposit(t, l, alice, 1000)

	if err := l.Withdraw(alice, 400); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if got := l.Balance(alice).Available; got != 600 {
		t.Errorf("available = %d, want 600", got)
	}

	err := l.Withdraw(alice, 601)
	if !fault.IsKind(err, fault.InsufficientFunds) {
		t.Errorf("overdraw: got %v, want InsufficientFunds", err)
	}
	// A failed withdrawal must not change the balance.
	if got := l.Balance(alice).Available; got != 600 {
		t.Errorf("available after failed withdraw = %d, want 600", got)
	}
}

func TestWithdrawUnknownAccount(t *testing.T) {
	l := newTestLedger(0)
	err := l.Withdraw(alice, 1)
	if !fault.IsKind(err, fault.InsufficientFunds) {
		t.Errorf("got %v, want InsufficientFunds", err)
	}
}

func TestTransferAuthorization(t *testing.T) {
	l := newTestLedger(0)
	mustDeposit(t, l, alice, 1000)

	// A regular user may not move third-party funds, not even their own via
	// Transfer.
	err := l.Transfer(alice, alice, bob, 100)
	if !fault.IsKind(err, fault.Unauthorized) {
		t.Errorf("got %v, want Unauthorized", err)
	}

	// A settler may.
	if err := l.Transfer(settler, alice, bob, 100); err != nil {
		t.Fatalf("settler Transfer failed: %v", err)
	}
	// So may the platform owner.
	if err := l.Transfer(platform, alice, bob, 100); err != nil {
		t.Fatalf("owner Transfer failed: %v", err)
	}

	if got := l.Balance(alice).Available; got != 800 {
		t.Errorf("alice available = %d, want 800", got)
	}
	if got := l.Balance(bob).Available; got != 200 {
		t.Errorf("bob available = %d, want 200", got)
	}
}

func TestBatchTransferPartialSuccess(t *testing.T) {
	l := newTestLedger(0)
	mustDeposit(t, l, alice, 250)

	errs, err := l.BatchTransfer(settler, []TransferItem{
		{From: alice, To: bob, Amount: 100},
		{From: alice, To: bob, Amount: 200}, // insufficient after first item
		{From: alice, To: bob, Amount: 150},
	})
	if err != nil {
		t.Fatalf("BatchTransfer failed: %v", err)
	}
	if len(errs) != 3 {
		t.Fatalf("got %d results, want 3", len(errs))
	}
	if errs[0] != nil {
		t.Errorf("item 0 should succeed, got %v", errs[0])
	}
	if !fault.IsKind(errs[1], fault.InsufficientFunds) {
		t.Errorf("item 1: got %v, want InsufficientFunds", errs[1])
	}
	if errs[2] != nil {
		t.Errorf("item 2 should succeed, got %v", errs[2])
	}

	if got := l.Balance(alice).Available; got != 0 {
		t.Errorf("alice available = %d, want 0", got)
	}
	if got := l.Balance(bob).Available; got != 250 {
		t.Errorf("bob available = %d, want 250", got)
	}
}

func TestBatchTransferEmptyAndUnauthorized(t *testing.T) {
	l := newTestLedger(0)

	if _, err := l.BatchTransfer(settler, nil); !fault.IsKind(err, fault.InvalidArgument) {
		t.Errorf("empty batch: got %v, want InvalidArgument", err)
	}
	if _, err := l.BatchTransfer(alice, []TransferItem{{From: alice, To: bob, Amount: 1}}); !fault.IsKind(err, fault.Unauthorized) {
		t.Errorf("unauthorized batch: got %v, want Unauthorized", err)
	}
}

func TestConservation(t *testing.T) {
	l := newTestLedger(0)

	mustDeposit(t, l, alice, 1000)
	mustDeposit(t, l, bob, 500)
	if err := l.Withdraw(alice, 200); err != nil {
		t.Fatal(err)
	}
	if err := l.Transfer(settler, alice, bob, 300); err != nil {
		t.Fatal(err)
	}
	if err := l.CreateEscrow(bob, "e-1", 400, time.Hour); err != nil {
		t.Fatal(err)
	}

	deposited, withdrawn := l.Totals()
	if deposited != 1500 {
		t.Errorf("deposited = %d, want 1500", deposited)
	}
	if withdrawn != 200 {
		t.Errorf("withdrawn = %d, want 200", withdrawn)
	}
	if held := l.Held(); held != deposited-withdrawn {
		t.Errorf("held = %d, want %d (deposited - withdrawn)", held, deposited-withdrawn)
	}
}

func TestConservationUnderConcurrency(t *testing.T) {
	l := newTestLedger(0)
	mustDeposit(t, l, alice, 10000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = l.Deposit(bob, 1)
				_ = l.Transfer(settler, alice, bob, 1)
				_ = l.Withdraw(bob, 1)
			}
		}()
	}
	wg.Wait()

	deposited, withdrawn := l.Totals()
	if held := l.Held(); held != deposited-withdrawn {
		t.Errorf("held = %d, want %d", held, deposited-withdrawn)
	}
}

func TestEventsPublished(t *testing.T) {
	bus := event.NewBus()
	var types []string
	bus.Subscribe(func(e event.Event) { types = append(types, e.Type) })

	l := New(Config{Owner: platform, Settlers: auth.NewAllowlist(settler), Bus: bus})

	if err := l.Deposit(alice, 100); err != nil {
		t.Fatal(err)
	}
	if err := l.Withdraw(alice, 50); err != nil {
		t.Fatal(err)
	}

	want := []string{"ledger.deposit", "ledger.withdraw"}
	if len(types) != len(want) {
		t.Fatalf("got %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, types[i], want[i])
		}
	}
}

// A withdrawal can only succeed after the deposit that funded it, so in the
// event stream the running deposited total must cover the withdrawn total at
// every prefix. Publishing outside the balance lock would let a later
// operation's event overtake an earlier one's.
func TestEventOrderMatchesOperationOrder(t *testing.T) {
	bus := event.NewBus()
	var types []string
	// Publish serializes handlers, so the append needs no extra locking.
	bus.Subscribe(func(e event.Event) { types = append(types, e.Type) })

	l := New(Config{Owner: platform, Settlers: auth.NewAllowlist(settler), Bus: bus})

	const rounds = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			// Spin until the matching deposit lands.
			for fault.IsKind(l.Withdraw(alice, 1), fault.InsufficientFunds) {
			}
		}
	}()
	for i := 0; i < rounds; i++ {
		if err := l.Deposit(alice, 1); err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()

	var balance int64
	for i, typ := range types {
		switch typ {
		case "ledger.deposit":
			balance++
		case "ledger.withdraw":
			balance--
		}
		if balance < 0 {
			t.Fatalf("event %d: withdraw published before the deposit that funded it", i)
		}
	}
	if len(types) != 2*rounds {
		t.Errorf("got %d events, want %d", len(types), 2*rounds)
	}
}

func mustDeposit(t *testing.T, l *Ledger, p auth.Principal, amount int64) {
	t.Helper()
	if err := l.Deposit(p, amount); err != nil {
		t.Fatalf("Deposit(%s, %d) failed: %v", p, amount, err)
	}
}
