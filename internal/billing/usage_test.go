package billing

import (
	"fmt"
	"testing"

	"github.com/tollgate/tollgate/internal/auth"
	"github.com/tollgate/tollgate/internal/fault"
)

func mustRecord(t *testing.T, e *Engine, in Usage) UsageRecord {
	t.Helper()
	rec, err := e.RecordUsage(gateway, in)
	if err != nil {
		t.Fatalf("RecordUsage(%s) failed: %v", in.RecordID, err)
	}
	return rec
}

func TestRecordUsageCost(t *testing.T) {
	e := newTestEngine(250)
	mustRegisterUser(t, e, alice, 0)
	mustRegisterEndpoint(t, e, bob, "weather", 10, false)

	rec := mustRecord(t, e, Usage{RecordID: "rec-1", User: alice, Endpoint: "weather", RequestCount: 5})
	if rec.TotalCost != 50 {
		t.Errorf("cost = %d, want 50", rec.TotalCost)
	}
	if rec.IsPaid {
		t.Error("new record should be unpaid")
	}

	u, _ := e.User(alice)
	if u.CurrentMonthUsage != 5 {
		t.Errorf("month usage = %d, want 5", u.CurrentMonthUsage)
	}
	if u.OutstandingBalance != 50 {
		t.Errorf("outstanding = %d, want 50", u.OutstandingBalance)
	}
	ep, _ := e.Endpoint("weather")
	if ep.TotalRequests != 5 {
		t.Errorf("endpoint requests = %d, want 5", ep.TotalRequests)
	}
}

func TestRecordUsageLargeValues(t *testing.T) {
	e := newTestEngine(250)
	mustRegisterUser(t, e, alice, 0)
	mustRegisterEndpoint(t, e, bob, "bulk", 1_000_000_000_000_000, false)

	rec := mustRecord(t, e, Usage{RecordID: "rec-big", User: alice, Endpoint: "bulk", RequestCount: 100})
	if rec.TotalCost != 100_000_000_000_000_000 {
		t.Errorf("cost = %d, want 1e17", rec.TotalCost)
	}

	s, err := e.Settle(gateway, "rec-big")
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if s.PlatformFee != 2_500_000_000_000_000 {
		t.Errorf("fee = %d, want 2.5e15", s.PlatformFee)
	}
	if s.PayeeAmount != 97_500_000_000_000_000 {
		t.Errorf("payee amount = %d, want 9.75e16", s.PayeeAmount)
	}
}

func TestRecordUsageRejections(t *testing.T) {
	e := newTestEngine(250)
	mustRegisterUser(t, e, alice, 0)
	mustRegisterUser(t, e, carol, 0)
	mustRegisterEndpoint(t, e, bob, "weather", 10, false)
	mustRegisterEndpoint(t, e, bob, "premium", 100, true)
	mustRegisterEndpoint(t, e, bob, "retired", 10, false)

	inactive := false
	if err := e.UpdateEndpoint(bob, "retired", UpdateEndpointInput{Active: &inactive}); err != nil {
		t.Fatalf("disable endpoint: %v", err)
	}
	if err := e.SetUserActive(platform, carol, false); err != nil {
		t.Fatalf("disable user: %v", err)
	}

	ok := Usage{RecordID: "rec-ok", User: alice, Endpoint: "weather", RequestCount: 1}
	mustRecord(t, e, ok)

	tests := []struct {
		name   string
		caller auth.Principal
		in     Usage
		want   fault.Kind
	}{
		{"empty record id", gateway, Usage{User: alice, Endpoint: "weather", RequestCount: 1}, fault.InvalidArgument},
		{"zero count", gateway, Usage{RecordID: "r1", User: alice, Endpoint: "weather", RequestCount: 0}, fault.InvalidArgument},
		{"unauthorized caller", alice, Usage{RecordID: "r2", User: alice, Endpoint: "weather", RequestCount: 1}, fault.Unauthorized},
		{"unknown endpoint", gateway, Usage{RecordID: "r3", User: alice, Endpoint: "geo", RequestCount: 1}, fault.NotFound},
		{"inactive endpoint", gateway, Usage{RecordID: "r4", User: alice, Endpoint: "retired", RequestCount: 1}, fault.Inactive},
		{"no grant", gateway, Usage{RecordID: "r5", User: alice, Endpoint: "premium", RequestCount: 1}, fault.Unauthorized},
		{"unknown user", gateway, Usage{RecordID: "r6", User: "mallory", Endpoint: "weather", RequestCount: 1}, fault.NotFound},
		{"inactive user", gateway, Usage{RecordID: "r7", User: carol, Endpoint: "weather", RequestCount: 1}, fault.Inactive},
		{"duplicate id", gateway, ok, fault.Duplicate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.RecordUsage(tt.caller, tt.in); !fault.IsKind(err, tt.want) {
				t.Errorf("RecordUsage = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRecordUsageDuplicateLeavesStateUntouched(t *testing.T) {
	e := newTestEngine(250)
	mustRegisterUser(t, e, alice, 0)
	mustRegisterEndpoint(t, e, bob, "weather", 10, false)

	mustRecord(t, e, Usage{RecordID: "rec-1", User: alice, Endpoint: "weather", RequestCount: 3})
	before, _ := e.User(alice)

	if _, err := e.RecordUsage(gateway, Usage{RecordID: "rec-1", User: alice, Endpoint: "weather", RequestCount: 3}); !fault.IsKind(err, fault.Duplicate) {
		t.Fatalf("duplicate = %v, want Duplicate", err)
	}

	after, _ := e.User(alice)
	if after != before {
		t.Errorf("account changed on duplicate: before %+v, after %+v", before, after)
	}
	ep, _ := e.Endpoint("weather")
	if ep.TotalRequests != 3 {
		t.Errorf("endpoint requests = %d, want 3", ep.TotalRequests)
	}
}

func TestMonthlyLimit(t *testing.T) {
	e := newTestEngine(250)
	mustRegisterUser(t, e, alice, 100)
	mustRegisterEndpoint(t, e, bob, "weather", 1, false)

	mustRecord(t, e, Usage{RecordID: "rec-1", User: alice, Endpoint: "weather", RequestCount: 95})

	if _, err := e.RecordUsage(gateway, Usage{RecordID: "rec-2", User: alice, Endpoint: "weather", RequestCount: 10}); !fault.IsKind(err, fault.LimitExceeded) {
		t.Fatalf("over limit = %v, want LimitExceeded", err)
	}
	// A rejected record reserves nothing.
	mustRecord(t, e, Usage{RecordID: "rec-3", User: alice, Endpoint: "weather", RequestCount: 5})

	u, _ := e.User(alice)
	if u.CurrentMonthUsage != 100 {
		t.Errorf("month usage = %d, want 100", u.CurrentMonthUsage)
	}
}

func TestMonthlyLimitZeroIsUnlimited(t *testing.T) {
	e := newTestEngine(250)
	mustRegisterUser(t, e, alice, 0)
	mustRegisterEndpoint(t, e, bob, "weather", 1, false)

	mustRecord(t, e, Usage{RecordID: "rec-1", User: alice, Endpoint: "weather", RequestCount: 1 << 40})
	mustRecord(t, e, Usage{RecordID: "rec-2", User: alice, Endpoint: "weather", RequestCount: 1 << 40})
}

func TestSettle(t *testing.T) {
	e := newTestEngine(250)
	mustRegisterUser(t, e, alice, 0)
	mustRegisterEndpoint(t, e, bob, "weather", 100, false)

	mustRecord(t, e, Usage{RecordID: "rec-1", User: alice, Endpoint: "weather", RequestCount: 4})

	s, err := e.Settle(gateway, "rec-1")
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if s.Payer != alice || s.Payee != bob {
		t.Errorf("settlement parties = %s -> %s", s.Payer, s.Payee)
	}
	if s.TotalCost != 400 || s.PlatformFee != 10 || s.PayeeAmount != 390 {
		t.Errorf("settlement split = %+v", s)
	}

	u, _ := e.User(alice)
	if u.OutstandingBalance != 0 {
		t.Errorf("outstanding = %d, want 0", u.OutstandingBalance)
	}
	if u.TotalSpent != 400 {
		t.Errorf("total spent = %d, want 400", u.TotalSpent)
	}
	ep, _ := e.Endpoint("weather")
	if ep.TotalRevenue != 390 {
		t.Errorf("endpoint revenue = %d, want 390", ep.TotalRevenue)
	}
	rec, _ := e.Record("rec-1")
	if !rec.IsPaid {
		t.Error("record should be paid")
	}

	if _, err := e.Settle(gateway, "rec-1"); !fault.IsKind(err, fault.AlreadyFinalized) {
		t.Errorf("second settle = %v, want AlreadyFinalized", err)
	}
	if _, err := e.Settle(gateway, "rec-404"); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("unknown record = %v, want NotFound", err)
	}
	if _, err := e.Settle(alice, "rec-1"); !fault.IsKind(err, fault.Unauthorized) {
		t.Errorf("non-recorder settle = %v, want Unauthorized", err)
	}
}

func TestOutstandingBalanceInvariant(t *testing.T) {
	e := newTestEngine(250)
	mustRegisterUser(t, e, alice, 0)
	mustRegisterEndpoint(t, e, bob, "weather", 7, false)

	for i := 0; i < 10; i++ {
		mustRecord(t, e, Usage{
			RecordID:     fmt.Sprintf("rec-%d", i),
			User:         alice,
			Endpoint:     "weather",
			RequestCount: int64(i + 1),
		})
	}
	for i := 0; i < 5; i++ {
		if _, err := e.Settle(gateway, fmt.Sprintf("rec-%d", i)); err != nil {
			t.Fatalf("Settle rec-%d failed: %v", i, err)
		}
	}

	u, _ := e.User(alice)
	if got := e.OutstandingFor(alice); got != u.OutstandingBalance {
		t.Errorf("recomputed outstanding %d != tracked %d", got, u.OutstandingBalance)
	}
}

func TestGenerateBillOrdering(t *testing.T) {
	e := newTestEngine(250)
	mustRegisterUser(t, e, alice, 0)
	mustRegisterEndpoint(t, e, bob, "weather", 10, false)
	mustRegisterEndpoint(t, e, bob, "geo", 20, false)

	// Interleave records across endpoints; the bill groups by endpoint
	// registration order, chronological within each.
	mustRecord(t, e, Usage{RecordID: "geo-1", User: alice, Endpoint: "geo", RequestCount: 1})
	mustRecord(t, e, Usage{RecordID: "weather-1", User: alice, Endpoint: "weather", RequestCount: 1})
	mustRecord(t, e, Usage{RecordID: "geo-2", User: alice, Endpoint: "geo", RequestCount: 1})
	mustRecord(t, e, Usage{RecordID: "weather-2", User: alice, Endpoint: "weather", RequestCount: 1})

	if _, err := e.Settle(gateway, "geo-1"); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}

	bill, err := e.GenerateBill(alice)
	if err != nil {
		t.Fatalf("GenerateBill failed: %v", err)
	}
	if bill.Total != 40 {
		t.Errorf("total = %d, want 40", bill.Total)
	}
	if bill.PlatformFee != 1 {
		t.Errorf("fee = %d, want 1", bill.PlatformFee)
	}
	want := []string{"weather-1", "weather-2", "geo-2"}
	if len(bill.UnpaidRecordIDs) != len(want) {
		t.Fatalf("unpaid ids = %v, want %v", bill.UnpaidRecordIDs, want)
	}
	for i, id := range want {
		if bill.UnpaidRecordIDs[i] != id {
			t.Errorf("unpaid[%d] = %s, want %s", i, bill.UnpaidRecordIDs[i], id)
		}
	}

	if _, err := e.GenerateBill(carol); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("unknown user bill = %v, want NotFound", err)
	}
}

func TestResetMonthlyUsage(t *testing.T) {
	e := newTestEngine(250)
	mustRegisterUser(t, e, alice, 100)
	mustRegisterUser(t, e, bob, 100)
	mustRegisterEndpoint(t, e, carol, "weather", 1, false)

	mustRecord(t, e, Usage{RecordID: "rec-a", User: alice, Endpoint: "weather", RequestCount: 10})
	mustRecord(t, e, Usage{RecordID: "rec-b", User: bob, Endpoint: "weather", RequestCount: 20})

	if _, err := e.ResetMonthlyUsage(alice, alice); !fault.IsKind(err, fault.Unauthorized) {
		t.Fatalf("non-owner reset = %v, want Unauthorized", err)
	}

	// Unregistered principals in the batch are skipped, not errors.
	reset, err := e.ResetMonthlyUsage(platform, alice, "mallory", bob)
	if err != nil {
		t.Fatalf("ResetMonthlyUsage failed: %v", err)
	}
	if reset != 2 {
		t.Errorf("reset = %d, want 2", reset)
	}
	for _, user := range []auth.Principal{alice, bob} {
		if u, _ := e.User(user); u.CurrentMonthUsage != 0 {
			t.Errorf("%s month usage = %d, want 0", user, u.CurrentMonthUsage)
		}
	}
}
