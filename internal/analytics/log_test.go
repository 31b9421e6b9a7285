package analytics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tollgate/tollgate/internal/fault"
)

// seedLogs records n events one second apart starting at base and returns
// the request ids oldest-first.
func seedLogs(a *Analytics, n int, base time.Time) []string {
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("req-%03d", i)
		ids[i] = id
		a.RecordEvent(alice, "weather", id, 10, 200, "", base.Add(time.Duration(i)*time.Second))
	}
	return ids
}

func TestRecentLogsOrderAndClamp(t *testing.T) {
	a := New()
	ids := seedLogs(a, 5, time.Unix(1_700_000_000, 0))

	got, err := a.RecentLogs(3, 0)
	if err != nil {
		t.Fatalf("RecentLogs: %v", err)
	}
	want := []string{ids[4], ids[3], ids[2]}
	for i, e := range got {
		if e.RequestID != want[i] {
			t.Errorf("entry %d = %s, want %s", i, e.RequestID, want[i])
		}
	}

	// Offset skips from the newest end.
	got, err = a.RecentLogs(2, 2)
	if err != nil {
		t.Fatalf("RecentLogs with offset: %v", err)
	}
	if got[0].RequestID != ids[2] || got[1].RequestID != ids[1] {
		t.Errorf("offset page = %s,%s, want %s,%s", got[0].RequestID, got[1].RequestID, ids[2], ids[1])
	}

	// Count past the oldest entry clamps rather than failing.
	got, err = a.RecentLogs(100, 3)
	if err != nil {
		t.Fatalf("RecentLogs clamped: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("clamped page has %d entries, want 2", len(got))
	}
}

func TestRecentLogsArguments(t *testing.T) {
	a := New()
	seedLogs(a, 3, time.Unix(1_700_000_000, 0))

	cases := []struct {
		name          string
		count, offset int
	}{
		{"zero count", 0, 0},
		{"negative count", -1, 0},
		{"negative offset", 5, -1},
		{"offset at length", 5, 3},
		{"offset past length", 5, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := a.RecentLogs(tc.count, tc.offset); !fault.IsKind(err, fault.InvalidArgument) {
				t.Errorf("RecentLogs(%d, %d) = %v, want InvalidArgument", tc.count, tc.offset, err)
			}
		})
	}
}

func TestLogByID(t *testing.T) {
	a := New()
	ids := seedLogs(a, 3, time.Unix(1_700_000_000, 0))

	e, err := a.LogByID(ids[1])
	if err != nil {
		t.Fatalf("LogByID: %v", err)
	}
	if e.RequestID != ids[1] || e.Endpoint != "weather" {
		t.Errorf("entry = %+v", e)
	}

	_, err = a.LogByID("no-such-request")
	if !fault.IsKind(err, fault.NotFound) {
		t.Errorf("unknown id error = %v, want NotFound", err)
	}
	var fe *fault.Error
	if !errors.As(err, &fe) {
		t.Fatalf("error is not a fault: %v", err)
	}
}

func TestCleanupStrictlyOlderThan(t *testing.T) {
	a := New()
	base := time.Unix(1_700_000_000, 0)
	ids := seedLogs(a, 5, base)

	// Entries at base+0 and base+1 are strictly older than base+2; the
	// entry at exactly base+2 survives.
	removed := a.Cleanup(base.Unix() + 2)
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if a.LogLen() != 3 {
		t.Fatalf("LogLen = %d, want 3", a.LogLen())
	}

	// The index stays consistent through the compaction swaps.
	for _, id := range ids[2:] {
		e, err := a.LogByID(id)
		if err != nil {
			t.Errorf("LogByID(%s) after cleanup: %v", id, err)
			continue
		}
		if e.RequestID != id {
			t.Errorf("index points at %s, want %s", e.RequestID, id)
		}
	}
	for _, id := range ids[:2] {
		if _, err := a.LogByID(id); !fault.IsKind(err, fault.NotFound) {
			t.Errorf("LogByID(%s) = %v, want NotFound", id, err)
		}
	}

	// Running again with the same cutoff is a no-op.
	if removed := a.Cleanup(base.Unix() + 2); removed != 0 {
		t.Errorf("second cleanup removed %d, want 0", removed)
	}
}
