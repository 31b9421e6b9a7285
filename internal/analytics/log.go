package analytics

import (
	"github.com/tollgate/tollgate/internal/auth"
	"github.com/tollgate/tollgate/internal/fault"
)

// LogEntry is one archived request outcome. Timestamps are unix seconds.
type LogEntry struct {
	User         auth.Principal `json:"user"`
	Endpoint     string         `json:"endpoint"`
	Timestamp    int64          `json:"timestamp"`
	RequestID    string         `json:"request_id"`
	ResponseTime int64          `json:"response_time_ms"`
	StatusCode   int            `json:"status_code"`
	IPHash       string         `json:"ip_hash"`
}

// appendLogLocked appends an entry oldest-first and indexes it by request
// id. Must be called with a.mu held.
func (a *Analytics) appendLogLocked(e LogEntry) {
	a.logIndex[e.RequestID] = len(a.logs)
	a.logs = append(a.logs, e)
}

// LogByID returns the archived entry for a request id in O(1).
func (a *Analytics) LogByID(requestID string) (LogEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i, ok := a.logIndex[requestID]
	if !ok {
		return LogEntry{}, fault.Errorf(fault.NotFound, "analytics.log", "request %q not found", requestID)
	}
	return a.logs[i], nil
}

// LogLen returns the current archive length.
func (a *Analytics) LogLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.logs)
}

// RecentLogs returns up to count entries most-recent-first, skipping offset
// entries from the newest end. It fails with InvalidArgument when offset is
// at or past the archive length; the other end of the slice is clamped to
// the archive instead of failing.
func (a *Analytics) RecentLogs(count, offset int) ([]LogEntry, error) {
	const op = "analytics.recent_logs"
	if count <= 0 {
		return nil, fault.Errorf(fault.InvalidArgument, op, "count must be positive, got %d", count)
	}
	if offset < 0 {
		return nil, fault.Errorf(fault.InvalidArgument, op, "offset must be non-negative, got %d", offset)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if offset >= len(a.logs) {
		return nil, fault.Errorf(fault.InvalidArgument, op, "offset %d out of range for %d entries", offset, len(a.logs))
	}

	start := len(a.logs) - 1 - offset
	out := make([]LogEntry, 0, count)
	for i := start; i >= 0 && len(out) < count; i-- {
		out = append(out, a.logs[i])
	}
	return out, nil
}

// Cleanup removes entries strictly older than before (unix seconds) using
// swap-and-pop compaction. Relative order of surviving entries is not
// preserved; the request-id index is maintained through every swap. Returns
// the number of entries removed.
func (a *Analytics) Cleanup(before int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for i := 0; i < len(a.logs); {
		if a.logs[i].Timestamp >= before {
			i++
			continue
		}
		delete(a.logIndex, a.logs[i].RequestID)
		last := len(a.logs) - 1
		if i != last {
			a.logs[i] = a.logs[last]
			a.logIndex[a.logs[i].RequestID] = i
		}
		a.logs = a.logs[:last]
		removed++
	}
	return removed
}
