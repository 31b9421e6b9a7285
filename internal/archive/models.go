// Package archive is the durable persistence collaborator: it drains request
// outcomes into Postgres in batches and serves the historical queries that
// the in-memory engine does not keep (per-period summaries, paginated
// listings). The engine remains authoritative for live balances and
// aggregates; the archive is write-behind.
package archive

import "time"

// Row is one archived request outcome.
type Row struct {
	RequestID    string    `json:"request_id"`
	User         string    `json:"user"`
	Endpoint     string    `json:"endpoint"`
	Timestamp    time.Time `json:"timestamp"`
	RequestCount int64     `json:"request_count"`
	ResponseTime int64     `json:"response_time_ms"`
	StatusCode   int       `json:"status_code"`
	Cost         int64     `json:"cost"`
	Billed       bool      `json:"billed"`
	IPHash       string    `json:"ip_hash"`
}

// Summary holds aggregate metrics for a set of archived rows.
type Summary struct {
	TotalRequests int64 `json:"total_requests"`
	TotalCost     int64 `json:"total_cost"`
	BilledCount   int64 `json:"billed_count"`
	ErrorCount    int64 `json:"error_count"`
	AvgLatencyMs  int64 `json:"avg_latency_ms"`
}

// Query defines filters and pagination for querying archived rows.
type Query struct {
	User     string    `json:"user,omitempty"`
	Endpoint string    `json:"endpoint,omitempty"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Cursor   string    `json:"cursor,omitempty"`
	Limit    int       `json:"limit"`
}
