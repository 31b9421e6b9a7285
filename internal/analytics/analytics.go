// Package analytics owns the running per-endpoint and per-user statistics
// and the request-log archive. Aggregates are updated monotonically as
// events arrive and are never recomputed from raw logs at read time; the
// integer running-average update is deliberately exact-by-construction so
// reimplementations do not drift.
package analytics

import (
	"sync"
	"time"

	"github.com/tollgate/tollgate/internal/auth"
)

// secondsPerDay buckets timestamps into UTC days: ts/86400*86400.
const secondsPerDay = 86400

// DayBucket returns the daily-bucket key for a unix-second timestamp.
func DayBucket(ts int64) int64 {
	return ts / secondsPerDay * secondsPerDay
}

// endpointStats is the mutable per-endpoint aggregate.
type endpointStats struct {
	totalRequests   int64
	uniqueUsers     map[auth.Principal]struct{}
	avgResponseTime int64 // integer running mean, ms
	errorRateBps    int64 // basis points
	daily           map[int64]int64
}

// userStats is the mutable per-user aggregate.
type userStats struct {
	totalRequests   int64
	endpointsUsed   map[string]struct{}
	avgResponseTime int64
	errorRateBps    int64
	daily           map[int64]int64
}

// EndpointStats is the read-side snapshot of an endpoint's aggregates.
type EndpointStats struct {
	TotalRequests   int64 `json:"total_requests"`
	UniqueUsers     int64 `json:"unique_users"`
	AvgResponseTime int64 `json:"avg_response_time_ms"`
	ErrorRateBps    int64 `json:"error_rate_bps"`
}

// UserStats is the read-side snapshot of a user's aggregates.
type UserStats struct {
	TotalRequests   int64 `json:"total_requests"`
	UniqueEndpoints int64 `json:"unique_endpoints"`
	AvgResponseTime int64 `json:"avg_response_time_ms"`
	ErrorRateBps    int64 `json:"error_rate_bps"`
}

// Analytics aggregates request events and archives their logs. Updates are
// independent of billing outcome: a request is analyzed even if billing
// later rejects it.
type Analytics struct {
	mu        sync.Mutex
	endpoints map[string]*endpointStats
	users     map[auth.Principal]*userStats

	logs     []LogEntry
	logIndex map[string]int // request id -> position in logs
}

// New creates an empty Analytics store.
func New() *Analytics {
	return &Analytics{
		endpoints: make(map[string]*endpointStats),
		users:     make(map[auth.Principal]*userStats),
		logIndex:  make(map[string]int),
	}
}

// RecordEvent folds one request outcome into the endpoint and user
// aggregates and appends it to the request log.
//
// The running mean uses integer arithmetic at every step:
//
//	avg_n = (avg_{n-1}*(n-1) + responseTime) / n
//
// Truncation error therefore depends on arrival order; that bias is part of
// the recorded contract and tests pin exact small-n values. The error rate
// is carried the same way: the implied error count is derived back from the
// previous rate, adjusted, and re-encoded in basis points.
func (a *Analytics) RecordEvent(user auth.Principal, endpoint, requestID string, responseTime int64, statusCode int, ipHash string, now time.Time) {
	isError := statusCode >= 400
	ts := now.Unix()
	day := DayBucket(ts)

	a.mu.Lock()
	defer a.mu.Unlock()

	es, ok := a.endpoints[endpoint]
	if !ok {
		es = &endpointStats{
			uniqueUsers: make(map[auth.Principal]struct{}),
			daily:       make(map[int64]int64),
		}
		a.endpoints[endpoint] = es
	}
	n := es.totalRequests + 1
	es.avgResponseTime = runningMean(es.avgResponseTime, es.totalRequests, responseTime)
	es.errorRateBps = runningErrorRate(es.errorRateBps, es.totalRequests, isError)
	es.totalRequests = n
	es.uniqueUsers[user] = struct{}{}
	es.daily[day]++

	us, ok := a.users[user]
	if !ok {
		us = &userStats{
			endpointsUsed: make(map[string]struct{}),
			daily:         make(map[int64]int64),
		}
		a.users[user] = us
	}
	us.avgResponseTime = runningMean(us.avgResponseTime, us.totalRequests, responseTime)
	us.errorRateBps = runningErrorRate(us.errorRateBps, us.totalRequests, isError)
	us.totalRequests++
	us.endpointsUsed[endpoint] = struct{}{}
	us.daily[day]++

	a.appendLogLocked(LogEntry{
		User:         user,
		Endpoint:     endpoint,
		Timestamp:    ts,
		RequestID:    requestID,
		ResponseTime: responseTime,
		StatusCode:   statusCode,
		IPHash:       ipHash,
	})
}

// runningMean folds one sample into an integer running mean over prev
// samples, truncating at each step.
func runningMean(mean, prev, sample int64) int64 {
	return (mean*prev + sample) / (prev + 1)
}

// runningErrorRate folds one outcome into a basis-point error rate over
// prev samples. The implied error count is reconstructed from the previous
// rate rather than tracked separately, matching the aggregate's storage
// contract.
func runningErrorRate(rateBps, prev int64, isError bool) int64 {
	errorCount := rateBps * prev / 10000
	if isError {
		errorCount++
	}
	return errorCount * 10000 / (prev + 1)
}

// EndpointStats returns a snapshot of an endpoint's aggregates. Unknown
// endpoints report zeroes.
func (a *Analytics) EndpointStats(endpoint string) EndpointStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	es, ok := a.endpoints[endpoint]
	if !ok {
		return EndpointStats{}
	}
	return EndpointStats{
		TotalRequests:   es.totalRequests,
		UniqueUsers:     int64(len(es.uniqueUsers)),
		AvgResponseTime: es.avgResponseTime,
		ErrorRateBps:    es.errorRateBps,
	}
}

// UserStats returns a snapshot of a user's aggregates. Unknown users report
// zeroes.
func (a *Analytics) UserStats(user auth.Principal) UserStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	us, ok := a.users[user]
	if !ok {
		return UserStats{}
	}
	return UserStats{
		TotalRequests:   us.totalRequests,
		UniqueEndpoints: int64(len(us.endpointsUsed)),
		AvgResponseTime: us.avgResponseTime,
		ErrorRateBps:    us.errorRateBps,
	}
}

// DailyUsage returns the request count for an endpoint in the UTC day
// containing ts.
func (a *Analytics) DailyUsage(endpoint string, ts int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if es, ok := a.endpoints[endpoint]; ok {
		return es.daily[DayBucket(ts)]
	}
	return 0
}

// UserDailyUsage returns the request count for a user in the UTC day
// containing ts.
func (a *Analytics) UserDailyUsage(user auth.Principal, ts int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if us, ok := a.users[user]; ok {
		return us.daily[DayBucket(ts)]
	}
	return 0
}

// HasUsed reports whether the user has ever hit the endpoint. This is the
// membership set behind unique-user counting; the count is always
// len(set), never a separately maintained counter.
func (a *Analytics) HasUsed(user auth.Principal, endpoint string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if es, ok := a.endpoints[endpoint]; ok {
		_, used := es.uniqueUsers[user]
		return used
	}
	return false
}
