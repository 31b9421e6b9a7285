package billing

import (
	"github.com/tollgate/tollgate/internal/auth"
	"github.com/tollgate/tollgate/internal/event"
	"github.com/tollgate/tollgate/internal/fault"
)

// Usage is the input to RecordUsage.
type Usage struct {
	RecordID        string         `json:"record_id"`
	User            auth.Principal `json:"user"`
	Endpoint        string         `json:"endpoint"`
	RequestCount    int64          `json:"request_count"`
	ResponseTime    int64          `json:"response_time_ms"`
	DataTransferred int64          `json:"data_transferred"`
}

// RecordUsage bills a usage event against the user's account. The record id
// is the idempotency key: re-submitting the same id is rejected with
// Duplicate and has no further effect on balances or aggregates. Cost is
// requestCount times the endpoint price, truncating integer arithmetic.
func (e *Engine) RecordUsage(caller auth.Principal, in Usage) (UsageRecord, error) {
	const op = "billing.record_usage"
	if in.RecordID == "" {
		return UsageRecord{}, fault.New(fault.InvalidArgument, op, "record id required")
	}
	if in.RequestCount <= 0 {
		return UsageRecord{}, fault.Errorf(fault.InvalidArgument, op, "request count must be positive, got %d", in.RequestCount)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.canRecord(caller) {
		return UsageRecord{}, fault.Errorf(fault.Unauthorized, op, "caller %s is not a usage recorder", caller)
	}
	ep, ok := e.endpoints[in.Endpoint]
	if !ok {
		return UsageRecord{}, fault.Errorf(fault.NotFound, op, "endpoint %q not found", in.Endpoint)
	}
	if !ep.Active {
		return UsageRecord{}, fault.Errorf(fault.Inactive, op, "endpoint %q is disabled", in.Endpoint)
	}
	if ep.RequiresAuth {
		if _, granted := e.grants[grantKey{endpoint: in.Endpoint, user: in.User}]; !granted {
			return UsageRecord{}, fault.Errorf(fault.Unauthorized, op, "user %s is not authorized for endpoint %q", in.User, in.Endpoint)
		}
	}
	u, ok := e.users[in.User]
	if !ok {
		return UsageRecord{}, fault.Errorf(fault.NotFound, op, "user %s not registered", in.User)
	}
	if !u.Active {
		return UsageRecord{}, fault.Errorf(fault.Inactive, op, "user %s is disabled", in.User)
	}
	if _, exists := e.records[in.RecordID]; exists {
		return UsageRecord{}, fault.Errorf(fault.Duplicate, op, "usage record %q already exists", in.RecordID)
	}
	if u.MonthlyLimit > 0 && u.CurrentMonthUsage+in.RequestCount > u.MonthlyLimit {
		return UsageRecord{}, fault.Errorf(fault.LimitExceeded, op,
			"monthly limit %d exceeded: used %d, requested %d", u.MonthlyLimit, u.CurrentMonthUsage, in.RequestCount)
	}

	cost := in.RequestCount * ep.PricePerRequest
	rec := &UsageRecord{
		ID:           in.RecordID,
		User:         in.User,
		Endpoint:     in.Endpoint,
		RequestCount: in.RequestCount,
		TotalCost:    cost,
		Timestamp:    e.now(),
	}
	e.records[in.RecordID] = rec
	e.recordOrder[in.Endpoint] = append(e.recordOrder[in.Endpoint], in.RecordID)
	ep.TotalRequests += in.RequestCount
	u.CurrentMonthUsage += in.RequestCount
	u.OutstandingBalance += cost

	e.bus.Publish(event.Event{
		Type:    "billing.usage_recorded",
		Actor:   string(caller),
		Subject: in.RecordID,
		Amount:  cost,
		Count:   in.RequestCount,
		At:      rec.Timestamp.Unix(),
	})
	return *rec, nil
}

// Settlement is the outcome of settling one usage record.
type Settlement struct {
	RecordID    string         `json:"record_id"`
	Payer       auth.Principal `json:"payer"`
	Payee       auth.Principal `json:"payee"`
	TotalCost   int64          `json:"total_cost"`
	PlatformFee int64          `json:"platform_fee"`
	PayeeAmount int64          `json:"payee_amount"`
}

// Settle marks a usage record paid and splits its cost into the platform
// fee (feeBps basis points, truncating) and the payee amount. Settle does
// not move ledger funds: the payments caller must have instructed the
// ledger to transfer before or while calling Settle, and it is that caller
// that must treat the pair as one logical transaction.
func (e *Engine) Settle(caller auth.Principal, recordID string) (Settlement, error) {
	const op = "billing.settle"

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.canRecord(caller) {
		return Settlement{}, fault.Errorf(fault.Unauthorized, op, "caller %s is not a settlement caller", caller)
	}
	rec, ok := e.records[recordID]
	if !ok {
		return Settlement{}, fault.Errorf(fault.NotFound, op, "usage record %q not found", recordID)
	}
	if rec.IsPaid {
		return Settlement{}, fault.Errorf(fault.AlreadyFinalized, op, "usage record %q already settled", recordID)
	}

	fee := rec.TotalCost * e.feeBps / 10000
	s := Settlement{
		RecordID:    recordID,
		Payer:       rec.User,
		Payee:       e.endpoints[rec.Endpoint].Owner,
		TotalCost:   rec.TotalCost,
		PlatformFee: fee,
		PayeeAmount: rec.TotalCost - fee,
	}

	rec.IsPaid = true
	u := e.users[rec.User]
	u.OutstandingBalance -= rec.TotalCost
	u.TotalSpent += rec.TotalCost
	e.endpoints[rec.Endpoint].TotalRevenue += s.PayeeAmount

	e.bus.Publish(event.Event{
		Type:    "billing.settled",
		Actor:   string(caller),
		Subject: recordID,
		Amount:  s.TotalCost,
		At:      e.now().Unix(),
	})
	return s, nil
}

// Bill summarizes a user's outstanding usage.
type Bill struct {
	User            auth.Principal `json:"user"`
	Total           int64          `json:"total"`
	PlatformFee     int64          `json:"platform_fee"`
	UnpaidRecordIDs []string       `json:"unpaid_record_ids"`
}

// GenerateBill returns the user's total outstanding cost, the derived
// platform fee, and the unpaid record ids. Ids are ordered by endpoint
// registration order, then chronologically within each endpoint. The scan
// is two-pass, counting before collecting, so the result slice is allocated
// at its exact final size.
func (e *Engine) GenerateBill(user auth.Principal) (Bill, error) {
	const op = "billing.generate_bill"

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.users[user]; !ok {
		return Bill{}, fault.Errorf(fault.NotFound, op, "user %s not registered", user)
	}

	// First pass: count.
	unpaid := 0
	for _, epID := range e.endpointOrder {
		for _, recID := range e.recordOrder[epID] {
			rec := e.records[recID]
			if rec.User == user && !rec.IsPaid {
				unpaid++
			}
		}
	}

	// Second pass: collect.
	bill := Bill{User: user, UnpaidRecordIDs: make([]string, 0, unpaid)}
	for _, epID := range e.endpointOrder {
		for _, recID := range e.recordOrder[epID] {
			rec := e.records[recID]
			if rec.User == user && !rec.IsPaid {
				bill.Total += rec.TotalCost
				bill.UnpaidRecordIDs = append(bill.UnpaidRecordIDs, recID)
			}
		}
	}
	bill.PlatformFee = bill.Total * e.feeBps / 10000
	return bill, nil
}

// ResetMonthlyUsage zeroes the month counter for the given users. Owner-only
// and batchable; unregistered principals in the batch are skipped silently.
// Returns the number of accounts actually reset.
func (e *Engine) ResetMonthlyUsage(caller auth.Principal, users ...auth.Principal) (int, error) {
	const op = "billing.reset_monthly_usage"

	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.owner {
		return 0, fault.Errorf(fault.Unauthorized, op, "caller %s is not the platform owner", caller)
	}
	reset := 0
	for _, user := range users {
		if u, ok := e.users[user]; ok {
			u.CurrentMonthUsage = 0
			reset++
		}
	}

	if reset > 0 {
		e.bus.Publish(event.Event{
			Type:  "billing.monthly_usage_reset",
			Actor: string(caller),
			Count: int64(reset),
			At:    e.now().Unix(),
		})
	}
	return reset, nil
}

// OutstandingFor returns the sum of TotalCost over the user's unpaid
// records, recomputed from the records themselves. It exists so tests and
// reconciliation jobs can verify the OutstandingBalance invariant.
func (e *Engine) OutstandingFor(user auth.Principal) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var sum int64
	for _, rec := range e.records {
		if rec.User == user && !rec.IsPaid {
			sum += rec.TotalCost
		}
	}
	return sum
}
