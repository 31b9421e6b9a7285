// Package billing owns user accounts, the endpoint registry, and usage
// records. It computes usage cost, enforces monthly caps, and tracks each
// user's outstanding balance; actual fund movement stays in the ledger.
package billing

import (
	"sync"
	"time"

	"github.com/tollgate/tollgate/internal/auth"
	"github.com/tollgate/tollgate/internal/event"
	"github.com/tollgate/tollgate/internal/fault"
)

// MaxFeeBps caps the platform fee at 10%.
const MaxFeeBps = 1000

// UserAccount is the billing-side view of a user.
type UserAccount struct {
	Principal auth.Principal `json:"principal"`
	// MonthlyLimit caps requests per billing month; zero means unlimited.
	MonthlyLimit      int64     `json:"monthly_limit"`
	CurrentMonthUsage int64     `json:"current_month_usage"`
	TotalSpent        int64     `json:"total_spent"`
	// OutstandingBalance equals the sum of TotalCost over the user's
	// unpaid usage records at all times.
	OutstandingBalance int64     `json:"outstanding_balance"`
	Active             bool      `json:"active"`
	RegisteredAt       time.Time `json:"registered_at"`
}

// Endpoint is a priced, registered API endpoint.
type Endpoint struct {
	ID              string         `json:"id"`
	Owner           auth.Principal `json:"owner"`
	PricePerRequest int64          `json:"price_per_request"`
	Active          bool           `json:"active"`
	RequiresAuth    bool           `json:"requires_auth"`
	TotalRequests   int64          `json:"total_requests"`
	TotalRevenue    int64          `json:"total_revenue"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// UsageRecord is one billed usage event. The caller-chosen id makes
// recording idempotent: the same logical event can be retried safely and is
// billed at most once.
type UsageRecord struct {
	ID           string         `json:"id"`
	User         auth.Principal `json:"user"`
	Endpoint     string         `json:"endpoint"`
	RequestCount int64          `json:"request_count"`
	TotalCost    int64          `json:"total_cost"`
	Timestamp    time.Time      `json:"timestamp"`
	IsPaid       bool           `json:"is_paid"`
}

// grantKey identifies one (endpoint, user) authorization. The authorized
// set lives in its own relation rather than nested inside Endpoint.
type grantKey struct {
	endpoint string
	user     auth.Principal
}

// Config configures an Engine.
type Config struct {
	// FeeBps is the platform fee in basis points, at most MaxFeeBps.
	FeeBps int64
	// Owner is the platform operator principal; admin operations are
	// owner-only.
	Owner auth.Principal
	// Recorders are the callers allowed to record usage and settle, in
	// addition to the owner.
	Recorders auth.Allowlist
	// Bus receives an event for every state-changing operation. May be nil.
	Bus *event.Bus
}

// Engine is the billing state machine.
type Engine struct {
	mu            sync.Mutex
	users         map[auth.Principal]*UserAccount
	endpoints     map[string]*Endpoint
	endpointOrder []string // registration order, drives bill ordering
	grants        map[grantKey]struct{}
	records       map[string]*UsageRecord
	recordOrder   map[string][]string // endpoint -> chronological record ids

	feeBps    int64
	owner     auth.Principal
	recorders auth.Allowlist
	bus       *event.Bus
	now       func() time.Time // injectable clock for testing
}

// New creates an Engine. A FeeBps above MaxFeeBps is clamped to the cap.
func New(cfg Config) *Engine {
	fee := cfg.FeeBps
	if fee < 0 {
		fee = 0
	}
	if fee > MaxFeeBps {
		fee = MaxFeeBps
	}
	return &Engine{
		users:       make(map[auth.Principal]*UserAccount),
		endpoints:   make(map[string]*Endpoint),
		grants:      make(map[grantKey]struct{}),
		records:     make(map[string]*UsageRecord),
		recordOrder: make(map[string][]string),
		feeBps:      fee,
		owner:       cfg.Owner,
		recorders:   cfg.Recorders,
		bus:         cfg.Bus,
		now:         time.Now,
	}
}

// canRecord reports whether p may record usage or settle records.
// Must be called with e.mu held.
func (e *Engine) canRecord(p auth.Principal) bool {
	return p == e.owner || e.recorders.Allows(p)
}

// RegisterUser creates a billing account for a principal. Registration is
// once per principal; monthlyLimit of zero means unlimited.
func (e *Engine) RegisterUser(user auth.Principal, monthlyLimit int64) error {
	const op = "billing.register_user"
	if user == "" {
		return fault.New(fault.InvalidArgument, op, "user required")
	}
	if monthlyLimit < 0 {
		return fault.Errorf(fault.InvalidArgument, op, "monthly limit must be non-negative, got %d", monthlyLimit)
	}

	// Publishing inside the critical section keeps bus order equal to
	// operation completion order. Same convention as the ledger.
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.users[user]; exists {
		return fault.Errorf(fault.Duplicate, op, "user %s already registered", user)
	}
	now := e.now()
	e.users[user] = &UserAccount{
		Principal:    user,
		MonthlyLimit: monthlyLimit,
		Active:       true,
		RegisteredAt: now,
	}

	e.bus.Publish(event.Event{
		Type:    "billing.user_registered",
		Actor:   string(user),
		Subject: string(user),
		At:      now.Unix(),
	})
	return nil
}

// SetUserActive enables or disables a user. Owner-only.
func (e *Engine) SetUserActive(caller, user auth.Principal, active bool) error {
	const op = "billing.set_user_active"

	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.owner {
		return fault.Errorf(fault.Unauthorized, op, "caller %s is not the platform owner", caller)
	}
	u, ok := e.users[user]
	if !ok {
		return fault.Errorf(fault.NotFound, op, "user %s not registered", user)
	}
	u.Active = active

	e.bus.Publish(event.Event{
		Type:    "billing.user_active_set",
		Actor:   string(caller),
		Subject: string(user),
		At:      e.now().Unix(),
	})
	return nil
}

// RegisterEndpoint registers a priced endpoint under a caller-chosen id.
// Ids are single-use; there is no re-registration.
func (e *Engine) RegisterEndpoint(owner auth.Principal, id string, pricePerRequest int64, requiresAuth bool) error {
	const op = "billing.register_endpoint"
	if id == "" {
		return fault.New(fault.InvalidArgument, op, "endpoint id required")
	}
	if owner == "" {
		return fault.New(fault.InvalidArgument, op, "owner required")
	}
	if pricePerRequest < 0 {
		return fault.Errorf(fault.InvalidArgument, op, "price must be non-negative, got %d", pricePerRequest)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.endpoints[id]; exists {
		return fault.Errorf(fault.Duplicate, op, "endpoint %q already registered", id)
	}
	now := e.now()
	e.endpoints[id] = &Endpoint{
		ID:              id,
		Owner:           owner,
		PricePerRequest: pricePerRequest,
		Active:          true,
		RequiresAuth:    requiresAuth,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	e.endpointOrder = append(e.endpointOrder, id)

	e.bus.Publish(event.Event{
		Type:    "billing.endpoint_registered",
		Actor:   string(owner),
		Subject: id,
		Amount:  pricePerRequest,
		At:      now.Unix(),
	})
	return nil
}

// UpdateEndpointInput holds the optional fields of an endpoint update; only
// non-nil fields are applied.
type UpdateEndpointInput struct {
	PricePerRequest *int64 `json:"price_per_request"`
	Active          *bool  `json:"active"`
	RequiresAuth    *bool  `json:"requires_auth"`
}

// UpdateEndpoint applies a partial update. Only the endpoint owner may
// mutate it.
func (e *Engine) UpdateEndpoint(caller auth.Principal, id string, in UpdateEndpointInput) error {
	const op = "billing.update_endpoint"
	if in.PricePerRequest != nil && *in.PricePerRequest < 0 {
		return fault.Errorf(fault.InvalidArgument, op, "price must be non-negative, got %d", *in.PricePerRequest)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ep, ok := e.endpoints[id]
	if !ok {
		return fault.Errorf(fault.NotFound, op, "endpoint %q not found", id)
	}
	if caller != ep.Owner {
		return fault.Errorf(fault.Unauthorized, op, "caller %s does not own endpoint %q", caller, id)
	}
	if in.PricePerRequest != nil {
		ep.PricePerRequest = *in.PricePerRequest
	}
	if in.Active != nil {
		ep.Active = *in.Active
	}
	if in.RequiresAuth != nil {
		ep.RequiresAuth = *in.RequiresAuth
	}
	ep.UpdatedAt = e.now()

	e.bus.Publish(event.Event{
		Type:    "billing.endpoint_updated",
		Actor:   string(caller),
		Subject: id,
		At:      ep.UpdatedAt.Unix(),
	})
	return nil
}

// AuthorizeUser grants or revokes a user's access to an auth-required
// endpoint. Only the endpoint owner may change the authorized set.
func (e *Engine) AuthorizeUser(caller auth.Principal, endpoint string, user auth.Principal, allowed bool) error {
	const op = "billing.authorize_user"
	if user == "" {
		return fault.New(fault.InvalidArgument, op, "user required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ep, ok := e.endpoints[endpoint]
	if !ok {
		return fault.Errorf(fault.NotFound, op, "endpoint %q not found", endpoint)
	}
	if caller != ep.Owner {
		return fault.Errorf(fault.Unauthorized, op, "caller %s does not own endpoint %q", caller, endpoint)
	}
	key := grantKey{endpoint: endpoint, user: user}
	if allowed {
		e.grants[key] = struct{}{}
	} else {
		delete(e.grants, key)
	}

	e.bus.Publish(event.Event{
		Type:    "billing.user_authorized",
		Actor:   string(caller),
		Subject: endpoint + ":" + string(user),
		At:      e.now().Unix(),
	})
	return nil
}

// IsAuthorized reports whether user is in the endpoint's authorized set.
func (e *Engine) IsAuthorized(endpoint string, user auth.Principal) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.grants[grantKey{endpoint: endpoint, user: user}]
	return ok
}

// SetPlatformFee changes the settlement fee. Owner-only; capped at
// MaxFeeBps by policy.
func (e *Engine) SetPlatformFee(caller auth.Principal, bps int64) error {
	const op = "billing.set_platform_fee"
	if bps < 0 || bps > MaxFeeBps {
		return fault.Errorf(fault.InvalidArgument, op, "fee must be in [0, %d] bps, got %d", MaxFeeBps, bps)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.owner {
		return fault.Errorf(fault.Unauthorized, op, "caller %s is not the platform owner", caller)
	}
	e.feeBps = bps

	e.bus.Publish(event.Event{
		Type:    "billing.fee_updated",
		Actor:   string(caller),
		Amount:  bps,
		At:      e.now().Unix(),
	})
	return nil
}

// FeeBps returns the current platform fee in basis points.
func (e *Engine) FeeBps() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.feeBps
}

// User returns a copy of a user's billing account.
func (e *Engine) User(user auth.Principal) (UserAccount, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.users[user]
	if !ok {
		return UserAccount{}, fault.Errorf(fault.NotFound, "billing.user", "user %s not registered", user)
	}
	return *u, nil
}

// Endpoint returns a copy of an endpoint record.
func (e *Engine) Endpoint(id string) (Endpoint, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ep, ok := e.endpoints[id]
	if !ok {
		return Endpoint{}, fault.Errorf(fault.NotFound, "billing.endpoint", "endpoint %q not found", id)
	}
	return *ep, nil
}

// Endpoints returns copies of all endpoints in registration order.
func (e *Engine) Endpoints() []Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Endpoint, 0, len(e.endpointOrder))
	for _, id := range e.endpointOrder {
		out = append(out, *e.endpoints[id])
	}
	return out
}

// Record returns a copy of a usage record.
func (e *Engine) Record(id string) (UsageRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.records[id]
	if !ok {
		return UsageRecord{}, fault.Errorf(fault.NotFound, "billing.record", "usage record %q not found", id)
	}
	return *r, nil
}
