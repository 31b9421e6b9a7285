// Package ratelimit implements the fixed-window rate limiter that gates
// requests before they are billed. Windows are keyed by (user, endpoint) and
// reset entirely at period boundaries; a burst of up to twice the limit is
// possible across a boundary, which is documented behavior of the fixed
// window algorithm, not a defect.
package ratelimit

import (
	"sync"
	"time"

	"github.com/tollgate/tollgate/internal/auth"
	"github.com/tollgate/tollgate/internal/fault"
)

// Policy is the per-endpoint rate-limit configuration.
type Policy struct {
	Limit  int64         `json:"limit"`
	Period time.Duration `json:"period"`
	Paused bool          `json:"paused"`
}

// Result is the outcome of a limit check.
type Result struct {
	Allowed bool `json:"allowed"`
	// Remaining is the number of requests left after the one about to be
	// recorded; zero when the check is denied.
	Remaining int64 `json:"remaining"`
	// ResetAt is the unix second at which the current window ends.
	ResetAt int64 `json:"reset_at"`
	Limit   int64 `json:"limit"`
}

type windowKey struct {
	user     auth.Principal
	endpoint string
}

// window is a fixed-window counter. windowStart is a unix second.
type window struct {
	start int64
	count int64
}

// Limiter owns the policy registry and all per-(user, endpoint) windows.
// It is safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	policies map[string]*Policy
	windows  map[windowKey]*window
	def      Policy
}

// New creates a Limiter with the given process-wide default policy. The
// default applies to endpoints with no explicit policy and to endpoints
// whose policy is paused; it is never persisted as an endpoint's own policy,
// so a later SetPolicy is not shadowed by prior default use.
func New(defaultLimit int64, defaultPeriod time.Duration) *Limiter {
	return &Limiter{
		policies: make(map[string]*Policy),
		windows:  make(map[windowKey]*window),
		def:      Policy{Limit: defaultLimit, Period: defaultPeriod},
	}
}

// SetPolicy installs or replaces the explicit policy for an endpoint.
func (l *Limiter) SetPolicy(endpoint string, limit int64, period time.Duration) error {
	const op = "ratelimit.set_policy"
	if endpoint == "" {
		return fault.New(fault.InvalidArgument, op, "endpoint required")
	}
	if limit <= 0 {
		return fault.Errorf(fault.InvalidArgument, op, "limit must be positive, got %d", limit)
	}
	if period <= 0 {
		return fault.New(fault.InvalidArgument, op, "period must be positive")
	}

	l.mu.Lock()
	l.policies[endpoint] = &Policy{Limit: limit, Period: period}
	l.mu.Unlock()
	return nil
}

// Pause suspends an endpoint's explicit policy. A paused policy means the
// endpoint falls back to the default policy, not "unlimited".
func (l *Limiter) Pause(endpoint string) error {
	return l.setPaused("ratelimit.pause", endpoint, true)
}

// Resume reinstates an endpoint's explicit policy.
func (l *Limiter) Resume(endpoint string) error {
	return l.setPaused("ratelimit.resume", endpoint, false)
}

func (l *Limiter) setPaused(op, endpoint string, paused bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.policies[endpoint]
	if !ok {
		return fault.Errorf(fault.NotFound, op, "no policy for endpoint %q", endpoint)
	}
	p.Paused = paused
	return nil
}

// PolicyFor returns the policy that currently governs the endpoint and
// whether it is the endpoint's own explicit policy (false means the process
// default applies).
func (l *Limiter) PolicyFor(endpoint string) (Policy, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.effective(endpoint)
}

// StoredPolicy returns the endpoint's explicit policy as configured,
// including its paused flag, and whether one exists. Unlike PolicyFor it
// never falls back to the default, so admin reads see a paused policy
// instead of the policy that currently governs traffic.
func (l *Limiter) StoredPolicy(endpoint string) (Policy, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.policies[endpoint]
	if !ok {
		return Policy{}, false
	}
	return *p, true
}

// effective resolves the governing policy. Must be called with l.mu held.
func (l *Limiter) effective(endpoint string) (Policy, bool) {
	if p, ok := l.policies[endpoint]; ok && !p.Paused {
		return *p, true
	}
	return l.def, false
}

// normalize resets w if its window has elapsed. Must be called with l.mu
// held. The reset is total: the counter starts over at now, which is what
// makes this a fixed window rather than a sliding one.
func normalize(w *window, p Policy, now int64) {
	if now >= w.start+int64(p.Period/time.Second) {
		w.start = now
		w.count = 0
	}
}

// Check evaluates whether one more request by user against endpoint would be
// permitted at time now. It rolls the window forward if the period has
// elapsed but does not consume from it; pair it with Record.
func (l *Limiter) Check(user auth.Principal, endpoint string, now time.Time) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, _ := l.effective(endpoint)
	nowSec := now.Unix()

	key := windowKey{user: user, endpoint: endpoint}
	w, ok := l.windows[key]
	if !ok {
		w = &window{start: nowSec}
		l.windows[key] = w
	}
	normalize(w, p, nowSec)

	res := Result{
		Limit:   p.Limit,
		ResetAt: w.start + int64(p.Period/time.Second),
	}
	if w.count < p.Limit {
		res.Allowed = true
		res.Remaining = p.Limit - w.count - 1
		if res.Remaining < 0 {
			res.Remaining = 0
		}
	}
	return res
}

// Record consumes one request from the user's window for endpoint. Callers
// gate with Check first; Record itself never rejects, so billing and
// analytics stay in charge of their own admission decisions.
func (l *Limiter) Record(user auth.Principal, endpoint string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, _ := l.effective(endpoint)
	nowSec := now.Unix()

	key := windowKey{user: user, endpoint: endpoint}
	w, ok := l.windows[key]
	if !ok {
		w = &window{start: nowSec}
		l.windows[key] = w
	}
	normalize(w, p, nowSec)
	w.count++
}

// Cleanup drops windows whose period fully elapsed before now. The limiter
// recreates windows on demand, so eviction only bounds memory.
func (l *Limiter) Cleanup(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	nowSec := now.Unix()
	removed := 0
	for key, w := range l.windows {
		p, _ := l.effective(key.endpoint)
		if nowSec >= w.start+int64(p.Period/time.Second) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}
