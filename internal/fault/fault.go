// Package fault defines the typed error taxonomy shared by the ledger,
// billing, rate-limiting, and analytics components. Every rejected operation
// returns a *Error carrying a Kind that callers can branch on to decide
// whether to retry (e.g. top up a balance) or abort (e.g. duplicate id).
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind int

const (
	// Unknown is the zero Kind; it is never returned by the engine itself.
	Unknown Kind = iota

	// Unauthorized means the caller identity is not permitted to perform
	// the operation.
	Unauthorized

	// NotFound means the referenced user, endpoint, escrow, or record does
	// not exist.
	NotFound

	// Duplicate means a caller-chosen id is already in use. This is the
	// idempotency guard: retrying a create with the same id is safe and
	// fails here instead of double-applying.
	Duplicate

	// InsufficientFunds means the available balance cannot cover the
	// requested amount.
	InsufficientFunds

	// BelowMinimum means a deposit is under the configured minimum.
	BelowMinimum

	// LimitExceeded means a monthly cap or rate limit was hit.
	LimitExceeded

	// AlreadyFinalized means the escrow or usage record reached a terminal
	// state and cannot transition again.
	AlreadyFinalized

	// InvalidArgument means a zero or negative amount, an empty required
	// string, or an out-of-range index.
	InvalidArgument

	// Inactive means the user or endpoint is disabled.
	Inactive
)

// String returns the stable wire code for the kind.
func (k Kind) String() string {
	switch k {
	case Unauthorized:
		return "unauthorized"
	case NotFound:
		return "not_found"
	case Duplicate:
		return "duplicate_id"
	case InsufficientFunds:
		return "insufficient_funds"
	case BelowMinimum:
		return "below_minimum"
	case LimitExceeded:
		return "limit_exceeded"
	case AlreadyFinalized:
		return "already_finalized"
	case InvalidArgument:
		return "invalid_argument"
	case Inactive:
		return "inactive"
	}
	return "unknown"
}

// Error is a typed engine error.
type Error struct {
	Kind Kind
	Op   string // operation that rejected, e.g. "ledger.withdraw"
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
}

// Is reports whether target is a *Error with the same Kind, so sentinel
// comparisons like errors.Is(err, &Error{Kind: NotFound}) work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// New constructs a typed error.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Errorf constructs a typed error with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, unwrapping as needed. It returns
// Unknown for nil or untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
