package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	err := Errorf(InsufficientFunds, "ledger.withdraw", "available %d, requested %d", 50, 100)
	want := "ledger.withdraw: insufficient_funds: available 50, requested 100"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestErrorMessageWithoutMsg(t *testing.T) {
	err := &Error{Kind: NotFound, Op: "billing.user"}
	want := "billing.user: not_found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestKindOf(t *testing.T) {
	err := New(Duplicate, "ledger.create_escrow", "escrow exists")
	if KindOf(err) != Duplicate {
		t.Errorf("got kind %v, want Duplicate", KindOf(err))
	}

	wrapped := fmt.Errorf("handling request: %w", err)
	if KindOf(wrapped) != Duplicate {
		t.Errorf("wrapped error lost its kind: got %v", KindOf(wrapped))
	}

	if KindOf(errors.New("plain")) != Unknown {
		t.Error("untyped error should report Unknown")
	}
	if KindOf(nil) != Unknown {
		t.Error("nil should report Unknown")
	}
}

func TestIsKind(t *testing.T) {
	err := New(LimitExceeded, "ratelimit.check", "window full")
	if !IsKind(err, LimitExceeded) {
		t.Error("IsKind should match the error's kind")
	}
	if IsKind(err, NotFound) {
		t.Error("IsKind should not match a different kind")
	}
}

func TestErrorsIsByKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(Unauthorized, "ledger.transfer", "not a settler"))
	if !errors.Is(err, &Error{Kind: Unauthorized}) {
		t.Error("errors.Is should match on kind")
	}
	if errors.Is(err, &Error{Kind: Inactive}) {
		t.Error("errors.Is should not match a different kind")
	}
}

func TestKindStrings(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{Unauthorized, "unauthorized"},
		{NotFound, "not_found"},
		{Duplicate, "duplicate_id"},
		{InsufficientFunds, "insufficient_funds"},
		{BelowMinimum, "below_minimum"},
		{LimitExceeded, "limit_exceeded"},
		{AlreadyFinalized, "already_finalized"},
		{InvalidArgument, "invalid_argument"},
		{Inactive, "inactive"},
		{Unknown, "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
