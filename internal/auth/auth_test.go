package auth

import (
	"strings"
	"testing"
)

func TestGenerateAPIKey(t *testing.T) {
	key, plaintext, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey failed: %v", err)
	}

	if !strings.HasPrefix(plaintext, "tollgate_") {
		t.Errorf("plaintext %q missing tollgate_ prefix", plaintext)
	}
	if len(plaintext) != len("tollgate_")+32 {
		t.Errorf("plaintext length = %d, want %d", len(plaintext), len("tollgate_")+32)
	}
	if key.Prefix != plaintext[:16] {
		t.Errorf("prefix = %q, want %q", key.Prefix, plaintext[:16])
	}
	if key.Hash != HashKey(plaintext) {
		t.Error("stored hash does not match plaintext hash")
	}
	if len(key.Hash) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(key.Hash))
	}

	_, other, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("second GenerateAPIKey failed: %v", err)
	}
	if other == plaintext {
		t.Error("two generated keys are identical")
	}
}

func TestKeyring(t *testing.T) {
	k := NewKeyring()

	plaintext, err := k.Issue("alice")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	p, ok := k.Resolve(plaintext)
	if !ok || p != "alice" {
		t.Errorf("Resolve = (%q, %v), want (alice, true)", p, ok)
	}
	if _, ok := k.Resolve("tollgate_bogus"); ok {
		t.Error("unknown key resolved")
	}

	k.Bind("bob", "tollgate_demo_key")
	if p, ok := k.Resolve("tollgate_demo_key"); !ok || p != "bob" {
		t.Errorf("Resolve bound key = (%q, %v), want (bob, true)", p, ok)
	}

	second, err := k.Issue("alice")
	if err != nil {
		t.Fatalf("second Issue failed: %v", err)
	}
	k.Revoke("alice")
	if _, ok := k.Resolve(plaintext); ok {
		t.Error("first alice key survived revocation")
	}
	if _, ok := k.Resolve(second); ok {
		t.Error("second alice key survived revocation")
	}
	if p, ok := k.Resolve("tollgate_demo_key"); !ok || p != "bob" {
		t.Errorf("bob's key lost in alice's revocation: (%q, %v)", p, ok)
	}
}

func TestAllowlist(t *testing.T) {
	list := NewAllowlist("alice", "bob")
	if !list.Allows("alice") || !list.Allows("bob") {
		t.Error("members not allowed")
	}
	if list.Allows("carol") {
		t.Error("non-member allowed")
	}
	list.Add("carol")
	if !list.Allows("carol") {
		t.Error("added member not allowed")
	}
}
