// Package auth defines caller identities and the API-key plumbing that
// resolves HTTP requests to them. The engine treats a Principal as an opaque,
// already-authenticated identity; all authentication happens here, at the
// edge, and the engine only authorizes.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
)

// Principal is an opaque authenticated caller identity.
type Principal string

// Allowlist is an explicit set of principals permitted to invoke a guarded
// operation (settlement, escrow release, usage recording).
type Allowlist struct {
	members map[Principal]struct{}
}

// NewAllowlist builds an allowlist from the given principals.
func NewAllowlist(members ...Principal) Allowlist {
	set := make(map[Principal]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	return Allowlist{members: set}
}

// Allows reports whether p is on the list.
func (a Allowlist) Allows(p Principal) bool {
	_, ok := a.members[p]
	return ok
}

// Add inserts p into the list.
func (a Allowlist) Add(p Principal) {
	a.members[p] = struct{}{}
}

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string // first 16 characters of the plaintext key
}

// GenerateAPIKey creates a new API key with the "tollgate_" prefix followed
// by 32 URL-safe random characters. It returns the APIKey struct (containing
// the hash and prefix) and the full plaintext key.
func GenerateAPIKey() (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	plaintext := "tollgate_" + base64.RawURLEncoding.EncodeToString(b)

	key := APIKey{
		Hash:   HashKey(plaintext),
		Prefix: plaintext[:16],
	}

	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// Keyring maps API-key hashes to principals. It is the in-process key
// registry the HTTP layer consults on every authenticated request; it is
// safe for concurrent use.
type Keyring struct {
	mu     sync.Mutex
	byHash map[string]Principal
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{byHash: make(map[string]Principal)}
}

// Issue mints a new API key bound to the given principal and returns the
// plaintext key exactly once. Only the hash is retained.
func (k *Keyring) Issue(p Principal) (string, error) {
	key, plaintext, err := GenerateAPIKey()
	if err != nil {
		return "", err
	}

	k.mu.Lock()
	k.byHash[key.Hash] = p
	k.mu.Unlock()

	return plaintext, nil
}

// Bind associates an externally supplied plaintext key with a principal.
// Used by the seed command to install deterministic demo keys.
func (k *Keyring) Bind(p Principal, plaintext string) {
	k.mu.Lock()
	k.byHash[HashKey(plaintext)] = p
	k.mu.Unlock()
}

// Resolve looks up the principal for a plaintext key. The second return is
// false when the key is unknown.
func (k *Keyring) Resolve(plaintext string) (Principal, bool) {
	k.mu.Lock()
	p, ok := k.byHash[HashKey(plaintext)]
	k.mu.Unlock()
	return p, ok
}

// Revoke removes all keys bound to the given principal.
func (k *Keyring) Revoke(p Principal) {
	k.mu.Lock()
	for hash, bound := range k.byHash {
		if bound == p {
			delete(k.byHash, hash)
		}
	}
	k.mu.Unlock()
}
