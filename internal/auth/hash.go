// Package auth carries the authentication building blocks: password
// hashing, JWT issuance and verification, and the server-side session
// registry that backs logout.
package auth

import "golang.org/x/crypto/bcrypt"

// DefaultBcryptCost balances verification latency against brute-force
// resistance; roughly 100ms per check on current hardware.
const DefaultBcryptCost = 10

// HashAdapter hashes and verifies passwords.
type HashAdapter interface {
	// GenerateHash returns a salted hash of the given string.
	GenerateHash(str string) (string, error)

	// CheckHash reports whether str matches the hash.
	CheckHash(hash, str string) bool
}

type hashAdapter struct {
	cost int
}

// NewHashAdapter returns a bcrypt-backed HashAdapter with the default cost.
func NewHashAdapter() HashAdapter {
	return &hashAdapter{cost: DefaultBcryptCost}
}

// NewHashAdapterWithCost returns a HashAdapter with a custom cost, clamped
// to bcrypt's legal range. Tests use the minimum cost for speed.
func NewHashAdapterWithCost(cost int) HashAdapter {
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &hashAdapter{cost: cost}
}

func (h *hashAdapter) GenerateHash(str string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(str), h.cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (h *hashAdapter) CheckHash(hash, str string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(str)) == nil
}
