package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	BcryptCost     = 14 // OWASP 2026 recommendation
	MaxPasswordLen = 72 // bcrypt input limit
)

// PasswordHasher turns plaintext passwords into storable hashes. The identity
// core never picks the algorithm itself; callers inject one.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// BcryptHasher is the default PasswordHasher
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher returns a hasher with the given cost, or BcryptCost when cost is 0
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost == 0 {
		cost = BcryptCost
	}
	return &BcryptHasher{Cost: cost}
}

func (h *BcryptHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	if len(password) > MaxPasswordLen {
		return "", fmt.Errorf("password exceeds %d bytes", MaxPasswordLen)
	}
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashedBytes), nil
}

func (h *BcryptHasher) Compare(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
