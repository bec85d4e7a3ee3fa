// Package hasher provides one-way hashing for credentials at rest.
// Passwords use bcrypt. Tokens and codes use SHA-256 as a lookup key:
// they are already high entropy, so the hash only keeps a store
// compromise from revealing usable secrets.
package hasher

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	apperrors "github.com/alexjbarnes/authkeep/internal/errors"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultCost is the bcrypt cost factor used by HashPassword.
	DefaultCost = bcrypt.DefaultCost

	// MinPasswordLen is the shortest password accepted for hashing.
	MinPasswordLen = 8

	// MinTokenLen is the shortest raw token accepted for hashing.
	MinTokenLen = 16
)

// HashPassword hashes a password with bcrypt at DefaultCost.
func HashPassword(password string) (string, error) {
	return HashPasswordCost(password, DefaultCost)
}

// HashPasswordCost hashes a password with bcrypt at the given cost.
// Passwords shorter than MinPasswordLen are rejected with a validation
// error before any hashing happens.
func HashPasswordCost(password string, cost int) (string, error) {
	if len(password) < MinPasswordLen {
		return "", apperrors.ErrPasswordTooShort
	}

	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}

	return string(h), nil
}

// VerifyPassword reports whether password matches the bcrypt hash.
func VerifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashToken returns the lowercase hex SHA-256 digest of a raw token.
// Raw tokens shorter than MinTokenLen are rejected.
func HashToken(raw string) (string, error) {
	if len(raw) < MinTokenLen {
		return "", apperrors.ErrTokenTooShort
	}

	h := sha256.Sum256([]byte(raw))

	return hex.EncodeToString(h[:]), nil
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
