// Package pkce generates and checks Proof Key for Code Exchange values
// (RFC 7636) using the S256 method.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"

	"golang.org/x/oauth2"
)

// Method is the only supported code_challenge_method.
const Method = "S256"

// Pair holds a verifier and its derived challenge. The verifier stays
// with the initiating party until the code exchange request.
type Pair struct {
	Verifier  string
	Challenge string
}

// Generate returns a fresh pair. The verifier is 32 bytes from
// crypto/rand encoded as unpadded base64url (43 characters). An entropy
// source failure panics; nothing can proceed safely without it.
func Generate() Pair {
	verifier := oauth2.GenerateVerifier()
	return Pair{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
	}
}

// Challenge computes base64url-nopad(SHA-256(verifier)).
func Challenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// Verify checks that SHA256(verifier) matches the challenge.
func Verify(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	computed := Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
