// Package models defines types shared across internal packages.
package models

import "time"

// AuthorizationCode is a pending single-use authorization code. It is
// owned by a code store from creation until consumed or swept.
type AuthorizationCode struct {
	Code          string    `json:"code"`
	ClientID      string    `json:"client_id"`
	RedirectURI   string    `json:"redirect_uri"`
	CodeChallenge string    `json:"code_challenge"`
	Username      string    `json:"username"`
	Scopes        []string  `json:"scopes,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Expired reports whether the code is past its expiry at now.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// AccessToken is an issued access token. Only the SHA-256 hash of the
// raw token is kept; the raw value is handed to the client once.
type AccessToken struct {
	TokenHash string    `json:"token_hash"`
	Username  string    `json:"username"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token is past its expiry at now.
func (t *AccessToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// RefreshToken is an issued refresh token, stored by hash like
// AccessToken.
type RefreshToken struct {
	TokenHash string    `json:"token_hash"`
	Username  string    `json:"username"`
	ClientID  string    `json:"client_id"`
	Scopes    []string  `json:"scopes,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the token is past its expiry at now.
func (t *RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// OAuthClient is a client registered out-of-band. A non-empty
// SecretHash marks a confidential client.
type OAuthClient struct {
	ClientID     string   `json:"client_id" yaml:"client_id"`
	ClientName   string   `json:"client_name,omitempty" yaml:"client_name"`
	SecretHash   string   `json:"secret_hash,omitempty" yaml:"secret_hash"`
	RedirectURIs []string `json:"redirect_uris" yaml:"redirect_uris"`
}

// Confidential reports whether the client holds a secret.
func (c *OAuthClient) Confidential() bool {
	return c.SecretHash != ""
}
