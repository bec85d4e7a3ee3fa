package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alexjbarnes/authkeep/internal/clients"
	apperrors "github.com/alexjbarnes/authkeep/internal/errors"
	"github.com/alexjbarnes/authkeep/internal/hasher"
	"github.com/alexjbarnes/authkeep/internal/models"
	"github.com/alexjbarnes/authkeep/internal/pkce"
	"github.com/alexjbarnes/authkeep/internal/sweep"
)

const (
	// authCodeBytes is the number of random bytes in an authorization
	// code (hex-encoded to twice this length).
	authCodeBytes = 32

	// tokenBytes is the number of random bytes in an access or refresh
	// token.
	tokenBytes = 32

	// codeStoreAttempts bounds retries when a generated code collides
	// with a stored one.
	codeStoreAttempts = 3

	// maxRequestBody caps form bodies on the token, revoke and login
	// endpoints.
	maxRequestBody = 64 << 10
)

// Lifetimes sets how long each issued credential stays valid.
type Lifetimes struct {
	Code    time.Duration
	Access  time.Duration
	Refresh time.Duration
}

// DefaultLifetimes returns 5 minute codes, 1 hour access tokens and
// 30 day refresh tokens.
func DefaultLifetimes() Lifetimes {
	return Lifetimes{
		Code:    5 * time.Minute,
		Access:  time.Hour,
		Refresh: 30 * 24 * time.Hour,
	}
}

// Grant is the result of a successful code exchange or refresh. The raw
// tokens exist only here; the stores keep their hashes.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	Scopes       []string
	Username     string
	ClientID     string
}

// Issuer issues and checks authorization codes and tokens on top of a
// CodeStore and a TokenStore.
type Issuer struct {
	codes     CodeStore
	tokens    TokenStore
	lifetimes Lifetimes
	logger    *slog.Logger

	codeSweeper  *sweep.Sweeper
	tokenSweeper *sweep.Sweeper
}

// NewIssuer creates an Issuer. Zero lifetimes take their defaults.
func NewIssuer(codes CodeStore, tokens TokenStore, lifetimes Lifetimes, logger *slog.Logger) *Issuer {
	def := DefaultLifetimes()
	if lifetimes.Code <= 0 {
		lifetimes.Code = def.Code
	}
	if lifetimes.Access <= 0 {
		lifetimes.Access = def.Access
	}
	if lifetimes.Refresh <= 0 {
		lifetimes.Refresh = def.Refresh
	}

	return &Issuer{
		codes:     codes,
		tokens:    tokens,
		lifetimes: lifetimes,
		logger:    logger,
	}
}

// Lifetimes returns the effective credential lifetimes.
func (i *Issuer) Lifetimes() Lifetimes {
	return i.lifetimes
}

// StartSweep runs code and token cleanup every interval. A non-positive
// interval starts nothing.
func (i *Issuer) StartSweep(interval time.Duration) {
	i.codeSweeper = sweep.Start("auth_codes", interval, i.codes.Cleanup, i.logger)
	i.tokenSweeper = sweep.Start("tokens", interval, i.tokens.Cleanup, i.logger)
}

// Stop ends the background sweeps.
func (i *Issuer) Stop() {
	i.codeSweeper.Stop()
	i.tokenSweeper.Stop()
}

// IssueCode stores a new single-use authorization code bound to the
// client, redirect URI, PKCE challenge and user, and returns it.
func (i *Issuer) IssueCode(ctx context.Context, clientID, redirectURI, challenge, username string, scopes []string) (string, error) {
	for attempt := 0; attempt < codeStoreAttempts; attempt++ {
		code := hasher.RandomHex(authCodeBytes)

		err := i.codes.Store(ctx, &models.AuthorizationCode{
			Code:          code,
			ClientID:      clientID,
			RedirectURI:   redirectURI,
			CodeChallenge: challenge,
			Username:      username,
			Scopes:        scopes,
			ExpiresAt:     time.Now().Add(i.lifetimes.Code),
		})
		if err == nil {
			return code, nil
		}

		if !errors.Is(err, apperrors.ErrCodeCollision) {
			return "", fmt.Errorf("storing authorization code: %w", err)
		}

		i.logger.Warn("authorization code collision", slog.Int("attempt", attempt+1))
	}

	return "", apperrors.ErrCodeCollision
}

// ExchangeCode consumes code and issues tokens. The code is spent even
// when a later check fails, so a leaked code cannot be retried.
func (i *Issuer) ExchangeCode(ctx context.Context, code, clientID, redirectURI, verifier string) (*Grant, error) {
	ac, err := i.codes.Consume(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}

	if ac == nil {
		return nil, fmt.Errorf("%w: unknown or expired authorization code", apperrors.ErrInvalidGrant)
	}

	if ac.ClientID != clientID {
		return nil, fmt.Errorf("%w: code was issued to another client", apperrors.ErrInvalidGrant)
	}

	if ac.RedirectURI != redirectURI {
		return nil, fmt.Errorf("%w: redirect_uri mismatch", apperrors.ErrInvalidGrant)
	}

	if !pkce.Verify(verifier, ac.CodeChallenge) {
		return nil, fmt.Errorf("%w: PKCE verification failed", apperrors.ErrInvalidGrant)
	}

	return i.issue(ctx, ac.Username, ac.ClientID, ac.Scopes)
}

// Refresh redeems a refresh token once and issues a new token pair.
func (i *Issuer) Refresh(ctx context.Context, refreshToken, clientID string) (*Grant, error) {
	hash, err := hasher.HashToken(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed refresh token", apperrors.ErrInvalidGrant)
	}

	rt, err := i.tokens.ResolveRefreshToken(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("resolving refresh token: %w", err)
	}

	// A refresh token presented by the wrong client is left in place.
	if rt == nil || rt.ClientID != clientID {
		return nil, fmt.Errorf("%w: unknown or expired refresh token", apperrors.ErrInvalidGrant)
	}

	rt, err = i.tokens.ConsumeRefreshToken(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("consuming refresh token: %w", err)
	}

	if rt == nil {
		return nil, fmt.Errorf("%w: refresh token already used", apperrors.ErrInvalidGrant)
	}

	return i.issue(ctx, rt.Username, rt.ClientID, rt.Scopes)
}

func (i *Issuer) issue(ctx context.Context, username, clientID string, scopes []string) (*Grant, error) {
	now := time.Now()
	access := hasher.RandomHex(tokenBytes)
	refresh := hasher.RandomHex(tokenBytes)

	accessHash, err := hasher.HashToken(access)
	if err != nil {
		return nil, err
	}

	refreshHash, err := hasher.HashToken(refresh)
	if err != nil {
		return nil, err
	}

	if err := i.tokens.StoreAccessToken(ctx, &models.AccessToken{
		TokenHash: accessHash,
		Username:  username,
		ClientID:  clientID,
		Scopes:    scopes,
		ExpiresAt: now.Add(i.lifetimes.Access),
	}); err != nil {
		return nil, fmt.Errorf("storing access token: %w", err)
	}

	if err := i.tokens.StoreRefreshToken(ctx, &models.RefreshToken{
		TokenHash: refreshHash,
		Username:  username,
		ClientID:  clientID,
		Scopes:    scopes,
		ExpiresAt: now.Add(i.lifetimes.Refresh),
	}); err != nil {
		return nil, fmt.Errorf("storing refresh token: %w", err)
	}

	return &Grant{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int(i.lifetimes.Access.Seconds()),
		Scopes:       scopes,
		Username:     username,
		ClientID:     clientID,
	}, nil
}

// Authenticate resolves a raw bearer token. It returns nil for unknown,
// expired or malformed tokens.
func (i *Issuer) Authenticate(ctx context.Context, rawToken string) (*models.AccessToken, error) {
	hash, err := hasher.HashToken(rawToken)
	if err != nil {
		return nil, nil
	}

	return i.tokens.ResolveAccessToken(ctx, hash)
}

// Revoke removes a raw access or refresh token issued to clientID. The
// hint only picks which kind is tried first. Unknown tokens, and tokens
// issued to other clients, are ignored.
func (i *Issuer) Revoke(ctx context.Context, rawToken, hint, clientID string) error {
	hash, err := hasher.HashToken(rawToken)
	if err != nil {
		return nil
	}

	revokeAccess := func() (bool, error) {
		at, err := i.tokens.ResolveAccessToken(ctx, hash)
		if err != nil || at == nil || at.ClientID != clientID {
			return false, err
		}
		return true, i.tokens.RevokeAccessToken(ctx, hash)
	}

	revokeRefresh := func() (bool, error) {
		rt, err := i.tokens.ResolveRefreshToken(ctx, hash)
		if err != nil || rt == nil || rt.ClientID != clientID {
			return false, err
		}
		return true, i.tokens.RevokeRefreshToken(ctx, hash)
	}

	order := []func() (bool, error){revokeAccess, revokeRefresh}
	if hint == "refresh_token" {
		order[0], order[1] = order[1], order[0]
	}

	for _, fn := range order {
		done, err := fn()
		if err != nil {
			return fmt.Errorf("revoking token: %w", err)
		}
		if done {
			return nil
		}
	}

	return nil
}

// RevokeAll removes every token of username.
func (i *Issuer) RevokeAll(ctx context.Context, username string) (int, error) {
	n, err := i.tokens.RevokeAllForUser(ctx, username)
	if err != nil {
		return n, fmt.Errorf("revoking tokens for %s: %w", username, err)
	}

	i.logger.Info("revoked all tokens",
		slog.String("username", username),
		slog.Int("count", n),
	)

	return n, nil
}

// --- Token endpoint ---

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// HandleToken returns the /oauth/token handler. It serves the
// authorization_code and refresh_token grants.
func HandleToken(issuer *Issuer, registry *clients.Registry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		if err := r.ParseForm(); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
			return
		}

		client, ok := authenticateClient(w, r, registry)
		if !ok {
			return
		}

		var (
			grant *Grant
			err   error
		)

		switch r.PostFormValue("grant_type") {
		case "authorization_code":
			code := r.PostFormValue("code")
			if code == "" {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
				return
			}

			verifier := r.PostFormValue("code_verifier")
			if verifier == "" {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "code_verifier is required")
				return
			}

			grant, err = issuer.ExchangeCode(r.Context(), code, client.ClientID, r.PostFormValue("redirect_uri"), verifier)
		case "refresh_token":
			refresh := r.PostFormValue("refresh_token")
			if refresh == "" {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
				return
			}

			grant, err = issuer.Refresh(r.Context(), refresh, client.ClientID)
		default:
			writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "supported grants are authorization_code and refresh_token")
			return
		}

		if err != nil {
			if errors.Is(err, apperrors.ErrInvalidGrant) {
				logger.Debug("token: grant rejected",
					slog.String("client_id", client.ClientID),
					slog.String("error", err.Error()),
				)
				writeJSONError(w, http.StatusBadRequest, "invalid_grant", strings.TrimPrefix(err.Error(), apperrors.ErrInvalidGrant.Error()+": "))

				return
			}

			logger.Error("token: issuing failed", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "could not issue tokens")

			return
		}

		logger.Info("token issued",
			slog.String("username", grant.Username),
			slog.String("client_id", grant.ClientID),
		)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		_ = json.NewEncoder(w).Encode(tokenResponse{
			AccessToken:  grant.AccessToken,
			TokenType:    "Bearer",
			ExpiresIn:    grant.ExpiresIn,
			RefreshToken: grant.RefreshToken,
			Scope:        strings.Join(grant.Scopes, " "),
		})
	}
}

// authenticateClient reads client credentials from HTTP Basic auth or
// the client_id/client_secret form fields and checks them against the
// registry. On failure it writes the error response and returns false.
func authenticateClient(w http.ResponseWriter, r *http.Request, registry *clients.Registry) (*models.OAuthClient, bool) {
	clientID := r.PostFormValue("client_id")
	secret := r.PostFormValue("client_secret")

	basicID, basicSecret, basic := r.BasicAuth()
	if basic {
		// RFC 6749 Section 2.3.1: Basic credentials are form-encoded.
		id, err1 := url.QueryUnescape(basicID)
		sec, err2 := url.QueryUnescape(basicSecret)

		if err1 != nil || err2 != nil || (clientID != "" && clientID != id) || secret != "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "conflicting client credentials")
			return nil, false
		}

		clientID, secret = id, sec
	}

	if clientID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return nil, false
	}

	client, ok := registry.Authenticate(clientID, secret)
	if !ok {
		if basic {
			w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		}
		writeJSONError(w, http.StatusUnauthorized, "invalid_client", apperrors.ErrInvalidClient.Error())

		return nil, false
	}

	return client, true
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
