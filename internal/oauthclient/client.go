// Package oauthclient drives the OAuth 2.1 authorization code flow with
// PKCE from the client side: build the authorization URL, exchange the
// returned code, and refresh tokens.
//
// OAuth error responses from the server come back as data in a
// TokenResponse. Only failures to talk to the server are errors.
package oauthclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/authkeep/internal/errors"
	"github.com/alexjbarnes/authkeep/internal/hasher"
	"github.com/alexjbarnes/authkeep/internal/pkce"
	"golang.org/x/oauth2"
)

const (
	// DefaultTimeout bounds each token endpoint call when no HTTP client
	// is supplied.
	DefaultTimeout = 30 * time.Second

	// stateBytes sizes generated state values.
	stateBytes = 16

	// maxResponseBody caps how much of a token response is read.
	maxResponseBody = 1 << 20
)

// Config describes the client registration and the server endpoints.
type Config struct {
	ClientID     string
	ClientSecret string
	Endpoint     oauth2.Endpoint

	// HTTPClient is used for token requests. Nil means a client with
	// Timeout.
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client performs the client side of the authorization code flow. It
// keeps no per-flow state; callers persist State and PKCE.Verifier
// across the redirect.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{cfg: cfg, http: hc}
}

// AuthorizationRequest is one authorization attempt.
type AuthorizationRequest struct {
	URL   string
	State string
	PKCE  pkce.Pair
}

// BuildAuthorizationRequest generates a PKCE pair and composes the
// authorization URL. An empty state is replaced by a random one. Query
// parameters already on the endpoint URL are kept.
func (c *Client) BuildAuthorizationRequest(redirectURI string, scopes []string, state string) *AuthorizationRequest {
	if state == "" {
		state = hasher.RandomHex(stateBytes)
	}

	pair := pkce.Generate()

	cfg := oauth2.Config{
		ClientID:    c.cfg.ClientID,
		Endpoint:    c.cfg.Endpoint,
		RedirectURL: redirectURI,
		Scopes:      scopes,
	}

	return &AuthorizationRequest{
		URL: cfg.AuthCodeURL(state,
			oauth2.SetAuthURLParam("code_challenge", pair.Challenge),
			oauth2.SetAuthURLParam("code_challenge_method", pkce.Method),
		),
		State: state,
		PKCE:  pair,
	}
}

// ExchangeCode redeems an authorization code at the token endpoint.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (*TokenResponse, error) {
	return c.postToken(ctx, "exchange code", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {c.cfg.ClientID},
		"code_verifier": {verifier},
	})
}

// RefreshToken redeems a refresh token at the token endpoint.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return c.postToken(ctx, "refresh token", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.cfg.ClientID},
	})
}

func (c *Client) postToken(ctx context.Context, op string, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	// Basic credentials are form-encoded first (RFC 6749 Section 2.3.1).
	if c.cfg.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(c.cfg.ClientID), url.QueryEscape(c.cfg.ClientSecret))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}

	tr, err := ParseTokenResponse(body)
	if err != nil {
		return nil, &TransportError{Op: op, Status: resp.StatusCode, Err: err}
	}

	if !tr.IsError() && resp.StatusCode != http.StatusOK {
		return nil, &TransportError{
			Op:     op,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%w: status %d with a success body", apperrors.ErrUnexpectedResponse, resp.StatusCode),
		}
	}

	return tr, nil
}

// TransportError is a failure to obtain a token response at all: the
// request could not be sent, was cancelled, or the reply was not a
// token response. It matches errors.Is(err, errors.ErrTransport).
type TransportError struct {
	Op string
	// Status is the HTTP status when a response arrived, else 0.
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", apperrors.ErrTransport, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", apperrors.ErrTransport, e.Op, e.Err)
}

// Unwrap exposes both the transport sentinel and the cause.
func (e *TransportError) Unwrap() []error {
	return []error{apperrors.ErrTransport, e.Err}
}

// Retryable reports whether repeating the request may succeed:
// cancellations, timeouts, network failures and 5xx or 429 replies.
func (e *TransportError) Retryable() bool {
	if errors.Is(e.Err, context.Canceled) || errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(e.Err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(e.Err, &opErr) {
		return true
	}

	if errors.Is(e.Err, io.EOF) || errors.Is(e.Err, io.ErrUnexpectedEOF) {
		return true
	}

	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}
