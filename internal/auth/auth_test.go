package auth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/authkeep/internal/clients"
	apperrors "github.com/alexjbarnes/authkeep/internal/errors"
	"github.com/alexjbarnes/authkeep/internal/hasher"
	"github.com/alexjbarnes/authkeep/internal/models"
	"github.com/alexjbarnes/authkeep/internal/pkce"
	"github.com/alexjbarnes/authkeep/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testServerURL   = "https://auth.example.com"
	webClientID     = "web"
	webSecret       = "web-secret-0123456789"
	webRedirectURI  = "https://app.example.com/callback"
	cliClientID     = "cli"
	cliRedirectURI  = "http://127.0.0.1:5555/callback"
	testUsername    = "alice"
	testPassword    = "correct-horse"
	registryFixture = `
clients:
  - client_id: web
    client_name: Web App
    secret: web-secret-0123456789
    redirect_uris:
      - https://app.example.com/callback
  - client_id: cli
    redirect_uris:
      - http://127.0.0.1
`
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeUsers map[string]string

func (f fakeUsers) Authenticate(username, password string) bool {
	want, ok := f[username]
	return ok && want == password
}

type testEnv struct {
	issuer   *Issuer
	registry *clients.Registry
	sessions *session.Store
	codes    *MemoryCodeStore
	tokens   *MemoryTokenStore
	users    fakeUsers
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	registry, err := clients.Parse([]byte(registryFixture))
	require.NoError(t, err)

	codes := NewMemoryCodeStore()
	tokens := NewMemoryTokenStore()
	issuer := NewIssuer(codes, tokens, Lifetimes{}, testLogger())
	t.Cleanup(issuer.Stop)

	sessions := session.NewStore(session.NewMemoryBackend(), session.DefaultCookiePolicy(), testLogger())
	t.Cleanup(sessions.Stop)

	return &testEnv{
		issuer:   issuer,
		registry: registry,
		sessions: sessions,
		codes:    codes,
		tokens:   tokens,
		users:    fakeUsers{testUsername: testPassword},
	}
}

func formRequest(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// login posts valid credentials and returns the session cookie.
func (e *testEnv) login(t *testing.T) *http.Cookie {
	t.Helper()

	rec := httptest.NewRecorder()
	HandleLogin(e.users, e.sessions, testLogger())(rec, formRequest("/login", url.Values{
		"username": {testUsername},
		"password": {testPassword},
	}))
	require.Equal(t, http.StatusNoContent, rec.Code)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

// authorize runs /oauth/authorize and returns the parsed redirect.
func (e *testEnv) authorize(t *testing.T, cookie *http.Cookie, q url.Values) *url.URL {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+q.Encode(), nil)
	if cookie != nil {
		req.AddCookie(cookie)
	}

	rec := httptest.NewRecorder()
	HandleAuthorize(e.issuer, e.registry, e.sessions, testLogger(), testServerURL)(rec, req)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return loc
}

func authorizeQuery(clientID, redirectURI, challenge, state string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"scope":                 {"read write"},
		"state":                 {state},
	}
}

func (e *testEnv) token(t *testing.T, form url.Values, basicID, basicSecret string) *httptest.ResponseRecorder {
	t.Helper()

	req := formRequest("/oauth/token", form)
	if basicID != "" {
		req.SetBasicAuth(url.QueryEscape(basicID), url.QueryEscape(basicSecret))
	}

	rec := httptest.NewRecorder()
	HandleToken(e.issuer, e.registry, testLogger())(rec, req)
	return rec
}

func decodeToken(t *testing.T, rec *httptest.ResponseRecorder) tokenResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp tokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body["error"]
}

// --- Issuer ---

func TestIssuer_ExchangeCode(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	p := pkce.Generate()

	code, err := e.issuer.IssueCode(ctx, webClientID, webRedirectURI, p.Challenge, testUsername, []string{"read"})
	require.NoError(t, err)
	assert.Len(t, code, 64)

	g, err := e.issuer.ExchangeCode(ctx, code, webClientID, webRedirectURI, p.Verifier)
	require.NoError(t, err)
	assert.Equal(t, testUsername, g.Username)
	assert.Equal(t, []string{"read"}, g.Scopes)
	assert.Equal(t, int(time.Hour.Seconds()), g.ExpiresIn)

	at, err := e.issuer.Authenticate(ctx, g.AccessToken)
	require.NoError(t, err)
	require.NotNil(t, at)
	assert.Equal(t, testUsername, at.Username)

	// Only the hash is stored.
	h, err := hasher.HashToken(g.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, h, at.TokenHash)
}

func TestIssuer_ExchangeCode_FailedCheckSpendsCode(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	p := pkce.Generate()

	code, err := e.issuer.IssueCode(ctx, webClientID, webRedirectURI, p.Challenge, testUsername, nil)
	require.NoError(t, err)

	_, err = e.issuer.ExchangeCode(ctx, code, webClientID, webRedirectURI, pkce.Generate().Verifier)
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)

	_, err = e.issuer.ExchangeCode(ctx, code, webClientID, webRedirectURI, p.Verifier)
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)
}

func TestIssuer_ExchangeCode_Mismatches(t *testing.T) {
	tests := []struct {
		name        string
		clientID    string
		redirectURI string
	}{
		{"other client", cliClientID, webRedirectURI},
		{"other redirect", webClientID, "https://app.example.com/other"},
		{"empty redirect", webClientID, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			ctx := context.Background()
			p := pkce.Generate()

			code, err := e.issuer.IssueCode(ctx, webClientID, webRedirectURI, p.Challenge, testUsername, nil)
			require.NoError(t, err)

			_, err = e.issuer.ExchangeCode(ctx, code, tt.clientID, tt.redirectURI, p.Verifier)
			assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)
		})
	}
}

func TestIssuer_Refresh_Rotates(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	p := pkce.Generate()

	code, err := e.issuer.IssueCode(ctx, webClientID, webRedirectURI, p.Challenge, testUsername, nil)
	require.NoError(t, err)
	g, err := e.issuer.ExchangeCode(ctx, code, webClientID, webRedirectURI, p.Verifier)
	require.NoError(t, err)

	g2, err := e.issuer.Refresh(ctx, g.RefreshToken, webClientID)
	require.NoError(t, err)
	assert.NotEqual(t, g.RefreshToken, g2.RefreshToken)
	assert.NotEqual(t, g.AccessToken, g2.AccessToken)

	_, err = e.issuer.Refresh(ctx, g.RefreshToken, webClientID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant, "old refresh token is spent")
}

func TestIssuer_Refresh_WrongClientKeepsToken(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	p := pkce.Generate()

	code, _ := e.issuer.IssueCode(ctx, webClientID, webRedirectURI, p.Challenge, testUsername, nil)
	g, err := e.issuer.ExchangeCode(ctx, code, webClientID, webRedirectURI, p.Verifier)
	require.NoError(t, err)

	_, err = e.issuer.Refresh(ctx, g.RefreshToken, cliClientID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)

	_, err = e.issuer.Refresh(ctx, g.RefreshToken, webClientID)
	assert.NoError(t, err)
}

func TestIssuer_Refresh_Malformed(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.issuer.Refresh(context.Background(), "short", webClientID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)
}

func TestIssuer_Authenticate_Malformed(t *testing.T) {
	e := newTestEnv(t)
	at, err := e.issuer.Authenticate(context.Background(), "short")
	assert.NoError(t, err)
	assert.Nil(t, at)
}

func TestIssuer_Revoke(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	p := pkce.Generate()

	code, _ := e.issuer.IssueCode(ctx, webClientID, webRedirectURI, p.Challenge, testUsername, nil)
	g, err := e.issuer.ExchangeCode(ctx, code, webClientID, webRedirectURI, p.Verifier)
	require.NoError(t, err)

	// Another client cannot revoke it.
	require.NoError(t, e.issuer.Revoke(ctx, g.AccessToken, "", cliClientID))
	at, _ := e.issuer.Authenticate(ctx, g.AccessToken)
	assert.NotNil(t, at)

	require.NoError(t, e.issuer.Revoke(ctx, g.AccessToken, "", webClientID))
	at, _ = e.issuer.Authenticate(ctx, g.AccessToken)
	assert.Nil(t, at)

	require.NoError(t, e.issuer.Revoke(ctx, g.RefreshToken, "refresh_token", webClientID))
	_, err = e.issuer.Refresh(ctx, g.RefreshToken, webClientID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidGrant)

	assert.NoError(t, e.issuer.Revoke(ctx, "x", "", webClientID), "malformed token is ignored")
}

func TestIssuer_RevokeAll(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	grants := map[string]*Grant{}
	for _, user := range []string{"alice", "bob"} {
		p := pkce.Generate()
		code, err := e.issuer.IssueCode(ctx, webClientID, webRedirectURI, p.Challenge, user, nil)
		require.NoError(t, err)
		g, err := e.issuer.ExchangeCode(ctx, code, webClientID, webRedirectURI, p.Verifier)
		require.NoError(t, err)
		grants[user] = g
	}

	n, err := e.issuer.RevokeAll(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	at, _ := e.issuer.Authenticate(ctx, grants["alice"].AccessToken)
	assert.Nil(t, at)

	at, _ = e.issuer.Authenticate(ctx, grants["bob"].AccessToken)
	assert.NotNil(t, at)
}

type collidingCodes struct {
	CodeStore
	failures int
}

func (c *collidingCodes) Store(ctx context.Context, ac *models.AuthorizationCode) error {
	if c.failures > 0 {
		c.failures--
		return apperrors.ErrCodeCollision
	}
	return c.CodeStore.Store(ctx, ac)
}

func TestIssuer_IssueCode_RetriesCollision(t *testing.T) {
	codes := &collidingCodes{CodeStore: NewMemoryCodeStore(), failures: 2}
	issuer := NewIssuer(codes, NewMemoryTokenStore(), Lifetimes{}, testLogger())

	code, err := issuer.IssueCode(context.Background(), webClientID, webRedirectURI, "c", testUsername, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, code)

	codes.failures = codeStoreAttempts
	_, err = issuer.IssueCode(context.Background(), webClientID, webRedirectURI, "c", testUsername, nil)
	assert.ErrorIs(t, err, apperrors.ErrCodeCollision)
}

func TestIssuer_StartSweep(t *testing.T) {
	codes := NewMemoryCodeStore()
	issuer := NewIssuer(codes, NewMemoryTokenStore(), Lifetimes{}, testLogger())
	t.Cleanup(issuer.Stop)

	require.NoError(t, codes.Store(context.Background(), testCode("old", -time.Second)))

	issuer.StartSweep(5 * time.Millisecond)

	assert.Eventually(t, func() bool { return codes.Len() == 0 }, time.Second, 5*time.Millisecond)
}

// --- Login / logout ---

func TestLogin_Success(t *testing.T) {
	e := newTestEnv(t)
	cookie := e.login(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)

	sess, ok := e.sessions.Session(req)
	require.True(t, ok)
	assert.Equal(t, testUsername, SessionUser(sess))
}

func TestLogin_WrongPassword(t *testing.T) {
	e := newTestEnv(t)

	rec := httptest.NewRecorder()
	HandleLogin(e.users, e.sessions, testLogger())(rec, formRequest("/login", url.Values{
		"username": {testUsername},
		"password": {"wrong"},
	}))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Result().Cookies())
}

func TestLogin_ReturnTo(t *testing.T) {
	e := newTestEnv(t)
	handler := HandleLogin(e.users, e.sessions, testLogger())

	rec := httptest.NewRecorder()
	handler(rec, formRequest("/login", url.Values{
		"username":  {testUsername},
		"password":  {testPassword},
		"return_to": {"/oauth/authorize?client_id=web"},
	}))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/oauth/authorize?client_id=web", rec.Header().Get("Location"))

	for _, bad := range []string{"https://evil.example.com", "//evil.example.com", `/\evil.example.com`} {
		rec = httptest.NewRecorder()
		handler(rec, formRequest("/login", url.Values{
			"username":  {testUsername},
			"password":  {testPassword},
			"return_to": {bad},
		}))
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestLogin_RateLimited(t *testing.T) {
	e := newTestEnv(t)
	handler := HandleLogin(e.users, e.sessions, testLogger())

	for i := 0; i < rateLimitMaxFail; i++ {
		rec := httptest.NewRecorder()
		handler(rec, formRequest("/login", url.Values{"username": {testUsername}, "password": {"wrong"}}))
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := httptest.NewRecorder()
	handler(rec, formRequest("/login", url.Values{"username": {testUsername}, "password": {testPassword}}))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestLogin_MethodNotAllowed(t *testing.T) {
	e := newTestEnv(t)
	rec := httptest.NewRecorder()
	HandleLogin(e.users, e.sessions, testLogger())(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestLogout_EndsSession(t *testing.T) {
	e := newTestEnv(t)
	cookie := e.login(t)

	req := formRequest("/logout", url.Values{})
	req.AddCookie(cookie)

	rec := httptest.NewRecorder()
	HandleLogout(e.issuer, e.sessions, testLogger())(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, ok := e.sessions.Session(req)
	assert.False(t, ok)
}

func TestLogout_Everywhere(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	cookie := e.login(t)

	p := pkce.Generate()
	code, _ := e.issuer.IssueCode(ctx, webClientID, webRedirectURI, p.Challenge, testUsername, nil)
	g, err := e.issuer.ExchangeCode(ctx, code, webClientID, webRedirectURI, p.Verifier)
	require.NoError(t, err)

	req := formRequest("/logout", url.Values{"everywhere": {"true"}})
	req.AddCookie(cookie)

	rec := httptest.NewRecorder()
	HandleLogout(e.issuer, e.sessions, testLogger())(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]int
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 2, body["revoked"])

	at, _ := e.issuer.Authenticate(ctx, g.AccessToken)
	assert.Nil(t, at)
}

// --- Authorize ---

func TestAuthorize_IssuesCode(t *testing.T) {
	e := newTestEnv(t)
	cookie := e.login(t)
	p := pkce.Generate()

	loc := e.authorize(t, cookie, authorizeQuery(webClientID, webRedirectURI, p.Challenge, "xyz"))

	assert.Equal(t, "app.example.com", loc.Host)
	assert.Equal(t, "/callback", loc.Path)
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	assert.Equal(t, testServerURL, loc.Query().Get("iss"))
	assert.Len(t, loc.Query().Get("code"), 64)
	assert.Equal(t, 1, e.codes.Len())
}

func TestAuthorize_NoSession(t *testing.T) {
	e := newTestEnv(t)
	p := pkce.Generate()

	loc := e.authorize(t, nil, authorizeQuery(webClientID, webRedirectURI, p.Challenge, "xyz"))

	assert.Equal(t, "login_required", loc.Query().Get("error"))
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	assert.Empty(t, loc.Query().Get("code"))
}

func TestAuthorize_RedirectErrors(t *testing.T) {
	e := newTestEnv(t)
	cookie := e.login(t)

	tests := []struct {
		name    string
		mutate  func(q url.Values)
		errCode string
	}{
		{"missing response_type", func(q url.Values) { q.Del("response_type") }, "invalid_request"},
		{"token response_type", func(q url.Values) { q.Set("response_type", "token") }, "unsupported_response_type"},
		{"missing challenge", func(q url.Values) { q.Del("code_challenge") }, "invalid_request"},
		{"plain method", func(q url.Values) { q.Set("code_challenge_method", "plain") }, "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := authorizeQuery(webClientID, webRedirectURI, "challenge", "s1")
			tt.mutate(q)

			loc := e.authorize(t, cookie, q)
			assert.Equal(t, tt.errCode, loc.Query().Get("error"))
			assert.Equal(t, "s1", loc.Query().Get("state"))
		})
	}
}

func TestAuthorize_BadClientOrRedirect(t *testing.T) {
	e := newTestEnv(t)
	handler := HandleAuthorize(e.issuer, e.registry, e.sessions, testLogger(), testServerURL)

	tests := []struct {
		name string
		q    url.Values
	}{
		{"missing client", authorizeQuery("", webRedirectURI, "c", "")},
		{"unknown client", authorizeQuery("nope", webRedirectURI, "c", "")},
		{"unregistered redirect", authorizeQuery(webClientID, "https://evil.example.com/cb", "c", "")},
		{"loopback lookalike", authorizeQuery(cliClientID, "http://127.0.0.1.evil.com/cb", "c", "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler(rec, httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+tt.q.Encode(), nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, rec.Header().Get("Location"))
		})
	}
}

func TestAuthorize_DefaultsSingleRedirectURI(t *testing.T) {
	e := newTestEnv(t)
	cookie := e.login(t)

	q := authorizeQuery(webClientID, "", "challenge", "")
	q.Del("redirect_uri")

	loc := e.authorize(t, cookie, q)
	assert.Equal(t, "app.example.com", loc.Host)
	assert.NotEmpty(t, loc.Query().Get("code"))
}

// --- Token endpoint ---

func TestToken_FullFlow(t *testing.T) {
	e := newTestEnv(t)
	cookie := e.login(t)
	p := pkce.Generate()

	loc := e.authorize(t, cookie, authorizeQuery(webClientID, webRedirectURI, p.Challenge, "s"))
	code := loc.Query().Get("code")

	rec := e.token(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {webRedirectURI},
		"code_verifier": {p.Verifier},
	}, webClientID, webSecret)

	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	resp := decodeToken(t, rec)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, "read write", resp.Scope)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Greater(t, resp.ExpiresIn, 0)

	// Replaying the code fails.
	rec = e.token(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {webRedirectURI},
		"code_verifier": {p.Verifier},
	}, webClientID, webSecret)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_grant", decodeError(t, rec))

	// Refresh grant with form credentials.
	rec = e.token(t, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {resp.RefreshToken},
		"client_id":     {webClientID},
		"client_secret": {webSecret},
	}, "", "")
	refreshed := decodeToken(t, rec)
	assert.NotEqual(t, resp.AccessToken, refreshed.AccessToken)

	// The userinfo endpoint accepts the new token.
	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+refreshed.AccessToken)
	rec = httptest.NewRecorder()
	Middleware(e.issuer, testLogger(), testServerURL)(HandleUserInfo()).ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var info userInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, testUsername, info.Subject)
	assert.Equal(t, webClientID, info.ClientID)
	assert.Equal(t, "read write", info.Scope)
}

func TestToken_PublicClient(t *testing.T) {
	e := newTestEnv(t)
	cookie := e.login(t)
	p := pkce.Generate()

	loc := e.authorize(t, cookie, authorizeQuery(cliClientID, cliRedirectURI, p.Challenge, ""))

	rec := e.token(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {loc.Query().Get("code")},
		"redirect_uri":  {cliRedirectURI},
		"code_verifier": {p.Verifier},
		"client_id":     {cliClientID},
	}, "", "")

	resp := decodeToken(t, rec)
	assert.NotEmpty(t, resp.AccessToken)
}

func TestToken_ClientAuthFailures(t *testing.T) {
	e := newTestEnv(t)

	rec := e.token(t, url.Values{"grant_type": {"authorization_code"}}, webClientID, "wrong-secret-0123456789")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "invalid_client", decodeError(t, rec))

	rec = e.token(t, url.Values{"grant_type": {"authorization_code"}, "client_id": {webClientID}}, "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "confidential client without secret")

	rec = e.token(t, url.Values{"grant_type": {"authorization_code"}}, "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeError(t, rec))

	rec = e.token(t, url.Values{"grant_type": {"authorization_code"}, "client_id": {cliClientID}}, webClientID, webSecret)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "conflicting client ids")
}

func TestToken_RequestErrors(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name    string
		form    url.Values
		errCode string
	}{
		{"unsupported grant", url.Values{"grant_type": {"password"}}, "unsupported_grant_type"},
		{"missing code", url.Values{"grant_type": {"authorization_code"}, "code_verifier": {"v"}}, "invalid_request"},
		{"missing verifier", url.Values{"grant_type": {"authorization_code"}, "code": {"c"}}, "invalid_request"},
		{"unknown code", url.Values{"grant_type": {"authorization_code"}, "code": {"c"}, "code_verifier": {"v"}}, "invalid_grant"},
		{"missing refresh", url.Values{"grant_type": {"refresh_token"}}, "invalid_request"},
		{"unknown refresh", url.Values{"grant_type": {"refresh_token"}, "refresh_token": {strings.Repeat("a", 64)}}, "invalid_grant"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.token(t, tt.form, webClientID, webSecret)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.errCode, decodeError(t, rec))
		})
	}
}

func TestToken_MethodNotAllowed(t *testing.T) {
	e := newTestEnv(t)
	rec := httptest.NewRecorder()
	HandleToken(e.issuer, e.registry, testLogger())(rec, httptest.NewRequest(http.MethodGet, "/oauth/token", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// --- Revoke ---

func TestRevoke(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	p := pkce.Generate()

	code, _ := e.issuer.IssueCode(ctx, webClientID, webRedirectURI, p.Challenge, testUsername, nil)
	g, err := e.issuer.ExchangeCode(ctx, code, webClientID, webRedirectURI, p.Verifier)
	require.NoError(t, err)

	handler := HandleRevoke(e.issuer, e.registry, testLogger())

	req := formRequest("/oauth/revoke", url.Values{"token": {g.AccessToken}, "token_type_hint": {"access_token"}})
	req.SetBasicAuth(webClientID, webSecret)
	rec := httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	at, _ := e.issuer.Authenticate(ctx, g.AccessToken)
	assert.Nil(t, at)

	// Unknown tokens still succeed.
	req = formRequest("/oauth/revoke", url.Values{"token": {strings.Repeat("b", 64)}})
	req.SetBasicAuth(webClientID, webSecret)
	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = formRequest("/oauth/revoke", url.Values{})
	req.SetBasicAuth(webClientID, webSecret)
	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- Middleware ---

func TestMiddleware_MissingToken(t *testing.T) {
	e := newTestEnv(t)
	handler := Middleware(e.issuer, testLogger(), testServerURL)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/userinfo", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	wwwAuth := rec.Header().Get("WWW-Authenticate")
	assert.Contains(t, wwwAuth, "resource_metadata")
	assert.NotContains(t, wwwAuth, "invalid_token")
}

func TestMiddleware_InvalidToken(t *testing.T) {
	e := newTestEnv(t)
	handler := Middleware(e.issuer, testLogger(), testServerURL)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	for _, header := range []string{"Bearer " + strings.Repeat("c", 64), "Bearer short", "Basic dXNlcjpwYXNz"} {
		req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}
}

func TestMiddleware_ExpiredToken(t *testing.T) {
	e := newTestEnv(t)
	raw := hasher.RandomHex(32)
	hash, err := hasher.HashToken(raw)
	require.NoError(t, err)
	require.NoError(t, e.tokens.StoreAccessToken(context.Background(), testAccess(hash, testUsername, -time.Minute)))

	handler := Middleware(e.issuer, testLogger(), testServerURL)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "invalid_token")
}

// --- Metadata ---

func TestServerMetadata(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleServerMetadata(testServerURL)(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))

	var meta ServerMetadata
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&meta))
	assert.Equal(t, testServerURL, meta.Issuer)
	assert.Equal(t, testServerURL+"/oauth/token", meta.TokenEndpoint)
	assert.Equal(t, testServerURL+"/oauth/revoke", meta.RevocationEndpoint)
	assert.Equal(t, []string{"S256"}, meta.CodeChallengeMethodsSupported)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, meta.GrantTypesSupported)
}

func TestProtectedResourceMetadata(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleProtectedResourceMetadata(testServerURL)(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil))

	var meta ProtectedResourceMetadata
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&meta))
	assert.Equal(t, testServerURL, meta.Resource)
	assert.Equal(t, []string{testServerURL}, meta.AuthorizationServers)
}

func TestMetadata_MethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleServerMetadata(testServerURL)(rec, httptest.NewRequest(http.MethodPost, "/.well-known/oauth-authorization-server", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// --- Rate limiter ---

func TestLoginRateLimiter(t *testing.T) {
	rl := newLoginRateLimiter()

	for i := 0; i < rateLimitMaxFail-1; i++ {
		rl.record("10.0.0.1")
	}
	assert.False(t, rl.check("10.0.0.1"))

	rl.record("10.0.0.1")
	assert.True(t, rl.check("10.0.0.1"))
	assert.False(t, rl.check("10.0.0.2"))
}
