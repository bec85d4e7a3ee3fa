package auth

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/alexjbarnes/authkeep/internal/clients"
	"github.com/alexjbarnes/authkeep/internal/pkce"
	"github.com/alexjbarnes/authkeep/internal/session"
)

// sessionUserKey is the session payload key holding the logged-in user.
const sessionUserKey = "username"

// SessionUser returns the username bound to a session, or "".
func SessionUser(s *session.Session) string {
	if s == nil {
		return ""
	}
	u, _ := s.GetString(sessionUserKey)
	return u
}

// redirectWithError redirects the user-agent back to the client with an
// error response per RFC 6749 Section 4.1.2.1. This must only be called
// after the redirect_uri and client_id have been validated.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

// appendQuery keeps any query already on the redirect URI (RFC 6749
// Section 4.1.2).
func appendQuery(redirectURI string, params url.Values) string {
	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}
	return redirectURI + sep + params.Encode()
}

// HandleAuthorize returns the /oauth/authorize handler. The user must
// already hold a logged-in session; there is no login page. serverURL
// is sent as the iss parameter (RFC 9207).
func HandleAuthorize(issuer *Issuer, registry *clients.Registry, sessions *session.Store, logger *slog.Logger, serverURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		q := r.URL.Query()

		clientID := q.Get("client_id")
		if clientID == "" {
			http.Error(w, "missing client_id", http.StatusBadRequest)
			return
		}

		client := registry.Get(clientID)
		if client == nil {
			http.Error(w, "unknown client_id", http.StatusBadRequest)
			return
		}

		redirectURI := q.Get("redirect_uri")
		if redirectURI == "" {
			// RFC 6749 Section 3.1.2.3: when only one redirect URI is
			// registered, use it. Otherwise require an explicit value.
			if len(client.RedirectURIs) != 1 {
				http.Error(w, "redirect_uri is required when multiple URIs are registered", http.StatusBadRequest)
				return
			}
			redirectURI = client.RedirectURIs[0]
		} else if !clients.ValidateRedirectURI(client, redirectURI) {
			http.Error(w, "redirect_uri not registered for this client", http.StatusBadRequest)
			return
		}

		// Errors past this point go back to the client on the redirect.
		state := q.Get("state")

		responseType := q.Get("response_type")
		if responseType != "code" {
			errCode := "unsupported_response_type"
			if responseType == "" {
				errCode = "invalid_request"
			}

			redirectWithError(w, r, redirectURI, state, errCode, `response_type must be "code"`)

			return
		}

		codeChallenge := q.Get("code_challenge")
		if codeChallenge == "" {
			redirectWithError(w, r, redirectURI, state, "invalid_request", "code_challenge is required (PKCE)")
			return
		}

		if m := q.Get("code_challenge_method"); m != pkce.Method {
			redirectWithError(w, r, redirectURI, state, "invalid_request", "code_challenge_method must be S256")
			return
		}

		sess, ok := sessions.Session(r)
		username := SessionUser(sess)
		if !ok || username == "" {
			logger.Debug("authorize: no logged-in session", slog.String("client_id", clientID))
			redirectWithError(w, r, redirectURI, state, "login_required", "no authenticated session")

			return
		}

		code, err := issuer.IssueCode(r.Context(), clientID, redirectURI, codeChallenge, username, strings.Fields(q.Get("scope")))
		if err != nil {
			logger.Error("authorize: issuing code failed", slog.String("error", err.Error()))
			redirectWithError(w, r, redirectURI, state, "server_error", "could not issue authorization code")

			return
		}

		logger.Info("authorization code issued",
			slog.String("username", username),
			slog.String("client_id", clientID),
		)

		params := url.Values{}
		params.Set("code", code)

		if state != "" {
			params.Set("state", state)
		}

		if serverURL != "" {
			params.Set("iss", serverURL)
		}

		http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
	}
}
