package auth

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/authkeep/internal/session"
)

// Authenticator checks a username and password.
type Authenticator interface {
	Authenticate(username, password string) bool
}

// sessionLoginAtKey records when the session logged in (unix millis).
const sessionLoginAtKey = "login_at"

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// rateLimitPruneThreshold is the number of tracked IPs above which the
// rate limiter prunes expired entries.
const rateLimitPruneThreshold = 1000

const (
	rateLimitWindow  = 5 * time.Minute
	rateLimitMaxFail = 10
)

// loginRateLimiter tracks failed login attempts per IP with a sliding
// window. After rateLimitMaxFail failures within the window, further
// attempts are rejected until the window expires.
type loginRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

func newLoginRateLimiter() *loginRateLimiter {
	return &loginRateLimiter{
		failures: make(map[string][]time.Time),
	}
}

// check returns true if the IP is currently rate-limited.
func (rl *loginRateLimiter) check(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rateLimitWindow)

	if len(rl.failures) > rateLimitPruneThreshold {
		for k, times := range rl.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(rl.failures, k)
			}
		}
	}

	recent := rl.failures[ip][:0]
	for _, t := range rl.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(rl.failures, ip)
	} else {
		rl.failures[ip] = recent
	}

	return len(recent) >= rateLimitMaxFail
}

// record adds a failed attempt for the IP.
func (rl *loginRateLimiter) record(ip string) {
	rl.mu.Lock()
	rl.failures[ip] = append(rl.failures[ip], time.Now())
	rl.mu.Unlock()
}

// safeReturnTo accepts only same-origin absolute paths.
func safeReturnTo(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.Contains(p, `\`)
}

// HandleLogin returns the POST /login handler. A successful login
// rotates the session and stores the username in it. An optional
// return_to path turns the 204 into a 303 redirect.
func HandleLogin(users Authenticator, sessions *session.Store, logger *slog.Logger) http.HandlerFunc {
	limiter := newLoginRateLimiter()

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form data", http.StatusBadRequest)
			return
		}

		ip := remoteIP(r)
		if limiter.check(ip) {
			logger.Warn("login rate limited", slog.String("ip", ip))
			http.Error(w, "too many failed login attempts, try again later", http.StatusTooManyRequests)

			return
		}

		username := r.PostFormValue("username")
		password := r.PostFormValue("password")
		returnTo := r.PostFormValue("return_to")

		if returnTo != "" && !safeReturnTo(returnTo) {
			http.Error(w, "invalid return_to", http.StatusBadRequest)
			return
		}

		if username == "" || !users.Authenticate(username, password) {
			logger.Warn("login failed", slog.String("username", username), slog.String("ip", ip))
			limiter.record(ip)
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		if _, err := sessions.Rotate(w, r, map[string]session.Value{
			sessionUserKey:    session.String(username),
			sessionLoginAtKey: session.Int(time.Now().UnixMilli()),
		}); err != nil {
			logger.Error("login: session not saved", slog.String("error", err.Error()))
			http.Error(w, "session unavailable", http.StatusServiceUnavailable)

			return
		}

		logger.Info("login successful", slog.String("username", username))

		if returnTo != "" {
			http.Redirect(w, r, returnTo, http.StatusSeeOther)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleLogout returns the POST /logout handler. It ends the session;
// with everywhere=true it also revokes every token of the user and
// reports how many were removed.
func HandleLogout(issuer *Issuer, sessions *session.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		if err := r.ParseForm(); err != nil {
			http.Error(w, "invalid form data", http.StatusBadRequest)
			return
		}

		sess, ok := sessions.Session(r)
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		username := SessionUser(sess)

		if err := sessions.End(w, r, sess); err != nil {
			logger.Error("logout: ending session failed", slog.String("error", err.Error()))
			http.Error(w, "session unavailable", http.StatusServiceUnavailable)

			return
		}

		if r.PostFormValue("everywhere") != "true" || username == "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		n, err := issuer.RevokeAll(r.Context(), username)
		if err != nil {
			logger.Error("logout: revoking tokens failed", slog.String("error", err.Error()))
			http.Error(w, "token revocation failed", http.StatusServiceUnavailable)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"revoked": n})
	}
}
