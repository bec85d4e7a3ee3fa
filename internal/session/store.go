package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	apperrors "github.com/alexjbarnes/authkeep/internal/errors"
	"github.com/alexjbarnes/authkeep/internal/sweep"
)

//go:generate mockgen -source=store.go -destination=mock_backend_test.go -package=session Backend

// Backend persists sessions. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Get returns the session for token, or nil when none exists.
	Get(ctx context.Context, token string) (*Session, error)
	// Save inserts or replaces a session.
	Save(ctx context.Context, s *Session) error
	// Delete removes a session. Absent tokens are not an error.
	Delete(ctx context.Context, token string) error
	// ClearExpired removes sessions created before cutoffMillis.
	ClearExpired(ctx context.Context, cutoffMillis int64) (int, error)
}

// CookiePolicy controls the session cookie written to responses.
type CookiePolicy struct {
	Name     string
	Path     string
	Domain   string
	Secure   bool
	HttpOnly bool
	SameSite http.SameSite
	// MaxAge is the cookie lifetime. Zero leaves a browser-session cookie.
	MaxAge time.Duration
}

// DefaultCookiePolicy returns a host-only, HttpOnly, Secure, SameSite=Lax
// cookie named "session".
func DefaultCookiePolicy() CookiePolicy {
	return CookiePolicy{
		Name:     "session",
		Path:     "/",
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

// ParseSameSite maps "lax", "strict", "none" to http.SameSite. Anything
// else yields the default mode.
func ParseSameSite(s string) http.SameSite {
	switch strings.ToLower(s) {
	case "lax":
		return http.SameSiteLaxMode
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteDefaultMode
	}
}

func (p CookiePolicy) cookie(value string, maxAge int) *http.Cookie {
	path := p.Path
	if path == "" {
		path = "/"
	}

	return &http.Cookie{
		Name:     p.Name,
		Value:    value,
		Path:     path,
		Domain:   p.Domain,
		Secure:   p.Secure,
		HttpOnly: p.HttpOnly,
		SameSite: p.SameSite,
		MaxAge:   maxAge,
	}
}

// Store is the cookie-bound session front end over a Backend.
type Store struct {
	backend Backend
	policy  CookiePolicy
	logger  *slog.Logger

	saveFailures atomic.Int64
	sweeper      *sweep.Sweeper
}

// NewStore creates a session store. An empty cookie name falls back to
// the default policy's name.
func NewStore(backend Backend, policy CookiePolicy, logger *slog.Logger) *Store {
	if policy.Name == "" {
		policy.Name = DefaultCookiePolicy().Name
	}

	return &Store{
		backend: backend,
		policy:  policy,
		logger:  logger,
	}
}

// Policy returns the cookie policy in use.
func (s *Store) Policy() CookiePolicy {
	return s.policy
}

// SaveFailures returns how many new sessions could not be persisted.
func (s *Store) SaveFailures() int64 {
	return s.saveFailures.Load()
}

func (s *Store) tokenFromRequest(r *http.Request) (string, bool) {
	c, err := r.Cookie(s.policy.Name)
	if err != nil {
		return "", false
	}

	token := strings.TrimSpace(c.Value)
	if !validToken(token) {
		return "", false
	}

	return token, true
}

// validToken accepts exactly 32 lowercase hex characters.
func validToken(token string) bool {
	if len(token) != tokenBytes*2 {
		return false
	}
	for _, c := range token {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Session returns the session named by the request's cookie. It never
// creates one. Backend failures are logged and reported as a miss.
func (s *Store) Session(r *http.Request) (*Session, bool) {
	token, ok := s.tokenFromRequest(r)
	if !ok {
		return nil, false
	}

	sess, err := s.backend.Get(r.Context(), token)
	if err != nil {
		s.logger.Warn("session lookup failed", slog.String("error", err.Error()))
		return nil, false
	}

	if sess == nil {
		return nil, false
	}

	return sess, true
}

// SessionOrNew returns the request's session, creating one seeded with
// initial on a miss. A new session whose save fails is still returned
// but no cookie is written and the failure counter is incremented.
func (s *Store) SessionOrNew(w http.ResponseWriter, r *http.Request, initial map[string]Value) *Session {
	if sess, ok := s.Session(r); ok {
		return sess
	}

	sess := newSession(initial)

	if err := s.backend.Save(r.Context(), sess); err != nil {
		s.saveFailures.Add(1)
		s.logger.Warn("session save failed",
			slog.String("error", fmt.Errorf("%w: %w", apperrors.ErrSessionSave, err).Error()),
		)

		return sess
	}

	http.SetCookie(w, s.policy.cookie(sess.Token(), int(s.policy.MaxAge/time.Second)))

	return sess
}

// Rotate replaces the request's session, if any, with a fresh one seeded
// with initial. Login handlers use it so a pre-login token never becomes
// an authenticated one. Unlike SessionOrNew a save failure is returned.
func (s *Store) Rotate(w http.ResponseWriter, r *http.Request, initial map[string]Value) (*Session, error) {
	if old, ok := s.Session(r); ok {
		old.Clear()
		if err := s.backend.Delete(r.Context(), old.Token()); err != nil {
			s.logger.Warn("session delete failed", slog.String("error", err.Error()))
		}
	}

	sess := newSession(initial)

	if err := s.backend.Save(r.Context(), sess); err != nil {
		s.saveFailures.Add(1)
		return nil, fmt.Errorf("%w: %w", apperrors.ErrSessionSave, err)
	}

	http.SetCookie(w, s.policy.cookie(sess.Token(), int(s.policy.MaxAge/time.Second)))

	return sess, nil
}

// Save persists payload changes. Durable backends need this after every
// mutation; the in-memory backend shares the pointer already.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	if err := s.backend.Save(ctx, sess); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrSessionSave, err)
	}
	return nil
}

// End deletes the session and expires the cookie.
func (s *Store) End(w http.ResponseWriter, r *http.Request, sess *Session) error {
	sess.Clear()

	if err := s.backend.Delete(r.Context(), sess.Token()); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}

	http.SetCookie(w, s.policy.cookie("", -1))

	return nil
}

// ClearExpired removes sessions older than maxAge.
func (s *Store) ClearExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	return s.backend.ClearExpired(ctx, cutoff)
}

// StartSweep begins clearing sessions older than maxAge every interval.
// A non-positive interval leaves expiry to explicit ClearExpired calls.
func (s *Store) StartSweep(interval, maxAge time.Duration) {
	s.sweeper = sweep.Start("sessions", interval, func(ctx context.Context) (int, error) {
		return s.ClearExpired(ctx, maxAge)
	}, s.logger)
}

// Stop ends the background sweep, if any.
func (s *Store) Stop() {
	s.sweeper.Stop()
}
