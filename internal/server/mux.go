// Package server provides HTTP server construction for authkeep.
package server

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/authkeep/internal/auth"
	"github.com/alexjbarnes/authkeep/internal/clients"
	"github.com/alexjbarnes/authkeep/internal/session"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Issuer    *auth.Issuer
	Clients   *clients.Registry
	Users     auth.Authenticator
	Sessions  *session.Store
	Logger    *slog.Logger
	ServerURL string
}

// NewMux builds the HTTP mux with OAuth discovery, login, authorization,
// token and revocation endpoints. The userinfo endpoint is protected by
// Bearer token middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", auth.HandleProtectedResourceMetadata(cfg.ServerURL))
	mux.HandleFunc("/.well-known/oauth-authorization-server", auth.HandleServerMetadata(cfg.ServerURL))
	mux.HandleFunc("/login", auth.HandleLogin(cfg.Users, cfg.Sessions, cfg.Logger))
	mux.HandleFunc("/logout", auth.HandleLogout(cfg.Issuer, cfg.Sessions, cfg.Logger))
	mux.HandleFunc("/oauth/authorize", auth.HandleAuthorize(cfg.Issuer, cfg.Clients, cfg.Sessions, cfg.Logger, cfg.ServerURL))
	mux.HandleFunc("/oauth/token", auth.HandleToken(cfg.Issuer, cfg.Clients, cfg.Logger))
	mux.HandleFunc("/oauth/revoke", auth.HandleRevoke(cfg.Issuer, cfg.Clients, cfg.Logger))

	authMiddleware := auth.Middleware(cfg.Issuer, cfg.Logger, cfg.ServerURL)
	mux.Handle("/userinfo", authMiddleware(auth.HandleUserInfo()))

	return mux
}
