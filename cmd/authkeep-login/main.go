// Command authkeep-login runs the authorization code flow against an
// authkeep server from a terminal and prints the token response as JSON.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexjbarnes/authkeep/internal/logging"
	"github.com/alexjbarnes/authkeep/internal/oauthclient"
	"golang.org/x/oauth2"
)

type config struct {
	ServerURL    string
	ClientID     string
	ClientSecret string
	Scopes       string
	ListenAddr   string
	Refresh      string
	Timeout      time.Duration
	LogLevel     string
}

func loadConfig() *config {
	cfg := &config{}

	flag.StringVar(&cfg.ServerURL, "server-url", os.Getenv("AUTHKEEP_SERVER_URL"), "authkeep server base URL")
	flag.StringVar(&cfg.ClientID, "client-id", os.Getenv("AUTHKEEP_CLIENT_ID"), "registered client_id")
	flag.StringVar(&cfg.ClientSecret, "client-secret", os.Getenv("AUTHKEEP_CLIENT_SECRET"), "client secret (confidential clients only)")
	flag.StringVar(&cfg.Scopes, "scope", os.Getenv("AUTHKEEP_SCOPE"), "space-separated scopes")
	flag.StringVar(&cfg.ListenAddr, "listen-addr", envOr("AUTHKEEP_CALLBACK_ADDR", "127.0.0.1:0"), "loopback address for the redirect listener")
	flag.StringVar(&cfg.Refresh, "refresh", "", "refresh token to redeem instead of running the browser flow")
	flag.DurationVar(&cfg.Timeout, "timeout", 5*time.Minute, "how long to wait for the browser redirect")
	flag.StringVar(&cfg.LogLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flag.Parse()

	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)

		var te *oauthclient.TransportError
		if errors.As(err, &te) && te.Retryable() {
			os.Exit(75) // EX_TEMPFAIL
		}
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := logging.NewStderrLogger("development", cfg.LogLevel)

	if cfg.ServerURL == "" {
		return fmt.Errorf("AUTHKEEP_SERVER_URL or --server-url is required")
	}
	if cfg.ClientID == "" {
		return fmt.Errorf("AUTHKEEP_CLIENT_ID or --client-id is required")
	}

	client := oauthclient.New(oauthclient.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.ServerURL + "/oauth/authorize",
			TokenURL: cfg.ServerURL + "/oauth/token",
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		tr  *oauthclient.TokenResponse
		err error
	)

	if cfg.Refresh != "" {
		tr, err = client.RefreshToken(ctx, cfg.Refresh)
	} else {
		tr, err = browserFlow(ctx, client, cfg, logger)
	}
	if err != nil {
		return err
	}

	if tr.IsError() {
		return fmt.Errorf("server returned %s: %s", tr.Error, tr.ErrorDescription)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(map[string]any{
		"access_token":  tr.AccessToken,
		"token_type":    tr.TokenType,
		"expires_in":    tr.ExpiresIn,
		"refresh_token": tr.RefreshToken,
		"scope":         tr.Scope,
	})
}

// callbackResult is what the redirect listener received.
type callbackResult struct {
	code string
	err  error
}

// browserFlow listens on a loopback port, prints the authorization URL,
// waits for the redirect and exchanges the code.
func browserFlow(ctx context.Context, client *oauthclient.Client, cfg *config, logger *slog.Logger) (*oauthclient.TokenResponse, error) {
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("starting redirect listener: %w", err)
	}

	redirectURI := fmt.Sprintf("http://%s/callback", ln.Addr().String())
	ar := client.BuildAuthorizationRequest(redirectURI, strings.Fields(cfg.Scopes), "")

	results := make(chan callbackResult, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var res callbackResult
		switch {
		case q.Get("state") != ar.State:
			res.err = fmt.Errorf("state mismatch on redirect")
		case q.Get("iss") != "" && q.Get("iss") != cfg.ServerURL:
			res.err = fmt.Errorf("issuer mismatch on redirect: %s", q.Get("iss"))
		case q.Get("error") != "":
			res.err = fmt.Errorf("authorization failed: %s: %s", q.Get("error"), q.Get("error_description"))
		case q.Get("code") == "":
			res.err = fmt.Errorf("redirect carried no code")
		default:
			res.code = q.Get("code")
		}

		if res.err != nil {
			http.Error(w, res.err.Error(), http.StatusBadRequest)
		} else {
			fmt.Fprintln(w, "Login complete. You can close this window.")
		}

		select {
		case results <- res:
		default:
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go srv.Serve(ln)
	defer srv.Close()

	logger.Debug("redirect listener started", slog.String("redirect_uri", redirectURI))
	fmt.Fprintf(os.Stderr, "Open this URL in a browser where you are logged in:\n\n  %s\n\n", ar.URL)

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var res callbackResult
	select {
	case <-waitCtx.Done():
		return nil, fmt.Errorf("waiting for redirect: %w", waitCtx.Err())
	case res = <-results:
	}

	if res.err != nil {
		return nil, res.err
	}

	return client.ExchangeCode(ctx, res.code, redirectURI, ar.PKCE.Verifier)
}
