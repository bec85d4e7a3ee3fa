package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/authkeep/internal/auth"
	"github.com/alexjbarnes/authkeep/internal/session"
	"github.com/alexjbarnes/authkeep/internal/users"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// BackendMemory keeps codes, tokens and sessions in process memory.
	BackendMemory = "memory"
	// BackendBolt keeps them in a bbolt file at STATE_PATH.
	BackendBolt = "bolt"
)

// Config holds all environment-based configuration for the authkeep
// server.
type Config struct {
	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	// ServerURL is the public issuer URL, used in metadata and the iss
	// redirect parameter.
	ServerURL string `env:"SERVER_URL"`

	UsersFile         string `env:"USERS_FILE"`
	UsersAutoGenerate bool   `env:"USERS_AUTOGENERATE" envDefault:"false"`
	ClientsFile       string `env:"CLIENTS_FILE"`

	// StoreBackend selects memory or bolt. StatePath defaults to
	// ~/.authkeep/state.db for the bolt backend.
	StoreBackend       string        `env:"STORE_BACKEND" envDefault:"memory"`
	StatePath          string        `env:"STATE_PATH"`
	CodeTTL            time.Duration `env:"CODE_TTL" envDefault:"5m"`
	AccessTokenTTL     time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL    time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`
	// A non-positive sweep interval runs no background sweep.
	StoreSweepInterval time.Duration `env:"STORE_SWEEP_INTERVAL" envDefault:"1m"`

	SessionCookieName     string        `env:"SESSION_COOKIE_NAME" envDefault:"authkeep_session"`
	SessionCookieDomain   string        `env:"SESSION_COOKIE_DOMAIN"`
	SessionCookieSecure   bool          `env:"SESSION_COOKIE_SECURE" envDefault:"true"`
	SessionCookieSameSite string        `env:"SESSION_COOKIE_SAMESITE" envDefault:"lax"`
	SessionMaxAge         time.Duration `env:"SESSION_MAX_AGE" envDefault:"24h"`
	SessionSweepInterval  time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"10m"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StoreBackend == BackendBolt && cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	// Relative paths are resolved once at startup so the watcher and the
	// state file do not depend on later working directory changes.
	for _, p := range []*string{&cfg.UsersFile, &cfg.ClientsFile, &cfg.StatePath} {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s to absolute path: %w", *p, err)
		}

		*p = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("SERVER_URL must be an absolute http(s) URL")
	}

	if u.Scheme == "http" && c.IsProduction() && !isLoopback(u.Hostname()) {
		return fmt.Errorf("SERVER_URL must use https in production")
	}

	if c.UsersFile == "" {
		return fmt.Errorf("USERS_FILE is required")
	}

	if c.ClientsFile == "" {
		return fmt.Errorf("CLIENTS_FILE is required")
	}

	switch c.StoreBackend {
	case BackendMemory, BackendBolt:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendMemory, BackendBolt, c.StoreBackend)
	}

	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"CODE_TTL", c.CodeTTL},
		{"ACCESS_TOKEN_TTL", c.AccessTokenTTL},
		{"REFRESH_TOKEN_TTL", c.RefreshTokenTTL},
		{"SESSION_MAX_AGE", c.SessionMaxAge},
	} {
		if d.v <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}

	if c.SessionCookieName == "" {
		return fmt.Errorf("SESSION_COOKIE_NAME must not be empty")
	}

	switch strings.ToLower(c.SessionCookieSameSite) {
	case "lax", "strict":
	case "none":
		// Browsers drop SameSite=None cookies without Secure.
		if !c.SessionCookieSecure {
			return fmt.Errorf("SESSION_COOKIE_SAMESITE=none requires SESSION_COOKIE_SECURE=true")
		}
	default:
		return fmt.Errorf("SESSION_COOKIE_SAMESITE must be lax, strict or none")
	}

	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}

// DefaultStatePath returns ~/.authkeep/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".authkeep", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Lifetimes returns the code and token lifetimes for the issuer.
func (c *Config) Lifetimes() auth.Lifetimes {
	return auth.Lifetimes{
		Code:    c.CodeTTL,
		Access:  c.AccessTokenTTL,
		Refresh: c.RefreshTokenTTL,
	}
}

// CookiePolicy returns the session cookie policy.
func (c *Config) CookiePolicy() session.CookiePolicy {
	p := session.DefaultCookiePolicy()
	p.Name = c.SessionCookieName
	p.Domain = c.SessionCookieDomain
	p.Secure = c.SessionCookieSecure
	p.SameSite = session.ParseSameSite(c.SessionCookieSameSite)
	p.MaxAge = c.SessionMaxAge

	return p
}

// UsersOptions returns the users file parse options.
func (c *Config) UsersOptions() users.Options {
	return users.Options{AutoGenerate: c.UsersAutoGenerate}
}
