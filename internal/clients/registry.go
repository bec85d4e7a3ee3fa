// Package clients loads the out-of-band OAuth client registry and
// checks client credentials and redirect URIs against it.
package clients

import (
	"crypto/subtle"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/alexjbarnes/authkeep/internal/hasher"
	"github.com/alexjbarnes/authkeep/internal/models"
	"gopkg.in/yaml.v3"
)

// sha256Prefix marks a secret_hash value produced by hasher.HashToken.
const sha256Prefix = "$sha256$"

type registryFile struct {
	Clients []clientEntry `yaml:"clients"`
}

// clientEntry is one YAML entry. Either secret (plaintext, hashed on
// load) or secret_hash may be set; neither means a public client.
type clientEntry struct {
	ClientID     string   `yaml:"client_id"`
	ClientName   string   `yaml:"client_name"`
	Secret       string   `yaml:"secret"`
	SecretHash   string   `yaml:"secret_hash"`
	RedirectURIs []string `yaml:"redirect_uris"`
}

// Registry is an immutable set of registered clients.
type Registry struct {
	clients map[string]*models.OAuthClient
}

// Load reads a YAML registry file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading clients file: %w", err)
	}

	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing clients file %s: %w", path, err)
	}

	return r, nil
}

// Parse builds a registry from YAML. Plaintext secrets must be at least
// hasher.MinTokenLen characters and are hashed immediately.
func Parse(data []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding yaml: %w", err)
	}

	r := &Registry{clients: make(map[string]*models.OAuthClient, len(f.Clients))}

	for i, e := range f.Clients {
		if e.ClientID == "" {
			return nil, fmt.Errorf("client %d: client_id is required", i+1)
		}

		if _, dup := r.clients[e.ClientID]; dup {
			return nil, fmt.Errorf("duplicate client_id %q", e.ClientID)
		}

		if e.Secret != "" && e.SecretHash != "" {
			return nil, fmt.Errorf("client %q: set secret or secret_hash, not both", e.ClientID)
		}

		secretHash := ""

		switch {
		case e.Secret != "":
			h, err := hasher.HashToken(e.Secret)
			if err != nil {
				return nil, fmt.Errorf("client %q secret: %w", e.ClientID, err)
			}

			secretHash = h
		case e.SecretHash != "":
			secretHash = strings.TrimPrefix(e.SecretHash, sha256Prefix)
			if len(secretHash) != 64 {
				return nil, fmt.Errorf("client %q: secret_hash must be a SHA-256 hex digest", e.ClientID)
			}
		}

		for _, uri := range e.RedirectURIs {
			if err := checkRedirectURI(uri); err != nil {
				return nil, fmt.Errorf("client %q: %w", e.ClientID, err)
			}
		}

		r.clients[e.ClientID] = &models.OAuthClient{
			ClientID:     e.ClientID,
			ClientName:   e.ClientName,
			SecretHash:   strings.ToLower(secretHash),
			RedirectURIs: e.RedirectURIs,
		}
	}

	return r, nil
}

// checkRedirectURI requires HTTPS, except for loopback hosts.
func checkRedirectURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid redirect_uri %q", uri)
	}

	if u.Scheme == "https" {
		return nil
	}

	if u.Scheme == "http" && isLoopbackHost(u.Hostname()) {
		return nil
	}

	return fmt.Errorf("redirect_uri %q must use HTTPS", uri)
}

// Get returns the client for a given client_id, or nil.
func (r *Registry) Get(clientID string) *models.OAuthClient {
	c, ok := r.clients[clientID]
	if !ok {
		return nil
	}

	cp := *c

	return &cp
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	return len(r.clients)
}

// Authenticate checks a client's credentials. Public clients pass with
// an empty secret; confidential clients need the matching secret.
func (r *Registry) Authenticate(clientID, secret string) (*models.OAuthClient, bool) {
	c := r.Get(clientID)
	if c == nil {
		return nil, false
	}

	if !c.Confidential() {
		return c, secret == ""
	}

	h, err := hasher.HashToken(secret)
	if err != nil {
		return nil, false
	}

	if subtle.ConstantTimeCompare([]byte(h), []byte(c.SecretHash)) != 1 {
		return nil, false
	}

	return c, true
}

// ValidateRedirectURI checks that redirectURI matches one of the client's
// registered redirect_uris. Exact match is required for HTTPS URIs.
// A registered bare loopback prefix (http://127.0.0.1 or
// http://localhost) accepts any port and path, per RFC 8252 Section 7.3.
func ValidateRedirectURI(client *models.OAuthClient, redirectURI string) bool {
	for _, registered := range client.RedirectURIs {
		if redirectURI == registered {
			return true
		}

		if isLocalhostPrefix(registered) && isLoopbackRedirect(redirectURI, registered) {
			return true
		}
	}

	return false
}

func isLocalhostPrefix(uri string) bool {
	return uri == "http://127.0.0.1" || uri == "http://localhost"
}

func isLoopbackHost(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// isLoopbackRedirect compares scheme and hostname of both URIs so that
// 127.0.0.1.evil.com does not match a 127.0.0.1 prefix.
func isLoopbackRedirect(redirectURI, registeredPrefix string) bool {
	ru, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}

	pu, err := url.Parse(registeredPrefix)
	if err != nil {
		return false
	}

	return ru.Scheme == pu.Scheme && ru.Hostname() == pu.Hostname()
}
