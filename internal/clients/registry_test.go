package clients

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alexjbarnes/authkeep/internal/hasher"
	"github.com/alexjbarnes/authkeep/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cr3t-s3cr3t-s3cr3t"

const testYAML = `
clients:
  - client_id: web
    client_name: Web App
    secret: s3cr3t-s3cr3t-s3cr3t
    redirect_uris:
      - https://app.example.com/callback
  - client_id: cli
    redirect_uris:
      - http://127.0.0.1
`

func mustParse(t *testing.T, yml string) *Registry {
	t.Helper()
	r, err := Parse([]byte(yml))
	require.NoError(t, err)
	return r
}

// --- Parse ---

func TestParse_ConfidentialAndPublic(t *testing.T) {
	r := mustParse(t, testYAML)
	assert.Equal(t, 2, r.Len())

	web := r.Get("web")
	require.NotNil(t, web)
	assert.Equal(t, "Web App", web.ClientName)
	assert.True(t, web.Confidential())

	want, err := hasher.HashToken(testSecret)
	require.NoError(t, err)
	assert.Equal(t, want, web.SecretHash)

	cli := r.Get("cli")
	require.NotNil(t, cli)
	assert.False(t, cli.Confidential())

	assert.Nil(t, r.Get("unknown"))
}

func TestParse_SecretHash(t *testing.T) {
	h, err := hasher.HashToken(testSecret)
	require.NoError(t, err)

	r := mustParse(t, `
clients:
  - client_id: svc
    secret_hash: "$sha256$`+h+`"
    redirect_uris: [https://svc.example.com/cb]
`)
	_, ok := r.Authenticate("svc", testSecret)
	assert.True(t, ok)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yml  string
		want string
	}{
		{"missing id", "clients:\n  - client_name: x\n", "client_id is required"},
		{"duplicate", "clients:\n  - client_id: a\n  - client_id: a\n", "duplicate client_id"},
		{"short secret", "clients:\n  - client_id: a\n    secret: short\n", "too short"},
		{"both secrets", "clients:\n  - client_id: a\n    secret: s3cr3t-s3cr3t-s3cr3t\n    secret_hash: abc\n", "not both"},
		{"bad hash", "clients:\n  - client_id: a\n    secret_hash: abc\n", "SHA-256"},
		{"http redirect", "clients:\n  - client_id: a\n    redirect_uris: [http://evil.example.com/cb]\n", "HTTPS"},
		{"bad yaml", "clients: [", "decoding yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clients.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testYAML), 0o600))

	r, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

// --- Authenticate ---

func TestAuthenticate(t *testing.T) {
	r := mustParse(t, testYAML)

	c, ok := r.Authenticate("web", testSecret)
	assert.True(t, ok)
	assert.Equal(t, "web", c.ClientID)

	_, ok = r.Authenticate("web", "wrong-secret-wrong-secret")
	assert.False(t, ok)

	_, ok = r.Authenticate("web", "")
	assert.False(t, ok, "confidential client without secret")

	_, ok = r.Authenticate("cli", "")
	assert.True(t, ok)

	_, ok = r.Authenticate("cli", "unexpected-secret-value")
	assert.False(t, ok, "public client presenting a secret")

	_, ok = r.Authenticate("nobody", "")
	assert.False(t, ok)
}

// --- Redirect URIs ---

func TestValidateRedirectURI(t *testing.T) {
	client := &models.OAuthClient{
		RedirectURIs: []string{"https://app.example.com/callback", "http://127.0.0.1"},
	}

	tests := []struct {
		uri  string
		want bool
	}{
		{"https://app.example.com/callback", true},
		{"https://app.example.com/other", false},
		{"http://127.0.0.1:49152/callback", true},
		{"http://127.0.0.1.evil.com/callback", false},
		{"https://127.0.0.1:8080/callback", false},
		{"http://localhost:8080/callback", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidateRedirectURI(client, tt.uri), tt.uri)
	}
}
