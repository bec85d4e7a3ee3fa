package auth

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/authkeep/internal/clients"
)

// HandleRevoke returns the /oauth/revoke handler (RFC 7009). Unknown
// tokens still get a 200 so callers cannot test which ones are valid.
func HandleRevoke(issuer *Issuer, registry *clients.Registry, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		if err := r.ParseForm(); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
			return
		}

		client, ok := authenticateClient(w, r, registry)
		if !ok {
			return
		}

		token := r.PostFormValue("token")
		if token == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "token is required")
			return
		}

		if err := issuer.Revoke(r.Context(), token, r.PostFormValue("token_type_hint"), client.ClientID); err != nil {
			logger.Error("revoke failed",
				slog.String("client_id", client.ClientID),
				slog.String("error", err.Error()),
			)
			writeJSONError(w, http.StatusServiceUnavailable, "server_error", "revocation failed")

			return
		}

		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
	}
}
