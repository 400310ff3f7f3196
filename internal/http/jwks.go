package http

import (
	"log/slog"
	"net/http"

	"github.com/outpost-auth/outpost/internal/crypto"
)

// JWKSHandler serves the public signing keys.
type JWKSHandler struct {
	keys   *crypto.KeyService
	logger *slog.Logger
}

// NewJWKSHandler creates a JWKSHandler.
func NewJWKSHandler(keys *crypto.KeyService, logger *slog.Logger) *JWKSHandler {
	return &JWKSHandler{keys: keys, logger: logger}
}

// JWKS handles GET /.well-known/jwks.json. The set is public and
// changes only on rotation, so clients may cache it for an hour. The
// wildcard CORS header lets browser clients verify tokens regardless
// of the configured origins.
func (h *JWKSHandler) JWKS(w http.ResponseWriter, r *http.Request) {
	jwks, err := h.keys.GetJWKS(r.Context())
	if err != nil {
		h.logger.Error("failed to assemble key set", "error", err)
		writeError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	writeJSON(w, http.StatusOK, jwks)
}
