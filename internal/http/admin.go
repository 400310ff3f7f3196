package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/outpost-auth/outpost/internal/catalog"
	"github.com/outpost-auth/outpost/internal/domain"
	outerrors "github.com/outpost-auth/outpost/internal/errors"
	"github.com/outpost-auth/outpost/internal/metrics"
)

// AdminHandler serves the client and scope management API.
type AdminHandler struct {
	catalog *catalog.Service
	logger  *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(svc *catalog.Service, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{catalog: svc, logger: logger}
}

// clientView is the API shape of a client. The secret hash never
// leaves the server; the plaintext secret appears only in the
// registration and regeneration responses.
type clientView struct {
	ID                      string   `json:"id"`
	Name                    string   `json:"name"`
	Type                    string   `json:"type"`
	Secret                  string   `json:"secret,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	AllowedScopes           []string `json:"allowed_scopes"`
	RequirePKCE             bool     `json:"require_pkce"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Active                  bool     `json:"active"`
}

func viewClient(c *domain.Client, secret string) clientView {
	return clientView{
		ID:                      c.ID,
		Name:                    c.Name,
		Type:                    string(c.Type),
		Secret:                  secret,
		RedirectURIs:            c.RedirectURIs,
		GrantTypes:              c.GrantTypes,
		ResponseTypes:           c.ResponseTypes,
		AllowedScopes:           c.AllowedScopes,
		RequirePKCE:             c.RequirePKCE,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		Active:                  c.Active,
	}
}

// CreateClient handles POST /admin/clients.
func (h *AdminHandler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var spec catalog.ClientSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeOAuthError(w, http.StatusBadRequest, outerrors.CodeInvalidRequest, "malformed request body")
		return
	}

	client, secret, err := h.catalog.RegisterClient(r.Context(), &spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewClient(client, secret))
}

// ListClients handles GET /admin/clients.
func (h *AdminHandler) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.catalog.ListClients(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]clientView, 0, len(clients))
	for _, c := range clients {
		views = append(views, viewClient(c, ""))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetClient handles GET /admin/clients/{id}.
func (h *AdminHandler) GetClient(w http.ResponseWriter, r *http.Request) {
	client, err := h.catalog.GetClient(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewClient(client, ""))
}

// UpdateClient handles PUT /admin/clients/{id}.
func (h *AdminHandler) UpdateClient(w http.ResponseWriter, r *http.Request) {
	var spec catalog.ClientSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeOAuthError(w, http.StatusBadRequest, outerrors.CodeInvalidRequest, "malformed request body")
		return
	}

	client, err := h.catalog.UpdateClient(r.Context(), chi.URLParam(r, "id"), &spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewClient(client, ""))
}

// DeleteClient handles DELETE /admin/clients/{id}. Without ?force=true
// the request fails with client_in_use while unrevoked tokens exist.
func (h *AdminHandler) DeleteClient(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	revoked, err := h.catalog.DeleteClient(r.Context(), chi.URLParam(r, "id"), force)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.RecordCascadeDeletion("client")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "deleted",
		"revoked_tokens": revoked,
	})
}

// RegenerateClientSecret handles POST /admin/clients/{id}/secret.
func (h *AdminHandler) RegenerateClientSecret(w http.ResponseWriter, r *http.Request) {
	client, secret, err := h.catalog.RegenerateSecret(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewClient(client, secret))
}

// CreateScope handles POST /admin/scopes.
func (h *AdminHandler) CreateScope(w http.ResponseWriter, r *http.Request) {
	var spec catalog.ScopeSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeOAuthError(w, http.StatusBadRequest, outerrors.CodeInvalidRequest, "malformed request body")
		return
	}

	scope, err := h.catalog.CreateScope(r.Context(), &spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, scope)
}

// ListScopes handles GET /admin/scopes.
func (h *AdminHandler) ListScopes(w http.ResponseWriter, r *http.Request) {
	scopes, err := h.catalog.ListScopes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scopes)
}

// GetScope handles GET /admin/scopes/{name}.
func (h *AdminHandler) GetScope(w http.ResponseWriter, r *http.Request) {
	scope, err := h.catalog.GetScope(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scope)
}

// UpdateScope handles PUT /admin/scopes/{name}.
func (h *AdminHandler) UpdateScope(w http.ResponseWriter, r *http.Request) {
	var spec catalog.ScopeSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeOAuthError(w, http.StatusBadRequest, outerrors.CodeInvalidRequest, "malformed request body")
		return
	}

	scope, err := h.catalog.UpdateScope(r.Context(), chi.URLParam(r, "name"), &spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scope)
}

// DeleteScope handles DELETE /admin/scopes/{name}. Without ?force=true
// the request fails with scope_in_use while live tokens carry the scope.
func (h *AdminHandler) DeleteScope(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	stripped, err := h.catalog.DeleteScope(r.Context(), chi.URLParam(r, "name"), force)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.RecordCascadeDeletion("scope")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "deleted",
		"stripped_tokens": stripped,
	})
}
