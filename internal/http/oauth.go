package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/outpost-auth/outpost/internal/authz"
	"github.com/outpost-auth/outpost/internal/domain"
	outerrors "github.com/outpost-auth/outpost/internal/errors"
	"github.com/outpost-auth/outpost/internal/grant"
	"github.com/outpost-auth/outpost/internal/guard"
	"github.com/outpost-auth/outpost/internal/metrics"
)

// OAuthHandler serves the protocol endpoints: authorize, token,
// revocation and introspection.
type OAuthHandler struct {
	validator *authz.Validator
	exchanger *grant.Exchanger
	sessions  *guard.SessionService
	logger    *slog.Logger
}

// NewOAuthHandler creates an OAuthHandler.
func NewOAuthHandler(validator *authz.Validator, exchanger *grant.Exchanger, sessions *guard.SessionService, logger *slog.Logger) *OAuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OAuthHandler{
		validator: validator,
		exchanger: exchanger,
		sessions:  sessions,
		logger:    logger,
	}
}

// Authorize handles GET /oauth/authorize.
//
// Failures before the client and redirect_uri have been verified are
// answered directly; redirecting on them would be an open redirect.
// Once the redirect target is trusted, failures are delivered to it
// with error, error_description and state in the query string.
func (h *OAuthHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := authz.ParseRequest(r)
	validated, failure, err := h.validator.Validate(ctx, req)
	if err != nil {
		h.logger.Error("authorization validation failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, outerrors.CodeInternal, "internal server error")
		return
	}
	if failure != nil {
		if failure.Redirectable {
			http.Redirect(w, r, failure.RedirectURL(), http.StatusFound)
			return
		}
		writeOAuthError(w, statusForCode(failure.Code), failure.Code, failure.Description)
		return
	}

	session, err := h.sessions.GetSessionFromRequest(ctx, r)
	if err != nil {
		// The user must authenticate at /login before a code can be
		// bound to them.
		writeOAuthError(w, http.StatusUnauthorized, outerrors.CodeUnauthorized, "authentication required")
		return
	}

	code, err := h.exchanger.IssueCode(ctx, validated, session.UserID)
	if err != nil {
		h.logger.Error("failed to issue authorization code", "error", err)
		redirect := &authz.Failure{
			Code:        "server_error",
			Description: "failed to issue authorization code",
			State:       validated.State,
			RedirectURI: validated.RedirectURI,
		}
		http.Redirect(w, r, redirect.RedirectURL(), http.StatusFound)
		return
	}
	metrics.RecordAuthCodeIssued()

	http.Redirect(w, r, successRedirect(validated.RedirectURI, code.Code, validated.State), http.StatusFound)
}

// Token handles POST /oauth/token.
func (h *OAuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, outerrors.CodeInvalidRequest, "malformed request body")
		return
	}
	creds := grant.CredentialsFromRequest(r)
	grantType := r.PostFormValue("grant_type")

	var resp *grant.TokenResponse
	var err error
	switch grantType {
	case domain.GrantAuthorizationCode:
		resp, err = h.exchanger.ExchangeAuthorizationCode(ctx, creds,
			r.PostFormValue("code"),
			r.PostFormValue("redirect_uri"),
			r.PostFormValue("code_verifier"))
	case domain.GrantRefreshToken:
		resp, err = h.exchanger.Refresh(ctx, creds,
			r.PostFormValue("refresh_token"),
			r.PostFormValue("scope"))
	case domain.GrantClientCredentials:
		resp, err = h.exchanger.ClientCredentials(ctx, creds, r.PostFormValue("scope"))
	case "":
		writeOAuthError(w, http.StatusBadRequest, outerrors.CodeInvalidRequest, "grant_type is required")
		return
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type not supported")
		return
	}

	if err != nil {
		h.logger.Info("token request failed", "grant_type", grantType, "client_id", creds.ClientID, "error", err)
		code := outerrors.CodeOf(err)
		if code == outerrors.CodeInvalidClient {
			w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		}
		writeError(w, err)
		return
	}

	metrics.RecordTokenIssued(grantType)
	h.logger.Info("tokens issued", "grant_type", grantType, "client_id", creds.ClientID)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(resp)
}

// Revoke handles POST /oauth/revoke (RFC 7009). A successful request
// always returns 200 with an empty body, whether or not the token
// existed.
func (h *OAuthHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, outerrors.CodeInvalidRequest, "malformed request body")
		return
	}
	creds := grant.CredentialsFromRequest(r)

	if err := h.exchanger.Revoke(r.Context(), creds, r.PostFormValue("token")); err != nil {
		writeError(w, err)
		return
	}
	metrics.RecordTokenRevocation()
	w.WriteHeader(http.StatusOK)
}

// Introspect handles POST /oauth/introspect (RFC 7662).
func (h *OAuthHandler) Introspect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, outerrors.CodeInvalidRequest, "malformed request body")
		return
	}
	creds := grant.CredentialsFromRequest(r)

	info, err := h.exchanger.Introspect(r.Context(), creds, r.PostFormValue("token"))
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.RecordTokenIntrospection(info.Active)
	writeJSON(w, http.StatusOK, info)
}

// successRedirect builds the authorization response redirect carrying
// the code and the echoed state.
func successRedirect(redirectURI, code, state string) string {
	u, _ := url.Parse(redirectURI)
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
