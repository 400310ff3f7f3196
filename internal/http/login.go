package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	outerrors "github.com/outpost-auth/outpost/internal/errors"
	"github.com/outpost-auth/outpost/internal/guard"
	"github.com/outpost-auth/outpost/internal/metrics"
)

// AuthHandler serves login, logout and password management.
type AuthHandler struct {
	guard    *guard.Guard
	sessions *guard.SessionService
	logger   *slog.Logger
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(g *guard.Guard, sessions *guard.SessionService, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{guard: g, sessions: sessions, logger: logger}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	UserID             string `json:"user_id"`
	DisplayName        string `json:"display_name,omitempty"`
	MustChangePassword bool   `json:"must_change_password,omitempty"`
}

// Login handles POST /login. On success a session cookie is set; the
// caller can then return to /oauth/authorize.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, outerrors.CodeInvalidRequest, "malformed request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeOAuthError(w, http.StatusBadRequest, outerrors.CodeInvalidRequest, "username and password are required")
		return
	}

	result, err := h.guard.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		switch outerrors.CodeOf(err) {
		case outerrors.CodeAccountLocked:
			metrics.RecordLogin("locked")
		case outerrors.CodeAccountLockedOnFail:
			metrics.RecordLogin("failure")
			metrics.RecordAccountLockout()
		default:
			metrics.RecordLogin("failure")
		}
		writeError(w, err)
		return
	}
	metrics.RecordLogin("success")

	oldToken := ""
	if cookie, err := r.Cookie(guard.SessionCookieName); err == nil {
		oldToken = cookie.Value
	}
	_, token, err := h.sessions.RotateSession(ctx, oldToken, result.User.ID, r.UserAgent(), r.RemoteAddr)
	if err != nil {
		h.logger.Error("failed to create session", "error", err)
		writeError(w, err)
		return
	}
	h.sessions.SetSessionCookie(w, token)

	writeJSON(w, http.StatusOK, loginResponse{
		UserID:             result.User.ID,
		DisplayName:        result.User.DisplayName,
		MustChangePassword: result.MustChangePassword,
	})
}

// Logout handles POST /logout.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(guard.SessionCookieName); err == nil {
		if err := h.sessions.DeleteSession(r.Context(), cookie.Value); err != nil {
			h.logger.Error("failed to delete session", "error", err)
		}
	}
	h.sessions.ClearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// ChangePassword handles POST /password. The caller must hold a valid
// session; all other sessions for the user are ended on success.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	session, err := h.sessions.GetSessionFromRequest(ctx, r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, outerrors.CodeInvalidRequest, "malformed request body")
		return
	}

	if err := h.guard.ChangePassword(ctx, session.UserID, req.CurrentPassword, req.NewPassword); err != nil {
		writeError(w, err)
		return
	}

	if err := h.sessions.DeleteUserSessions(ctx, session.UserID); err != nil {
		h.logger.Error("failed to end sessions after password change", "error", err)
	}
	h.sessions.ClearSessionCookie(w)

	writeJSON(w, http.StatusOK, map[string]string{"status": "password changed"})
}
