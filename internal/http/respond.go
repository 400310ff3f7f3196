package http

import (
	"encoding/json"
	"net/http"

	outerrors "github.com/outpost-auth/outpost/internal/errors"
)

// errorBody is the JSON error envelope used on every endpoint,
// matching the OAuth wire format.
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code, ErrorDescription: description})
}

// statusForCode maps the structured error taxonomy onto HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case outerrors.CodeInvalidClient, outerrors.CodeUnauthorized,
		outerrors.CodeInvalidCredentials, outerrors.CodeAccountLocked,
		outerrors.CodeAccountLockedOnFail:
		return http.StatusUnauthorized
	case outerrors.CodeAccountInactive, outerrors.CodeProtectedScope:
		return http.StatusForbidden
	case outerrors.CodeNotFound:
		return http.StatusNotFound
	case outerrors.CodeAlreadyExists, outerrors.CodeClientInUse, outerrors.CodeScopeInUse:
		return http.StatusConflict
	case outerrors.CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// writeError renders any service error as a JSON error response.
// Internal errors are masked; the structured message is safe to expose
// for everything else.
func writeError(w http.ResponseWriter, err error) {
	code := outerrors.CodeOf(err)
	description := outerrors.MessageOf(err)
	if code == outerrors.CodeInternal {
		description = "internal server error"
	}
	writeOAuthError(w, statusForCode(code), code, description)
}
