package guard

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/outpost-auth/outpost/internal/domain"
	outerrors "github.com/outpost-auth/outpost/internal/errors"
	"github.com/outpost-auth/outpost/internal/store"
)

const (
	// SessionCookieName is the name of the session cookie.
	SessionCookieName = "outpost_session"
	// sessionTokenLength is the token length in bytes before encoding.
	sessionTokenLength = 32
)

// SessionService manages the cookie-backed sessions that carry a user
// from login through the authorization endpoint.
type SessionService struct {
	sessions     store.SessionRepository
	cookieSecure bool
	cookieDomain string
	sessionTTL   time.Duration
}

// SessionOption configures the SessionService.
type SessionOption func(*SessionService)

// WithCookieSecure marks session cookies as HTTPS-only.
func WithCookieSecure(secure bool) SessionOption {
	return func(s *SessionService) { s.cookieSecure = secure }
}

// WithCookieDomain sets the cookie domain.
func WithCookieDomain(domain string) SessionOption {
	return func(s *SessionService) { s.cookieDomain = domain }
}

// WithSessionTTL sets the session duration.
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(s *SessionService) { s.sessionTTL = ttl }
}

// NewSessionService creates a SessionService.
func NewSessionService(sessions store.SessionRepository, opts ...SessionOption) *SessionService {
	s := &SessionService{
		sessions:   sessions,
		sessionTTL: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession starts a session for a user and returns the opaque token.
func (s *SessionService) CreateSession(ctx context.Context, userID, userAgent, ipAddress string) (*domain.Session, string, error) {
	tokenBytes := make([]byte, sessionTokenLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, "", outerrors.Internal("failed to generate session token", err)
	}
	token := base64.RawURLEncoding.EncodeToString(tokenBytes)

	session := &domain.Session{
		ID:        token,
		UserID:    userID,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(s.sessionTTL),
		UserAgent: userAgent,
		IPAddress: ipAddress,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, "", err
	}
	return session, token, nil
}

// GetSession retrieves a session by token. Expired sessions are removed
// on access.
func (s *SessionService) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	session, err := s.sessions.GetByID(ctx, token)
	if err != nil {
		return nil, err
	}
	if session.IsExpired() {
		_ = s.sessions.Delete(ctx, token)
		return nil, outerrors.Unauthorized("session expired")
	}
	return session, nil
}

// DeleteSession ends a session.
func (s *SessionService) DeleteSession(ctx context.Context, token string) error {
	return s.sessions.Delete(ctx, token)
}

// DeleteUserSessions ends every session belonging to a user.
func (s *SessionService) DeleteUserSessions(ctx context.Context, userID string) error {
	return s.sessions.DeleteByUserID(ctx, userID)
}

// SetSessionCookie writes the session cookie to the response.
func (s *SessionService) SetSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Domain:   s.cookieDomain,
		MaxAge:   int(s.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie removes the session cookie.
func (s *SessionService) ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   s.cookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// GetSessionFromRequest resolves the session named by the request cookie.
func (s *SessionService) GetSessionFromRequest(ctx context.Context, r *http.Request) (*domain.Session, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return nil, outerrors.Unauthorized("no session cookie")
	}
	return s.GetSession(ctx, cookie.Value)
}

// RotateSession invalidates the old session and starts a fresh one.
// Called after login.
func (s *SessionService) RotateSession(ctx context.Context, oldToken, userID, userAgent, ipAddress string) (*domain.Session, string, error) {
	if oldToken != "" {
		_ = s.sessions.Delete(ctx, oldToken)
	}
	return s.CreateSession(ctx, userID, userAgent, ipAddress)
}
