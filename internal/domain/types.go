// Package domain defines the core types for the authorization server.
package domain

import (
	"time"
)

// ClientType distinguishes public clients (browser, native apps) from
// confidential clients that can hold a secret.
type ClientType string

const (
	ClientTypePublic       ClientType = "public"
	ClientTypeConfidential ClientType = "confidential"
)

// Token endpoint authentication methods.
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodPrivateKeyJWT     = "private_key_jwt"
)

// Grant type identifiers.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// Client represents a registered OAuth 2.1 client application.
//
// Public clients carry no secret hash and always authenticate with
// method "none"; the field combinations are enforced at store write time.
type Client struct {
	ID                      string     `json:"id"`
	Name                    string     `json:"name"`
	Type                    ClientType `json:"type"`
	SecretHash              string     `json:"secret_hash,omitempty"`    // confidential clients only
	PublicKeyPEM            string     `json:"public_key_pem,omitempty"` // private_key_jwt clients only
	RedirectURIs            []string   `json:"redirect_uris"`
	GrantTypes              []string   `json:"grant_types"`
	ResponseTypes           []string   `json:"response_types"`
	AllowedScopes           []string   `json:"allowed_scopes"`
	RequirePKCE             bool       `json:"require_pkce"`
	TokenEndpointAuthMethod string     `json:"token_endpoint_auth_method"`
	Active                  bool       `json:"active"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// IsPublic reports whether the client is a public client.
func (c *Client) IsPublic() bool {
	return c.Type == ClientTypePublic
}

// PKCERequired reports whether PKCE must be enforced for this client.
// Public clients require PKCE regardless of the stored flag.
func (c *Client) PKCERequired() bool {
	return c.IsPublic() || c.RequirePKCE
}

// HasGrantType reports whether the client may use the given grant type.
func (c *Client) HasGrantType(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// HasRedirectURI reports whether uri exactly matches a registered URI.
// Matching is byte-for-byte; no prefix or pattern matching.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// AllowsScope reports whether the named scope is in the client's
// allowed scope set.
func (c *Client) AllowsScope(name string) bool {
	for _, s := range c.AllowedScopes {
		if s == name {
			return true
		}
	}
	return false
}

// Scope represents a named capability unit.
type Scope struct {
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Category      string    `json:"category,omitempty"`
	IsDefault     bool      `json:"is_default"`
	RequiresAdmin bool      `json:"requires_admin"`
	IsSensitive   bool      `json:"is_sensitive"`
	Protected     bool      `json:"protected"` // standard scopes (openid, ...) cannot be mutated or deleted
	Resources     []string  `json:"resources,omitempty"`
	Dependencies  []string  `json:"dependencies,omitempty"` // scope names implicitly required
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AuthorizationCode is a single-use, short-lived credential binding a
// client, user, redirect URI and PKCE challenge.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"` // S256 only
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	Consumed            bool      `json:"consumed"`
}

// IsExpired reports whether the authorization code has expired.
func (a *AuthorizationCode) IsExpired() bool {
	return time.Now().After(a.ExpiresAt)
}

// TokenKind distinguishes access token records from refresh tokens.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// Token is a stored access or refresh token record. Access tokens are
// JWTs; their record is keyed by jti so revocation and cascades remain
// observable through introspection. Refresh tokens are opaque values.
// ParentID records lineage: revoking a token revokes its whole
// descendant chain.
type Token struct {
	Value     string    `json:"value"`
	Kind      TokenKind `json:"kind"`
	ClientID  string    `json:"client_id"`
	UserID    string    `json:"user_id,omitempty"` // absent for client_credentials
	Scope     string    `json:"scope"`
	ParentID  string    `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// IsExpired reports whether the token has expired.
func (t *Token) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// IsActive reports whether the token is usable (not expired, not revoked).
func (t *Token) IsActive() bool {
	return !t.IsExpired() && !t.Revoked
}

// User represents an identity in the system.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username,omitempty"`
	PasswordHash string    `json:"password_hash,omitempty"`
	DisplayName  string    `json:"display_name,omitempty"`
	Active       bool      `json:"active"`
	LastLoginAt  time.Time `json:"last_login_at,omitzero"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AccountSecurity holds the per-user lockout and password-policy state.
// It is mutated only by the account security guard through the store's
// atomic operations.
type AccountSecurity struct {
	UserID             string    `json:"user_id"`
	FailedAttempts     int       `json:"failed_attempts"`
	LockedUntil        time.Time `json:"locked_until,omitzero"`
	PasswordHistory    []string  `json:"password_history,omitempty"` // prior hashes, oldest first
	MustChangePassword bool      `json:"must_change_password"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// IsLocked reports whether the account is locked at time now.
func (a *AccountSecurity) IsLocked(now time.Time) bool {
	return !a.LockedUntil.IsZero() && now.Before(a.LockedUntil)
}

// Session represents an authenticated user session backing the
// authorization endpoint.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UserAgent string    `json:"user_agent,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
}

// IsExpired reports whether the session has expired.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}
