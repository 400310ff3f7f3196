// Package store defines repository interfaces for persistence.
package store

import (
	"context"
	"time"

	"github.com/outpost-auth/outpost/internal/domain"
)

// UserRepository defines operations for user persistence.
type UserRepository interface {
	Create(ctx context.Context, user *domain.User) error
	GetByID(ctx context.Context, id string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	Update(ctx context.Context, user *domain.User) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*domain.User, error)
}

// ClientRepository defines operations for OAuth client persistence.
// Create and Update enforce the client type invariants: public clients
// must carry no secret hash, authenticate with method "none" and must
// not hold the client_credentials grant.
type ClientRepository interface {
	Create(ctx context.Context, client *domain.Client) error
	GetByID(ctx context.Context, id string) (*domain.Client, error)
	Update(ctx context.Context, client *domain.Client) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*domain.Client, error)
}

// ScopeRepository defines operations for scope persistence.
type ScopeRepository interface {
	Create(ctx context.Context, scope *domain.Scope) error
	GetByName(ctx context.Context, name string) (*domain.Scope, error)
	Update(ctx context.Context, scope *domain.Scope) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]*domain.Scope, error)
}

// AuthCodeRepository defines operations for authorization code persistence.
type AuthCodeRepository interface {
	Create(ctx context.Context, code *domain.AuthorizationCode) error
	GetByCode(ctx context.Context, code string) (*domain.AuthorizationCode, error)
	// Consume atomically checks that the code exists, is unconsumed and
	// unexpired, and marks it consumed. Exactly one of two concurrent
	// calls for the same code value succeeds; the loser gets an
	// invalid_grant error. The committed consumption is never rolled
	// back if the caller later disconnects.
	Consume(ctx context.Context, code string) (*domain.AuthorizationCode, error)
	DeleteExpired(ctx context.Context) error
}

// TokenRepository defines operations for token persistence.
type TokenRepository interface {
	Create(ctx context.Context, token *domain.Token) error
	GetByValue(ctx context.Context, value string) (*domain.Token, error)
	// Revoke marks the token revoked.
	Revoke(ctx context.Context, value string) error
	// RevokeChain marks the token and every descendant (by ParentID
	// lineage) revoked.
	RevokeChain(ctx context.Context, value string) error
	RevokeByClientID(ctx context.Context, clientID string) error
	RevokeByUserID(ctx context.Context, userID string) error
	// CountActiveByClientID reports how many unrevoked, unexpired tokens
	// the client currently holds.
	CountActiveByClientID(ctx context.Context, clientID string) (int, error)
	// CountActiveByScope reports how many unrevoked, unexpired tokens
	// carry the named scope.
	CountActiveByScope(ctx context.Context, name string) (int, error)
	DeleteExpired(ctx context.Context) error
}

// SecurityRepository defines operations over per-user account security
// state. RecordFailure is the single atomic read-modify-write for the
// failed-attempt counter and lock transition.
type SecurityRepository interface {
	Get(ctx context.Context, userID string) (*domain.AccountSecurity, error)
	// RecordFailure increments the failed-attempt counter and, when the
	// counter reaches threshold, sets LockedUntil = now + lockFor. The
	// returned state reflects the transition; locked reports whether this
	// call crossed the threshold.
	RecordFailure(ctx context.Context, userID string, threshold int, lockFor time.Duration) (state *domain.AccountSecurity, locked bool, err error)
	// ResetFailures clears the counter and the lock after a successful
	// authentication.
	ResetFailures(ctx context.Context, userID string) error
	// PushPasswordHistory appends oldHash to the bounded history (oldest
	// evicted beyond maxHistory) and clears MustChangePassword.
	PushPasswordHistory(ctx context.Context, userID, oldHash string, maxHistory int) error
	SetMustChangePassword(ctx context.Context, userID string, must bool) error
}

// SessionRepository defines operations for session persistence.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	Delete(ctx context.Context, id string) error
	DeleteByUserID(ctx context.Context, userID string) error
	DeleteExpired(ctx context.Context) error
}

// Store aggregates all repositories plus the cross-collection cascades
// that must run in a single critical section.
type Store interface {
	Users() UserRepository
	Clients() ClientRepository
	Scopes() ScopeRepository
	AuthCodes() AuthCodeRepository
	Tokens() TokenRepository
	Security() SecurityRepository
	Sessions() SessionRepository

	// DeleteClientCascade deletes the client and synchronously revokes
	// every token and authorization code bound to it.
	DeleteClientCascade(ctx context.Context, clientID string) error
	// DeleteScopeCascade deletes the scope, strips it from every
	// client's allowed scope set and from live token scope sets.
	DeleteScopeCascade(ctx context.Context, name string) error

	Close() error
}
