package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/outpost-auth/outpost/internal/domain"
	outerrors "github.com/outpost-auth/outpost/internal/errors"
	"github.com/outpost-auth/outpost/internal/store"
)

// Guard gates credential verification behind the per-account lockout
// state machine and enforces the password policy.
type Guard struct {
	users     store.UserRepository
	security  store.SecurityRepository
	threshold int
	lockFor   time.Duration
	minLen    int
	history   int
	logger    *slog.Logger
}

// Config holds the guard's policy knobs.
type Config struct {
	LockoutThreshold int
	LockoutDuration  time.Duration
	PasswordMinLen   int
	PasswordHistory  int
}

// New creates a Guard.
func New(users store.UserRepository, security store.SecurityRepository, cfg Config, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		users:     users,
		security:  security,
		threshold: cfg.LockoutThreshold,
		lockFor:   cfg.LockoutDuration,
		minLen:    cfg.PasswordMinLen,
		history:   cfg.PasswordHistory,
		logger:    logger,
	}
}

// LoginResult is returned on successful authentication.
type LoginResult struct {
	User               *domain.User
	MustChangePassword bool
}

// Authenticate verifies a username-or-email plus password pair.
//
// A locked account fails with account_locked (reporting remaining
// minutes) before the password hash is ever consulted. A failed
// password increments the atomic failure counter; crossing the
// threshold locks the account and reports account_locked_on_fail.
// Every other failure is the generic invalid_credentials so that
// account existence is never revealed.
func (g *Guard) Authenticate(ctx context.Context, identifier, password string) (*LoginResult, error) {
	user, err := g.lookup(ctx, identifier)
	if err != nil {
		if outerrors.IsCode(err, outerrors.CodeNotFound) {
			return nil, invalidCredentials()
		}
		return nil, err
	}

	state, err := g.security.Get(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if state.IsLocked(now) {
		remaining := int(state.LockedUntil.Sub(now).Minutes()) + 1
		g.logger.Info("login attempt on locked account", "user_id", user.ID)
		return nil, outerrors.New(outerrors.CodeAccountLocked,
			fmt.Sprintf("account is locked; try again in %d minute(s)", remaining))
	}

	if !user.Active {
		return nil, outerrors.New(outerrors.CodeAccountInactive, "account is disabled")
	}

	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		g.logger.Error("password verification error", "error", err)
		return nil, invalidCredentials()
	}
	if !ok {
		_, locked, err := g.security.RecordFailure(ctx, user.ID, g.threshold, g.lockFor)
		if err != nil {
			return nil, err
		}
		if locked {
			g.logger.Warn("account locked after repeated failures", "user_id", user.ID)
			return nil, outerrors.New(outerrors.CodeAccountLockedOnFail,
				fmt.Sprintf("account locked for %d minutes after too many failed attempts", int(g.lockFor.Minutes())))
		}
		return nil, invalidCredentials()
	}

	if err := g.security.ResetFailures(ctx, user.ID); err != nil {
		return nil, err
	}
	user.LastLoginAt = now
	if err := g.users.Update(ctx, user); err != nil {
		return nil, err
	}

	g.logger.Info("user authenticated", "user_id", user.ID)
	return &LoginResult{User: user, MustChangePassword: state.MustChangePassword}, nil
}

// ChangePassword applies the password policy: the new password must
// meet the minimum length, differ from the current password and not
// match any hash retained in the bounded history. On acceptance the
// old hash is pushed onto history before the new hash is stored.
func (g *Guard) ChangePassword(ctx context.Context, userID, current, newPassword string) error {
	user, err := g.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	ok, err := VerifyPassword(current, user.PasswordHash)
	if err != nil || !ok {
		return invalidCredentials()
	}

	if len(newPassword) < g.minLen {
		return outerrors.InvalidRequest(
			fmt.Sprintf("password must be at least %d characters", g.minLen))
	}
	if same, _ := VerifyPassword(newPassword, user.PasswordHash); same {
		return outerrors.InvalidRequest("new password must differ from the current password")
	}

	state, err := g.security.Get(ctx, user.ID)
	if err != nil {
		return err
	}
	for _, oldHash := range state.PasswordHistory {
		if reused, _ := VerifyPassword(newPassword, oldHash); reused {
			return outerrors.InvalidRequest("password was used recently; choose a different one")
		}
	}

	newHash, err := HashPassword(newPassword)
	if err != nil {
		return outerrors.Internal("failed to hash password", err)
	}

	oldHash := user.PasswordHash
	if err := g.security.PushPasswordHistory(ctx, user.ID, oldHash, g.history); err != nil {
		return err
	}
	user.PasswordHash = newHash
	if err := g.users.Update(ctx, user); err != nil {
		return err
	}

	g.logger.Info("password changed", "user_id", user.ID)
	return nil
}

// RequirePasswordChange flags the account so the next successful login
// reports MustChangePassword.
func (g *Guard) RequirePasswordChange(ctx context.Context, userID string) error {
	return g.security.SetMustChangePassword(ctx, userID, true)
}

// CreateUser creates a user with a hashed password.
func (g *Guard) CreateUser(ctx context.Context, email, username, password, displayName string) (*domain.User, error) {
	if len(password) < g.minLen {
		return nil, outerrors.InvalidRequest(
			fmt.Sprintf("password must be at least %d characters", g.minLen))
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, outerrors.Internal("failed to hash password", err)
	}

	user := &domain.User{
		ID:           uuid.New().String(),
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		DisplayName:  displayName,
		Active:       true,
	}
	if err := g.users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// lookup resolves the identifier as email first, then username.
func (g *Guard) lookup(ctx context.Context, identifier string) (*domain.User, error) {
	user, err := g.users.GetByEmail(ctx, identifier)
	if err == nil {
		return user, nil
	}
	if !outerrors.IsCode(err, outerrors.CodeNotFound) {
		return nil, err
	}
	return g.users.GetByUsername(ctx, identifier)
}

func invalidCredentials() error {
	return outerrors.New(outerrors.CodeInvalidCredentials, "invalid credentials")
}
