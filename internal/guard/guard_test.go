package guard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	outerrors "github.com/outpost-auth/outpost/internal/errors"
	"github.com/outpost-auth/outpost/internal/store/file"
)

func newTestGuard(t *testing.T) (*Guard, context.Context) {
	t.Helper()

	st, err := file.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	g := New(st.Users(), st.Security(), Config{
		LockoutThreshold: 5,
		LockoutDuration:  15 * time.Minute,
		PasswordMinLen:   10,
		PasswordHistory:  3,
	}, nil)

	return g, context.Background()
}

func TestAuthenticateSuccess(t *testing.T) {
	g, ctx := newTestGuard(t)

	user, err := g.CreateUser(ctx, "alice@example.com", "alice", "correct-password", "Alice")
	require.NoError(t, err)

	result, err := g.Authenticate(ctx, "alice@example.com", "correct-password")
	require.NoError(t, err)
	assert.Equal(t, user.ID, result.User.ID)
	assert.False(t, result.MustChangePassword)
	assert.False(t, result.User.LastLoginAt.IsZero())

	// Username works as the identifier too.
	result, err = g.Authenticate(ctx, "alice", "correct-password")
	require.NoError(t, err)
	assert.Equal(t, user.ID, result.User.ID)
}

func TestAuthenticateUnknownUser(t *testing.T) {
	g, ctx := newTestGuard(t)

	_, err := g.Authenticate(ctx, "nobody@example.com", "whatever-pass")
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidCredentials),
		"unknown accounts must fail with the same generic code as bad passwords")
}

func TestAuthenticateWrongPassword(t *testing.T) {
	g, ctx := newTestGuard(t)

	_, err := g.CreateUser(ctx, "bob@example.com", "bob", "correct-password", "Bob")
	require.NoError(t, err)

	_, err = g.Authenticate(ctx, "bob@example.com", "wrong-password")
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidCredentials))
}

func TestAuthenticateInactiveAccount(t *testing.T) {
	g, ctx := newTestGuard(t)

	user, err := g.CreateUser(ctx, "carol@example.com", "carol", "correct-password", "Carol")
	require.NoError(t, err)

	user.Active = false
	require.NoError(t, g.users.Update(ctx, user))

	_, err = g.Authenticate(ctx, "carol@example.com", "correct-password")
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeAccountInactive))
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	g, ctx := newTestGuard(t)

	_, err := g.CreateUser(ctx, "dave@example.com", "dave", "correct-password", "Dave")
	require.NoError(t, err)

	// First four failures are generic.
	for i := 0; i < 4; i++ {
		_, err := g.Authenticate(ctx, "dave@example.com", "wrong-password")
		require.Error(t, err)
		assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidCredentials),
			"attempt %d should be generic", i+1)
	}

	// The fifth failure crosses the threshold.
	_, err = g.Authenticate(ctx, "dave@example.com", "wrong-password")
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeAccountLockedOnFail))

	// While locked even the correct password is rejected, with the
	// locked code rather than a credential failure.
	_, err = g.Authenticate(ctx, "dave@example.com", "correct-password")
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeAccountLocked))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	g, ctx := newTestGuard(t)

	user, err := g.CreateUser(ctx, "erin@example.com", "erin", "correct-password", "Erin")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := g.Authenticate(ctx, "erin@example.com", "wrong-password")
		require.Error(t, err)
	}

	_, err = g.Authenticate(ctx, "erin@example.com", "correct-password")
	require.NoError(t, err)

	state, err := g.security.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, state.FailedAttempts)

	// Post-reset, the account has the full allowance again.
	for i := 0; i < 4; i++ {
		_, err := g.Authenticate(ctx, "erin@example.com", "wrong-password")
		require.Error(t, err)
		assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidCredentials))
	}
}

func TestMustChangePasswordFlag(t *testing.T) {
	g, ctx := newTestGuard(t)

	user, err := g.CreateUser(ctx, "frank@example.com", "frank", "correct-password", "Frank")
	require.NoError(t, err)

	require.NoError(t, g.RequirePasswordChange(ctx, user.ID))

	result, err := g.Authenticate(ctx, "frank@example.com", "correct-password")
	require.NoError(t, err)
	assert.True(t, result.MustChangePassword)
}

func TestChangePassword(t *testing.T) {
	g, ctx := newTestGuard(t)

	user, err := g.CreateUser(ctx, "grace@example.com", "grace", "original-pass", "Grace")
	require.NoError(t, err)

	t.Run("wrong current password", func(t *testing.T) {
		err := g.ChangePassword(ctx, user.ID, "not-the-password", "replacement-pass")
		require.Error(t, err)
		assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidCredentials))
	})

	t.Run("too short", func(t *testing.T) {
		err := g.ChangePassword(ctx, user.ID, "original-pass", "short")
		require.Error(t, err)
		assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidRequest))
	})

	t.Run("same as current", func(t *testing.T) {
		err := g.ChangePassword(ctx, user.ID, "original-pass", "original-pass")
		require.Error(t, err)
		assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidRequest))
	})

	t.Run("accepted", func(t *testing.T) {
		require.NoError(t, g.ChangePassword(ctx, user.ID, "original-pass", "replacement-pass"))

		_, err := g.Authenticate(ctx, "grace@example.com", "original-pass")
		require.Error(t, err)

		_, err = g.Authenticate(ctx, "grace@example.com", "replacement-pass")
		require.NoError(t, err)
	})

	t.Run("history blocks reuse", func(t *testing.T) {
		err := g.ChangePassword(ctx, user.ID, "replacement-pass", "original-pass")
		require.Error(t, err)
		assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidRequest))
	})
}

func TestChangePasswordHistoryIsBounded(t *testing.T) {
	g, ctx := newTestGuard(t)

	user, err := g.CreateUser(ctx, "heidi@example.com", "heidi", "password-v1", "Heidi")
	require.NoError(t, err)

	passwords := []string{"password-v2", "password-v3", "password-v4", "password-v5"}
	current := "password-v1"
	for _, next := range passwords {
		require.NoError(t, g.ChangePassword(ctx, user.ID, current, next))
		current = next
	}

	// History holds 3 entries, so password-v1 has been evicted and can
	// be used again.
	require.NoError(t, g.ChangePassword(ctx, user.ID, current, "password-v1"))

	// password-v4 is still in history.
	err = g.ChangePassword(ctx, user.ID, "password-v1", "password-v4")
	require.Error(t, err)
	assert.True(t, outerrors.IsCode(err, outerrors.CodeInvalidRequest))
}
