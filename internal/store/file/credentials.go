package file

import (
	"context"
	"time"

	"github.com/outpost-auth/outpost/internal/domain"
	outerrors "github.com/outpost-auth/outpost/internal/errors"
)

// Authorization code repository

type authCodeRepository struct {
	store *Store
}

type authCodesData struct {
	Codes []*domain.AuthorizationCode `json:"codes"`
}

func (r *authCodeRepository) load() (*authCodesData, error) {
	var data authCodesData
	if err := r.store.readFile("auth_codes", &data); err != nil {
		return nil, err
	}
	if data.Codes == nil {
		data.Codes = []*domain.AuthorizationCode{}
	}
	return &data, nil
}

func (r *authCodeRepository) save(data *authCodesData) error {
	return r.store.writeFile("auth_codes", data)
}

func (r *authCodeRepository) Create(ctx context.Context, code *domain.AuthorizationCode) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load auth codes", err)
	}

	for _, c := range data.Codes {
		if c.Code == code.Code {
			return outerrors.AlreadyExists("authorization code", code.Code)
		}
	}

	code.CreatedAt = time.Now()
	data.Codes = append(data.Codes, code)

	return r.save(data)
}

func (r *authCodeRepository) GetByCode(ctx context.Context, code string) (*domain.AuthorizationCode, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	data, err := r.load()
	if err != nil {
		return nil, outerrors.Internal("failed to load auth codes", err)
	}
	for _, c := range data.Codes {
		if c.Code == code {
			return c, nil
		}
	}
	return nil, outerrors.NotFound("authorization code", code)
}

// Consume marks the code consumed in the same critical section as the
// freshness checks, so two concurrent redemptions produce exactly one
// success and one invalid_grant.
func (r *authCodeRepository) Consume(ctx context.Context, code string) (*domain.AuthorizationCode, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return nil, outerrors.Internal("failed to load auth codes", err)
	}

	for _, c := range data.Codes {
		if c.Code != code {
			continue
		}
		if c.Consumed {
			return nil, outerrors.InvalidGrant("authorization code already used")
		}
		if c.IsExpired() {
			return nil, outerrors.InvalidGrant("authorization code expired")
		}
		c.Consumed = true
		if err := r.save(data); err != nil {
			return nil, outerrors.Internal("failed to save auth codes", err)
		}
		return c, nil
	}
	return nil, outerrors.InvalidGrant("invalid authorization code")
}

func (r *authCodeRepository) DeleteExpired(ctx context.Context) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load auth codes", err)
	}

	kept := make([]*domain.AuthorizationCode, 0, len(data.Codes))
	for _, c := range data.Codes {
		if !c.IsExpired() {
			kept = append(kept, c)
		}
	}
	data.Codes = kept

	return r.save(data)
}

// Token repository

type tokenRepository struct {
	store *Store
}

type tokensData struct {
	Tokens []*domain.Token `json:"tokens"`
}

func (r *tokenRepository) load() (*tokensData, error) {
	var data tokensData
	if err := r.store.readFile("tokens", &data); err != nil {
		return nil, err
	}
	if data.Tokens == nil {
		data.Tokens = []*domain.Token{}
	}
	return &data, nil
}

func (r *tokenRepository) save(data *tokensData) error {
	return r.store.writeFile("tokens", data)
}

func (r *tokenRepository) Create(ctx context.Context, token *domain.Token) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load tokens", err)
	}

	for _, t := range data.Tokens {
		if t.Value == token.Value {
			return outerrors.AlreadyExists("token", token.Value)
		}
	}

	token.CreatedAt = time.Now()
	data.Tokens = append(data.Tokens, token)

	return r.save(data)
}

func (r *tokenRepository) GetByValue(ctx context.Context, value string) (*domain.Token, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	data, err := r.load()
	if err != nil {
		return nil, outerrors.Internal("failed to load tokens", err)
	}
	for _, t := range data.Tokens {
		if t.Value == value {
			return t, nil
		}
	}
	return nil, outerrors.NotFound("token", value)
}

func (r *tokenRepository) Revoke(ctx context.Context, value string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load tokens", err)
	}

	for _, t := range data.Tokens {
		if t.Value == value {
			t.Revoked = true
			return r.save(data)
		}
	}
	return outerrors.NotFound("token", value)
}

// RevokeChain revokes the token and, breadth-first over ParentID
// lineage, every descendant.
func (r *tokenRepository) RevokeChain(ctx context.Context, value string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load tokens", err)
	}

	children := make(map[string][]*domain.Token)
	byValue := make(map[string]*domain.Token, len(data.Tokens))
	for _, t := range data.Tokens {
		byValue[t.Value] = t
		if t.ParentID != "" {
			children[t.ParentID] = append(children[t.ParentID], t)
		}
	}

	root, ok := byValue[value]
	if !ok {
		return outerrors.NotFound("token", value)
	}

	visited := map[string]bool{}
	queue := []*domain.Token{root}
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		if visited[t.Value] {
			continue
		}
		visited[t.Value] = true
		t.Revoked = true
		queue = append(queue, children[t.Value]...)
	}

	return r.save(data)
}

func (r *tokenRepository) RevokeByClientID(ctx context.Context, clientID string) error {
	return r.revokeWhere(ctx, func(t *domain.Token) bool { return t.ClientID == clientID })
}

func (r *tokenRepository) RevokeByUserID(ctx context.Context, userID string) error {
	return r.revokeWhere(ctx, func(t *domain.Token) bool { return t.UserID == userID })
}

func (r *tokenRepository) revokeWhere(ctx context.Context, match func(*domain.Token) bool) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load tokens", err)
	}

	for _, t := range data.Tokens {
		if match(t) {
			t.Revoked = true
		}
	}

	return r.save(data)
}

func (r *tokenRepository) CountActiveByClientID(ctx context.Context, clientID string) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	data, err := r.load()
	if err != nil {
		return 0, outerrors.Internal("failed to load tokens", err)
	}

	count := 0
	for _, t := range data.Tokens {
		if t.ClientID == clientID && t.IsActive() {
			count++
		}
	}
	return count, nil
}

func (r *tokenRepository) CountActiveByScope(ctx context.Context, name string) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	data, err := r.load()
	if err != nil {
		return 0, outerrors.Internal("failed to load tokens", err)
	}

	count := 0
	for _, t := range data.Tokens {
		if !t.IsActive() {
			continue
		}
		for _, s := range domain.SplitScope(t.Scope) {
			if s == name {
				count++
				break
			}
		}
	}
	return count, nil
}

func (r *tokenRepository) DeleteExpired(ctx context.Context) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load tokens", err)
	}

	kept := make([]*domain.Token, 0, len(data.Tokens))
	for _, t := range data.Tokens {
		if !t.IsExpired() {
			kept = append(kept, t)
		}
	}
	data.Tokens = kept

	return r.save(data)
}

// Security repository

type securityRepository struct {
	store *Store
}

type securityData struct {
	Accounts []*domain.AccountSecurity `json:"accounts"`
}

func (r *securityRepository) load() (*securityData, error) {
	var data securityData
	if err := r.store.readFile("account_security", &data); err != nil {
		return nil, err
	}
	if data.Accounts == nil {
		data.Accounts = []*domain.AccountSecurity{}
	}
	return &data, nil
}

func (r *securityRepository) save(data *securityData) error {
	return r.store.writeFile("account_security", data)
}

func findAccount(data *securityData, userID string) *domain.AccountSecurity {
	for _, a := range data.Accounts {
		if a.UserID == userID {
			return a
		}
	}
	return nil
}

func (r *securityRepository) Get(ctx context.Context, userID string) (*domain.AccountSecurity, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	data, err := r.load()
	if err != nil {
		return nil, outerrors.Internal("failed to load account security", err)
	}
	if a := findAccount(data, userID); a != nil {
		return a, nil
	}
	// Absent state means no recorded failures.
	return &domain.AccountSecurity{UserID: userID}, nil
}

// RecordFailure is the single atomic read-modify-write for the
// failed-attempt counter and the lock transition: two parallel failed
// attempts cannot both observe "not yet locked".
func (r *securityRepository) RecordFailure(ctx context.Context, userID string, threshold int, lockFor time.Duration) (*domain.AccountSecurity, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, false, err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return nil, false, outerrors.Internal("failed to load account security", err)
	}

	a := findAccount(data, userID)
	if a == nil {
		a = &domain.AccountSecurity{UserID: userID}
		data.Accounts = append(data.Accounts, a)
	}

	now := time.Now()

	// A lock that has expired resets the counter before this failure
	// is counted.
	if !a.LockedUntil.IsZero() && !now.Before(a.LockedUntil) {
		a.FailedAttempts = 0
		a.LockedUntil = time.Time{}
	}

	a.FailedAttempts++
	locked := false
	if threshold > 0 && a.FailedAttempts >= threshold {
		a.LockedUntil = now.Add(lockFor)
		locked = true
	}
	a.UpdatedAt = now

	if err := r.save(data); err != nil {
		return nil, false, outerrors.Internal("failed to save account security", err)
	}
	return a, locked, nil
}

func (r *securityRepository) ResetFailures(ctx context.Context, userID string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load account security", err)
	}

	a := findAccount(data, userID)
	if a == nil {
		return nil
	}
	a.FailedAttempts = 0
	a.LockedUntil = time.Time{}
	a.UpdatedAt = time.Now()

	return r.save(data)
}

func (r *securityRepository) PushPasswordHistory(ctx context.Context, userID, oldHash string, maxHistory int) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load account security", err)
	}

	a := findAccount(data, userID)
	if a == nil {
		a = &domain.AccountSecurity{UserID: userID}
		data.Accounts = append(data.Accounts, a)
	}

	a.PasswordHistory = append(a.PasswordHistory, oldHash)
	if maxHistory > 0 && len(a.PasswordHistory) > maxHistory {
		a.PasswordHistory = a.PasswordHistory[len(a.PasswordHistory)-maxHistory:]
	}
	a.MustChangePassword = false
	a.UpdatedAt = time.Now()

	return r.save(data)
}

func (r *securityRepository) SetMustChangePassword(ctx context.Context, userID string, must bool) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load account security", err)
	}

	a := findAccount(data, userID)
	if a == nil {
		a = &domain.AccountSecurity{UserID: userID}
		data.Accounts = append(data.Accounts, a)
	}
	a.MustChangePassword = must
	a.UpdatedAt = time.Now()

	return r.save(data)
}

// Session repository

type sessionRepository struct {
	store *Store
}

type sessionsData struct {
	Sessions []*domain.Session `json:"sessions"`
}

func (r *sessionRepository) load() (*sessionsData, error) {
	var data sessionsData
	if err := r.store.readFile("sessions", &data); err != nil {
		return nil, err
	}
	if data.Sessions == nil {
		data.Sessions = []*domain.Session{}
	}
	return &data, nil
}

func (r *sessionRepository) save(data *sessionsData) error {
	return r.store.writeFile("sessions", data)
}

func (r *sessionRepository) Create(ctx context.Context, session *domain.Session) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load sessions", err)
	}

	session.CreatedAt = time.Now()
	data.Sessions = append(data.Sessions, session)

	return r.save(data)
}

func (r *sessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	data, err := r.load()
	if err != nil {
		return nil, outerrors.Internal("failed to load sessions", err)
	}
	for _, s := range data.Sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, outerrors.NotFound("session", id)
}

func (r *sessionRepository) Delete(ctx context.Context, id string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load sessions", err)
	}

	for i, s := range data.Sessions {
		if s.ID == id {
			data.Sessions = append(data.Sessions[:i], data.Sessions[i+1:]...)
			return r.save(data)
		}
	}
	return outerrors.NotFound("session", id)
}

func (r *sessionRepository) DeleteByUserID(ctx context.Context, userID string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load sessions", err)
	}

	kept := make([]*domain.Session, 0, len(data.Sessions))
	for _, s := range data.Sessions {
		if s.UserID != userID {
			kept = append(kept, s)
		}
	}
	data.Sessions = kept

	return r.save(data)
}

func (r *sessionRepository) DeleteExpired(ctx context.Context) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load sessions", err)
	}

	kept := make([]*domain.Session, 0, len(data.Sessions))
	for _, s := range data.Sessions {
		if !s.IsExpired() {
			kept = append(kept, s)
		}
	}
	data.Sessions = kept

	return r.save(data)
}
