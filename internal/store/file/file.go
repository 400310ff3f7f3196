// Package file implements file-based storage using JSON files.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/outpost-auth/outpost/internal/domain"
	outerrors "github.com/outpost-auth/outpost/internal/errors"
	"github.com/outpost-auth/outpost/internal/store"
)

// Store implements store.Store using JSON files for persistence.
//
// A single store-wide mutex covers every mutation from load through
// save, which is what gives Consume, RecordFailure and the cascades
// their single-critical-section semantics.
type Store struct {
	dataDir string
	mu      sync.RWMutex

	users     *userRepository
	clients   *clientRepository
	scopes    *scopeRepository
	authCodes *authCodeRepository
	tokens    *tokenRepository
	security  *securityRepository
	sessions  *sessionRepository
}

// NewStore creates a new file-based store rooted at dataDir.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &Store{dataDir: dataDir}
	s.users = &userRepository{store: s}
	s.clients = &clientRepository{store: s}
	s.scopes = &scopeRepository{store: s}
	s.authCodes = &authCodeRepository{store: s}
	s.tokens = &tokenRepository{store: s}
	s.security = &securityRepository{store: s}
	s.sessions = &sessionRepository{store: s}

	return s, nil
}

func (s *Store) Users() store.UserRepository         { return s.users }
func (s *Store) Clients() store.ClientRepository     { return s.clients }
func (s *Store) Scopes() store.ScopeRepository       { return s.scopes }
func (s *Store) AuthCodes() store.AuthCodeRepository { return s.authCodes }
func (s *Store) Tokens() store.TokenRepository       { return s.tokens }
func (s *Store) Security() store.SecurityRepository  { return s.security }
func (s *Store) Sessions() store.SessionRepository   { return s.sessions }
func (s *Store) Close() error                        { return nil }

// File helpers. Callers must hold the appropriate lock.

func (s *Store) filePath(name string) string {
	return filepath.Join(s.dataDir, name+".json")
}

func (s *Store) readFile(name string, v any) error {
	data, err := os.ReadFile(s.filePath(name))
	if os.IsNotExist(err) {
		return nil // empty collection
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) writeFile(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.filePath(name), data, 0600)
}

// ctxErr maps a cancelled or expired request context onto the store's
// error taxonomy before any file work happens.
func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return outerrors.Internal("store operation aborted", err)
	}
	return nil
}

// DeleteClientCascade deletes the client and synchronously revokes every
// token and authorization code bound to it.
func (s *Store) DeleteClientCascade(ctx context.Context, clientID string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cd, err := s.clients.load()
	if err != nil {
		return outerrors.Internal("failed to load clients", err)
	}

	idx := -1
	for i, c := range cd.Clients {
		if c.ID == clientID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return outerrors.NotFound("client", clientID)
	}
	cd.Clients = append(cd.Clients[:idx], cd.Clients[idx+1:]...)

	td, err := s.tokens.load()
	if err != nil {
		return outerrors.Internal("failed to load tokens", err)
	}
	for _, t := range td.Tokens {
		if t.ClientID == clientID {
			t.Revoked = true
		}
	}

	ad, err := s.authCodes.load()
	if err != nil {
		return outerrors.Internal("failed to load auth codes", err)
	}
	for _, a := range ad.Codes {
		if a.ClientID == clientID {
			a.Consumed = true
		}
	}

	if err := s.clients.save(cd); err != nil {
		return outerrors.Internal("failed to save clients", err)
	}
	if err := s.tokens.save(td); err != nil {
		return outerrors.Internal("failed to save tokens", err)
	}
	if err := s.authCodes.save(ad); err != nil {
		return outerrors.Internal("failed to save auth codes", err)
	}
	return nil
}

// DeleteScopeCascade deletes the scope, strips it from every client's
// allowed scope set and from live token scope sets.
func (s *Store) DeleteScopeCascade(ctx context.Context, name string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sd, err := s.scopes.load()
	if err != nil {
		return outerrors.Internal("failed to load scopes", err)
	}

	idx := -1
	for i, sc := range sd.Scopes {
		if sc.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return outerrors.NotFound("scope", name)
	}
	sd.Scopes = append(sd.Scopes[:idx], sd.Scopes[idx+1:]...)

	cd, err := s.clients.load()
	if err != nil {
		return outerrors.Internal("failed to load clients", err)
	}
	for _, c := range cd.Clients {
		c.AllowedScopes = removeScopeToken(c.AllowedScopes, name)
	}

	td, err := s.tokens.load()
	if err != nil {
		return outerrors.Internal("failed to load tokens", err)
	}
	for _, t := range td.Tokens {
		if t.Revoked || t.IsExpired() {
			continue
		}
		t.Scope = domain.RemoveScope(t.Scope, name)
	}

	if err := s.scopes.save(sd); err != nil {
		return outerrors.Internal("failed to save scopes", err)
	}
	if err := s.clients.save(cd); err != nil {
		return outerrors.Internal("failed to save clients", err)
	}
	if err := s.tokens.save(td); err != nil {
		return outerrors.Internal("failed to save tokens", err)
	}
	return nil
}

func removeScopeToken(scopes []string, name string) []string {
	out := scopes[:0]
	for _, s := range scopes {
		if s != name {
			out = append(out, s)
		}
	}
	return out
}

// User repository

type userRepository struct {
	store *Store
}

type usersData struct {
	Users []*domain.User `json:"users"`
}

func (r *userRepository) load() (*usersData, error) {
	var data usersData
	if err := r.store.readFile("users", &data); err != nil {
		return nil, err
	}
	if data.Users == nil {
		data.Users = []*domain.User{}
	}
	return &data, nil
}

func (r *userRepository) save(data *usersData) error {
	return r.store.writeFile("users", data)
}

func (r *userRepository) Create(ctx context.Context, user *domain.User) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load users", err)
	}

	for _, u := range data.Users {
		if u.ID == user.ID {
			return outerrors.AlreadyExists("user", user.ID)
		}
		if u.Email == user.Email {
			return outerrors.AlreadyExists("user with email", user.Email)
		}
		if user.Username != "" && u.Username == user.Username {
			return outerrors.AlreadyExists("user with username", user.Username)
		}
	}

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	data.Users = append(data.Users, user)

	return r.save(data)
}

func (r *userRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.find(ctx, func(u *domain.User) bool { return u.ID == id }, "user", id)
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.find(ctx, func(u *domain.User) bool { return u.Email == email }, "user with email", email)
}

func (r *userRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.find(ctx, func(u *domain.User) bool { return u.Username == username }, "user with username", username)
}

func (r *userRepository) find(ctx context.Context, match func(*domain.User) bool, resource, id string) (*domain.User, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	data, err := r.load()
	if err != nil {
		return nil, outerrors.Internal("failed to load users", err)
	}
	for _, u := range data.Users {
		if match(u) {
			return u, nil
		}
	}
	return nil, outerrors.NotFound(resource, id)
}

func (r *userRepository) Update(ctx context.Context, user *domain.User) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load users", err)
	}

	for i, u := range data.Users {
		if u.ID == user.ID {
			user.UpdatedAt = time.Now()
			data.Users[i] = user
			return r.save(data)
		}
	}
	return outerrors.NotFound("user", user.ID)
}

func (r *userRepository) Delete(ctx context.Context, id string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load users", err)
	}

	for i, u := range data.Users {
		if u.ID == id {
			data.Users = append(data.Users[:i], data.Users[i+1:]...)
			return r.save(data)
		}
	}
	return outerrors.NotFound("user", id)
}

func (r *userRepository) List(ctx context.Context) ([]*domain.User, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	data, err := r.load()
	if err != nil {
		return nil, outerrors.Internal("failed to load users", err)
	}
	return data.Users, nil
}

// Client repository

type clientRepository struct {
	store *Store
}

type clientsData struct {
	Clients []*domain.Client `json:"clients"`
}

func (r *clientRepository) load() (*clientsData, error) {
	var data clientsData
	if err := r.store.readFile("clients", &data); err != nil {
		return nil, err
	}
	if data.Clients == nil {
		data.Clients = []*domain.Client{}
	}
	return &data, nil
}

func (r *clientRepository) save(data *clientsData) error {
	return r.store.writeFile("clients", data)
}

// validateClient enforces the client type invariants at write time.
func validateClient(c *domain.Client) error {
	switch c.Type {
	case domain.ClientTypePublic:
		if c.SecretHash != "" {
			return outerrors.InvalidRequest("public clients must not have a secret")
		}
		if c.TokenEndpointAuthMethod != domain.AuthMethodNone {
			return outerrors.InvalidRequest("public clients must use token_endpoint_auth_method 'none'")
		}
		if c.HasGrantType(domain.GrantClientCredentials) {
			return outerrors.InvalidRequest("public clients must not use the client_credentials grant")
		}
	case domain.ClientTypeConfidential:
		switch c.TokenEndpointAuthMethod {
		case domain.AuthMethodClientSecretBasic, domain.AuthMethodClientSecretPost:
			if c.SecretHash == "" {
				return outerrors.InvalidRequest("confidential clients with a secret-based auth method must have a secret")
			}
		case domain.AuthMethodPrivateKeyJWT:
			if c.PublicKeyPEM == "" {
				return outerrors.InvalidRequest("private_key_jwt clients must register a public key")
			}
		case domain.AuthMethodNone:
			// no secret required
		default:
			return outerrors.InvalidRequest("unknown token_endpoint_auth_method")
		}
	default:
		return outerrors.InvalidRequest("unknown client type")
	}
	return nil
}

func (r *clientRepository) Create(ctx context.Context, client *domain.Client) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := validateClient(client); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load clients", err)
	}

	for _, c := range data.Clients {
		if c.ID == client.ID {
			return outerrors.AlreadyExists("client", client.ID)
		}
	}

	now := time.Now()
	client.CreatedAt = now
	client.UpdatedAt = now
	data.Clients = append(data.Clients, client)

	return r.save(data)
}

func (r *clientRepository) GetByID(ctx context.Context, id string) (*domain.Client, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	data, err := r.load()
	if err != nil {
		return nil, outerrors.Internal("failed to load clients", err)
	}
	for _, c := range data.Clients {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, outerrors.NotFound("client", id)
}

func (r *clientRepository) Update(ctx context.Context, client *domain.Client) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if err := validateClient(client); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load clients", err)
	}

	for i, c := range data.Clients {
		if c.ID == client.ID {
			client.UpdatedAt = time.Now()
			data.Clients[i] = client
			return r.save(data)
		}
	}
	return outerrors.NotFound("client", client.ID)
}

func (r *clientRepository) Delete(ctx context.Context, id string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load clients", err)
	}

	for i, c := range data.Clients {
		if c.ID == id {
			data.Clients = append(data.Clients[:i], data.Clients[i+1:]...)
			return r.save(data)
		}
	}
	return outerrors.NotFound("client", id)
}

func (r *clientRepository) List(ctx context.Context) ([]*domain.Client, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	data, err := r.load()
	if err != nil {
		return nil, outerrors.Internal("failed to load clients", err)
	}
	return data.Clients, nil
}

// Scope repository

type scopeRepository struct {
	store *Store
}

type scopesData struct {
	Scopes []*domain.Scope `json:"scopes"`
}

func (r *scopeRepository) load() (*scopesData, error) {
	var data scopesData
	if err := r.store.readFile("scopes", &data); err != nil {
		return nil, err
	}
	if data.Scopes == nil {
		data.Scopes = []*domain.Scope{}
	}
	return &data, nil
}

func (r *scopeRepository) save(data *scopesData) error {
	return r.store.writeFile("scopes", data)
}

func (r *scopeRepository) Create(ctx context.Context, scope *domain.Scope) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load scopes", err)
	}

	for _, s := range data.Scopes {
		if s.Name == scope.Name {
			return outerrors.AlreadyExists("scope", scope.Name)
		}
	}

	now := time.Now()
	scope.CreatedAt = now
	scope.UpdatedAt = now
	data.Scopes = append(data.Scopes, scope)

	return r.save(data)
}

func (r *scopeRepository) GetByName(ctx context.Context, name string) (*domain.Scope, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	data, err := r.load()
	if err != nil {
		return nil, outerrors.Internal("failed to load scopes", err)
	}
	for _, s := range data.Scopes {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, outerrors.NotFound("scope", name)
}

func (r *scopeRepository) Update(ctx context.Context, scope *domain.Scope) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load scopes", err)
	}

	for i, s := range data.Scopes {
		if s.Name == scope.Name {
			scope.UpdatedAt = time.Now()
			data.Scopes[i] = scope
			return r.save(data)
		}
	}
	return outerrors.NotFound("scope", scope.Name)
}

func (r *scopeRepository) Delete(ctx context.Context, name string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	data, err := r.load()
	if err != nil {
		return outerrors.Internal("failed to load scopes", err)
	}

	for i, s := range data.Scopes {
		if s.Name == name {
			data.Scopes = append(data.Scopes[:i], data.Scopes[i+1:]...)
			return r.save(data)
		}
	}
	return outerrors.NotFound("scope", name)
}

func (r *scopeRepository) List(ctx context.Context) ([]*domain.Scope, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	data, err := r.load()
	if err != nil {
		return nil, outerrors.Internal("failed to load scopes", err)
	}
	return data.Scopes, nil
}
