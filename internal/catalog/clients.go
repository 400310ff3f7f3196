package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/outpost-auth/outpost/internal/config"
	"github.com/outpost-auth/outpost/internal/crypto"
	"github.com/outpost-auth/outpost/internal/domain"
	outerrors "github.com/outpost-auth/outpost/internal/errors"
	"github.com/outpost-auth/outpost/internal/store"
)

// Length in bytes of generated client secrets before encoding.
const clientSecretLength = 32

// Service provides client and scope catalog management with the data
// model invariants enforced before anything reaches the store.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates a catalog Service.
func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// ClientSpec describes a client to register or update.
type ClientSpec struct {
	Name                    string            `json:"name"`
	Type                    domain.ClientType `json:"type"`
	Secret                  string            `json:"secret,omitempty"`         // optional; generated when empty
	PublicKeyPEM            string            `json:"public_key_pem,omitempty"` // required for private_key_jwt
	RedirectURIs            []string          `json:"redirect_uris"`
	GrantTypes              []string          `json:"grant_types"`
	ResponseTypes           []string          `json:"response_types"`
	AllowedScopes           []string          `json:"allowed_scopes"`
	RequirePKCE             *bool             `json:"require_pkce,omitempty"` // nil leaves the stored flag alone on update
	TokenEndpointAuthMethod string            `json:"token_endpoint_auth_method"`
}

// RegisterClient creates a client from spec. For confidential clients
// with a secret-based auth method the plaintext secret is returned
// exactly once; only its hash is stored.
func (s *Service) RegisterClient(ctx context.Context, spec *ClientSpec) (*domain.Client, string, error) {
	if spec.Name == "" {
		return nil, "", outerrors.InvalidRequest("client name is required")
	}
	if len(spec.RedirectURIs) == 0 && hasGrant(spec.GrantTypes, domain.GrantAuthorizationCode) {
		return nil, "", outerrors.InvalidRequest("at least one redirect_uri is required for the authorization_code grant")
	}
	for _, uri := range spec.RedirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			return nil, "", err
		}
	}
	for _, g := range spec.GrantTypes {
		switch g {
		case domain.GrantAuthorizationCode, domain.GrantRefreshToken, domain.GrantClientCredentials:
		default:
			return nil, "", outerrors.InvalidRequest("unknown grant type: " + g)
		}
	}
	if err := s.checkScopesExist(ctx, spec.AllowedScopes); err != nil {
		return nil, "", err
	}

	client := &domain.Client{
		ID:                      uuid.New().String(),
		Name:                    spec.Name,
		Type:                    spec.Type,
		RedirectURIs:            spec.RedirectURIs,
		GrantTypes:              spec.GrantTypes,
		ResponseTypes:           spec.ResponseTypes,
		AllowedScopes:           spec.AllowedScopes,
		RequirePKCE:             spec.RequirePKCE != nil && *spec.RequirePKCE,
		TokenEndpointAuthMethod: spec.TokenEndpointAuthMethod,
		Active:                  true,
	}
	if len(client.ResponseTypes) == 0 && hasGrant(client.GrantTypes, domain.GrantAuthorizationCode) {
		client.ResponseTypes = []string{"code"}
	}

	var plaintext string
	switch client.Type {
	case domain.ClientTypePublic:
		client.TokenEndpointAuthMethod = domain.AuthMethodNone
		client.RequirePKCE = true
	case domain.ClientTypeConfidential:
		if client.TokenEndpointAuthMethod == "" {
			client.TokenEndpointAuthMethod = domain.AuthMethodClientSecretBasic
		}
		switch client.TokenEndpointAuthMethod {
		case domain.AuthMethodClientSecretBasic, domain.AuthMethodClientSecretPost:
			plaintext = spec.Secret
			if plaintext == "" {
				var err error
				plaintext, err = config.GenerateSecret(clientSecretLength)
				if err != nil {
					return nil, "", outerrors.Internal("failed to generate client secret", err)
				}
			}
			client.SecretHash = HashClientSecret(plaintext)
		case domain.AuthMethodPrivateKeyJWT:
			if spec.PublicKeyPEM == "" {
				return nil, "", outerrors.InvalidRequest("private_key_jwt clients must register a public key")
			}
			if _, err := crypto.ParseRSAPublicKeyPEM([]byte(spec.PublicKeyPEM)); err != nil {
				return nil, "", outerrors.InvalidRequest("public_key_pem is not a valid RSA public key")
			}
			client.PublicKeyPEM = spec.PublicKeyPEM
		}
	default:
		return nil, "", outerrors.InvalidRequest("client type must be 'public' or 'confidential'")
	}

	if err := s.store.Clients().Create(ctx, client); err != nil {
		return nil, "", err
	}

	s.logger.Info("client registered", "client_id", client.ID, "type", client.Type)
	return client, plaintext, nil
}

// GetClient returns a client by id.
func (s *Service) GetClient(ctx context.Context, id string) (*domain.Client, error) {
	return s.store.Clients().GetByID(ctx, id)
}

// ListClients returns all registered clients.
func (s *Service) ListClients(ctx context.Context) ([]*domain.Client, error) {
	return s.store.Clients().List(ctx)
}

// UpdateClient applies spec to an existing client. The secret hash is
// never touched here; use RegenerateSecret.
func (s *Service) UpdateClient(ctx context.Context, id string, spec *ClientSpec) (*domain.Client, error) {
	client, err := s.store.Clients().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	for _, uri := range spec.RedirectURIs {
		if err := ValidateRedirectURI(uri); err != nil {
			return nil, err
		}
	}
	if err := s.checkScopesExist(ctx, spec.AllowedScopes); err != nil {
		return nil, err
	}

	if spec.Name != "" {
		client.Name = spec.Name
	}
	if spec.RedirectURIs != nil {
		client.RedirectURIs = spec.RedirectURIs
	}
	if spec.GrantTypes != nil {
		client.GrantTypes = spec.GrantTypes
	}
	if spec.ResponseTypes != nil {
		client.ResponseTypes = spec.ResponseTypes
	}
	if spec.AllowedScopes != nil {
		client.AllowedScopes = spec.AllowedScopes
	}
	if spec.RequirePKCE != nil {
		client.RequirePKCE = *spec.RequirePKCE
	}
	if spec.PublicKeyPEM != "" {
		if _, err := crypto.ParseRSAPublicKeyPEM([]byte(spec.PublicKeyPEM)); err != nil {
			return nil, outerrors.InvalidRequest("public_key_pem is not a valid RSA public key")
		}
		client.PublicKeyPEM = spec.PublicKeyPEM
	}
	if client.IsPublic() {
		client.RequirePKCE = true
	}

	if err := s.store.Clients().Update(ctx, client); err != nil {
		return nil, err
	}

	s.logger.Info("client updated", "client_id", client.ID)
	return client, nil
}

// SetClientActive enables or disables a client.
func (s *Service) SetClientActive(ctx context.Context, id string, active bool) (*domain.Client, error) {
	client, err := s.store.Clients().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	client.Active = active
	if err := s.store.Clients().Update(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

// RegenerateSecret atomically replaces the client secret. The old
// secret stops authenticating the moment this returns; there is no
// grace period. The new plaintext is returned exactly once.
func (s *Service) RegenerateSecret(ctx context.Context, id string) (*domain.Client, string, error) {
	client, err := s.store.Clients().GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if client.IsPublic() {
		return nil, "", outerrors.InvalidRequest("public clients have no secret")
	}
	switch client.TokenEndpointAuthMethod {
	case domain.AuthMethodClientSecretBasic, domain.AuthMethodClientSecretPost:
	default:
		return nil, "", outerrors.InvalidRequest("client does not use a secret-based auth method")
	}

	plaintext, err := config.GenerateSecret(clientSecretLength)
	if err != nil {
		return nil, "", outerrors.Internal("failed to generate client secret", err)
	}
	client.SecretHash = HashClientSecret(plaintext)

	if err := s.store.Clients().Update(ctx, client); err != nil {
		return nil, "", err
	}

	s.logger.Info("client secret regenerated", "client_id", client.ID)
	return client, plaintext, nil
}

// DeleteClient deletes a client. With force=false the call fails with
// client_in_use while unrevoked tokens exist, reporting how many. With
// force=true the deletion cascades: every token and authorization code
// bound to the client is revoked synchronously before returning.
func (s *Service) DeleteClient(ctx context.Context, id string, force bool) (activeTokens int, err error) {
	if _, err := s.store.Clients().GetByID(ctx, id); err != nil {
		return 0, err
	}

	active, err := s.store.Tokens().CountActiveByClientID(ctx, id)
	if err != nil {
		return 0, err
	}
	if active > 0 && !force {
		return active, outerrors.New(outerrors.CodeClientInUse,
			fmt.Sprintf("client has %d active token(s); pass force to delete", active))
	}

	if err := s.store.DeleteClientCascade(ctx, id); err != nil {
		return active, err
	}

	s.logger.Info("client deleted", "client_id", id, "revoked_tokens", active, "forced", force)
	return active, nil
}

// checkScopesExist verifies every named scope is present in the catalog.
func (s *Service) checkScopesExist(ctx context.Context, names []string) error {
	for _, name := range names {
		if _, err := s.store.Scopes().GetByName(ctx, name); err != nil {
			if outerrors.IsCode(err, outerrors.CodeNotFound) {
				return outerrors.InvalidScope("unknown scope: " + name)
			}
			return err
		}
	}
	return nil
}

func hasGrant(grants []string, grant string) bool {
	for _, g := range grants {
		if g == grant {
			return true
		}
	}
	return false
}
