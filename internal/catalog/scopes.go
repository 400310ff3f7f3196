package catalog

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/outpost-auth/outpost/internal/domain"
	outerrors "github.com/outpost-auth/outpost/internal/errors"
)

// Scope name rules:
// - Lowercase only, must start with a letter.
// - Remaining chars may include [a-z0-9:_.-].
// - Length 1..64.
var scopeNameRe = regexp.MustCompile(`^[a-z][a-z0-9:_.-]{0,63}$`)

// ValidScopeName returns true if the provided scope name matches the
// allowed pattern.
func ValidScopeName(name string) bool {
	return scopeNameRe.MatchString(name)
}

// dangerousScopePrefixes are name patterns rejected at creation no
// matter who asks: they collide with internal capability namespaces.
var dangerousScopePrefixes = []string{
	"system:",
	"debug:",
	"super:",
	"admin:root",
}

// DangerousScopeName reports whether name matches the denylist.
func DangerousScopeName(name string) bool {
	for _, p := range dangerousScopePrefixes {
		if name == strings.TrimSuffix(p, ":") || strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// ScopeSpec describes a scope to create or update.
type ScopeSpec struct {
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Category      string   `json:"category,omitempty"`
	IsDefault     bool     `json:"is_default"`
	RequiresAdmin bool     `json:"requires_admin"`
	IsSensitive   bool     `json:"is_sensitive"`
	Resources     []string `json:"resources,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
}

// CreateScope registers a new scope. Names failing the format rule are
// invalid_request; names matching the dangerous denylist fail with
// dangerous_scope regardless of caller privilege. Dependencies are not
// required to exist yet; they resolve at authorization time.
func (s *Service) CreateScope(ctx context.Context, spec *ScopeSpec) (*domain.Scope, error) {
	if !ValidScopeName(spec.Name) {
		return nil, outerrors.InvalidRequest(fmt.Sprintf("invalid scope name: %q", spec.Name))
	}
	if DangerousScopeName(spec.Name) {
		return nil, outerrors.New(outerrors.CodeDangerousScope,
			fmt.Sprintf("scope name %q matches a reserved pattern", spec.Name))
	}

	scope := &domain.Scope{
		Name:          spec.Name,
		Description:   spec.Description,
		Category:      spec.Category,
		IsDefault:     spec.IsDefault,
		RequiresAdmin: spec.RequiresAdmin,
		IsSensitive:   spec.IsSensitive,
		Resources:     spec.Resources,
		Dependencies:  spec.Dependencies,
	}

	if err := s.store.Scopes().Create(ctx, scope); err != nil {
		return nil, err
	}

	s.logger.Info("scope created", "scope", scope.Name)
	return scope, nil
}

// GetScope returns a scope by name.
func (s *Service) GetScope(ctx context.Context, name string) (*domain.Scope, error) {
	return s.store.Scopes().GetByName(ctx, name)
}

// ListScopes returns the full scope catalog.
func (s *Service) ListScopes(ctx context.Context) ([]*domain.Scope, error) {
	return s.store.Scopes().List(ctx)
}

// UpdateScope mutates a scope's metadata. Protected (standard) scopes
// cannot be changed.
func (s *Service) UpdateScope(ctx context.Context, name string, spec *ScopeSpec) (*domain.Scope, error) {
	scope, err := s.store.Scopes().GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if scope.Protected {
		return nil, outerrors.New(outerrors.CodeProtectedScope,
			fmt.Sprintf("scope %q is a standard scope and cannot be modified", name))
	}

	scope.Description = spec.Description
	scope.Category = spec.Category
	scope.IsDefault = spec.IsDefault
	scope.RequiresAdmin = spec.RequiresAdmin
	scope.IsSensitive = spec.IsSensitive
	scope.Resources = spec.Resources
	scope.Dependencies = spec.Dependencies

	if err := s.store.Scopes().Update(ctx, scope); err != nil {
		return nil, err
	}

	s.logger.Info("scope updated", "scope", scope.Name)
	return scope, nil
}

// DeleteScope removes a scope. Protected scopes are refused. With
// force=false the call fails with scope_in_use while live tokens carry
// the scope, reporting how many. With force=true the deletion cascades:
// the scope is stripped from every client's allowed scope set and from
// live token scope sets transactionally.
func (s *Service) DeleteScope(ctx context.Context, name string, force bool) (activeTokens int, err error) {
	scope, err := s.store.Scopes().GetByName(ctx, name)
	if err != nil {
		return 0, err
	}
	if scope.Protected {
		return 0, outerrors.New(outerrors.CodeProtectedScope,
			fmt.Sprintf("scope %q is a standard scope and cannot be deleted", name))
	}

	active, err := s.store.Tokens().CountActiveByScope(ctx, name)
	if err != nil {
		return 0, err
	}
	if active > 0 && !force {
		return active, outerrors.New(outerrors.CodeScopeInUse,
			fmt.Sprintf("scope is held by %d active token(s); pass force to delete", active))
	}

	if err := s.store.DeleteScopeCascade(ctx, name); err != nil {
		return active, err
	}

	s.logger.Info("scope deleted", "scope", name, "stripped_tokens", active, "forced", force)
	return active, nil
}

// EnsureStandardScopes seeds the protected standard scopes on startup.
func (s *Service) EnsureStandardScopes(ctx context.Context) error {
	standard := []*domain.Scope{
		{Name: "openid", Description: "OpenID Connect authentication", Protected: true, IsDefault: true},
		{Name: "profile", Description: "Basic profile information", Protected: true},
		{Name: "email", Description: "Email address", Protected: true},
		{Name: "offline_access", Description: "Refresh token issuance", Protected: true},
	}
	for _, sc := range standard {
		err := s.store.Scopes().Create(ctx, sc)
		if err != nil && !outerrors.IsCode(err, outerrors.CodeAlreadyExists) {
			return err
		}
	}
	return nil
}
