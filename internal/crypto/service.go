package crypto

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Retired keys stay in the JWKS for this long after rotation so
// access tokens signed before the cutover still verify.
const retiredKeyGrace = 7 * 24 * time.Hour

// KeyRepository defines storage operations for signing keys.
type KeyRepository interface {
	GetByID(ctx context.Context, kid string) (*KeyPair, error)
	GetActive(ctx context.Context) (*KeyPair, error)
	GetAll(ctx context.Context) ([]*KeyPair, error)
	Save(ctx context.Context, keyPair *KeyPair) error
	SetActive(ctx context.Context, kid string) error
	Delete(ctx context.Context, kid string) error
}

// KeyService manages the signing key lifecycle: generation on first
// start, age-based rotation, and kid lookup during verification.
type KeyService struct {
	repo        KeyRepository
	rotateAfter time.Duration // zero disables age-based rotation
	mu          sync.RWMutex
}

// KeyServiceOption configures the KeyService.
type KeyServiceOption func(*KeyService)

// WithRotationWindow makes EnsureActiveKey retire and replace the
// active key once it is older than d.
func WithRotationWindow(d time.Duration) KeyServiceOption {
	return func(s *KeyService) {
		s.rotateAfter = d
	}
}

// NewKeyService creates a KeyService.
func NewKeyService(repo KeyRepository, opts ...KeyServiceOption) *KeyService {
	s := &KeyService{repo: repo}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureActiveKey returns the active signing key, generating one when
// none exists and rotating when the active key has outlived the
// rotation window.
func (s *KeyService) EnsureActiveKey(ctx context.Context) (*KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.repo.GetActive(ctx)
	if err == nil && key != nil {
		if s.rotateAfter > 0 && time.Since(key.CreatedAt) > s.rotateAfter {
			return s.rotateLocked(ctx, key)
		}
		if key.PrivateKey == nil {
			if err := key.LoadFromPEM(); err != nil {
				return nil, fmt.Errorf("failed to load key from PEM: %w", err)
			}
		}
		return key, nil
	}

	return s.generateAndActivate(ctx)
}

// GetActiveKey returns the current active signing key.
func (s *KeyService) GetActiveKey(ctx context.Context) (*KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, err := s.repo.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	if key.PrivateKey == nil {
		if err := key.LoadFromPEM(); err != nil {
			return nil, fmt.Errorf("failed to load key from PEM: %w", err)
		}
	}
	return key, nil
}

// GetKeyByID returns a key by kid. Verification uses this so tokens
// signed by a retired-but-unexpired key still check out.
func (s *KeyService) GetKeyByID(ctx context.Context, kid string) (*KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, err := s.repo.GetByID(ctx, kid)
	if err != nil {
		return nil, err
	}
	if key.PrivateKey == nil || key.PublicKey == nil {
		if err := key.LoadFromPEM(); err != nil {
			return nil, fmt.Errorf("failed to load key from PEM: %w", err)
		}
	}
	return key, nil
}

// GetJWKS returns the public halves of every stored key. Keys with
// unreadable PEM data are skipped rather than failing the whole set.
func (s *KeyService) GetJWKS(ctx context.Context) (*JWKS, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys, err := s.repo.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	jwks := &JWKS{Keys: make([]JWK, 0, len(keys))}
	for _, key := range keys {
		if key.PublicKey == nil {
			if err := key.LoadFromPEM(); err != nil {
				continue
			}
		}
		jwks.Keys = append(jwks.Keys, key.ToJWK())
	}
	return jwks, nil
}

// RotateKey forces a rotation: the active key is retired with the
// grace window and a fresh key takes over.
func (s *KeyService) RotateKey(ctx context.Context) (*KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.repo.GetActive(ctx)
	if err != nil || old == nil {
		return s.generateAndActivate(ctx)
	}
	return s.rotateLocked(ctx, old)
}

// CleanupExpiredKeys deletes retired keys whose grace window has
// passed.
func (s *KeyService) CleanupExpiredKeys(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.repo.GetAll(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if key.IsExpired() && !key.Active {
			if err := s.repo.Delete(ctx, key.Kid); err != nil {
				return fmt.Errorf("failed to delete expired key %s: %w", key.Kid, err)
			}
		}
	}
	return nil
}

// rotateLocked retires old and activates a replacement. Caller holds
// the write lock.
func (s *KeyService) rotateLocked(ctx context.Context, old *KeyPair) (*KeyPair, error) {
	old.Active = false
	old.ExpiresAt = time.Now().Add(retiredKeyGrace)
	if err := s.repo.Save(ctx, old); err != nil {
		return nil, fmt.Errorf("failed to retire old key: %w", err)
	}
	return s.generateAndActivate(ctx)
}

func (s *KeyService) generateAndActivate(ctx context.Context) (*KeyPair, error) {
	key, err := GenerateKeyPair(DefaultKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := s.repo.Save(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to save key: %w", err)
	}
	if err := s.repo.SetActive(ctx, key.Kid); err != nil {
		return nil, fmt.Errorf("failed to activate key: %w", err)
	}
	return key, nil
}
