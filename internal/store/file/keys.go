package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/outpost-auth/outpost/internal/crypto"
	outerrors "github.com/outpost-auth/outpost/internal/errors"
)

// KeyRepository implements crypto.KeyRepository on a JSON file. The
// mutex is held across every load-modify-save so concurrent rotation
// and lookup never interleave on the file.
type KeyRepository struct {
	path string
	mu   sync.RWMutex
}

type keySet struct {
	Keys      []*crypto.KeyPair `json:"keys"`
	ActiveKid string            `json:"active_kid"`
}

// NewKeyRepository creates a key repository rooted at dataDir.
func NewKeyRepository(dataDir string) *KeyRepository {
	return &KeyRepository{path: filepath.Join(dataDir, "signing_keys.json")}
}

// load reads the key set. Callers must hold the lock.
func (r *KeyRepository) load() (*keySet, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return &keySet{}, nil
	}
	if err != nil {
		return nil, outerrors.Internal("failed to load signing keys", err)
	}

	var ks keySet
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, outerrors.Internal("failed to parse signing keys", err)
	}
	return &ks, nil
}

// persist writes the key set back. Callers must hold the write lock.
func (r *KeyRepository) persist(ks *keySet) error {
	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return outerrors.Internal("failed to encode signing keys", err)
	}
	if err := os.WriteFile(r.path, data, 0600); err != nil {
		return outerrors.Internal("failed to write signing keys", err)
	}
	return nil
}

func (ks *keySet) find(kid string) *crypto.KeyPair {
	for _, key := range ks.Keys {
		if key.Kid == kid {
			return key
		}
	}
	return nil
}

// GetByID returns the key with the given kid.
func (r *KeyRepository) GetByID(ctx context.Context, kid string) (*crypto.KeyPair, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ks, err := r.load()
	if err != nil {
		return nil, err
	}
	if key := ks.find(kid); key != nil {
		return key, nil
	}
	return nil, outerrors.NotFound("signing key", kid)
}

// GetActive returns the current active signing key.
func (r *KeyRepository) GetActive(ctx context.Context) (*crypto.KeyPair, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ks, err := r.load()
	if err != nil {
		return nil, err
	}
	if ks.ActiveKid == "" {
		return nil, outerrors.NotFound("active signing key", "")
	}
	if key := ks.find(ks.ActiveKid); key != nil {
		return key, nil
	}
	return nil, outerrors.NotFound("active signing key", ks.ActiveKid)
}

// GetAll returns every stored key, active and retired.
func (r *KeyRepository) GetAll(ctx context.Context) ([]*crypto.KeyPair, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ks, err := r.load()
	if err != nil {
		return nil, err
	}
	return ks.Keys, nil
}

// Save inserts or replaces a key by kid.
func (r *KeyRepository) Save(ctx context.Context, keyPair *crypto.KeyPair) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ks, err := r.load()
	if err != nil {
		return err
	}

	replaced := false
	for i, key := range ks.Keys {
		if key.Kid == keyPair.Kid {
			ks.Keys[i] = keyPair
			replaced = true
			break
		}
	}
	if !replaced {
		ks.Keys = append(ks.Keys, keyPair)
	}
	return r.persist(ks)
}

// SetActive marks the given key active and deactivates the rest.
func (r *KeyRepository) SetActive(ctx context.Context, kid string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ks, err := r.load()
	if err != nil {
		return err
	}
	if ks.find(kid) == nil {
		return outerrors.NotFound("signing key", kid)
	}

	for _, key := range ks.Keys {
		key.Active = key.Kid == kid
	}
	ks.ActiveKid = kid
	return r.persist(ks)
}

// Delete removes a key. Deleting the active key clears the active
// marker so the next EnsureActiveKey regenerates.
func (r *KeyRepository) Delete(ctx context.Context, kid string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ks, err := r.load()
	if err != nil {
		return err
	}

	for i, key := range ks.Keys {
		if key.Kid == kid {
			ks.Keys = append(ks.Keys[:i], ks.Keys[i+1:]...)
			if ks.ActiveKid == kid {
				ks.ActiveKid = ""
			}
			return r.persist(ks)
		}
	}
	return outerrors.NotFound("signing key", kid)
}
