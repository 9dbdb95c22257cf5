package tokens

import (
	"context"
	"sync"

	"github.com/goliatone/go-integrations/core"
)

// MemoryCredentialRepository keeps sealed credentials in process memory.
type MemoryCredentialRepository struct {
	mu    sync.RWMutex
	items map[string][]byte
}

func NewMemoryCredentialRepository() *MemoryCredentialRepository {
	return &MemoryCredentialRepository{items: map[string][]byte{}}
}

func (r *MemoryCredentialRepository) Save(_ context.Context, identity core.ProviderIdentity, sealed []byte) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.items[identity.Key()] = append([]byte(nil), sealed...)
	r.mu.Unlock()
	return nil
}

func (r *MemoryCredentialRepository) Load(_ context.Context, identity core.ProviderIdentity) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sealed, ok := r.items[identity.Key()]
	if !ok {
		return nil, core.ErrCredentialNotFound
	}
	return append([]byte(nil), sealed...), nil
}

func (r *MemoryCredentialRepository) Delete(_ context.Context, identity core.ProviderIdentity) error {
	r.mu.Lock()
	delete(r.items, identity.Key())
	r.mu.Unlock()
	return nil
}

var _ core.CredentialRepository = (*MemoryCredentialRepository)(nil)
