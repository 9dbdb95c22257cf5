package core

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds one Integration per ProviderIdentity.
type Registry struct {
	mu           sync.RWMutex
	integrations map[string]Integration
}

func NewRegistry() *Registry {
	return &Registry{integrations: make(map[string]Integration)}
}

func (r *Registry) Register(integration Integration) error {
	if integration == nil {
		return fmt.Errorf("core: integration is nil")
	}
	identity := integration.Identity()
	if err := identity.Validate(); err != nil {
		return err
	}
	key := identity.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.integrations[key]; exists {
		return fmt.Errorf("%w: %s", ErrIntegrationRegistered, key)
	}
	r.integrations[key] = integration
	return nil
}

// Replace registers integration, dropping any previous one for the identity.
func (r *Registry) Replace(integration Integration) error {
	if integration == nil {
		return fmt.Errorf("core: integration is nil")
	}
	identity := integration.Identity()
	if err := identity.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.integrations[identity.Key()] = integration
	r.mu.Unlock()
	return nil
}

func (r *Registry) Get(identity ProviderIdentity) (Integration, error) {
	r.mu.RLock()
	integration, ok := r.integrations[identity.Key()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIntegrationNotFound, identity.Key())
	}
	return integration, nil
}

func (r *Registry) Remove(identity ProviderIdentity) bool {
	key := identity.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.integrations[key]; !ok {
		return false
	}
	delete(r.integrations, key)
	return true
}

// ForUser lists the integrations connected by userID ordered by provider.
func (r *Registry) ForUser(userID string) []Integration {
	return r.filter(func(identity ProviderIdentity) bool {
		return identity.UserID == userID
	})
}

func (r *Registry) ForProvider(provider string) []Integration {
	provider = normalizeProvider(provider)
	return r.filter(func(identity ProviderIdentity) bool {
		return normalizeProvider(identity.Provider) == provider
	})
}

func (r *Registry) List() []Integration {
	return r.filter(func(ProviderIdentity) bool { return true })
}

func (r *Registry) filter(match func(ProviderIdentity) bool) []Integration {
	r.mu.RLock()
	keys := make([]string, 0, len(r.integrations))
	for key, integration := range r.integrations {
		if match(integration.Identity()) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := make([]Integration, 0, len(keys))
	for _, key := range keys {
		out = append(out, r.integrations[key])
	}
	r.mu.RUnlock()
	return out
}
