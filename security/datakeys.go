package security

import (
	"context"
	"errors"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/goliatone/go-integrations/core"
)

var ErrDataKeyNotFound = errors.New("security: data key not found")

// WrappedDataKey is a per-identity data key sealed by a KeyWrapper.
type WrappedDataKey struct {
	ID          string
	WrappingKey string
	Wrapped     []byte
	CreatedAt   time.Time
}

// DataKeyStore persists wrapped data keys. Get returns ErrDataKeyNotFound when
// the identity has none. Delete is the crypto-shred point.
type DataKeyStore interface {
	Get(ctx context.Context, identity core.ProviderIdentity) (WrappedDataKey, error)
	Put(ctx context.Context, identity core.ProviderIdentity, key WrappedDataKey) error
	Delete(ctx context.Context, identity core.ProviderIdentity) error
}

type MemoryDataKeyStore struct {
	keys *xsync.MapOf[string, WrappedDataKey]
}

func NewMemoryDataKeyStore() *MemoryDataKeyStore {
	return &MemoryDataKeyStore{keys: xsync.NewMapOf[string, WrappedDataKey]()}
}

func (s *MemoryDataKeyStore) Get(_ context.Context, identity core.ProviderIdentity) (WrappedDataKey, error) {
	key, ok := s.keys.Load(identity.Key())
	if !ok {
		return WrappedDataKey{}, ErrDataKeyNotFound
	}
	key.Wrapped = append([]byte(nil), key.Wrapped...)
	return key, nil
}

func (s *MemoryDataKeyStore) Put(_ context.Context, identity core.ProviderIdentity, key WrappedDataKey) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	key.Wrapped = append([]byte(nil), key.Wrapped...)
	s.keys.Store(identity.Key(), key)
	return nil
}

func (s *MemoryDataKeyStore) Delete(_ context.Context, identity core.ProviderIdentity) error {
	s.keys.Delete(identity.Key())
	return nil
}

var _ DataKeyStore = (*MemoryDataKeyStore)(nil)
