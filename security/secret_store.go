package security

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/goliatone/go-integrations/core"
)

type dataKey struct {
	id  string
	key []byte
}

// EnvelopeSecretStore seals credential payloads with a data key generated per
// identity. The data key is stored wrapped by a KeyWrapper, and both layers
// bind the identity as additional authenticated data, so a blob moved to
// another identity fails to open. Delete destroys the data key, which makes
// every payload sealed for the identity unrecoverable.
type EnvelopeSecretStore struct {
	wrapper KeyWrapper
	keys    DataKeyStore
	now     func() time.Time

	unwrapped *xsync.MapOf[string, dataKey]
	locks     *xsync.MapOf[string, *sync.Mutex]
}

type EnvelopeOption func(*EnvelopeSecretStore)

func WithEnvelopeClock(now func() time.Time) EnvelopeOption {
	return func(s *EnvelopeSecretStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewEnvelopeSecretStore(wrapper KeyWrapper, keys DataKeyStore, opts ...EnvelopeOption) (*EnvelopeSecretStore, error) {
	if wrapper == nil {
		return nil, fmt.Errorf("security: key wrapper is required")
	}
	if keys == nil {
		keys = NewMemoryDataKeyStore()
	}
	store := &EnvelopeSecretStore{
		wrapper:   wrapper,
		keys:      keys,
		now:       func() time.Time { return time.Now().UTC() },
		unwrapped: xsync.NewMapOf[string, dataKey](),
		locks:     xsync.NewMapOf[string, *sync.Mutex](),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

func (s *EnvelopeSecretStore) Encrypt(ctx context.Context, identity core.ProviderIdentity, plaintext []byte) ([]byte, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	key, err := s.dataKey(ctx, identity, true)
	if err != nil {
		return nil, err
	}
	sealed, err := seal(key.key, plaintext, []byte(identity.Key()))
	if err != nil {
		return nil, err
	}
	return encodeEnvelope(envelope{
		DataKeyID:  key.id,
		Algorithm:  envelopeAlgorithm,
		Ciphertext: encodePayload(sealed),
	})
}

func (s *EnvelopeSecretStore) Decrypt(ctx context.Context, identity core.ProviderIdentity, opaque []byte) ([]byte, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	env, err := decodeEnvelope(opaque)
	if err != nil {
		return nil, err
	}
	key, err := s.dataKey(ctx, identity, false)
	if err != nil {
		return nil, err
	}
	if key.id != env.DataKeyID {
		return nil, fmt.Errorf("security: payload sealed with data key %q, identity holds %q", env.DataKeyID, key.id)
	}
	sealed, err := decodePayload(env.Ciphertext)
	if err != nil {
		return nil, err
	}
	return open(key.key, sealed, []byte(identity.Key()))
}

// Delete crypto-shreds every secret sealed for identity.
func (s *EnvelopeSecretStore) Delete(ctx context.Context, identity core.ProviderIdentity) error {
	lock := s.lock(identity)
	lock.Lock()
	defer lock.Unlock()
	s.unwrapped.Delete(identity.Key())
	if err := s.keys.Delete(ctx, identity); err != nil && !errors.Is(err, ErrDataKeyNotFound) {
		return fmt.Errorf("security: delete data key: %w", err)
	}
	return nil
}

// Rewrap re-seals the identity's data key under the wrapper's active key.
// Payloads are untouched.
func (s *EnvelopeSecretStore) Rewrap(ctx context.Context, identity core.ProviderIdentity) (bool, error) {
	lock := s.lock(identity)
	lock.Lock()
	defer lock.Unlock()

	stored, err := s.keys.Get(ctx, identity)
	if err != nil {
		return false, err
	}
	if stored.WrappingKey == s.wrapper.ActiveKeyID() {
		return false, nil
	}
	aad := []byte(identity.Key())
	plain, err := s.wrapper.Unwrap(ctx, stored.WrappingKey, aad, stored.Wrapped)
	if err != nil {
		return false, err
	}
	wrappingKey, wrapped, err := s.wrapper.Wrap(ctx, aad, plain)
	if err != nil {
		return false, err
	}
	stored.WrappingKey = wrappingKey
	stored.Wrapped = wrapped
	if err := s.keys.Put(ctx, identity, stored); err != nil {
		return false, err
	}
	return true, nil
}

func (s *EnvelopeSecretStore) dataKey(ctx context.Context, identity core.ProviderIdentity, create bool) (dataKey, error) {
	if cached, ok := s.unwrapped.Load(identity.Key()); ok {
		return cached, nil
	}
	lock := s.lock(identity)
	lock.Lock()
	defer lock.Unlock()
	if cached, ok := s.unwrapped.Load(identity.Key()); ok {
		return cached, nil
	}

	aad := []byte(identity.Key())
	stored, err := s.keys.Get(ctx, identity)
	switch {
	case err == nil:
		plain, err := s.wrapper.Unwrap(ctx, stored.WrappingKey, aad, stored.Wrapped)
		if err != nil {
			return dataKey{}, err
		}
		key := dataKey{id: stored.ID, key: plain}
		s.unwrapped.Store(identity.Key(), key)
		return key, nil
	case !errors.Is(err, ErrDataKeyNotFound):
		return dataKey{}, fmt.Errorf("security: load data key: %w", err)
	case !create:
		return dataKey{}, fmt.Errorf("security: no data key for %s: %w", identity.Key(), ErrDataKeyNotFound)
	}

	plain := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, plain); err != nil {
		return dataKey{}, fmt.Errorf("security: generate data key: %w", err)
	}
	wrappingKey, wrapped, err := s.wrapper.Wrap(ctx, aad, plain)
	if err != nil {
		return dataKey{}, err
	}
	record := WrappedDataKey{
		ID:          uuid.NewString(),
		WrappingKey: wrappingKey,
		Wrapped:     wrapped,
		CreatedAt:   s.now(),
	}
	if err := s.keys.Put(ctx, identity, record); err != nil {
		return dataKey{}, fmt.Errorf("security: store data key: %w", err)
	}
	key := dataKey{id: record.ID, key: plain}
	s.unwrapped.Store(identity.Key(), key)
	return key, nil
}

func (s *EnvelopeSecretStore) lock(identity core.ProviderIdentity) *sync.Mutex {
	lock, _ := s.locks.LoadOrCompute(identity.Key(), func() *sync.Mutex { return &sync.Mutex{} })
	return lock
}

var _ core.SecretStore = (*EnvelopeSecretStore)(nil)
