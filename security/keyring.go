package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// KeyWrapper seals and opens per-identity data keys. aad binds the wrapped
// key to the identity it belongs to.
type KeyWrapper interface {
	ActiveKeyID() string
	Wrap(ctx context.Context, aad, dataKey []byte) (keyID string, wrapped []byte, err error)
	Unwrap(ctx context.Context, keyID string, aad, wrapped []byte) ([]byte, error)
}

// RotationWindow gates when a key may encrypt. Zero bounds are open.
type RotationWindow struct {
	NotBefore time.Time
	NotAfter  time.Time
}

func (w RotationWindow) Allows(at time.Time) bool {
	at = at.UTC()
	if !w.NotBefore.IsZero() && at.Before(w.NotBefore.UTC()) {
		return false
	}
	if !w.NotAfter.IsZero() && at.After(w.NotAfter.UTC()) {
		return false
	}
	return true
}

type ringKey struct {
	kek    []byte
	window RotationWindow
}

// KeyRing wraps data keys locally with key-encryption keys derived from app
// key material through HKDF. The active key encrypts; every registered key
// can still decrypt so rotation never strands stored secrets.
type KeyRing struct {
	active string
	keys   map[string]ringKey
	now    func() time.Time
}

type KeyRingOption func(*KeyRing) error

// WithRetiredKey keeps an older key available for unwrapping.
func WithRetiredKey(id string, material []byte) KeyRingOption {
	return func(r *KeyRing) error {
		return r.add(id, material, RotationWindow{})
	}
}

func WithRotationWindow(id string, window RotationWindow) KeyRingOption {
	return func(r *KeyRing) error {
		id = strings.TrimSpace(id)
		key, ok := r.keys[id]
		if !ok {
			return fmt.Errorf("security: unknown key id %q", id)
		}
		key.window = window
		r.keys[id] = key
		return nil
	}
}

func WithKeyRingClock(now func() time.Time) KeyRingOption {
	return func(r *KeyRing) error {
		if now != nil {
			r.now = now
		}
		return nil
	}
}

func NewKeyRing(activeID string, material []byte, opts ...KeyRingOption) (*KeyRing, error) {
	ring := &KeyRing{
		active: strings.TrimSpace(activeID),
		keys:   map[string]ringKey{},
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := ring.add(ring.active, material, RotationWindow{}); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(ring); err != nil {
			return nil, err
		}
	}
	return ring, nil
}

func (r *KeyRing) add(id string, material []byte, window RotationWindow) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("security: key id is required")
	}
	material = bytes.TrimSpace(material)
	if len(material) == 0 {
		return fmt.Errorf("security: key material is required for %q", id)
	}
	kek, err := deriveKey(material, id)
	if err != nil {
		return err
	}
	r.keys[id] = ringKey{kek: kek, window: window}
	return nil
}

func (r *KeyRing) ActiveKeyID() string { return r.active }

func (r *KeyRing) KeyIDs() []string {
	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *KeyRing) Wrap(_ context.Context, aad, dataKey []byte) (string, []byte, error) {
	key := r.keys[r.active]
	if !key.window.Allows(r.now()) {
		return "", nil, fmt.Errorf("security: key %q is outside its rotation window", r.active)
	}
	wrapped, err := seal(key.kek, dataKey, aad)
	if err != nil {
		return "", nil, err
	}
	return r.active, wrapped, nil
}

func (r *KeyRing) Unwrap(_ context.Context, keyID string, aad, wrapped []byte) ([]byte, error) {
	key, ok := r.keys[strings.TrimSpace(keyID)]
	if !ok {
		return nil, fmt.Errorf("security: key %q is not in the key ring", keyID)
	}
	return open(key.kek, wrapped, aad)
}

func deriveKey(material []byte, keyID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, material, nil, []byte("integrations/data-key-wrap/"+keyID))
	kek := make([]byte, 32)
	if _, err := io.ReadFull(reader, kek); err != nil {
		return nil, fmt.Errorf("security: derive key: %w", err)
	}
	return kek, nil
}

// seal returns nonce||ciphertext.
func seal(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func open(key, sealed, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("security: sealed payload too short")
	}
	nonce, payload := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, payload, aad)
	if err != nil {
		return nil, fmt.Errorf("security: decrypt payload: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return gcm, nil
}

var _ KeyWrapper = (*KeyRing)(nil)
