package security

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type KMSEncryptRequest struct {
	KeyID      string
	KeyVersion int
	Plaintext  []byte
	Context    map[string]string
}

type KMSEncryptResponse struct {
	Ciphertext []byte
}

type KMSDecryptRequest struct {
	KeyID      string
	KeyVersion int
	Ciphertext []byte
	Context    map[string]string
}

type KMSDecryptResponse struct {
	Plaintext []byte
}

// KMSClient is the slice of a cloud KMS API the wrapper needs. Context is
// passed as the provider's encryption context and must match on decrypt.
type KMSClient interface {
	Encrypt(ctx context.Context, req KMSEncryptRequest) (KMSEncryptResponse, error)
	Decrypt(ctx context.Context, req KMSDecryptRequest) (KMSDecryptResponse, error)
}

type kmsKeyRef struct {
	KeyID   string
	Version int
}

func (r kmsKeyRef) id() string {
	return r.KeyID + "@" + strconv.Itoa(r.Version)
}

func parseKMSKeyRef(value string) (kmsKeyRef, error) {
	keyID, version, ok := strings.Cut(strings.TrimSpace(value), "@")
	if !ok {
		return kmsKeyRef{}, fmt.Errorf("security: malformed kms key ref %q", value)
	}
	parsed, err := strconv.Atoi(version)
	if err != nil {
		return kmsKeyRef{}, fmt.Errorf("security: malformed kms key version %q", value)
	}
	return newKMSKeyRef(keyID, parsed)
}

func newKMSKeyRef(keyID string, version int) (kmsKeyRef, error) {
	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return kmsKeyRef{}, fmt.Errorf("security: key id is required")
	}
	if version <= 0 {
		return kmsKeyRef{}, fmt.Errorf("security: key version must be greater than zero")
	}
	return kmsKeyRef{KeyID: trimmed, Version: version}, nil
}

type KMSOption func(*KMSWrapper)

// WithKMSDecryptKey allows unwrapping data keys sealed under an older key.
func WithKMSDecryptKey(keyID string, version int) KMSOption {
	return func(w *KMSWrapper) {
		if ref, err := newKMSKeyRef(keyID, version); err == nil {
			w.decryptAllowed[ref.id()] = ref
		}
	}
}

func WithKMSRotationWindow(keyID string, version int, window RotationWindow) KMSOption {
	return func(w *KMSWrapper) {
		if ref, err := newKMSKeyRef(keyID, version); err == nil {
			w.windows[ref.id()] = window
		}
	}
}

func WithKMSClock(now func() time.Time) KMSOption {
	return func(w *KMSWrapper) {
		if now != nil {
			w.now = now
		}
	}
}

// KMSWrapper wraps data keys with a remote KMS key. Only data keys cross the
// wire; credential payloads are sealed locally.
type KMSWrapper struct {
	client         KMSClient
	active         kmsKeyRef
	decryptAllowed map[string]kmsKeyRef
	windows        map[string]RotationWindow
	now            func() time.Time
}

func NewKMSWrapper(client KMSClient, keyID string, version int, opts ...KMSOption) (*KMSWrapper, error) {
	if client == nil {
		return nil, fmt.Errorf("security: kms client is required")
	}
	ref, err := newKMSKeyRef(keyID, version)
	if err != nil {
		return nil, err
	}
	w := &KMSWrapper{
		client:         client,
		active:         ref,
		decryptAllowed: map[string]kmsKeyRef{ref.id(): ref},
		windows:        map[string]RotationWindow{},
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

func (w *KMSWrapper) ActiveKeyID() string { return w.active.id() }

func (w *KMSWrapper) Wrap(ctx context.Context, aad, dataKey []byte) (string, []byte, error) {
	if window, ok := w.windows[w.active.id()]; ok && !window.Allows(w.now()) {
		return "", nil, fmt.Errorf("security: kms key %q is outside its rotation window", w.active.id())
	}
	res, err := w.client.Encrypt(ctx, KMSEncryptRequest{
		KeyID:      w.active.KeyID,
		KeyVersion: w.active.Version,
		Plaintext:  append([]byte(nil), dataKey...),
		Context:    kmsContext(aad),
	})
	if err != nil {
		return "", nil, fmt.Errorf("security: kms encrypt: %w", err)
	}
	if len(res.Ciphertext) == 0 {
		return "", nil, fmt.Errorf("security: kms encrypt returned empty ciphertext")
	}
	return w.active.id(), res.Ciphertext, nil
}

func (w *KMSWrapper) Unwrap(ctx context.Context, keyID string, aad, wrapped []byte) ([]byte, error) {
	ref, err := parseKMSKeyRef(keyID)
	if err != nil {
		return nil, err
	}
	if _, ok := w.decryptAllowed[ref.id()]; !ok {
		return nil, fmt.Errorf("security: kms key %q is not configured for decrypt", ref.id())
	}
	res, err := w.client.Decrypt(ctx, KMSDecryptRequest{
		KeyID:      ref.KeyID,
		KeyVersion: ref.Version,
		Ciphertext: wrapped,
		Context:    kmsContext(aad),
	})
	if err != nil {
		return nil, fmt.Errorf("security: kms decrypt: %w", err)
	}
	if len(res.Plaintext) == 0 {
		return nil, fmt.Errorf("security: kms decrypt returned empty plaintext")
	}
	return res.Plaintext, nil
}

func kmsContext(aad []byte) map[string]string {
	return map[string]string{"identity": base64.RawURLEncoding.EncodeToString(aad)}
}

var _ KeyWrapper = (*KMSWrapper)(nil)
