package security

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-integrations/core"
)

var (
	alice = core.NewProviderIdentity("shopify", "alice")
	bob   = core.NewProviderIdentity("shopify", "bob")
)

type fakeKMSClient struct {
	failDecrypt bool
	encrypts    int
}

func (c *fakeKMSClient) Encrypt(_ context.Context, req KMSEncryptRequest) (KMSEncryptResponse, error) {
	c.encrypts++
	encoded := base64.StdEncoding.EncodeToString(req.Plaintext)
	wire := fmt.Sprintf("kms|%s|%d|%s|%s", req.KeyID, req.KeyVersion, req.Context["identity"], encoded)
	return KMSEncryptResponse{Ciphertext: []byte(wire)}, nil
}

func (c *fakeKMSClient) Decrypt(_ context.Context, req KMSDecryptRequest) (KMSDecryptResponse, error) {
	if c.failDecrypt {
		return KMSDecryptResponse{}, fmt.Errorf("kms unavailable")
	}
	parts := strings.Split(string(req.Ciphertext), "|")
	if len(parts) != 5 || parts[0] != "kms" {
		return KMSDecryptResponse{}, fmt.Errorf("invalid kms payload")
	}
	if parts[1] != req.KeyID || fmt.Sprintf("%d", req.KeyVersion) != parts[2] {
		return KMSDecryptResponse{}, fmt.Errorf("kms key mismatch")
	}
	if parts[3] != req.Context["identity"] {
		return KMSDecryptResponse{}, fmt.Errorf("kms encryption context mismatch")
	}
	decoded, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return KMSDecryptResponse{}, err
	}
	return KMSDecryptResponse{Plaintext: decoded}, nil
}

func newRingStore(t *testing.T, keys DataKeyStore) *EnvelopeSecretStore {
	t.Helper()
	ring, err := NewKeyRing("k1", []byte("app-key-material-one"))
	if err != nil {
		t.Fatalf("new key ring: %v", err)
	}
	store, err := NewEnvelopeSecretStore(ring, keys)
	if err != nil {
		t.Fatalf("new secret store: %v", err)
	}
	return store
}

func TestEnvelopeSecretStore_RoundTrip(t *testing.T) {
	store := newRingStore(t, nil)
	ctx := context.Background()

	sealed, err := store.Encrypt(ctx, alice, []byte(`{"access_token":"tok_abc"}`))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(sealed, []byte("tok_abc")) {
		t.Fatalf("expected plaintext not to appear in sealed payload")
	}
	plain, err := store.Decrypt(ctx, alice, sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(plain) != `{"access_token":"tok_abc"}` {
		t.Fatalf("unexpected plaintext %q", plain)
	}

	meta, err := ParseEnvelopeMetadata(sealed)
	if err != nil || meta.DataKeyID == "" || meta.Algorithm != envelopeAlgorithm {
		t.Fatalf("unexpected envelope metadata %+v %v", meta, err)
	}
}

func TestEnvelopeSecretStore_BindsPayloadToIdentity(t *testing.T) {
	store := newRingStore(t, nil)
	ctx := context.Background()

	sealed, err := store.Encrypt(ctx, alice, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := store.Encrypt(ctx, bob, []byte("other")); err != nil {
		t.Fatalf("encrypt bob: %v", err)
	}
	if _, err := store.Decrypt(ctx, bob, sealed); err == nil {
		t.Fatalf("expected another identity to be unable to open the payload")
	}
}

func TestEnvelopeSecretStore_DeleteShredsPayloads(t *testing.T) {
	keys := NewMemoryDataKeyStore()
	store := newRingStore(t, keys)
	ctx := context.Background()

	sealed, err := store.Encrypt(ctx, alice, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := store.Delete(ctx, alice); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := keys.Get(ctx, alice); !errors.Is(err, ErrDataKeyNotFound) {
		t.Fatalf("expected data key destroyed, got %v", err)
	}
	if _, err := store.Decrypt(ctx, alice, sealed); !errors.Is(err, ErrDataKeyNotFound) {
		t.Fatalf("expected shredded payload to be unrecoverable, got %v", err)
	}

	// A fresh data key is minted on the next write and old blobs stay dead.
	if _, err := store.Encrypt(ctx, alice, []byte("new")); err != nil {
		t.Fatalf("encrypt after delete: %v", err)
	}
	if _, err := store.Decrypt(ctx, alice, sealed); err == nil {
		t.Fatalf("expected payload from shredded key to stay unreadable")
	}
}

func TestEnvelopeSecretStore_SurvivesRestartWithSharedKeyStore(t *testing.T) {
	keys := NewMemoryDataKeyStore()
	ctx := context.Background()
	sealed, err := newRingStore(t, keys).Encrypt(ctx, alice, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plain, err := newRingStore(t, keys).Decrypt(ctx, alice, sealed)
	if err != nil || string(plain) != "secret" {
		t.Fatalf("expected second store to open payload, got %q %v", plain, err)
	}
}

func TestEnvelopeSecretStore_RotationRewrapsDataKey(t *testing.T) {
	keys := NewMemoryDataKeyStore()
	ctx := context.Background()
	sealed, err := newRingStore(t, keys).Encrypt(ctx, alice, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	rotated, err := NewKeyRing("k2", []byte("app-key-material-two"), WithRetiredKey("k1", []byte("app-key-material-one")))
	if err != nil {
		t.Fatalf("rotated ring: %v", err)
	}
	if ids := strings.Join(rotated.KeyIDs(), ","); ids != "k1,k2" || rotated.ActiveKeyID() != "k2" {
		t.Fatalf("unexpected ring keys %q active=%q", ids, rotated.ActiveKeyID())
	}
	store, _ := NewEnvelopeSecretStore(rotated, keys)
	if plain, err := store.Decrypt(ctx, alice, sealed); err != nil || string(plain) != "secret" {
		t.Fatalf("expected retired key to open old data key, got %q %v", plain, err)
	}
	changed, err := store.Rewrap(ctx, alice)
	if err != nil || !changed {
		t.Fatalf("expected rewrap, got %v %v", changed, err)
	}
	stored, _ := keys.Get(ctx, alice)
	if stored.WrappingKey != "k2" {
		t.Fatalf("expected data key wrapped by k2, got %q", stored.WrappingKey)
	}

	onlyNew, _ := NewKeyRing("k2", []byte("app-key-material-two"))
	fresh, _ := NewEnvelopeSecretStore(onlyNew, keys)
	if plain, err := fresh.Decrypt(ctx, alice, sealed); err != nil || string(plain) != "secret" {
		t.Fatalf("expected payload readable after retiring k1, got %q %v", plain, err)
	}
}

func TestKeyRing_RotationWindowBlocksExpiredActiveKey(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	ring, err := NewKeyRing("k1", []byte("material"),
		WithRotationWindow("k1", RotationWindow{NotAfter: now.Add(-time.Hour)}),
		WithKeyRingClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("new ring: %v", err)
	}
	if _, _, err := ring.Wrap(context.Background(), []byte("aad"), []byte("data-key")); err == nil {
		t.Fatalf("expected wrap outside rotation window to fail")
	}
	if _, err := NewKeyRing("", []byte("material")); err == nil {
		t.Fatalf("expected key id to be required")
	}
}

func TestEnvelopeSecretStore_KMSWrapper(t *testing.T) {
	client := &fakeKMSClient{}
	wrapper, err := NewKMSWrapper(client, "projects/p/keys/integrations", 2, WithKMSDecryptKey("projects/p/keys/integrations", 1))
	if err != nil {
		t.Fatalf("new kms wrapper: %v", err)
	}
	store, _ := NewEnvelopeSecretStore(wrapper, nil)
	ctx := context.Background()

	first, err := store.Encrypt(ctx, alice, []byte("one"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := store.Encrypt(ctx, alice, []byte("two")); err != nil {
		t.Fatalf("encrypt second: %v", err)
	}
	if client.encrypts != 1 {
		t.Fatalf("expected one data key wrap per identity, got %d", client.encrypts)
	}
	if plain, err := store.Decrypt(ctx, alice, first); err != nil || string(plain) != "one" {
		t.Fatalf("decrypt: %q %v", plain, err)
	}

	if _, err := wrapper.Unwrap(ctx, "projects/p/keys/other@1", []byte("x"), []byte("y")); err == nil {
		t.Fatalf("expected unconfigured decrypt key to be refused")
	}
}

func TestEnvelopeSecretStore_RejectsForeignEnvelopes(t *testing.T) {
	store := newRingStore(t, nil)
	if _, err := store.Decrypt(context.Background(), alice, []byte(`{"ciphertext":"abc"}`)); err == nil {
		t.Fatalf("expected missing prefix to be rejected")
	}
	if _, err := store.Encrypt(context.Background(), core.ProviderIdentity{}, []byte("x")); err == nil {
		t.Fatalf("expected invalid identity to be rejected")
	}
}
