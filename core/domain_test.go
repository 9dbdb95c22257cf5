package core

import (
	"errors"
	"testing"
	"time"
)

func TestProviderIdentity_KeyRoundTrip(t *testing.T) {
	identity := NewProviderIdentity(" Shopify ", " user-1 ")
	if identity.Key() != "shopify:user-1" {
		t.Fatalf("unexpected key %q", identity.Key())
	}
	parsed, err := ParseProviderIdentity(identity.Key())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != identity {
		t.Fatalf("expected %#v, got %#v", identity, parsed)
	}
	if _, err := ParseProviderIdentity("shopify"); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity error, got %v", err)
	}
}

func TestCredential_Staleness(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	soon := now.Add(30 * time.Second)

	if (Credential{AccessToken: "a"}).IsStale(now) {
		t.Fatalf("credential without expiry must not be stale")
	}
	if !(Credential{ExpiresAt: &past}).IsStale(now) {
		t.Fatalf("expected expired credential to be stale")
	}
	if (Credential{ExpiresAt: &soon}).IsStale(now) {
		t.Fatalf("expected future credential to be fresh")
	}
	if !(Credential{ExpiresAt: &soon}).ExpiresWithin(now, time.Minute) {
		t.Fatalf("expected credential inside lead window to be due")
	}
}

func TestCredential_RedactedHidesToken(t *testing.T) {
	fields := Credential{AccessToken: "tok_abc", RefreshToken: "ref"}.Redacted()
	if fields["access_token"] != RedactedValue {
		t.Fatalf("expected redacted access token")
	}
	for _, value := range fields {
		if value == "tok_abc" || value == "ref" {
			t.Fatalf("expected no plaintext token in %#v", fields)
		}
	}
}

func TestCall_KeyIsScopedByOperationClass(t *testing.T) {
	a := NewCall("Plaid", "transactions.list")
	b := NewCall("plaid", "accounts.get")
	if a.Key() == b.Key() {
		t.Fatalf("expected distinct keys per operation class")
	}
	if a.Key() != "plaid/transactions.list" {
		t.Fatalf("unexpected key %q", a.Key())
	}
	if err := (Call{Provider: "plaid"}).Validate(); err == nil {
		t.Fatalf("expected missing operation class to fail validation")
	}
}

func TestNormalizeScopes_SplitsAndDedupes(t *testing.T) {
	got := NormalizeScopes([]string{"read_orders write_orders", "read_orders,read_products", " "})
	want := []string{"read_orders", "read_products", "write_orders"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestWebhookEnvelope_HeaderIsCaseInsensitive(t *testing.T) {
	env := WebhookEnvelope{Headers: map[string]string{"X-Shopify-Topic": "orders/create"}}
	if env.Header("x-shopify-topic") != "orders/create" {
		t.Fatalf("expected case-insensitive header lookup")
	}
}
