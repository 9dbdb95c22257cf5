package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubIntegration struct {
	identity ProviderIdentity
}

func (s stubIntegration) ProviderID() string { return s.identity.Provider }

func (s stubIntegration) Identity() ProviderIdentity { return s.identity }

func (s stubIntegration) Capabilities() []Capability { return nil }

func (s stubIntegration) ValidateRequiredScopes([]string) bool { return true }

func (s stubIntegration) ClearCache() {}

func (s stubIntegration) Authenticate(context.Context, AuthConfig) (AuthResult, error) {
	return AuthResult{Success: true}, nil
}

func (s stubIntegration) TestConnection(context.Context) ConnectionStatus {
	return ConnectionStatus{IsConnected: true}
}

func (s stubIntegration) RefreshToken(context.Context) (AuthResult, error) {
	return AuthResult{Success: true}, nil
}

func (s stubIntegration) RevokeAccess(context.Context) (bool, error) { return true, nil }

func (s stubIntegration) SyncData(context.Context, *time.Time) (SyncResult, error) {
	return SyncResult{Success: true}, nil
}

func (s stubIntegration) HandleWebhook(context.Context, WebhookEnvelope) error { return nil }

func TestRegistry_RegisterGetRemove(t *testing.T) {
	registry := NewRegistry()
	identity := NewProviderIdentity("GitHub", "u1")
	if err := registry.Register(stubIntegration{identity: identity}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(stubIntegration{identity: identity}); !errors.Is(err, ErrIntegrationRegistered) {
		t.Fatalf("expected duplicate registration error, got %v", err)
	}
	if _, err := registry.Get(NewProviderIdentity("github", "u1")); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !registry.Remove(identity) {
		t.Fatalf("expected remove to report removal")
	}
	if _, err := registry.Get(identity); !errors.Is(err, ErrIntegrationNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
}

func TestRegistry_ForUserIsSortedByProvider(t *testing.T) {
	registry := NewRegistry()
	_ = registry.Register(stubIntegration{identity: NewProviderIdentity("shopify", "u1")})
	_ = registry.Register(stubIntegration{identity: NewProviderIdentity("github", "u1")})
	_ = registry.Register(stubIntegration{identity: NewProviderIdentity("github", "u2")})

	got := registry.ForUser("u1")
	if len(got) != 2 {
		t.Fatalf("expected 2 integrations, got %d", len(got))
	}
	if got[0].ProviderID() != "github" || got[1].ProviderID() != "shopify" {
		t.Fatalf("unexpected order: %s, %s", got[0].ProviderID(), got[1].ProviderID())
	}
	if len(registry.ForProvider("GITHUB")) != 2 {
		t.Fatalf("expected provider filter to match case-insensitively")
	}
}

func TestRegistry_RejectsInvalidIdentity(t *testing.T) {
	err := NewRegistry().Register(stubIntegration{identity: ProviderIdentity{Provider: "github"}})
	if !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity error, got %v", err)
	}
}
