package integration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-integrations/core"
	"github.com/goliatone/go-integrations/tokens"
)

// Base carries the plumbing shared by provider adapters. Adapters embed it
// and implement Authenticate, TestConnection, SyncData and HandleWebhook.
type Base struct {
	identity     core.ProviderIdentity
	protector    core.Protector
	tokens       *tokens.Manager
	resync       core.ResyncScheduler
	logger       core.Logger
	now          func() time.Time
	capabilities []core.Capability

	cachesMu sync.Mutex
	caches   []Clearable
}

type BaseConfig struct {
	Identity     core.ProviderIdentity
	Protector    core.Protector
	Tokens       *tokens.Manager
	Resync       core.ResyncScheduler
	Logger       core.Logger
	Now          func() time.Time
	Capabilities []core.Capability
}

func NewBase(cfg BaseConfig) (*Base, error) {
	identity := core.NewProviderIdentity(cfg.Identity.Provider, cfg.Identity.UserID)
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if cfg.Protector == nil {
		return nil, fmt.Errorf("integration: protector is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("integration: token manager is required")
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Base{
		identity:     identity,
		protector:    cfg.Protector,
		tokens:       cfg.Tokens,
		resync:       cfg.Resync,
		logger:       core.ResolveLogger("integrations."+identity.Provider, cfg.Logger),
		now:          now,
		capabilities: cloneCapabilities(cfg.Capabilities),
	}, nil
}

func (b *Base) ProviderID() string {
	return b.identity.Provider
}

func (b *Base) Identity() core.ProviderIdentity {
	return b.identity
}

func (b *Base) Logger() core.Logger {
	return b.logger
}

func (b *Base) Now() time.Time {
	return b.now()
}

// Call runs fn as a protected call of the given operation class.
func (b *Base) Call(ctx context.Context, operationClass string, fn func(ctx context.Context) error) error {
	ctx = core.WithCallIdentity(ctx, b.identity)
	return b.protector.Execute(ctx, core.NewCall(b.identity.Provider, operationClass), fn)
}

// Authorized runs fn with a valid credential. The credential is resolved
// before the protected call so a refresh never counts against operationClass.
// A 401 from the provider triggers one forced refresh and retry.
func (b *Base) Authorized(ctx context.Context, operationClass string, fn func(ctx context.Context, credential core.Credential) error) error {
	credential, err := b.tokens.GetCredential(ctx, b.identity)
	if err != nil {
		return err
	}
	err = b.Call(ctx, operationClass, func(ctx context.Context) error {
		return fn(ctx, credential)
	})
	if !isUnauthorized(err) || !credential.Refreshable() {
		return err
	}

	core.Log(ctx, b.logger, core.LogInfo, "provider rejected credential, refreshing", map[string]any{
		"identity":        b.identity.Key(),
		"operation_class": operationClass,
	})
	credential, refreshErr := b.tokens.Refresh(ctx, b.identity)
	if refreshErr != nil {
		return refreshErr
	}
	return b.Call(ctx, operationClass, func(ctx context.Context) error {
		return fn(ctx, credential)
	})
}

func (b *Base) Credential(ctx context.Context) (core.Credential, error) {
	return b.tokens.GetCredential(ctx, b.identity)
}

func (b *Base) StoreCredential(ctx context.Context, credential core.Credential) error {
	return b.tokens.Store(ctx, b.identity, credential)
}

// ForgetCredential drops the stored credential without contacting the
// provider.
func (b *Base) ForgetCredential(ctx context.Context) error {
	return b.tokens.Forget(ctx, b.identity)
}

func (b *Base) RefreshToken(ctx context.Context) (core.AuthResult, error) {
	credential, err := b.tokens.Refresh(ctx, b.identity)
	if err != nil {
		return core.FailedAuthResult(err), err
	}
	return core.AuthResultFromCredential(credential), nil
}

// RevokeAccess revokes remotely on a best effort basis. Local credentials and
// caches are always cleared.
func (b *Base) RevokeAccess(ctx context.Context) (bool, error) {
	remote, err := b.tokens.Revoke(ctx, b.identity)
	b.ClearCache()
	if err != nil {
		return false, err
	}
	return remote, nil
}

func (b *Base) Capabilities() []core.Capability {
	return cloneCapabilities(b.capabilities)
}

// ValidateRequiredScopes reports whether requested covers the scopes of every
// enabled capability.
func (b *Base) ValidateRequiredScopes(requested []string) bool {
	granted := map[string]bool{}
	for _, scope := range core.NormalizeScopes(requested) {
		granted[scope] = true
	}
	for _, capability := range b.capabilities {
		if !capability.Enabled {
			continue
		}
		for _, scope := range core.NormalizeScopes(capability.RequiredScopes) {
			if !granted[scope] {
				return false
			}
		}
	}
	return true
}

// MissingScopes lists required scopes absent from requested.
func (b *Base) MissingScopes(requested []string) []string {
	granted := map[string]bool{}
	for _, scope := range core.NormalizeScopes(requested) {
		granted[scope] = true
	}
	var required []string
	for _, capability := range b.capabilities {
		if capability.Enabled {
			required = append(required, capability.RequiredScopes...)
		}
	}
	var missing []string
	for _, scope := range core.NormalizeScopes(required) {
		if !granted[scope] {
			missing = append(missing, scope)
		}
	}
	return missing
}

func (b *Base) RegisterCache(cache Clearable) {
	if cache == nil {
		return
	}
	b.cachesMu.Lock()
	b.caches = append(b.caches, cache)
	b.cachesMu.Unlock()
}

func (b *Base) ClearCache() {
	b.cachesMu.Lock()
	caches := append([]Clearable(nil), b.caches...)
	b.cachesMu.Unlock()
	for _, cache := range caches {
		cache.Clear()
	}
}

// ScheduleResync asks the host to run a sync for resources. It is a no-op
// when no scheduler is wired.
func (b *Base) ScheduleResync(ctx context.Context, reason string, resources ...string) error {
	if b.resync == nil {
		return nil
	}
	return b.resync.ScheduleResync(ctx, core.ResyncRequest{
		Identity:    b.identity,
		Resources:   resources,
		Reason:      reason,
		RequestedAt: b.now(),
	})
}

// ProbeConnection runs probe as operationClass and reports the result as a
// ConnectionStatus. It never returns an error.
func (b *Base) ProbeConnection(ctx context.Context, operationClass string, probe func(ctx context.Context, credential core.Credential) (*core.RateLimitInfo, error)) core.ConnectionStatus {
	status := core.ConnectionStatus{LastChecked: b.now()}
	err := b.Authorized(ctx, operationClass, func(ctx context.Context, credential core.Credential) error {
		info, err := probe(ctx, credential)
		if err != nil {
			return err
		}
		status.RateLimitInfo = info
		return nil
	})
	if err != nil {
		status.Error = err.Error()
		var rateErr *core.RateLimitError
		if errors.As(err, &rateErr) && !rateErr.Info.IsZero() {
			info := rateErr.Info
			status.RateLimitInfo = &info
		}
		return status
	}
	status.IsConnected = true
	return status
}

func isUnauthorized(err error) bool {
	var upstream *core.UpstreamError
	return errors.As(err, &upstream) && upstream.StatusCode == http.StatusUnauthorized
}

func cloneCapabilities(in []core.Capability) []core.Capability {
	out := make([]core.Capability, 0, len(in))
	for _, capability := range in {
		capability.Name = strings.TrimSpace(capability.Name)
		capability.RequiredScopes = append([]string(nil), capability.RequiredScopes...)
		out = append(out, capability)
	}
	return out
}
