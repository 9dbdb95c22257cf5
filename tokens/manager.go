package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-integrations/core"
)

const (
	OperationRefresh = "auth.refresh"
	OperationRevoke  = "auth.revoke"
)

// Refresher exchanges the current credential for a fresh one at the provider.
type Refresher interface {
	RefreshCredential(ctx context.Context, identity core.ProviderIdentity, current core.Credential) (core.Credential, error)
}

// Revoker invalidates a credential at the provider.
type Revoker interface {
	RevokeCredential(ctx context.Context, identity core.ProviderIdentity, current core.Credential) error
}

type RefresherFunc func(ctx context.Context, identity core.ProviderIdentity, current core.Credential) (core.Credential, error)

func (f RefresherFunc) RefreshCredential(ctx context.Context, identity core.ProviderIdentity, current core.Credential) (core.Credential, error) {
	return f(ctx, identity, current)
}

// Manager owns the credential lifecycle of every connected identity.
// Concurrent refreshes of one identity share a single provider call.
type Manager struct {
	protector core.Protector
	secrets   core.SecretStore
	repo      core.CredentialRepository
	codec     CredentialCodec
	logger    core.Logger
	now       func() time.Time

	leadWindow time.Duration

	refreshersMu sync.RWMutex
	refreshers   map[string]Refresher

	group       singleflight.Group
	cache       *xsync.MapOf[string, core.Credential]
	generations *xsync.MapOf[string, uint64]
	locks       *xsync.MapOf[string, *sync.Mutex]
}

type Option func(*Manager)

func WithLogger(logger core.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithCodec(codec CredentialCodec) Option {
	return func(m *Manager) {
		if codec != nil {
			m.codec = codec
		}
	}
}

// WithRefreshLeadWindow refreshes credentials that expire within window
// instead of waiting for them to go stale.
func WithRefreshLeadWindow(window time.Duration) Option {
	return func(m *Manager) {
		if window > 0 {
			m.leadWindow = window
		}
	}
}

func WithRefresher(provider string, refresher Refresher) Option {
	return func(m *Manager) {
		m.RegisterRefresher(provider, refresher)
	}
}

func NewManager(protector core.Protector, secrets core.SecretStore, repo core.CredentialRepository, opts ...Option) (*Manager, error) {
	if protector == nil {
		return nil, fmt.Errorf("tokens: protector is required")
	}
	if secrets == nil {
		return nil, fmt.Errorf("tokens: secret store is required")
	}
	if repo == nil {
		repo = NewMemoryCredentialRepository()
	}
	m := &Manager{
		protector:   protector,
		secrets:     secrets,
		repo:        repo,
		codec:       JSONCredentialCodec{},
		now:         func() time.Time { return time.Now().UTC() },
		refreshers:  map[string]Refresher{},
		cache:       xsync.NewMapOf[string, core.Credential](),
		generations: xsync.NewMapOf[string, uint64](),
		locks:       xsync.NewMapOf[string, *sync.Mutex](),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = core.ResolveLogger("integrations.tokens", m.logger)
	return m, nil
}

func (m *Manager) RegisterRefresher(provider string, refresher Refresher) {
	provider = strings.TrimSpace(strings.ToLower(provider))
	if provider == "" || refresher == nil {
		return
	}
	m.refreshersMu.Lock()
	m.refreshers[provider] = refresher
	m.refreshersMu.Unlock()
}

func (m *Manager) refresher(provider string) (Refresher, bool) {
	m.refreshersMu.RLock()
	defer m.refreshersMu.RUnlock()
	refresher, ok := m.refreshers[strings.TrimSpace(strings.ToLower(provider))]
	return refresher, ok
}

// Store seals and persists credential for identity, replacing any previous
// one.
func (m *Manager) Store(ctx context.Context, identity core.ProviderIdentity, credential core.Credential) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(credential.AccessToken) == "" {
		return core.BadInputError("access_token", "credential access token is required")
	}
	lock := m.lock(identity)
	lock.Lock()
	defer lock.Unlock()
	m.bumpGeneration(identity)
	return m.persist(ctx, identity, credential)
}

// GetCredential returns a usable credential, refreshing it first when it is
// stale or inside the lead window.
func (m *Manager) GetCredential(ctx context.Context, identity core.ProviderIdentity) (core.Credential, error) {
	if err := identity.Validate(); err != nil {
		return core.Credential{}, err
	}
	current, err := m.load(ctx, identity)
	if err != nil {
		return core.Credential{}, err
	}
	now := m.now()
	if !current.ExpiresWithin(now, m.leadWindow) {
		return current, nil
	}
	if !current.Refreshable() {
		if current.IsStale(now) {
			return core.Credential{}, &core.AuthenticationError{Identity: identity, Reason: "credential expired and cannot be refreshed"}
		}
		return current, nil
	}

	refreshed, err := m.runFlight(ctx, identity, true)
	if err != nil {
		if !current.IsStale(now) {
			// still valid, refresh ahead can wait for the next call
			core.Log(ctx, m.logger, core.LogWarn, "early credential refresh failed", map[string]any{
				"identity": identity.Key(),
				"error":    err.Error(),
			})
			return current, nil
		}
		return core.Credential{}, err
	}
	return refreshed, nil
}

// Refresh forces a refresh through the "auth.refresh" operation class. On
// failure the stored credential is left untouched.
func (m *Manager) Refresh(ctx context.Context, identity core.ProviderIdentity) (core.Credential, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := identity.Validate(); err != nil {
		return core.Credential{}, err
	}
	return m.runFlight(ctx, identity, false)
}

func (m *Manager) runFlight(ctx context.Context, identity core.ProviderIdentity, onlyIfDue bool) (core.Credential, error) {
	flight := m.group.DoChan(identity.Key(), func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), identity, onlyIfDue)
	})
	select {
	case <-ctx.Done():
		return core.Credential{}, ctx.Err()
	case result := <-flight:
		if result.Err != nil {
			return core.Credential{}, result.Err
		}
		return cloneCredential(result.Val.(core.Credential)), nil
	}
}

func (m *Manager) refresh(ctx context.Context, identity core.ProviderIdentity, onlyIfDue bool) (core.Credential, error) {
	generation := m.generation(identity)
	current, err := m.load(ctx, identity)
	if err != nil {
		if errors.Is(err, core.ErrCredentialNotFound) {
			return core.Credential{}, &core.AuthenticationError{Identity: identity, Reason: "no credential stored", Cause: err}
		}
		return core.Credential{}, err
	}
	if onlyIfDue && !current.ExpiresWithin(m.now(), m.leadWindow) {
		// refreshed by a flight that finished after the caller loaded it
		return current, nil
	}
	if !current.Refreshable() {
		return core.Credential{}, &core.AuthenticationError{Identity: identity, Reason: "credential has no refresh token"}
	}
	refresher, ok := m.refresher(identity.Provider)
	if !ok {
		return core.Credential{}, &core.AuthenticationError{Identity: identity, Reason: "provider does not support refresh"}
	}

	var refreshed core.Credential
	call := core.NewCall(identity.Provider, OperationRefresh)
	err = m.protector.Execute(core.WithCallIdentity(ctx, identity), call, func(ctx context.Context) error {
		next, refreshErr := refresher.RefreshCredential(ctx, identity, cloneCredential(current))
		if refreshErr != nil {
			return refreshErr
		}
		refreshed = next
		return nil
	})
	if err != nil {
		core.Log(ctx, m.logger, core.LogWarn, "credential refresh failed", map[string]any{
			"identity": identity.Key(),
			"error":    err.Error(),
		})
		var authErr *core.AuthenticationError
		if errors.As(err, &authErr) {
			return core.Credential{}, err
		}
		return core.Credential{}, &core.AuthenticationError{Identity: identity, Reason: "refresh failed", Cause: err}
	}
	if strings.TrimSpace(refreshed.AccessToken) == "" {
		return core.Credential{}, &core.AuthenticationError{Identity: identity, Reason: "refresh returned an empty access token"}
	}
	refreshed = mergeRefreshed(current, refreshed)

	lock := m.lock(identity)
	lock.Lock()
	defer lock.Unlock()
	if m.generation(identity) != generation {
		// Store or Forget ran while the provider call was in flight
		if stored, ok := m.cache.Load(identity.Key()); ok {
			return cloneCredential(stored), nil
		}
		return core.Credential{}, &core.AuthenticationError{Identity: identity, Reason: "credential revoked during refresh"}
	}
	if err := m.persist(ctx, identity, refreshed); err != nil {
		// the provider already rotated the token, keep it usable in memory
		m.cache.Store(identity.Key(), cloneCredential(refreshed))
		return refreshed, fmt.Errorf("tokens: persist refreshed credential: %w", err)
	}
	core.Log(ctx, m.logger, core.LogInfo, "credential refreshed", map[string]any{
		"identity":   identity.Key(),
		"credential": refreshed.Redacted(),
	})
	return refreshed, nil
}

// Revoke asks the provider to invalidate the credential, then clears local
// state regardless of the remote outcome. remote reports whether the
// provider confirmed.
func (m *Manager) Revoke(ctx context.Context, identity core.ProviderIdentity) (remote bool, err error) {
	if err := identity.Validate(); err != nil {
		return false, err
	}
	m.bumpGeneration(identity)

	current, loadErr := m.load(ctx, identity)
	if loadErr == nil {
		remote = m.revokeRemote(ctx, identity, current)
	} else if !errors.Is(loadErr, core.ErrCredentialNotFound) {
		core.Log(ctx, m.logger, core.LogWarn, "credential unreadable during revoke", map[string]any{
			"identity": identity.Key(),
			"error":    loadErr.Error(),
		})
	}
	return remote, m.Forget(ctx, identity)
}

func (m *Manager) revokeRemote(ctx context.Context, identity core.ProviderIdentity, current core.Credential) bool {
	refresher, ok := m.refresher(identity.Provider)
	if !ok {
		return false
	}
	revoker, ok := refresher.(Revoker)
	if !ok {
		return false
	}
	call := core.NewCall(identity.Provider, OperationRevoke)
	err := m.protector.Execute(core.WithCallIdentity(ctx, identity), call, func(ctx context.Context) error {
		return revoker.RevokeCredential(ctx, identity, cloneCredential(current))
	})
	if err != nil {
		core.Log(ctx, m.logger, core.LogWarn, "remote revoke failed, clearing local credential", map[string]any{
			"identity": identity.Key(),
			"error":    err.Error(),
		})
		return false
	}
	return true
}

// Forget drops every local trace of the identity's credential. Refreshes in
// flight when it runs are discarded.
func (m *Manager) Forget(ctx context.Context, identity core.ProviderIdentity) error {
	lock := m.lock(identity)
	lock.Lock()
	defer lock.Unlock()

	m.bumpGeneration(identity)
	m.cache.Delete(identity.Key())
	var errs []error
	if err := m.repo.Delete(ctx, identity); err != nil && !errors.Is(err, core.ErrCredentialNotFound) {
		errs = append(errs, err)
	}
	if err := m.secrets.Delete(ctx, identity); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Cached reports the credential held in memory without touching storage.
func (m *Manager) Cached(identity core.ProviderIdentity) (core.Credential, bool) {
	credential, ok := m.cache.Load(identity.Key())
	if !ok {
		return core.Credential{}, false
	}
	return cloneCredential(credential), true
}

func (m *Manager) load(ctx context.Context, identity core.ProviderIdentity) (core.Credential, error) {
	if credential, ok := m.cache.Load(identity.Key()); ok {
		return cloneCredential(credential), nil
	}
	sealed, err := m.repo.Load(ctx, identity)
	if err != nil {
		return core.Credential{}, err
	}
	plaintext, err := m.secrets.Decrypt(ctx, identity, sealed)
	if err != nil {
		return core.Credential{}, fmt.Errorf("tokens: open credential: %w", err)
	}
	credential, err := m.codec.Decode(plaintext)
	if err != nil {
		return core.Credential{}, err
	}
	m.cache.Store(identity.Key(), cloneCredential(credential))
	return credential, nil
}

func (m *Manager) persist(ctx context.Context, identity core.ProviderIdentity, credential core.Credential) error {
	plaintext, err := m.codec.Encode(credential)
	if err != nil {
		return err
	}
	sealed, err := m.secrets.Encrypt(ctx, identity, plaintext)
	if err != nil {
		return fmt.Errorf("tokens: seal credential: %w", err)
	}
	if err := m.repo.Save(ctx, identity, sealed); err != nil {
		return err
	}
	m.cache.Store(identity.Key(), cloneCredential(credential))
	return nil
}

func (m *Manager) generation(identity core.ProviderIdentity) uint64 {
	generation, _ := m.generations.Load(identity.Key())
	return generation
}

func (m *Manager) bumpGeneration(identity core.ProviderIdentity) {
	m.generations.Compute(identity.Key(), func(old uint64, _ bool) (uint64, bool) {
		return old + 1, false
	})
}

func (m *Manager) lock(identity core.ProviderIdentity) *sync.Mutex {
	lock, _ := m.locks.LoadOrCompute(identity.Key(), func() *sync.Mutex { return &sync.Mutex{} })
	return lock
}

// mergeRefreshed keeps the refresh token and scopes when the provider does
// not rotate them.
func mergeRefreshed(current, refreshed core.Credential) core.Credential {
	if strings.TrimSpace(refreshed.RefreshToken) == "" {
		refreshed.RefreshToken = current.RefreshToken
	}
	if len(refreshed.Scopes) == 0 {
		refreshed.Scopes = append([]string(nil), current.Scopes...)
	}
	if strings.TrimSpace(refreshed.TokenType) == "" {
		refreshed.TokenType = current.TokenType
	}
	if refreshed.Metadata == nil {
		refreshed.Metadata = copyMetadata(current.Metadata)
	}
	return refreshed
}
