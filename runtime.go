// Package integrations wires the protected call executor, token lifecycle,
// sync orchestration and webhook dispatch into one runtime that hosts
// provider adapters for many users.
package integrations

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/goliatone/go-integrations/adapters/gojob"
	"github.com/goliatone/go-integrations/core"
	"github.com/goliatone/go-integrations/protect"
	"github.com/goliatone/go-integrations/providers/restapi"
	"github.com/goliatone/go-integrations/ratelimit"
	"github.com/goliatone/go-integrations/security"
	intsync "github.com/goliatone/go-integrations/sync"
	"github.com/goliatone/go-integrations/tokens"
	"github.com/goliatone/go-integrations/webhooks"
)

// ResourceSyncer is implemented by adapters able to sync a subset of their
// resources, which narrow webhook resyncs use.
type ResourceSyncer interface {
	SyncResources(ctx context.Context, resources []string, lastSyncTime *time.Time) (core.SyncResult, error)
}

type Runtime struct {
	cfg          core.Config
	logger       core.Logger
	metrics      core.Metrics
	httpClient   *http.Client
	now          func() time.Time
	executor     *protect.Executor
	tokens       *tokens.Manager
	registry     *core.Registry
	orchestrator *intsync.Orchestrator
	dispatcher   *webhooks.Dispatcher
	scheduler    *intsync.Scheduler
	resync       core.ResyncScheduler

	mu        gosync.RWMutex
	providers map[string]Provider

	lastSync   *xsync.MapOf[string, time.Time]
	background gosync.WaitGroup
}

// New resolves configuration as defaults < config provider < cfg, then
// builds every component. Providers named in the configuration that match a
// bundled adapter are registered automatically.
func New(ctx context.Context, cfg core.Config, opts ...Option) (*Runtime, error) {
	options := runtimeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	resolved, err := resolveConfig(ctx, cfg, options)
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:        resolved,
		logger:     core.ResolveLogger(resolved.ServiceName, options.logger),
		metrics:    core.MetricsOrNop(options.metrics),
		httpClient: options.httpClient,
		now:        options.now,
		registry:   core.NewRegistry(),
		providers:  map[string]Provider{},
		lastSync:   xsync.NewMapOf[string, time.Time](),
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}

	secrets, err := resolveSecretStore(options)
	if err != nil {
		return nil, err
	}

	executorOpts := []protect.Option{
		protect.WithLogger(r.logger),
		protect.WithMetrics(r.metrics),
		protect.WithProviderPacing(resolved),
		protect.WithClock(r.now),
	}
	if options.rateLimitStore != nil {
		executorOpts = append(executorOpts, protect.WithRateLimitPolicy(ratelimit.NewPolicy(options.rateLimitStore)))
	}
	r.executor = protect.New(protect.ConfigFrom(resolved), executorOpts...)

	r.tokens, err = tokens.NewManager(r.executor, secrets, options.credentials,
		tokens.WithLogger(r.logger),
		tokens.WithClock(r.now),
		tokens.WithRefreshLeadWindow(resolved.Tokens.RefreshLeadWindow),
	)
	if err != nil {
		return nil, err
	}

	r.orchestrator = intsync.NewOrchestrator(r.logger)

	ledger := options.ledger
	if ledger == nil {
		ledger = core.NewMemoryReplayLedger(resolved.Webhooks.ReplayTTL, resolved.Webhooks.ReplayMaxEntries)
	}
	r.dispatcher, err = webhooks.NewDispatcher(r.registry,
		webhooks.WithLedger(ledger, resolved.Webhooks.ReplayTTL),
		webhooks.WithMetrics(r.metrics),
		webhooks.WithLogger(r.logger),
		webhooks.WithClock(r.now),
	)
	if err != nil {
		return nil, err
	}

	var next core.ResyncScheduler = core.ResyncSchedulerFunc(r.resyncInBackground)
	if options.resync != nil {
		next = options.resync
	}
	r.resync = webhooks.NewDebouncedScheduler(next, webhooks.NewDebouncer(resolved.Webhooks.ResyncDebounce, 0, r.now), r.logger)

	r.scheduler, err = intsync.NewScheduler(r, r.logger, 0)
	if err != nil {
		return nil, err
	}

	explicit := map[string]bool{}
	for _, provider := range options.providers {
		if err := r.RegisterProvider(provider); err != nil {
			return nil, err
		}
		explicit[provider.name()] = true
	}
	for _, name := range resolved.ProviderNames() {
		if explicit[strings.ToLower(name)] {
			continue
		}
		if provider, ok := builtinProvider(name, resolved.Providers[name]); ok {
			if err := r.RegisterProvider(provider); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

func resolveConfig(ctx context.Context, runtime core.Config, options runtimeOptions) (core.Config, error) {
	defaults := core.DefaultConfig()
	loaded := core.Config{}
	if options.configProvider != nil {
		var err error
		loaded, err = options.configProvider.Load(ctx, defaults)
		if err != nil {
			return core.Config{}, err
		}
	}
	resolver := options.optionsResolver
	if resolver == nil {
		resolver = core.GoOptionsResolver{}
	}
	return resolver.Resolve(defaults, loaded, runtime)
}

func resolveSecretStore(options runtimeOptions) (core.SecretStore, error) {
	if options.secrets != nil {
		return options.secrets, nil
	}
	keys := make([]string, 0, len(options.appKeys))
	for _, key := range options.appKeys {
		if strings.TrimSpace(key) != "" {
			keys = append(keys, strings.TrimSpace(key))
		}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("integrations: a secret store or at least one app key is required")
	}
	active := len(keys) - 1
	ringOpts := make([]security.KeyRingOption, 0, active)
	for i, key := range keys[:active] {
		ringOpts = append(ringOpts, security.WithRetiredKey(appKeyID(i), []byte(key)))
	}
	ring, err := security.NewKeyRing(appKeyID(active), []byte(keys[active]), ringOpts...)
	if err != nil {
		return nil, err
	}
	return security.NewEnvelopeSecretStore(ring, nil)
}

func appKeyID(index int) string {
	return fmt.Sprintf("app-key-%d", index+1)
}

func (r *Runtime) Config() core.Config              { return r.cfg }
func (r *Runtime) Registry() *core.Registry         { return r.registry }
func (r *Runtime) Executor() *protect.Executor      { return r.executor }
func (r *Runtime) Tokens() *tokens.Manager          { return r.tokens }
func (r *Runtime) Dispatcher() *webhooks.Dispatcher { return r.dispatcher }

// Deps returns the collaborators a provider adapter needs from the runtime.
func (r *Runtime) Deps() restapi.Deps {
	return restapi.Deps{
		Protector:    r.executor,
		Tokens:       r.tokens,
		Resync:       r.resync,
		Logger:       r.logger,
		Orchestrator: r.orchestrator,
		Observer:     r.executor,
		HTTPClient:   r.httpClient,
		Cache:        r.cfg.Cache,
		Now:          r.now,
	}
}

func (r *Runtime) RegisterProvider(provider Provider) error {
	name := provider.name()
	if name == "" {
		return core.BadInputError("provider", "provider name is required")
	}
	if provider.Build == nil {
		return core.BadInputError("provider", fmt.Sprintf("provider %q has no build function", name))
	}
	if provider.Webhooks != nil {
		template := *provider.Webhooks
		if strings.TrimSpace(template.Provider) == "" {
			template.Provider = name
		}
		resolver := provider.Resolver
		if resolver == nil && name == "shopify" {
			resolver = shopResolver(r.registry)
		}
		if err := r.dispatcher.RegisterProvider(template, resolver); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.providers[name] = provider
	r.mu.Unlock()
	return nil
}

func (r *Runtime) provider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[strings.TrimSpace(strings.ToLower(name))]
	return provider, ok
}

// Attach registers an adapter built by the host, replacing any adapter of the
// same identity.
func (r *Runtime) Attach(integration core.Integration) error {
	if integration == nil {
		return core.BadInputError("integration", "integration is required")
	}
	identity := integration.Identity()
	if previous, err := r.registry.Get(identity); err == nil && previous != integration {
		previous.ClearCache()
	}
	return r.registry.Replace(integration)
}

// Connect builds the adapter for req, exchanges the authorization code and
// registers the adapter once authentication succeeds.
func (r *Runtime) Connect(ctx context.Context, req core.ConnectRequest) (core.AuthResult, error) {
	identity := req.Identity()
	if err := identity.Validate(); err != nil {
		return core.FailedAuthResult(err), core.BadInputError("identity", err.Error())
	}
	provider, ok := r.provider(identity.Provider)
	if !ok {
		err := fmt.Errorf("%w: provider %q is not registered", core.ErrIntegrationNotFound, identity.Provider)
		return core.FailedAuthResult(err), err
	}
	integration, err := provider.Build(identity.UserID, req.Auth, r.Deps())
	if err != nil {
		return core.FailedAuthResult(err), err
	}
	result, err := integration.Authenticate(ctx, req.Auth)
	if err != nil {
		return result, err
	}
	if err := r.Attach(integration); err != nil {
		return result, err
	}
	if strings.TrimSpace(req.Schedule) != "" {
		if err := r.scheduler.Schedule(identity, req.Schedule); err != nil {
			return result, err
		}
	}
	core.Log(ctx, r.logger, core.LogInfo, "integration connected", map[string]any{
		"identity": identity.Key(),
		"scopes":   result.Scope,
		"schedule": req.Schedule,
	})
	return result, nil
}

// SyncIdentity runs a full sync for one connection. The start time of a sync
// in which every resource succeeded becomes the lower bound of the next one;
// a partial failure leaves the previous bound in place so the failed
// resources are fetched again from it.
func (r *Runtime) SyncIdentity(ctx context.Context, identity core.ProviderIdentity) (core.SyncResult, error) {
	integration, err := r.registry.Get(identity)
	if err != nil {
		return core.SyncResult{}, err
	}
	started := r.now()
	result, err := integration.SyncData(ctx, r.since(identity))
	if err == nil && result.Success && len(result.Errors) == 0 {
		r.lastSync.Store(identity.Key(), started)
	}
	return result, err
}

// SyncUser syncs every connection of userID concurrently and aggregates the
// results with the orchestrator's partial-failure rule.
func (r *Runtime) SyncUser(ctx context.Context, userID string) (core.SyncResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return core.SyncResult{}, core.BadInputError("user_id", "user id is required")
	}
	connected := r.registry.ForUser(userID)
	tasks := make([]intsync.Task, 0, len(connected))
	for _, integration := range connected {
		identity := integration.Identity()
		tasks = append(tasks, intsync.Task{
			Name: identity.Provider,
			Run: func(ctx context.Context) (intsync.TaskOutcome, error) {
				result, err := r.SyncIdentity(ctx, identity)
				if err != nil {
					return intsync.TaskOutcome{}, err
				}
				outcome := intsync.TaskOutcome{
					Processed: result.ItemsProcessed,
					Skipped:   result.ItemsSkipped,
				}
				if len(result.Errors) > 0 {
					outcome.Metadata = map[string]any{"errors": append([]string(nil), result.Errors...)}
				}
				return outcome, nil
			},
		})
	}
	return r.orchestrator.SyncAll(ctx, core.ProviderIdentity{Provider: "*", UserID: userID}, tasks)
}

func (r *Runtime) Refresh(ctx context.Context, identity core.ProviderIdentity) (core.AuthResult, error) {
	integration, err := r.registry.Get(identity)
	if err != nil {
		return core.FailedAuthResult(err), err
	}
	return integration.RefreshToken(ctx)
}

// Revoke disconnects identity. Local state is always cleared; remote reports
// whether the provider confirmed the revocation.
func (r *Runtime) Revoke(ctx context.Context, identity core.ProviderIdentity) (bool, error) {
	integration, err := r.registry.Get(identity)
	if err != nil {
		return false, err
	}
	remote, err := integration.RevokeAccess(ctx)
	r.scheduler.Unschedule(identity)
	r.registry.Remove(identity)
	r.lastSync.Delete(identity.Key())
	integration.ClearCache()
	core.Log(ctx, r.logger, core.LogInfo, "integration revoked", map[string]any{
		"identity": identity.Key(),
		"remote":   remote,
	})
	return remote, err
}

func (r *Runtime) DispatchWebhook(ctx context.Context, envelope core.WebhookEnvelope) (webhooks.Result, error) {
	return r.dispatcher.Dispatch(ctx, envelope)
}

// ScheduleResync hands req to the configured resync scheduler after
// debouncing.
func (r *Runtime) ScheduleResync(ctx context.Context, req core.ResyncRequest) error {
	return r.resync.ScheduleResync(ctx, req)
}

// ResyncNow runs a resync inline. Requests naming resources use the adapter's
// narrow sync when it has one.
func (r *Runtime) ResyncNow(ctx context.Context, req core.ResyncRequest) (core.SyncResult, error) {
	integration, err := r.registry.Get(req.Identity)
	if err != nil {
		return core.SyncResult{}, err
	}
	if syncer, ok := integration.(ResourceSyncer); ok && len(req.Resources) > 0 {
		return syncer.SyncResources(ctx, req.Resources, r.since(req.Identity))
	}
	return r.SyncIdentity(ctx, req.Identity)
}

func (r *Runtime) resyncInBackground(ctx context.Context, req core.ResyncRequest) error {
	if _, err := r.registry.Get(req.Identity); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	r.background.Add(1)
	go func() {
		defer r.background.Done()
		if _, err := r.ResyncNow(ctx, req); err != nil {
			core.Log(ctx, r.logger, core.LogWarn, "resync failed", map[string]any{
				"identity":   req.Identity.Key(),
				"resources":  req.Resources,
				"reason":     req.Reason,
				"error_code": core.ErrorCode(err),
			})
		}
	}()
	return nil
}

// Schedule registers a cron expression for recurring syncs of identity.
func (r *Runtime) Schedule(identity core.ProviderIdentity, spec string) error {
	if _, err := r.registry.Get(identity); err != nil {
		return err
	}
	return r.scheduler.Schedule(identity, spec)
}

func (r *Runtime) Health(_ context.Context) core.HealthReport {
	circuits := r.executor.Snapshots()
	open := 0
	for _, circuit := range circuits {
		if circuit.State != core.CircuitClosed {
			open++
		}
	}
	return core.HealthReport{
		Service:      r.cfg.ServiceName,
		Healthy:      open == 0,
		Integrations: len(r.registry.List()),
		OpenCircuits: open,
		Circuits:     circuits,
		CheckedAt:    r.now(),
	}
}

func (r *Runtime) ConnectionStatus(ctx context.Context, identity core.ProviderIdentity) (core.ConnectionStatus, error) {
	integration, err := r.registry.Get(identity)
	if err != nil {
		return core.ConnectionStatus{}, err
	}
	return integration.TestConnection(ctx), nil
}

// Connections lists registered identities, for one user or all when userID
// is empty.
func (r *Runtime) Connections(userID string) []core.ProviderIdentity {
	var list []core.Integration
	if strings.TrimSpace(userID) == "" {
		list = r.registry.List()
	} else {
		list = r.registry.ForUser(strings.TrimSpace(userID))
	}
	out := make([]core.ProviderIdentity, 0, len(list))
	for _, integration := range list {
		out = append(out, integration.Identity())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Start begins cron-scheduled syncs.
func (r *Runtime) Start() {
	r.scheduler.Start()
}

// Close stops scheduling and waits for in-flight background resyncs or ctx.
func (r *Runtime) Close(ctx context.Context) error {
	stopErr := r.scheduler.Stop(ctx)
	done := make(chan struct{})
	go func() {
		r.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(stopErr, ctx.Err())
	}
	return stopErr
}

func (r *Runtime) since(identity core.ProviderIdentity) *time.Time {
	last, ok := r.lastSync.Load(identity.Key())
	if !ok {
		return nil
	}
	return &last
}

var (
	_ intsync.Runner       = (*Runtime)(nil)
	_ core.ResyncScheduler = (*Runtime)(nil)
	_ gojob.ResyncRunner   = (*Runtime)(nil)
)
