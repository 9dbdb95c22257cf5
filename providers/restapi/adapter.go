package restapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goliatone/go-integrations/core"
	"github.com/goliatone/go-integrations/integration"
	"github.com/goliatone/go-integrations/providers/oauth"
	"github.com/goliatone/go-integrations/ratelimit"
	intsync "github.com/goliatone/go-integrations/sync"
	"github.com/goliatone/go-integrations/tokens"
	"github.com/goliatone/go-integrations/transport"
)

// Record is one provider entity as cached by the adapter.
type Record struct {
	ID        string
	Resource  string
	Data      map[string]any
	UpdatedAt time.Time
}

type Deps struct {
	Protector    core.Protector
	Tokens       *tokens.Manager
	Resync       core.ResyncScheduler
	Logger       core.Logger
	Orchestrator *intsync.Orchestrator
	// Observer receives quota headers, usually the executor.
	Observer   transport.ResponseObserver
	HTTPClient *http.Client
	// WrapTransport decorates the REST adapter, for header normalization.
	WrapTransport func(transport.Adapter) transport.Adapter
	Cache         core.CacheConfig
	Now           func() time.Time
}

// Adapter is a core.Integration driven by a Definition.
type Adapter struct {
	*integration.Base

	def          Definition
	oauth        *oauth.Client
	client       *transport.JSONClient
	orchestrator *intsync.Orchestrator
	resources    map[string]Resource
	caches       map[string]*integration.EntityCache[Record]
}

func New(def Definition, userID string, deps Deps) (*Adapter, error) {
	def, err := def.normalized()
	if err != nil {
		return nil, err
	}
	if deps.HTTPClient != nil && def.OAuth.HTTPClient == nil {
		def.OAuth.HTTPClient = deps.HTTPClient
	}
	oauthClient, err := oauth.New(def.OAuth)
	if err != nil {
		return nil, err
	}
	base, err := integration.NewBase(integration.BaseConfig{
		Identity:     core.NewProviderIdentity(def.Provider, userID),
		Protector:    deps.Protector,
		Tokens:       deps.Tokens,
		Resync:       deps.Resync,
		Logger:       deps.Logger,
		Now:          deps.Now,
		Capabilities: def.Capabilities,
	})
	if err != nil {
		return nil, err
	}
	deps.Tokens.RegisterRefresher(def.Provider, oauthClient)

	rest := transport.NewRESTAdapter(deps.HTTPClient)
	rest.BaseURL = def.BaseURL
	var wire transport.Adapter = rest
	if deps.WrapTransport != nil {
		wire = deps.WrapTransport(rest)
	}
	clientOpts := []transport.JSONClientOption{transport.WithClassifier(def.Classifier)}
	if deps.Observer != nil {
		clientOpts = append(clientOpts, transport.WithResponseObserver(deps.Observer))
	}
	orchestrator := deps.Orchestrator
	if orchestrator == nil {
		orchestrator = intsync.NewOrchestrator(deps.Logger)
	}

	adapter := &Adapter{
		Base:         base,
		def:          def,
		oauth:        oauthClient,
		client:       transport.NewJSONClient(wire, clientOpts...),
		orchestrator: orchestrator,
		resources:    map[string]Resource{},
		caches:       map[string]*integration.EntityCache[Record]{},
	}
	for _, resource := range def.Resources {
		cacheCfg := deps.Cache
		if ttl, ok := def.CacheTTL[resource.Name]; ok && ttl > 0 {
			cacheCfg.TTL = ttl
		}
		cache := integration.NewEntityCache[Record](cacheCfg)
		adapter.resources[resource.Name] = resource
		adapter.caches[resource.Name] = cache
		base.RegisterCache(cache)
	}
	return adapter, nil
}

func (a *Adapter) OAuth() *oauth.Client {
	return a.oauth
}

// Authenticate exchanges the code, stores the credential and verifies it
// with one call to the provider.
func (a *Adapter) Authenticate(ctx context.Context, cfg core.AuthConfig) (core.AuthResult, error) {
	var credential core.Credential
	err := a.Call(ctx, OperationExchange, func(ctx context.Context) error {
		exchanged, err := a.oauth.Exchange(ctx, cfg)
		if err != nil {
			return err
		}
		credential = exchanged
		return nil
	})
	if err != nil {
		return core.FailedAuthResult(err), err
	}
	if err := a.StoreCredential(ctx, credential); err != nil {
		return core.FailedAuthResult(err), err
	}
	err = a.Authorized(ctx, OperationVerify, func(ctx context.Context, credential core.Credential) error {
		_, err := a.client.Do(ctx, a.call(OperationVerify), transport.JSONRequest{
			Path:       a.def.VerifyPath,
			Credential: &credential,
		}, nil)
		return err
	})
	if err != nil {
		if forgetErr := a.forget(ctx); forgetErr != nil {
			err = fmt.Errorf("%w (clear credential: %v)", err, forgetErr)
		}
		return core.FailedAuthResult(err), err
	}
	core.Log(ctx, a.Logger(), core.LogInfo, "integration authenticated", map[string]any{
		"identity":   a.Identity().Key(),
		"credential": credential.Redacted(),
	})
	stored, err := a.Credential(ctx)
	if err != nil {
		return core.FailedAuthResult(err), err
	}
	return core.AuthResultFromCredential(stored), nil
}

// TestConnection probes the verify endpoint. It never touches cached data.
func (a *Adapter) TestConnection(ctx context.Context) core.ConnectionStatus {
	return a.ProbeConnection(ctx, OperationConnection, func(ctx context.Context, credential core.Credential) (*core.RateLimitInfo, error) {
		res, err := a.client.Do(ctx, a.call(OperationConnection), transport.JSONRequest{
			Path:       a.def.VerifyPath,
			Credential: &credential,
		}, nil)
		if err != nil {
			return nil, err
		}
		if info, ok := ratelimit.InfoFromHeaders(res.Headers); ok {
			return &info, nil
		}
		return nil, nil
	})
}

// Lookup returns a cached record.
func (a *Adapter) Lookup(resource, id string) (Record, bool) {
	cache, ok := a.caches[resource]
	if !ok {
		return Record{}, false
	}
	return cache.Get(id)
}

func (a *Adapter) CachedCount(resource string) int {
	cache, ok := a.caches[resource]
	if !ok {
		return 0
	}
	return cache.Len()
}

// Fetch returns one record, from cache when present, otherwise with a
// "<resource>.get" call.
func (a *Adapter) Fetch(ctx context.Context, resourceName, id string) (Record, error) {
	resource, ok := a.resources[resourceName]
	if !ok {
		return Record{}, core.BadInputError("resource", fmt.Sprintf("unknown resource %q", resourceName))
	}
	return a.caches[resourceName].GetOrFetch(ctx, id, func(ctx context.Context) (Record, error) {
		operation := resource.Name + ".get"
		var body map[string]any
		err := a.Authorized(ctx, operation, func(ctx context.Context, credential core.Credential) error {
			_, err := a.client.Do(ctx, a.call(operation), transport.JSONRequest{
				Path:       resource.itemPath(id),
				Credential: &credential,
			}, &body)
			return err
		})
		if err != nil {
			return Record{}, err
		}
		item := body
		field := resource.ItemField
		if field == "" {
			field = a.def.PayloadField
		}
		if field != "" {
			if nested, ok := lookup(body, field).(map[string]any); ok {
				item = nested
			}
		}
		record, ok := a.toRecord(resource, item, a.Now())
		if !ok {
			return Record{}, &core.UpstreamError{
				Provider:       a.ProviderID(),
				OperationClass: operation,
				StatusCode:     http.StatusOK,
				Message:        "record has no id",
			}
		}
		return record, nil
	})
}

func (a *Adapter) forget(ctx context.Context) error {
	a.ClearCache()
	return a.ForgetCredential(ctx)
}

func (a *Adapter) call(operation string) core.Call {
	return core.NewCall(a.ProviderID(), operation)
}

var (
	_ core.Integration   = (*Adapter)(nil)
	_ core.WebhookRouter = (*Adapter)(nil)
)
