package integrations

import (
	"net/http"
	"os"
	"time"

	"github.com/goliatone/go-integrations/core"
	"github.com/goliatone/go-integrations/ratelimit"
)

type Option func(*runtimeOptions)

type runtimeOptions struct {
	logger          core.Logger
	metrics         core.Metrics
	secrets         core.SecretStore
	credentials     core.CredentialRepository
	ledger          core.ReplayLedger
	rateLimitStore  ratelimit.StateStore
	resync          core.ResyncScheduler
	configProvider  core.ConfigProvider
	optionsResolver core.OptionsResolver
	httpClient      *http.Client
	now             func() time.Time
	appKeys         []string
	providers       []Provider
}

func WithLogger(logger core.Logger) Option {
	return func(o *runtimeOptions) { o.logger = logger }
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(o *runtimeOptions) {
		if provider != nil {
			o.logger = provider.GetLogger("integrations")
		}
	}
}

func WithMetrics(metrics core.Metrics) Option {
	return func(o *runtimeOptions) { o.metrics = metrics }
}

// WithSecretStore replaces the envelope store built from app keys.
func WithSecretStore(store core.SecretStore) Option {
	return func(o *runtimeOptions) { o.secrets = store }
}

// WithAppKeys builds the default envelope secret store. The last key is the
// active one; earlier keys stay readable for rotation.
func WithAppKeys(keys ...string) Option {
	return func(o *runtimeOptions) { o.appKeys = append(o.appKeys, keys...) }
}

// WithAppKeysFromEnv reads numbered keys such as APP_KEY_1, APP_KEY_2 from
// the environment, in order.
func WithAppKeysFromEnv(prefix string) Option {
	return WithAppKeys(core.EnumerateKeys(os.LookupEnv, prefix)...)
}

func WithCredentialRepository(repo core.CredentialRepository) Option {
	return func(o *runtimeOptions) { o.credentials = repo }
}

func WithReplayLedger(ledger core.ReplayLedger) Option {
	return func(o *runtimeOptions) { o.ledger = ledger }
}

func WithRateLimitStore(store ratelimit.StateStore) Option {
	return func(o *runtimeOptions) { o.rateLimitStore = store }
}

// WithResyncScheduler routes webhook resyncs elsewhere, e.g. a job queue.
// Requests are still debounced first.
func WithResyncScheduler(scheduler core.ResyncScheduler) Option {
	return func(o *runtimeOptions) { o.resync = scheduler }
}

func WithConfigProvider(provider core.ConfigProvider) Option {
	return func(o *runtimeOptions) { o.configProvider = provider }
}

func WithOptionsResolver(resolver core.OptionsResolver) Option {
	return func(o *runtimeOptions) { o.optionsResolver = resolver }
}

func WithHTTPClient(client *http.Client) Option {
	return func(o *runtimeOptions) { o.httpClient = client }
}

func WithClock(now func() time.Time) Option {
	return func(o *runtimeOptions) { o.now = now }
}

func WithProvider(provider Provider) Option {
	return func(o *runtimeOptions) { o.providers = append(o.providers, provider) }
}
