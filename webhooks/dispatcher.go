package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-integrations/core"
)

// IdentityResolver maps a verified delivery to the connected identity it
// belongs to, usually from a shop domain or account id header.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, envelope core.WebhookEnvelope) (core.ProviderIdentity, error)
}

type IdentityResolverFunc func(ctx context.Context, envelope core.WebhookEnvelope) (core.ProviderIdentity, error)

func (f IdentityResolverFunc) ResolveIdentity(ctx context.Context, envelope core.WebhookEnvelope) (core.ProviderIdentity, error) {
	return f(ctx, envelope)
}

// MetadataIdentityResolver reads the user id the host attached to the
// envelope metadata under "user_id".
func MetadataIdentityResolver(_ context.Context, envelope core.WebhookEnvelope) (core.ProviderIdentity, error) {
	userID, _ := envelope.Metadata["user_id"].(string)
	identity := core.NewProviderIdentity(envelope.Provider, userID)
	return identity, identity.Validate()
}

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFailed    Outcome = "failed"
)

type Result struct {
	Outcome    Outcome
	StatusCode int
	Identity   core.ProviderIdentity
	EventType  string
	DeliveryID string
}

// Dispatcher verifies, routes and applies webhook deliveries. A failing
// adapter never takes the dispatcher down.
type Dispatcher struct {
	registry  *core.Registry
	ledger    core.ReplayLedger
	replayTTL time.Duration
	metrics   core.Metrics
	logger    core.Logger
	now       func() time.Time

	mu        sync.RWMutex
	templates map[string]ProviderTemplate
	resolvers map[string]IdentityResolver
}

type DispatcherOption func(*Dispatcher)

func WithLedger(ledger core.ReplayLedger, ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if ledger != nil {
			d.ledger = ledger
		}
		if ttl > 0 {
			d.replayTTL = ttl
		}
	}
}

func WithMetrics(metrics core.Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = core.MetricsOrNop(metrics)
	}
}

func WithLogger(logger core.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func NewDispatcher(registry *core.Registry, opts ...DispatcherOption) (*Dispatcher, error) {
	if registry == nil {
		return nil, fmt.Errorf("webhooks: integration registry is required")
	}
	d := &Dispatcher{
		registry:  registry,
		replayTTL: core.DefaultReplayTTL,
		metrics:   core.NopMetrics{},
		now:       func() time.Time { return time.Now().UTC() },
		templates: map[string]ProviderTemplate{},
		resolvers: map[string]IdentityResolver{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.ledger == nil {
		d.ledger = core.NewMemoryReplayLedger(d.replayTTL, core.DefaultReplayMaxEntries)
	}
	d.logger = core.ResolveLogger("integrations.webhooks", d.logger)
	return d, nil
}

// RegisterProvider installs the verification template and identity resolver
// for a provider. A nil resolver falls back to MetadataIdentityResolver.
func (d *Dispatcher) RegisterProvider(template ProviderTemplate, resolver IdentityResolver) error {
	provider := strings.TrimSpace(strings.ToLower(template.Provider))
	if provider == "" {
		return core.BadInputError("provider", "webhook template provider is required")
	}
	if template.Verifier == nil {
		return core.BadInputError("verifier", "webhook template verifier is required")
	}
	if resolver == nil {
		resolver = IdentityResolverFunc(MetadataIdentityResolver)
	}
	template.Provider = provider
	d.mu.Lock()
	d.templates[provider] = template
	d.resolvers[provider] = resolver
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) provider(name string) (ProviderTemplate, IdentityResolver, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	template, ok := d.templates[name]
	return template, d.resolvers[name], ok
}

// Dispatch runs one delivery through
// Received -> SignatureChecked -> {Rejected | Routed} -> {Applied | Failed}.
func (d *Dispatcher) Dispatch(ctx context.Context, envelope core.WebhookEnvelope) (Result, error) {
	envelope.Provider = strings.TrimSpace(strings.ToLower(envelope.Provider))
	if envelope.ReceivedAt.IsZero() {
		envelope.ReceivedAt = d.now()
	}
	result := Result{EventType: strings.TrimSpace(envelope.EventType)}
	if envelope.Provider == "" {
		return result, badDelivery(nil, "webhooks: provider is required", nil)
	}

	template, resolver, ok := d.provider(envelope.Provider)
	if !ok {
		err := &core.WebhookSignatureError{Provider: envelope.Provider, Reason: "no verifier registered"}
		return d.reject(ctx, envelope, result, err), err
	}
	if err := template.Verifier.Verify(ctx, envelope); err != nil {
		sigErr := &core.WebhookSignatureError{Provider: envelope.Provider, Reason: "signature mismatch", Cause: err}
		return d.reject(ctx, envelope, result, sigErr), sigErr
	}

	if result.EventType == "" && template.EventTypeHeader != "" {
		result.EventType = strings.TrimSpace(envelope.Header(template.EventTypeHeader))
	}
	envelope.EventType = result.EventType
	result.DeliveryID = deliveryID(template, envelope)

	identity, err := resolver.ResolveIdentity(ctx, envelope)
	if err == nil {
		err = identity.Validate()
	}
	if err != nil {
		result.Outcome, result.StatusCode = OutcomeFailed, http.StatusBadRequest
		d.record(ctx, envelope, result)
		return result, badDelivery(err, "webhooks: delivery identity unresolved", map[string]any{"provider": envelope.Provider})
	}
	result.Identity = identity

	integration, err := d.registry.Get(identity)
	if err != nil {
		result.Outcome, result.StatusCode = OutcomeFailed, http.StatusNotFound
		d.record(ctx, envelope, result)
		return result, unroutedDelivery(err, "webhooks: no integration for delivery", map[string]any{
			"provider": identity.Provider,
			"user_id":  identity.UserID,
		})
	}

	if router, ok := integration.(core.WebhookRouter); ok && !router.HandlesEvent(result.EventType) {
		result.Outcome, result.StatusCode = OutcomeIgnored, http.StatusAccepted
		core.Log(ctx, d.logger, core.LogInfo, "webhook event not handled", map[string]any{
			"identity":    identity.Key(),
			"event_type":  result.EventType,
			"delivery_id": result.DeliveryID,
		})
		d.record(ctx, envelope, result)
		return result, nil
	}

	replayKey := "webhook:" + envelope.Provider + ":" + result.DeliveryID
	claimed, err := d.ledger.Claim(ctx, replayKey, d.replayTTL)
	if err != nil {
		result.Outcome, result.StatusCode = OutcomeFailed, http.StatusServiceUnavailable
		d.record(ctx, envelope, result)
		return result, ledgerFailure(err, map[string]any{"provider": envelope.Provider})
	}
	if !claimed {
		result.Outcome, result.StatusCode = OutcomeDuplicate, http.StatusOK
		core.Log(ctx, d.logger, core.LogDebug, "duplicate webhook delivery acknowledged", map[string]any{
			"identity":    identity.Key(),
			"delivery_id": result.DeliveryID,
		})
		d.record(ctx, envelope, result)
		return result, nil
	}

	if err := handle(ctx, integration, envelope); err != nil {
		if releaseErr := d.ledger.Release(ctx, replayKey); releaseErr != nil {
			core.Log(ctx, d.logger, core.LogWarn, "webhook claim not released", map[string]any{
				"delivery_id": result.DeliveryID,
				"error":       releaseErr.Error(),
			})
		}
		result.Outcome, result.StatusCode = OutcomeFailed, http.StatusInternalServerError
		core.Log(ctx, d.logger, core.LogError, "webhook handler failed", map[string]any{
			"identity":    identity.Key(),
			"event_type":  result.EventType,
			"delivery_id": result.DeliveryID,
			"error":       err.Error(),
		})
		d.record(ctx, envelope, result)
		return result, err
	}

	result.Outcome, result.StatusCode = OutcomeApplied, http.StatusOK
	d.record(ctx, envelope, result)
	return result, nil
}

func (d *Dispatcher) reject(ctx context.Context, envelope core.WebhookEnvelope, result Result, err error) Result {
	result.Outcome, result.StatusCode = OutcomeRejected, http.StatusUnauthorized
	core.Log(ctx, d.logger, core.LogWarn, "webhook rejected", map[string]any{
		"provider": envelope.Provider,
		"error":    err.Error(),
	})
	d.record(ctx, envelope, result)
	return result
}

func (d *Dispatcher) record(ctx context.Context, envelope core.WebhookEnvelope, result Result) {
	metric := core.WebhookMetric{
		Provider:   envelope.Provider,
		EventType:  result.EventType,
		StatusCode: result.StatusCode,
	}
	if result.Identity.UserID != "" {
		metric.UserID = result.Identity.UserID
		metric.IntegrationID = result.Identity.Key()
	}
	d.metrics.RecordWebhook(ctx, metric)
}

func handle(ctx context.Context, integration core.Integration, envelope core.WebhookEnvelope) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("webhooks: handler panicked: %v", recovered)
		}
	}()
	return integration.HandleWebhook(ctx, envelope)
}

func deliveryID(template ProviderTemplate, envelope core.WebhookEnvelope) string {
	if template.Extractor != nil {
		if id, ok := template.Extractor(envelope); ok {
			return id
		}
	}
	return DefaultDeliveryID(envelope)
}
