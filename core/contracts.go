package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

// Integration is the contract every provider adapter implements.
type Integration interface {
	ProviderID() string
	Identity() ProviderIdentity
	Authenticate(ctx context.Context, cfg AuthConfig) (AuthResult, error)
	TestConnection(ctx context.Context) ConnectionStatus
	RefreshToken(ctx context.Context) (AuthResult, error)
	RevokeAccess(ctx context.Context) (bool, error)
	SyncData(ctx context.Context, lastSyncTime *time.Time) (SyncResult, error)
	HandleWebhook(ctx context.Context, envelope WebhookEnvelope) error
	Capabilities() []Capability
	ValidateRequiredScopes(requested []string) bool
	ClearCache()
}

// WebhookRouter is implemented by adapters that declare which webhook event
// types they handle. Adapters without it receive every event.
type WebhookRouter interface {
	HandlesEvent(eventType string) bool
}

// Protector runs fn as a protected outbound call.
type Protector interface {
	Execute(ctx context.Context, call Call, fn func(ctx context.Context) error) error
}

type SecretStore interface {
	Encrypt(ctx context.Context, identity ProviderIdentity, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, identity ProviderIdentity, opaque []byte) ([]byte, error)
	Delete(ctx context.Context, identity ProviderIdentity) error
}

// CredentialRepository stores sealed credential blobs. Load returns
// ErrCredentialNotFound when nothing is stored.
type CredentialRepository interface {
	Save(ctx context.Context, identity ProviderIdentity, sealed []byte) error
	Load(ctx context.Context, identity ProviderIdentity) ([]byte, error)
	Delete(ctx context.Context, identity ProviderIdentity) error
}

type CallMetric struct {
	UserID        string
	IntegrationID string
	Provider      string
	Operation     string
	Duration      time.Duration
	Success       bool
	ErrorCode     string
}

type WebhookMetric struct {
	UserID        string
	IntegrationID string
	Provider      string
	EventType     string
	StatusCode    int
}

type Metrics interface {
	RecordCall(ctx context.Context, metric CallMetric)
	RecordRateLimit(ctx context.Context, provider, operation string, retryAfter time.Duration)
	RecordWebhook(ctx context.Context, metric WebhookMetric)
}

// ReplayLedger claims idempotency keys. Claim returns false when the key was
// already claimed and has not expired.
type ReplayLedger interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type ResyncScheduler interface {
	ScheduleResync(ctx context.Context, req ResyncRequest) error
}

type ResyncSchedulerFunc func(ctx context.Context, req ResyncRequest) error

func (f ResyncSchedulerFunc) ScheduleResync(ctx context.Context, req ResyncRequest) error {
	if f == nil {
		return nil
	}
	return f(ctx, req)
}

type callIdentityKey struct{}

// WithCallIdentity attaches the identity issuing outbound calls so metrics can
// attribute them.
func WithCallIdentity(ctx context.Context, identity ProviderIdentity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, callIdentityKey{}, identity)
}

func CallIdentityFromContext(ctx context.Context) (ProviderIdentity, bool) {
	if ctx == nil {
		return ProviderIdentity{}, false
	}
	identity, ok := ctx.Value(callIdentityKey{}).(ProviderIdentity)
	return identity, ok
}
