package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrInvalidIdentity       = errors.New("core: invalid provider identity")
	ErrCredentialNotFound    = errors.New("core: credential not found")
	ErrIntegrationNotFound   = errors.New("core: integration not registered")
	ErrIntegrationRegistered = errors.New("core: integration already registered")
)

// ProviderIdentity identifies one connected account instance.
type ProviderIdentity struct {
	Provider string
	UserID   string
}

func NewProviderIdentity(provider, userID string) ProviderIdentity {
	return ProviderIdentity{
		Provider: normalizeProvider(provider),
		UserID:   strings.TrimSpace(userID),
	}
}

func (i ProviderIdentity) Validate() error {
	if normalizeProvider(i.Provider) == "" {
		return fmt.Errorf("%w: provider is required", ErrInvalidIdentity)
	}
	if strings.TrimSpace(i.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidIdentity)
	}
	return nil
}

// Key is the stable string form used for cache, lock and store keys.
func (i ProviderIdentity) Key() string {
	return normalizeProvider(i.Provider) + ":" + strings.TrimSpace(i.UserID)
}

func (i ProviderIdentity) String() string {
	return i.Key()
}

func ParseProviderIdentity(key string) (ProviderIdentity, error) {
	provider, userID, ok := strings.Cut(strings.TrimSpace(key), ":")
	identity := NewProviderIdentity(provider, userID)
	if !ok {
		return ProviderIdentity{}, fmt.Errorf("%w: %q", ErrInvalidIdentity, key)
	}
	if err := identity.Validate(); err != nil {
		return ProviderIdentity{}, err
	}
	return identity, nil
}

// Credential is never logged. Use Redacted for diagnostics.
type Credential struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    *time.Time
	Scopes       []string
	Metadata     map[string]any
}

func (c Credential) IsStale(now time.Time) bool {
	return c.ExpiresWithin(now, 0)
}

// ExpiresWithin reports whether the credential expires before now+window.
// Credentials without an expiry never go stale.
func (c Credential) ExpiresWithin(now time.Time, window time.Duration) bool {
	if c.ExpiresAt == nil || c.ExpiresAt.IsZero() {
		return false
	}
	return !c.ExpiresAt.After(now.Add(window))
}

func (c Credential) Refreshable() bool {
	return strings.TrimSpace(c.RefreshToken) != ""
}

func (c Credential) HasScope(scope string) bool {
	scope = strings.TrimSpace(scope)
	for _, granted := range c.Scopes {
		if strings.TrimSpace(granted) == scope {
			return true
		}
	}
	return false
}

func (c Credential) Redacted() map[string]any {
	fields := map[string]any{
		"access_token":  RedactedValue,
		"refresh_token": c.Refreshable(),
		"scopes":        NormalizeScopes(c.Scopes),
	}
	if c.ExpiresAt != nil {
		fields["expires_at"] = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return fields
}

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Call names one protected outbound call.
type Call struct {
	Provider       string
	OperationClass string
	Timeout        time.Duration
}

func NewCall(provider, operationClass string) Call {
	return Call{Provider: provider, OperationClass: operationClass}
}

func (c Call) WithTimeout(timeout time.Duration) Call {
	c.Timeout = timeout
	return c
}

func (c Call) Validate() error {
	if normalizeProvider(c.Provider) == "" {
		return fmt.Errorf("core: call provider is required")
	}
	if NormalizeOperationClass(c.OperationClass) == "" {
		return fmt.Errorf("core: call operation class is required")
	}
	return nil
}

// Key identifies the circuit and rate-limit state of a call.
func (c Call) Key() string {
	return normalizeProvider(c.Provider) + "/" + NormalizeOperationClass(c.OperationClass)
}

type CircuitSnapshot struct {
	Provider              string
	OperationClass        string
	State                 CircuitState
	ConsecutiveFailures   int
	ConsecutiveRateLimits int
	OpenedAt              time.Time
	CoolDown              time.Duration
	Reopenings            int
}

type RateLimitInfo struct {
	Limit     int
	Remaining int
	ResetAt   *time.Time
}

func (r RateLimitInfo) IsZero() bool {
	return r.Limit == 0 && r.Remaining == 0 && r.ResetAt == nil
}

type SyncResult struct {
	Success        bool
	ItemsProcessed int
	ItemsSkipped   int
	Errors         []string
	Metadata       map[string]any
}

type WebhookEnvelope struct {
	Provider   string
	EventType  string
	RawBody    []byte
	Headers    map[string]string
	ReceivedAt time.Time
	Metadata   map[string]any
}

// Header looks up a header case-insensitively.
func (e WebhookEnvelope) Header(name string) string {
	name = strings.TrimSpace(name)
	if value, ok := e.Headers[name]; ok {
		return value
	}
	for key, value := range e.Headers {
		if strings.EqualFold(strings.TrimSpace(key), name) {
			return value
		}
	}
	return ""
}

type Capability struct {
	Name           string
	Description    string
	Enabled        bool
	RequiredScopes []string
}

type AuthConfig struct {
	Code         string
	RedirectURI  string
	Scopes       []string
	CodeVerifier string
	Metadata     map[string]any
}

type AuthResult struct {
	Success      bool
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Scope        string
	Error        string
}

func AuthResultFromCredential(credential Credential) AuthResult {
	return AuthResult{
		Success:      true,
		AccessToken:  credential.AccessToken,
		RefreshToken: credential.RefreshToken,
		ExpiresAt:    credential.ExpiresAt,
		Scope:        strings.Join(NormalizeScopes(credential.Scopes), " "),
	}
}

func FailedAuthResult(err error) AuthResult {
	result := AuthResult{Success: false}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

type ConnectionStatus struct {
	IsConnected   bool
	LastChecked   time.Time
	Error         string
	RateLimitInfo *RateLimitInfo
}

type ResyncRequest struct {
	Identity    ProviderIdentity
	Resources   []string
	Reason      string
	RequestedAt time.Time
}

func NormalizeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		for _, part := range strings.FieldsFunc(scope, func(r rune) bool { return r == ' ' || r == ',' }) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	sort.Strings(out)
	return out
}

func NormalizeOperationClass(operation string) string {
	operation = strings.TrimSpace(strings.ToLower(operation))
	operation = strings.ReplaceAll(operation, " ", "_")
	return operation
}

func normalizeProvider(provider string) string {
	return strings.TrimSpace(strings.ToLower(provider))
}

// ConnectRequest asks the runtime to build, authenticate and register an
// integration for one user.
type ConnectRequest struct {
	Provider string
	UserID   string
	Auth     AuthConfig
	// Schedule is an optional cron expression for recurring syncs.
	Schedule string
}

func (r ConnectRequest) Identity() ProviderIdentity {
	return NewProviderIdentity(r.Provider, r.UserID)
}

type HealthReport struct {
	Service      string
	Healthy      bool
	Integrations int
	OpenCircuits int
	Circuits     []CircuitSnapshot
	CheckedAt    time.Time
}
