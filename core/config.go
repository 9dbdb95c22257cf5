package core

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type BreakerConfig struct {
	FailureThreshold   int           `koanf:"failure_threshold" mapstructure:"failure_threshold"`
	RateLimitThreshold int           `koanf:"rate_limit_threshold" mapstructure:"rate_limit_threshold"`
	CoolDown           time.Duration `koanf:"cool_down" mapstructure:"cool_down"`
	MaxCoolDown        time.Duration `koanf:"max_cool_down" mapstructure:"max_cool_down"`
	CoolDownMultiplier float64       `koanf:"cool_down_multiplier" mapstructure:"cool_down_multiplier"`
}

type RetryConfig struct {
	MaxAttempts    int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" mapstructure:"max_backoff"`
}

type CallConfig struct {
	DefaultTimeout time.Duration `koanf:"default_timeout" mapstructure:"default_timeout"`
	// DefaultRetryHint is used when a 429 carries no retry information.
	DefaultRetryHint time.Duration `koanf:"default_retry_hint" mapstructure:"default_retry_hint"`
}

type TokenConfig struct {
	RefreshLeadWindow time.Duration `koanf:"refresh_lead_window" mapstructure:"refresh_lead_window"`
}

type CacheConfig struct {
	TTL        time.Duration `koanf:"ttl" mapstructure:"ttl"`
	MaxEntries int           `koanf:"max_entries" mapstructure:"max_entries"`
}

type WebhookConfig struct {
	ReplayTTL        time.Duration `koanf:"replay_ttl" mapstructure:"replay_ttl"`
	ReplayMaxEntries int           `koanf:"replay_max_entries" mapstructure:"replay_max_entries"`
	ResyncDebounce   time.Duration `koanf:"resync_debounce" mapstructure:"resync_debounce"`
}

type ProviderConfig struct {
	ClientID          string   `koanf:"client_id" mapstructure:"client_id"`
	ClientSecret      string   `koanf:"client_secret" mapstructure:"client_secret"`
	RedirectURI       string   `koanf:"redirect_uri" mapstructure:"redirect_uri"`
	BaseURL           string   `koanf:"base_url" mapstructure:"base_url"`
	WebhookSecret     string   `koanf:"webhook_secret" mapstructure:"webhook_secret"`
	Scopes            []string `koanf:"scopes" mapstructure:"scopes"`
	RequestsPerSecond float64  `koanf:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int      `koanf:"burst" mapstructure:"burst"`
}

type Config struct {
	ServiceName string                    `koanf:"service_name" mapstructure:"service_name"`
	Breaker     BreakerConfig             `koanf:"breaker" mapstructure:"breaker"`
	Retry       RetryConfig               `koanf:"retry" mapstructure:"retry"`
	Calls       CallConfig                `koanf:"calls" mapstructure:"calls"`
	Tokens      TokenConfig               `koanf:"tokens" mapstructure:"tokens"`
	Cache       CacheConfig               `koanf:"cache" mapstructure:"cache"`
	Webhooks    WebhookConfig             `koanf:"webhooks" mapstructure:"webhooks"`
	Providers   map[string]ProviderConfig `koanf:"providers" mapstructure:"providers"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "integrations",
		Breaker: BreakerConfig{
			FailureThreshold:   5,
			RateLimitThreshold: 10,
			CoolDown:           30 * time.Second,
			MaxCoolDown:        10 * time.Minute,
			CoolDownMultiplier: 2,
		},
		Retry: RetryConfig{
			MaxAttempts:    1,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Calls: CallConfig{
			DefaultTimeout:   30 * time.Second,
			DefaultRetryHint: 5 * time.Second,
		},
		Tokens: TokenConfig{
			RefreshLeadWindow: 0,
		},
		Cache: CacheConfig{
			TTL:        15 * time.Minute,
			MaxEntries: 10000,
		},
		Webhooks: WebhookConfig{
			ReplayTTL:        DefaultReplayTTL,
			ReplayMaxEntries: DefaultReplayMaxEntries,
			ResyncDebounce:   5 * time.Second,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("core: breaker.failure_threshold must be positive")
	}
	if c.Breaker.RateLimitThreshold < 1 {
		return fmt.Errorf("core: breaker.rate_limit_threshold must be positive")
	}
	if c.Breaker.CoolDown <= 0 {
		return fmt.Errorf("core: breaker.cool_down must be positive")
	}
	if c.Breaker.MaxCoolDown < c.Breaker.CoolDown {
		return fmt.Errorf("core: breaker.max_cool_down must not be below cool_down")
	}
	if c.Breaker.CoolDownMultiplier < 1 {
		return fmt.Errorf("core: breaker.cool_down_multiplier must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("core: retry.max_attempts must be positive")
	}
	if c.Calls.DefaultTimeout < 0 {
		return fmt.Errorf("core: calls.default_timeout must not be negative")
	}
	if c.Tokens.RefreshLeadWindow < 0 {
		return fmt.Errorf("core: tokens.refresh_lead_window must not be negative")
	}
	for _, name := range c.ProviderNames() {
		if err := c.Providers[name].Validate(); err != nil {
			return fmt.Errorf("core: providers.%s: %w", name, err)
		}
	}
	return nil
}

// Provider returns the configuration for a provider, matched case-insensitively.
func (c Config) Provider(provider string) (ProviderConfig, bool) {
	key := normalizeProvider(provider)
	if cfg, ok := c.Providers[key]; ok {
		return cfg, true
	}
	for name, cfg := range c.Providers {
		if normalizeProvider(name) == key {
			return cfg, true
		}
	}
	return ProviderConfig{}, false
}

func (c Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p ProviderConfig) Validate() error {
	if p.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must not be negative")
	}
	if p.Burst < 0 {
		return fmt.Errorf("burst must not be negative")
	}
	if strings.TrimSpace(p.ClientSecret) != "" && strings.TrimSpace(p.ClientID) == "" {
		return fmt.Errorf("client_id is required when client_secret is set")
	}
	return nil
}

// EnumerateKeys collects numbered values such as APP_KEY_1, APP_KEY_2 from
// lookup, stopping at the first gap. It is meant to run once while building
// configuration.
func EnumerateKeys(lookup func(string) (string, bool), prefix string) []string {
	if lookup == nil {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	var keys []string
	if value, ok := lookup(prefix); ok && strings.TrimSpace(value) != "" {
		keys = append(keys, strings.TrimSpace(value))
	}
	for i := 1; ; i++ {
		value, ok := lookup(fmt.Sprintf("%s_%d", prefix, i))
		if !ok || strings.TrimSpace(value) == "" {
			break
		}
		keys = append(keys, strings.TrimSpace(value))
	}
	return keys
}
