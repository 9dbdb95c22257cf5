package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

// StaticRawConfigLoader serves a fixed map, typically decoded by the host
// from its own configuration files.
type StaticRawConfigLoader struct {
	Values map[string]any
}

func (l StaticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = StaticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("core: load raw config: %w", err)
	}
	return buildConfig(raw, defaults)
}

// GoOptionsResolver merges defaults < loaded < runtime with go-options
// layers and validates the result.
type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			ConfigToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			ConfigToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			ConfigToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	return buildConfig(merged.Value, defaults)
}

func buildConfig(raw map[string]any, defaults Config) (Config, error) {
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigToLayerMap renders cfg with its mapstructure keys. Zero values are
// dropped unless includeZero is set so that sparse layers do not mask lower
// priority ones.
func ConfigToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}

	putSection(layer, "breaker", includeZero, map[string]any{
		"failure_threshold":    cfg.Breaker.FailureThreshold,
		"rate_limit_threshold": cfg.Breaker.RateLimitThreshold,
		"cool_down":            cfg.Breaker.CoolDown,
		"max_cool_down":        cfg.Breaker.MaxCoolDown,
		"cool_down_multiplier": cfg.Breaker.CoolDownMultiplier,
	})
	putSection(layer, "retry", includeZero, map[string]any{
		"max_attempts":    cfg.Retry.MaxAttempts,
		"initial_backoff": cfg.Retry.InitialBackoff,
		"max_backoff":     cfg.Retry.MaxBackoff,
	})
	putSection(layer, "calls", includeZero, map[string]any{
		"default_timeout":    cfg.Calls.DefaultTimeout,
		"default_retry_hint": cfg.Calls.DefaultRetryHint,
	})
	putSection(layer, "tokens", includeZero, map[string]any{
		"refresh_lead_window": cfg.Tokens.RefreshLeadWindow,
	})
	putSection(layer, "cache", includeZero, map[string]any{
		"ttl":         cfg.Cache.TTL,
		"max_entries": cfg.Cache.MaxEntries,
	})
	putSection(layer, "webhooks", includeZero, map[string]any{
		"replay_ttl":         cfg.Webhooks.ReplayTTL,
		"replay_max_entries": cfg.Webhooks.ReplayMaxEntries,
		"resync_debounce":    cfg.Webhooks.ResyncDebounce,
	})

	if includeZero || len(cfg.Providers) > 0 {
		providers := make(map[string]any, len(cfg.Providers))
		for name, provider := range cfg.Providers {
			providers[normalizeProvider(name)] = map[string]any{
				"client_id":           provider.ClientID,
				"client_secret":       provider.ClientSecret,
				"redirect_uri":        provider.RedirectURI,
				"base_url":            provider.BaseURL,
				"webhook_secret":      provider.WebhookSecret,
				"scopes":              append([]string(nil), provider.Scopes...),
				"requests_per_second": provider.RequestsPerSecond,
				"burst":               provider.Burst,
			}
		}
		layer["providers"] = providers
	}
	return layer
}

func putSection(layer map[string]any, name string, includeZero bool, values map[string]any) {
	section := map[string]any{}
	for key, value := range values {
		if includeZero || !isZeroValue(value) {
			section[key] = value
		}
	}
	if includeZero || len(section) > 0 {
		layer[name] = section
	}
}

func isZeroValue(value any) bool {
	switch typed := value.(type) {
	case int:
		return typed == 0
	case float64:
		return typed == 0
	case string:
		return strings.TrimSpace(typed) == ""
	case interface{ Nanoseconds() int64 }:
		return typed.Nanoseconds() == 0
	default:
		return value == nil
	}
}
