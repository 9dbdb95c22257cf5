package integrations

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-integrations/core"
	"github.com/goliatone/go-integrations/providers/github"
	"github.com/goliatone/go-integrations/providers/restapi"
	"github.com/goliatone/go-integrations/providers/shopify"
	"github.com/goliatone/go-integrations/webhooks"
)

// BuildFunc creates the adapter for one user. auth is the connect request's
// auth config, so builders may read per-connection metadata such as a shop
// domain.
type BuildFunc func(userID string, auth core.AuthConfig, deps restapi.Deps) (core.Integration, error)

// Provider tells the runtime how to build adapters and accept webhooks for
// one provider. Webhooks is nil for providers without inbound events.
type Provider struct {
	Name     string
	Build    BuildFunc
	Webhooks *webhooks.ProviderTemplate
	Resolver webhooks.IdentityResolver
}

func (p Provider) name() string {
	return strings.TrimSpace(strings.ToLower(p.Name))
}

// RESTProvider registers a declarative REST adapter.
func RESTProvider(def restapi.Definition, template *webhooks.ProviderTemplate) Provider {
	return Provider{
		Name: def.Provider,
		Build: func(userID string, _ core.AuthConfig, deps restapi.Deps) (core.Integration, error) {
			return restapi.New(def, userID, deps)
		},
		Webhooks: template,
	}
}

// MetadataShop is the auth metadata key carrying the merchant shop domain.
const MetadataShop = "shop"

func ShopifyProvider(cfg core.ProviderConfig) Provider {
	base := shopify.Config{
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		RedirectURI:   cfg.RedirectURI,
		BaseURL:       cfg.BaseURL,
		Scopes:        cfg.Scopes,
		WebhookSecret: cfg.WebhookSecret,
	}
	provider := Provider{
		Name: shopify.ProviderID,
		Build: func(userID string, auth core.AuthConfig, deps restapi.Deps) (core.Integration, error) {
			shopCfg := base
			if shop, ok := auth.Metadata[MetadataShop].(string); ok {
				shopCfg.ShopDomain = shop
			}
			return shopify.New(shopCfg, userID, deps)
		},
	}
	if strings.TrimSpace(cfg.WebhookSecret) != "" {
		template := shopify.NewWebhookTemplate(shopify.DefaultWebhookConfig(cfg.WebhookSecret))
		provider.Webhooks = &template
	}
	return provider
}

func GitHubProvider(cfg core.ProviderConfig) Provider {
	ghCfg := github.Config{
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		APIURL:        cfg.BaseURL,
		RedirectURI:   cfg.RedirectURI,
		Scopes:        cfg.Scopes,
		WebhookSecret: cfg.WebhookSecret,
	}
	provider := Provider{
		Name: github.ProviderID,
		Build: func(userID string, _ core.AuthConfig, deps restapi.Deps) (core.Integration, error) {
			return github.New(ghCfg, userID, deps)
		},
	}
	if strings.TrimSpace(cfg.WebhookSecret) != "" {
		template := webhooks.NewGitHubTemplate(cfg.WebhookSecret)
		provider.Webhooks = &template
	}
	return provider
}

// builtinProvider maps a configured provider name to a bundled adapter.
func builtinProvider(name string, cfg core.ProviderConfig) (Provider, bool) {
	switch strings.TrimSpace(strings.ToLower(name)) {
	case shopify.ProviderID:
		return ShopifyProvider(cfg), true
	case github.ProviderID:
		return GitHubProvider(cfg), true
	default:
		return Provider{}, false
	}
}

// shopResolver maps X-Shopify-Shop-Domain to the connected merchant, falling
// back to the user_id delivery metadata.
func shopResolver(registry *core.Registry) webhooks.IdentityResolver {
	return webhooks.IdentityResolverFunc(func(ctx context.Context, envelope core.WebhookEnvelope) (core.ProviderIdentity, error) {
		domain := strings.TrimSpace(strings.ToLower(envelope.Header("X-Shopify-Shop-Domain")))
		if domain != "" {
			for _, integration := range registry.ForProvider(shopify.ProviderID) {
				if shop, ok := integration.(interface{ Shop() string }); ok && shop.Shop() == domain {
					return integration.Identity(), nil
				}
			}
		}
		identity, err := webhooks.MetadataIdentityResolver(ctx, envelope)
		if err != nil && domain != "" {
			return core.ProviderIdentity{}, fmt.Errorf("integrations: no shopify connection for %s: %w", domain, err)
		}
		return identity, err
	})
}
