// Package shopify connects a shop through the Admin REST API.
package shopify

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-integrations/core"
	"github.com/goliatone/go-integrations/protect"
	"github.com/goliatone/go-integrations/providers/oauth"
	"github.com/goliatone/go-integrations/providers/restapi"
	"github.com/goliatone/go-integrations/transport"
)

const (
	ProviderID        = "shopify"
	DefaultAPIVersion = "2024-10"

	defaultAuthorizePath = "/admin/oauth/authorize"
	defaultTokenPath     = "/admin/oauth/access_token"
	defaultDomainSuffix  = ".myshopify.com"
)

const (
	ScopeReadProducts  = "read_products"
	ScopeReadInventory = "read_inventory"
	ScopeReadOrders    = "read_orders"
)

type Config struct {
	ClientID     string
	ClientSecret string
	ShopDomain   string
	APIVersion   string
	RedirectURI  string
	Scopes       []string
	// AuthURL, TokenURL and BaseURL override the shop derived endpoints.
	AuthURL  string
	TokenURL string
	BaseURL  string
	// WebhookSecret enables signature checks on HandleWebhook.
	WebhookSecret string
	ReplayWindow  time.Duration
	CacheTTL      map[string]time.Duration
}

func DefaultConfig() Config {
	return Config{
		APIVersion:   DefaultAPIVersion,
		Scopes:       []string{ScopeReadProducts, ScopeReadInventory, ScopeReadOrders},
		ReplayWindow: defaultWebhookReplayWindow,
	}
}

// Adapter is the Shopify integration.
type Adapter struct {
	*restapi.Adapter

	shop string
}

func New(cfg Config, userID string, deps restapi.Deps) (*Adapter, error) {
	def, err := Definition(cfg)
	if err != nil {
		return nil, err
	}
	wrap := deps.WrapTransport
	deps.WrapTransport = func(next transport.Adapter) transport.Adapter {
		if wrap != nil {
			next = wrap(next)
		}
		return NewAdminTransport(next)
	}
	adapter, err := restapi.New(def, userID, deps)
	if err != nil {
		return nil, err
	}

	deps.Tokens.RegisterRefresher(ProviderID, &authClient{
		oauth:     adapter.OAuth(),
		client:    transport.NewJSONClient(NewAdminTransport(transport.NewRESTAdapter(deps.HTTPClient)), transport.WithClassifier(def.Classifier)),
		revokeURL: revokeURL(def.BaseURL),
	})

	shop, _ := normalizeShopDomain(cfg.ShopDomain)
	return &Adapter{Adapter: adapter, shop: shop}, nil
}

// Shop returns the normalized myshopify.com domain, empty when the adapter
// was built from explicit endpoints only.
func (a *Adapter) Shop() string {
	return a.shop
}

// Definition describes the Admin REST API resources the adapter syncs.
func Definition(cfg Config) (restapi.Definition, error) {
	defaults := DefaultConfig()
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = defaults.Scopes
	}
	if strings.TrimSpace(cfg.APIVersion) == "" {
		cfg.APIVersion = defaults.APIVersion
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = defaults.ReplayWindow
	}

	authURL, tokenURL, err := resolveOAuthEndpoints(cfg)
	if err != nil {
		return restapi.Definition{}, err
	}
	baseURL, err := resolveBaseURL(cfg)
	if err != nil {
		return restapi.Definition{}, err
	}

	def := restapi.Definition{
		Provider: ProviderID,
		BaseURL:  baseURL,
		OAuth: oauth.Config{
			ClientID:           cfg.ClientID,
			ClientSecret:       cfg.ClientSecret,
			AuthURL:            authURL,
			TokenURL:           tokenURL,
			RedirectURI:        cfg.RedirectURI,
			Scopes:             normalizeShopifyScopes(cfg.Scopes),
			ClientSecretInBody: true,
		},
		VerifyPath: "/shop.json",
		Resources: []restapi.Resource{
			{
				Name:           "products",
				Path:           "/products.json",
				ItemPath:       "/products/{id}.json",
				ItemsField:     "products",
				ItemField:      "product",
				SinceParam:     "updated_at_min",
				CursorFromLink: true,
				RequiredFields: []string{"title"},
			},
			{
				Name:           "orders",
				Path:           "/orders.json",
				ItemPath:       "/orders/{id}.json",
				ItemsField:     "orders",
				ItemField:      "order",
				SinceParam:     "updated_at_min",
				CursorFromLink: true,
			},
		},
		Events: map[string]restapi.Event{
			"products/create":  {Resource: "products"},
			"products/update":  {Resource: "products"},
			"products/delete":  {Resource: "products", Delete: true},
			"orders/create":    {Resource: "orders", Resync: true},
			"orders/updated":   {Resource: "orders"},
			"orders/cancelled": {Resource: "orders"},
		},
		Capabilities: BaselineCapabilities(),
		Classifier: protect.ResponseClassifier{
			MessageFields: []string{"errors", "error_description", "error"},
		},
		CacheTTL: cfg.CacheTTL,
	}
	if secret := strings.TrimSpace(cfg.WebhookSecret); secret != "" {
		webhookCfg := DefaultWebhookConfig(secret)
		webhookCfg.ReplayWindow = cfg.ReplayWindow
		def.Verifier = NewWebhookTemplate(webhookCfg).Verifier
	}
	return def, nil
}

func BaselineCapabilities() []core.Capability {
	return []core.Capability{
		{
			Name:           "catalog.read",
			Description:    "products and variants",
			Enabled:        true,
			RequiredScopes: []string{ScopeReadProducts},
		},
		{
			Name:           "inventory.read",
			Description:    "variant inventory quantities",
			Enabled:        true,
			RequiredScopes: []string{ScopeReadInventory},
		},
		{
			Name:           "orders.read",
			Description:    "orders updated in the last 60 days",
			Enabled:        true,
			RequiredScopes: []string{ScopeReadOrders},
		},
	}
}

func resolveOAuthEndpoints(cfg Config) (string, string, error) {
	authURL := strings.TrimSpace(cfg.AuthURL)
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if authURL != "" && tokenURL != "" {
		return authURL, tokenURL, nil
	}

	domain, err := normalizeShopDomain(cfg.ShopDomain)
	if err != nil {
		return "", "", fmt.Errorf("providers/shopify: auth_url and token_url are required when shop_domain is not configured: %w", err)
	}
	if authURL == "" {
		authURL = (&url.URL{Scheme: "https", Host: domain, Path: defaultAuthorizePath}).String()
	}
	if tokenURL == "" {
		tokenURL = (&url.URL{Scheme: "https", Host: domain, Path: defaultTokenPath}).String()
	}
	return authURL, tokenURL, nil
}

func resolveBaseURL(cfg Config) (string, error) {
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		return strings.TrimRight(base, "/"), nil
	}
	domain, err := normalizeShopDomain(cfg.ShopDomain)
	if err != nil {
		return "", fmt.Errorf("providers/shopify: base_url is required when shop_domain is not configured: %w", err)
	}
	version := strings.Trim(strings.TrimSpace(cfg.APIVersion), "/")
	return (&url.URL{Scheme: "https", Host: domain, Path: "/admin/api/" + version}).String(), nil
}

func normalizeShopDomain(value string) (string, error) {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "" {
		return "", fmt.Errorf("providers/shopify: shop_domain is required")
	}
	if strings.Contains(trimmed, "://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", fmt.Errorf("providers/shopify: parse shop_domain: %w", err)
		}
		trimmed = strings.TrimSpace(strings.ToLower(parsed.Hostname()))
	}
	trimmed = strings.TrimSuffix(trimmed, "/")
	if trimmed == "" || strings.Contains(trimmed, "/") {
		return "", fmt.Errorf("providers/shopify: invalid shop_domain")
	}
	if !strings.Contains(trimmed, ".") {
		trimmed += defaultDomainSuffix
	}
	if !strings.HasSuffix(trimmed, defaultDomainSuffix) {
		return "", fmt.Errorf("providers/shopify: shop_domain must end with %q", defaultDomainSuffix)
	}
	return trimmed, nil
}

// normalizeShopifyScopes lowercases, strips a "shopify:" prefix and dedupes.
func normalizeShopifyScopes(scopes []string) []string {
	set := map[string]struct{}{}
	for _, scope := range scopes {
		normalized := strings.TrimSpace(strings.ToLower(scope))
		normalized = strings.TrimPrefix(normalized, "shopify:")
		if normalized == "" {
			continue
		}
		set[normalized] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for scope := range set {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

var (
	_ core.Integration   = (*Adapter)(nil)
	_ core.WebhookRouter = (*Adapter)(nil)
)
