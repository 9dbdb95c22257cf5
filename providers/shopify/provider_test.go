package shopify

import (
	"net/url"
	"strings"
	"testing"
)

func TestDefinition_UsesShopDomainDefaults(t *testing.T) {
	def, err := Definition(Config{
		ClientID:     "client",
		ClientSecret: "secret",
		ShopDomain:   "Merchant-Store",
	})
	if err != nil {
		t.Fatalf("definition: %v", err)
	}
	if def.BaseURL != "https://merchant-store.myshopify.com/admin/api/"+DefaultAPIVersion {
		t.Fatalf("unexpected base url %q", def.BaseURL)
	}
	authURL, err := url.Parse(def.OAuth.AuthURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	if authURL.Host != "merchant-store.myshopify.com" || authURL.Path != defaultAuthorizePath {
		t.Fatalf("unexpected auth url %q", def.OAuth.AuthURL)
	}
	if !strings.HasSuffix(def.OAuth.TokenURL, defaultTokenPath) || !def.OAuth.ClientSecretInBody {
		t.Fatalf("expected token endpoint with client secret in body, got %+v", def.OAuth)
	}
	if strings.Join(def.OAuth.Scopes, ",") != "read_inventory,read_orders,read_products" {
		t.Fatalf("unexpected default scopes %v", def.OAuth.Scopes)
	}
	if def.Verifier != nil {
		t.Fatalf("expected no adapter verifier without a webhook secret")
	}
}

func TestDefinition_EndpointOverridesAndValidation(t *testing.T) {
	def, err := Definition(Config{
		ClientID:      "client",
		AuthURL:       "https://auth.example.test/authorize",
		TokenURL:      "https://auth.example.test/token",
		BaseURL:       "https://proxy.example.test/admin/api/2024-01/",
		Scopes:        []string{"shopify:READ_PRODUCTS", "read_products", " "},
		WebhookSecret: "whsec",
	})
	if err != nil {
		t.Fatalf("definition: %v", err)
	}
	if def.BaseURL != "https://proxy.example.test/admin/api/2024-01" {
		t.Fatalf("expected trimmed base url override, got %q", def.BaseURL)
	}
	if len(def.OAuth.Scopes) != 1 || def.OAuth.Scopes[0] != ScopeReadProducts {
		t.Fatalf("expected normalized scopes, got %v", def.OAuth.Scopes)
	}
	if def.Verifier == nil {
		t.Fatalf("expected webhook secret to install a verifier")
	}

	if _, err := Definition(Config{ClientID: "client"}); err == nil {
		t.Fatalf("expected missing shop domain and endpoints to fail")
	}
	if _, err := Definition(Config{ClientID: "client", ShopDomain: "shop.example.com"}); err == nil {
		t.Fatalf("expected non myshopify domain to fail")
	}
}

func TestNormalizeShopDomain(t *testing.T) {
	cases := map[string]string{
		"merchant":                           "merchant.myshopify.com",
		"https://Merchant.myshopify.com/":    "merchant.myshopify.com",
		" merchant.myshopify.com ":           "merchant.myshopify.com",
		"https://merchant.myshopify.com/app": "merchant.myshopify.com",
	}
	for input, want := range cases {
		got, err := normalizeShopDomain(input)
		if err != nil || got != want {
			t.Fatalf("normalizeShopDomain(%q) = %q, %v; want %q", input, got, err, want)
		}
	}
	if _, err := normalizeShopDomain(""); err == nil {
		t.Fatalf("expected empty domain to fail")
	}
}

func TestRevokeURL(t *testing.T) {
	if got := revokeURL("https://m.myshopify.com/admin/api/2024-10"); got != "https://m.myshopify.com/admin/api_permissions/current.json" {
		t.Fatalf("unexpected revoke url %q", got)
	}
	if got := revokeURL("http://127.0.0.1:9999/admin/"); got != "http://127.0.0.1:9999/admin/api_permissions/current.json" {
		t.Fatalf("unexpected revoke url for unversioned base %q", got)
	}
}
