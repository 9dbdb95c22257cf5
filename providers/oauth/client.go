// Package oauth adapts golang.org/x/oauth2 to the token lifecycle: code
// exchange for Authenticate, refresh for tokens.Refresher and RFC 7009
// revocation for tokens.Revoker.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/goliatone/go-integrations/core"
	"github.com/goliatone/go-integrations/tokens"
)

const defaultRequestTimeout = 30 * time.Second

type Config struct {
	Provider     string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	// RevokeURL is optional. Without it revocation is local only.
	RevokeURL   string
	RedirectURI string
	Scopes      []string
	// ClientSecretInBody sends client credentials as form fields instead of
	// basic auth.
	ClientSecretInBody bool
	HTTPClient         *http.Client
}

// Client performs the OAuth2 flows for one provider.
type Client struct {
	provider   string
	revokeURL  string
	oauth      *oauth2.Config
	httpClient *http.Client
}

func New(cfg Config) (*Client, error) {
	provider := strings.TrimSpace(strings.ToLower(cfg.Provider))
	if provider == "" {
		return nil, fmt.Errorf("oauth: provider is required")
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("oauth: client id is required for provider %q", provider)
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, fmt.Errorf("oauth: token url is required for provider %q", provider)
	}
	style := oauth2.AuthStyleInHeader
	if cfg.ClientSecretInBody {
		style = oauth2.AuthStyleInParams
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{
		provider:  provider,
		revokeURL: strings.TrimSpace(cfg.RevokeURL),
		oauth: &oauth2.Config{
			ClientID:     strings.TrimSpace(cfg.ClientID),
			ClientSecret: strings.TrimSpace(cfg.ClientSecret),
			Endpoint: oauth2.Endpoint{
				AuthURL:   strings.TrimSpace(cfg.AuthURL),
				TokenURL:  strings.TrimSpace(cfg.TokenURL),
				AuthStyle: style,
			},
			RedirectURL: strings.TrimSpace(cfg.RedirectURI),
			Scopes:      core.NormalizeScopes(cfg.Scopes),
		},
		httpClient: httpClient,
	}, nil
}

func (c *Client) Provider() string {
	return c.provider
}

// AuthCodeURL builds the consent URL. A non-empty verifier adds a PKCE S256
// challenge.
func (c *Client) AuthCodeURL(state, verifier string) string {
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return c.oauth.AuthCodeURL(state, opts...)
}

// Exchange trades an authorization code for a credential.
func (c *Client) Exchange(ctx context.Context, auth core.AuthConfig) (core.Credential, error) {
	if strings.TrimSpace(auth.Code) == "" {
		return core.Credential{}, core.BadInputError("code", "authorization code is required")
	}
	cfg := *c.oauth
	if redirect := strings.TrimSpace(auth.RedirectURI); redirect != "" {
		cfg.RedirectURL = redirect
	}
	var opts []oauth2.AuthCodeOption
	if auth.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(auth.CodeVerifier))
	}
	token, err := cfg.Exchange(c.context(ctx), strings.TrimSpace(auth.Code), opts...)
	if err != nil {
		return core.Credential{}, c.mapError("auth.exchange", err)
	}
	credential := credentialFromToken(token)
	if len(credential.Scopes) == 0 {
		credential.Scopes = core.NormalizeScopes(auth.Scopes)
	}
	return credential, nil
}

// RefreshCredential implements tokens.Refresher.
func (c *Client) RefreshCredential(ctx context.Context, identity core.ProviderIdentity, current core.Credential) (core.Credential, error) {
	if !current.Refreshable() {
		return core.Credential{}, &core.AuthenticationError{Identity: identity, Reason: "credential has no refresh token"}
	}
	// an expired token forces the source to hit the token endpoint
	source := c.oauth.TokenSource(c.context(ctx), &oauth2.Token{
		RefreshToken: current.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	token, err := source.Token()
	if err != nil {
		return core.Credential{}, c.mapError(tokens.OperationRefresh, err)
	}
	return credentialFromToken(token), nil
}

// RevokeCredential implements tokens.Revoker using an RFC 7009 endpoint.
func (c *Client) RevokeCredential(ctx context.Context, _ core.ProviderIdentity, current core.Credential) error {
	if c.revokeURL == "" {
		return fmt.Errorf("oauth: provider %q has no revoke endpoint", c.provider)
	}
	token, hint := current.RefreshToken, "refresh_token"
	if strings.TrimSpace(token) == "" {
		token, hint = current.AccessToken, "access_token"
	}
	form := url.Values{"token": {token}, "token_type_hint": {hint}}
	if c.oauth.Endpoint.AuthStyle == oauth2.AuthStyleInParams {
		form.Set("client_id", c.oauth.ClientID)
		form.Set("client_secret", c.oauth.ClientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.oauth.Endpoint.AuthStyle != oauth2.AuthStyleInParams {
		req.SetBasicAuth(url.QueryEscape(c.oauth.ClientID), url.QueryEscape(c.oauth.ClientSecret))
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<16))
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	return &core.UpstreamError{
		Provider:       c.provider,
		OperationClass: tokens.OperationRevoke,
		StatusCode:     res.StatusCode,
	}
}

func (c *Client) context(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// mapError keeps the breaker honest: a provider outage stays an
// UpstreamError, a rejected grant becomes an AuthenticationError.
func (c *Client) mapError(operation string, err error) error {
	var retrieve *oauth2.RetrieveError
	if !errors.As(err, &retrieve) {
		return err
	}
	status := 0
	if retrieve.Response != nil {
		status = retrieve.Response.StatusCode
	}
	switch {
	case status == http.StatusTooManyRequests:
		return &core.RateLimitError{Provider: c.provider, OperationClass: operation, ProviderCode: retrieve.ErrorCode}
	case status >= 500 || status == 0:
		return &core.UpstreamError{
			Provider:       c.provider,
			OperationClass: operation,
			StatusCode:     status,
			ProviderCode:   retrieve.ErrorCode,
			Message:        retrieve.ErrorDescription,
			Cause:          err,
		}
	default:
		reason := retrieve.ErrorCode
		if reason == "" {
			reason = fmt.Sprintf("token endpoint answered %d", status)
		}
		return &core.AuthenticationError{
			Identity: core.ProviderIdentity{Provider: c.provider},
			Reason:   reason,
			Cause: &core.UpstreamError{
				Provider:       c.provider,
				OperationClass: operation,
				StatusCode:     status,
				ProviderCode:   retrieve.ErrorCode,
			},
		}
	}
}

func credentialFromToken(token *oauth2.Token) core.Credential {
	credential := core.Credential{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.Type(),
	}
	if !token.Expiry.IsZero() {
		expires := token.Expiry.UTC()
		credential.ExpiresAt = &expires
	}
	if scope, ok := token.Extra("scope").(string); ok {
		credential.Scopes = core.NormalizeScopes(strings.Fields(strings.ReplaceAll(scope, ",", " ")))
	}
	return credential
}

var (
	_ tokens.Refresher = (*Client)(nil)
	_ tokens.Revoker   = (*Client)(nil)
)
