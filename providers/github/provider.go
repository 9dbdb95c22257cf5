// Package github connects a GitHub user through an OAuth app.
package github

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/goliatone/go-integrations/core"
	"github.com/goliatone/go-integrations/protect"
	"github.com/goliatone/go-integrations/providers/oauth"
	"github.com/goliatone/go-integrations/providers/restapi"
	"github.com/goliatone/go-integrations/tokens"
	"github.com/goliatone/go-integrations/transport"
	"github.com/goliatone/go-integrations/webhooks"
)

const (
	ProviderID = "github"
	AuthURL    = "https://github.com/login/oauth/authorize"
	TokenURL   = "https://github.com/login/oauth/access_token"
	APIURL     = "https://api.github.com"
)

type Config struct {
	ClientID      string
	ClientSecret  string
	AuthURL       string
	TokenURL      string
	APIURL        string
	RedirectURI   string
	Scopes        []string
	WebhookSecret string
}

func DefaultConfig() Config {
	return Config{
		AuthURL:  AuthURL,
		TokenURL: TokenURL,
		APIURL:   APIURL,
		Scopes:   []string{"repo", "read:user"},
	}
}

type Adapter struct {
	*restapi.Adapter
}

func New(cfg Config, userID string, deps restapi.Deps) (*Adapter, error) {
	def := Definition(cfg)
	adapter, err := restapi.New(def, userID, deps)
	if err != nil {
		return nil, err
	}
	client := transport.NewJSONClient(transport.NewRESTAdapter(deps.HTTPClient),
		transport.WithClassifier(def.Classifier),
		transport.WithHeader("Accept", "application/vnd.github+json"),
	)
	deps.Tokens.RegisterRefresher(ProviderID, &grantRevoker{
		Client:       adapter.OAuth(),
		client:       client,
		apiURL:       def.BaseURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
	})
	return &Adapter{Adapter: adapter}, nil
}

func Definition(cfg Config) restapi.Definition {
	defaults := DefaultConfig()
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaults.AuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaults.TokenURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaults.APIURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = defaults.Scopes
	}

	def := restapi.Definition{
		Provider: ProviderID,
		BaseURL:  strings.TrimRight(cfg.APIURL, "/"),
		OAuth: oauth.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			AuthURL:      cfg.AuthURL,
			TokenURL:     cfg.TokenURL,
			RedirectURI:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
		},
		VerifyPath: "/user",
		Resources: []restapi.Resource{
			{
				Name:           "repositories",
				Path:           "/user/repos",
				ItemPath:       "/repositories/{id}",
				CursorFromLink: true,
				RequiredFields: []string{"full_name"},
			},
			{
				Name:           "issues",
				Path:           "/issues",
				SinceParam:     "since",
				CursorFromLink: true,
				RequiredFields: []string{"title"},
			},
		},
		Events: map[string]restapi.Event{
			"issues":     {Resource: "issues", PayloadField: "issue"},
			"repository": {Resource: "repositories", PayloadField: "repository"},
			"push":       {Resource: "repositories", Resync: true},
		},
		Capabilities: []core.Capability{
			{Name: "repo.read", Enabled: true, RequiredScopes: []string{"repo"}},
			{Name: "issues.read", Enabled: true, RequiredScopes: []string{"repo"}},
			{Name: "user.read", Enabled: true, RequiredScopes: []string{"read:user"}},
		},
		Classifier: protect.ResponseClassifier{
			MessageFields: []string{"message", "error_description"},
		},
	}
	if secret := strings.TrimSpace(cfg.WebhookSecret); secret != "" {
		def.Verifier = webhooks.NewGitHubTemplate(secret).Verifier
	}
	return def
}

// grantRevoker revokes through DELETE /applications/{client_id}/token, the
// GitHub replacement for RFC 7009.
type grantRevoker struct {
	*oauth.Client

	client       *transport.JSONClient
	apiURL       string
	clientID     string
	clientSecret string
}

func (r *grantRevoker) RevokeCredential(ctx context.Context, _ core.ProviderIdentity, current core.Credential) error {
	basic := base64.StdEncoding.EncodeToString([]byte(r.clientID + ":" + r.clientSecret))
	_, err := r.client.Do(ctx, core.NewCall(ProviderID, tokens.OperationRevoke), transport.JSONRequest{
		Method:  http.MethodDelete,
		Path:    r.apiURL + "/applications/" + url.PathEscape(r.clientID) + "/token",
		Headers: map[string]string{"Authorization": "Basic " + basic},
		Body:    map[string]string{"access_token": current.AccessToken},
	}, nil)
	return err
}

var (
	_ tokens.Refresher   = (*grantRevoker)(nil)
	_ tokens.Revoker     = (*grantRevoker)(nil)
	_ core.Integration   = (*Adapter)(nil)
	_ core.WebhookRouter = (*Adapter)(nil)
)
