package restapi

import "github.com/goliatone/go-integrations/providers/oauth"

func oauthConfig(serverURL string) oauth.Config {
	return oauth.Config{
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		AuthURL:      serverURL + "/oauth/authorize",
		TokenURL:     serverURL + "/oauth/token",
		Scopes:       []string{"items.read"},
	}
}
