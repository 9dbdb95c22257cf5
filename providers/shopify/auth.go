package shopify

import (
	"context"
	"net/http"
	"strings"

	"github.com/goliatone/go-integrations/core"
	"github.com/goliatone/go-integrations/providers/oauth"
	"github.com/goliatone/go-integrations/tokens"
	"github.com/goliatone/go-integrations/transport"
)

// authClient refreshes through the OAuth token endpoint and revokes by
// deleting the app's API permissions, which uninstalls it from the shop.
type authClient struct {
	oauth     *oauth.Client
	client    *transport.JSONClient
	revokeURL string
}

// revokeURL drops the versioned API segment, api_permissions lives under
// /admin directly.
func revokeURL(baseURL string) string {
	if prefix, _, ok := strings.Cut(baseURL, "/admin/api/"); ok {
		return prefix + "/admin/api_permissions/current.json"
	}
	return strings.TrimRight(baseURL, "/") + "/api_permissions/current.json"
}

func (c *authClient) RefreshCredential(ctx context.Context, identity core.ProviderIdentity, current core.Credential) (core.Credential, error) {
	return c.oauth.RefreshCredential(ctx, identity, current)
}

func (c *authClient) RevokeCredential(ctx context.Context, _ core.ProviderIdentity, current core.Credential) error {
	_, err := c.client.Do(ctx, core.NewCall(ProviderID, tokens.OperationRevoke), transport.JSONRequest{
		Method:     http.MethodDelete,
		Path:       c.revokeURL,
		Credential: &current,
	}, nil)
	return err
}

var (
	_ tokens.Refresher = (*authClient)(nil)
	_ tokens.Revoker   = (*authClient)(nil)
)
