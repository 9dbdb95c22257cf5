package command

import (
	"strings"

	"github.com/goliatone/go-integrations/core"
)

const (
	TypeConnect         = "integrations.command.connect"
	TypeSyncIdentity    = "integrations.command.sync.identity"
	TypeSyncUser        = "integrations.command.sync.user"
	TypeRefresh         = "integrations.command.refresh"
	TypeRevoke          = "integrations.command.revoke"
	TypeDispatchWebhook = "integrations.command.webhook.dispatch"
	TypeResync          = "integrations.command.resync"
)

type ConnectMessage struct {
	Request core.ConnectRequest
}

func (ConnectMessage) Type() string { return TypeConnect }

func (m ConnectMessage) Validate() error {
	if err := validateIdentity(m.Request.Provider, m.Request.UserID); err != nil {
		return err
	}
	if strings.TrimSpace(m.Request.Auth.Code) == "" {
		return commandValidationError("auth.code", "authorization code is required")
	}
	return nil
}

type SyncIdentityMessage struct {
	Provider string
	UserID   string
}

func (SyncIdentityMessage) Type() string { return TypeSyncIdentity }

func (m SyncIdentityMessage) Validate() error {
	return validateIdentity(m.Provider, m.UserID)
}

func (m SyncIdentityMessage) Identity() core.ProviderIdentity {
	return core.NewProviderIdentity(m.Provider, m.UserID)
}

type SyncUserMessage struct {
	UserID string
}

func (SyncUserMessage) Type() string { return TypeSyncUser }

func (m SyncUserMessage) Validate() error {
	if strings.TrimSpace(m.UserID) == "" {
		return commandValidationError("user_id", "user id is required")
	}
	return nil
}

type RefreshMessage struct {
	Provider string
	UserID   string
}

func (RefreshMessage) Type() string { return TypeRefresh }

func (m RefreshMessage) Validate() error {
	return validateIdentity(m.Provider, m.UserID)
}

func (m RefreshMessage) Identity() core.ProviderIdentity {
	return core.NewProviderIdentity(m.Provider, m.UserID)
}

type RevokeMessage struct {
	Provider string
	UserID   string
	Reason   string
}

func (RevokeMessage) Type() string { return TypeRevoke }

func (m RevokeMessage) Validate() error {
	return validateIdentity(m.Provider, m.UserID)
}

func (m RevokeMessage) Identity() core.ProviderIdentity {
	return core.NewProviderIdentity(m.Provider, m.UserID)
}

type DispatchWebhookMessage struct {
	Envelope core.WebhookEnvelope
}

func (DispatchWebhookMessage) Type() string { return TypeDispatchWebhook }

func (m DispatchWebhookMessage) Validate() error {
	if strings.TrimSpace(m.Envelope.Provider) == "" {
		return commandValidationError("provider", "provider is required")
	}
	if len(m.Envelope.RawBody) == 0 {
		return commandValidationError("raw_body", "webhook body is required")
	}
	return nil
}

// ResyncMessage carries a narrow re-sync, typically scheduled by a webhook.
type ResyncMessage struct {
	Request core.ResyncRequest
}

func (ResyncMessage) Type() string { return TypeResync }

func (m ResyncMessage) Validate() error {
	return validateIdentity(m.Request.Identity.Provider, m.Request.Identity.UserID)
}

func validateIdentity(provider, userID string) error {
	if strings.TrimSpace(provider) == "" {
		return commandValidationError("provider", "provider is required")
	}
	if strings.TrimSpace(userID) == "" {
		return commandValidationError("user_id", "user id is required")
	}
	return nil
}
