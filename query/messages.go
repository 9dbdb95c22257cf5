package query

import (
	"strings"

	"github.com/goliatone/go-integrations/core"
)

const (
	TypeHealth           = "integrations.query.health"
	TypeConnectionStatus = "integrations.query.connection.status"
	TypeListConnections  = "integrations.query.connection.list"
)

type HealthMessage struct{}

func (HealthMessage) Type() string { return TypeHealth }

type ConnectionStatusMessage struct {
	Provider string
	UserID   string
}

func (ConnectionStatusMessage) Type() string { return TypeConnectionStatus }

func (m ConnectionStatusMessage) Validate() error {
	if strings.TrimSpace(m.Provider) == "" {
		return queryValidationError("provider", "provider is required")
	}
	if strings.TrimSpace(m.UserID) == "" {
		return queryValidationError("user_id", "user id is required")
	}
	return nil
}

func (m ConnectionStatusMessage) Identity() core.ProviderIdentity {
	return core.NewProviderIdentity(m.Provider, m.UserID)
}

// ListConnectionsMessage filters by user; an empty UserID lists every
// registered identity.
type ListConnectionsMessage struct {
	UserID string
}

func (ListConnectionsMessage) Type() string { return TypeListConnections }
