package query

import (
	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-integrations/core"
)

var (
	_ gocmd.Querier[HealthMessage, core.HealthReport]                = (*HealthQuery)(nil)
	_ gocmd.Querier[ConnectionStatusMessage, core.ConnectionStatus]  = (*ConnectionStatusQuery)(nil)
	_ gocmd.Querier[ListConnectionsMessage, []core.ProviderIdentity] = (*ListConnectionsQuery)(nil)
)
