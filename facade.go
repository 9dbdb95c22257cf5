package integrations

import (
	"github.com/goliatone/go-integrations/adapters/gocommand"
	"github.com/goliatone/go-integrations/command"
	"github.com/goliatone/go-integrations/core"
	"github.com/goliatone/go-integrations/query"
)

// Facade exposes the runtime operations as go-command handlers.
type Facade struct {
	Connect         *command.ConnectCommand
	SyncIdentity    *command.SyncIdentityCommand
	SyncUser        *command.SyncUserCommand
	Refresh         *command.RefreshCommand
	Revoke          *command.RevokeCommand
	DispatchWebhook *command.DispatchWebhookCommand
	Resync          *command.ResyncCommand

	Health           *query.HealthQuery
	ConnectionStatus *query.ConnectionStatusQuery
	ListConnections  *query.ListConnectionsQuery
}

func NewFacade(runtime *Runtime) *Facade {
	return &Facade{
		Connect:          command.NewConnectCommand(runtime),
		SyncIdentity:     command.NewSyncIdentityCommand(runtime),
		SyncUser:         command.NewSyncUserCommand(runtime),
		Refresh:          command.NewRefreshCommand(runtime),
		Revoke:           command.NewRevokeCommand(runtime),
		DispatchWebhook:  command.NewDispatchWebhookCommand(runtime),
		Resync:           command.NewResyncCommand(runtime),
		Health:           query.NewHealthQuery(runtime),
		ConnectionStatus: query.NewConnectionStatusQuery(runtime),
		ListConnections:  query.NewListConnectionsQuery(runtime),
	}
}

// Register subscribes every handler on bus. The caller initializes the bus.
func (f *Facade) Register(bus *gocommand.Bus) error {
	steps := []func() error{
		func() error { return gocommand.RegisterCommand[command.ConnectMessage](bus, f.Connect) },
		func() error { return gocommand.RegisterCommand[command.SyncIdentityMessage](bus, f.SyncIdentity) },
		func() error { return gocommand.RegisterCommand[command.SyncUserMessage](bus, f.SyncUser) },
		func() error { return gocommand.RegisterCommand[command.RefreshMessage](bus, f.Refresh) },
		func() error { return gocommand.RegisterCommand[command.RevokeMessage](bus, f.Revoke) },
		func() error { return gocommand.RegisterCommand[command.DispatchWebhookMessage](bus, f.DispatchWebhook) },
		func() error { return gocommand.RegisterCommand[command.ResyncMessage](bus, f.Resync) },
		func() error { return gocommand.RegisterQuery[query.HealthMessage, core.HealthReport](bus, f.Health) },
		func() error {
			return gocommand.RegisterQuery[query.ConnectionStatusMessage, core.ConnectionStatus](bus, f.ConnectionStatus)
		},
		func() error {
			return gocommand.RegisterQuery[query.ListConnectionsMessage, []core.ProviderIdentity](bus, f.ListConnections)
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ command.Runtime = (*Runtime)(nil)
	_ query.Reader    = (*Runtime)(nil)
)
