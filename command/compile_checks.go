package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[ConnectMessage]         = (*ConnectCommand)(nil)
	_ gocmd.Commander[SyncIdentityMessage]    = (*SyncIdentityCommand)(nil)
	_ gocmd.Commander[SyncUserMessage]        = (*SyncUserCommand)(nil)
	_ gocmd.Commander[RefreshMessage]         = (*RefreshCommand)(nil)
	_ gocmd.Commander[RevokeMessage]          = (*RevokeCommand)(nil)
	_ gocmd.Commander[DispatchWebhookMessage] = (*DispatchWebhookCommand)(nil)
	_ gocmd.Commander[ResyncMessage]          = (*ResyncCommand)(nil)
)
