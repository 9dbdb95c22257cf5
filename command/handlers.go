package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-integrations/core"
	"github.com/goliatone/go-integrations/webhooks"
)

// Runtime is the mutating surface of the integration runtime.
type Runtime interface {
	Connect(ctx context.Context, req core.ConnectRequest) (core.AuthResult, error)
	SyncIdentity(ctx context.Context, identity core.ProviderIdentity) (core.SyncResult, error)
	SyncUser(ctx context.Context, userID string) (core.SyncResult, error)
	Refresh(ctx context.Context, identity core.ProviderIdentity) (core.AuthResult, error)
	Revoke(ctx context.Context, identity core.ProviderIdentity) (bool, error)
	DispatchWebhook(ctx context.Context, envelope core.WebhookEnvelope) (webhooks.Result, error)
	ResyncNow(ctx context.Context, req core.ResyncRequest) (core.SyncResult, error)
}

type ConnectCommand struct {
	runtime Runtime
}

func NewConnectCommand(runtime Runtime) *ConnectCommand {
	return &ConnectCommand{runtime: runtime}
}

func (c *ConnectCommand) Execute(ctx context.Context, msg ConnectMessage) error {
	if c == nil || c.runtime == nil {
		return commandDependencyError("command: connect runtime is required")
	}
	out, err := c.runtime.Connect(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type SyncIdentityCommand struct {
	runtime Runtime
}

func NewSyncIdentityCommand(runtime Runtime) *SyncIdentityCommand {
	return &SyncIdentityCommand{runtime: runtime}
}

// Execute stores the SyncResult even when the sync failed, so callers see the
// per-task errors alongside the returned SyncError.
func (c *SyncIdentityCommand) Execute(ctx context.Context, msg SyncIdentityMessage) error {
	if c == nil || c.runtime == nil {
		return commandDependencyError("command: sync runtime is required")
	}
	out, err := c.runtime.SyncIdentity(ctx, msg.Identity())
	storeResult(ctx, out)
	return err
}

type SyncUserCommand struct {
	runtime Runtime
}

func NewSyncUserCommand(runtime Runtime) *SyncUserCommand {
	return &SyncUserCommand{runtime: runtime}
}

func (c *SyncUserCommand) Execute(ctx context.Context, msg SyncUserMessage) error {
	if c == nil || c.runtime == nil {
		return commandDependencyError("command: sync runtime is required")
	}
	out, err := c.runtime.SyncUser(ctx, msg.UserID)
	storeResult(ctx, out)
	return err
}

type RefreshCommand struct {
	runtime Runtime
}

func NewRefreshCommand(runtime Runtime) *RefreshCommand {
	return &RefreshCommand{runtime: runtime}
}

func (c *RefreshCommand) Execute(ctx context.Context, msg RefreshMessage) error {
	if c == nil || c.runtime == nil {
		return commandDependencyError("command: refresh runtime is required")
	}
	out, err := c.runtime.Refresh(ctx, msg.Identity())
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RevokeCommand struct {
	runtime Runtime
}

func NewRevokeCommand(runtime Runtime) *RevokeCommand {
	return &RevokeCommand{runtime: runtime}
}

// Execute stores whether the provider confirmed the remote revocation.
func (c *RevokeCommand) Execute(ctx context.Context, msg RevokeMessage) error {
	if c == nil || c.runtime == nil {
		return commandDependencyError("command: revoke runtime is required")
	}
	remote, err := c.runtime.Revoke(ctx, msg.Identity())
	if err != nil {
		return err
	}
	storeResult(ctx, remote)
	return nil
}

type DispatchWebhookCommand struct {
	runtime Runtime
}

func NewDispatchWebhookCommand(runtime Runtime) *DispatchWebhookCommand {
	return &DispatchWebhookCommand{runtime: runtime}
}

func (c *DispatchWebhookCommand) Execute(ctx context.Context, msg DispatchWebhookMessage) error {
	if c == nil || c.runtime == nil {
		return commandDependencyError("command: webhook runtime is required")
	}
	out, err := c.runtime.DispatchWebhook(ctx, msg.Envelope)
	storeResult(ctx, out)
	return err
}

type ResyncCommand struct {
	runtime Runtime
}

func NewResyncCommand(runtime Runtime) *ResyncCommand {
	return &ResyncCommand{runtime: runtime}
}

func (c *ResyncCommand) Execute(ctx context.Context, msg ResyncMessage) error {
	if c == nil || c.runtime == nil {
		return commandDependencyError("command: resync runtime is required")
	}
	out, err := c.runtime.ResyncNow(ctx, msg.Request)
	storeResult(ctx, out)
	return err
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
