package command

import (
	"context"
	"time"

	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-integrations/core"
)

// MutatingService is the slice of the orchestrator the command handlers
// depend on.
type MutatingService interface {
	NewIntegration(ctx context.Context, req core.NewIntegrationRequest) (*core.AuthorizationIntent, error)
	AuthorizeIntegration(ctx context.Context, req core.AuthorizeIntegrationRequest) (*core.Integration, error)
	ConfigureIntegration(ctx context.Context, req core.ConfigureIntegrationRequest) (*core.Integration, error)
	RevokeIntegration(ctx context.Context, req core.RevokeIntegrationRequest) (*core.RevocationResult, error)
	Sync(ctx context.Context, req core.SyncRequest) error
	ConfigureWebhooks(ctx context.Context, organizationID, integrationID string) error
	RefreshCredential(ctx context.Context, integrationID string) error
	Repair(ctx context.Context, gracePeriod time.Duration) (int, error)
}

type NewIntegrationCommand struct {
	service MutatingService
}

func NewNewIntegrationCommand(service MutatingService) *NewIntegrationCommand {
	return &NewIntegrationCommand{service: service}
}

func (c *NewIntegrationCommand) Execute(ctx context.Context, msg NewIntegrationMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: integration service is required")
	}
	out, err := c.service.NewIntegration(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type AuthorizeIntegrationCommand struct {
	service MutatingService
}

func NewAuthorizeIntegrationCommand(service MutatingService) *AuthorizeIntegrationCommand {
	return &AuthorizeIntegrationCommand{service: service}
}

func (c *AuthorizeIntegrationCommand) Execute(ctx context.Context, msg AuthorizeIntegrationMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: authorize service is required")
	}
	out, err := c.service.AuthorizeIntegration(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type ConfigureIntegrationCommand struct {
	service MutatingService
}

func NewConfigureIntegrationCommand(service MutatingService) *ConfigureIntegrationCommand {
	return &ConfigureIntegrationCommand{service: service}
}

func (c *ConfigureIntegrationCommand) Execute(ctx context.Context, msg ConfigureIntegrationMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: configure service is required")
	}
	out, err := c.service.ConfigureIntegration(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type RevokeIntegrationCommand struct {
	service MutatingService
}

func NewRevokeIntegrationCommand(service MutatingService) *RevokeIntegrationCommand {
	return &RevokeIntegrationCommand{service: service}
}

func (c *RevokeIntegrationCommand) Execute(ctx context.Context, msg RevokeIntegrationMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: revoke service is required")
	}
	out, err := c.service.RevokeIntegration(ctx, msg.Request)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

type SyncIntegrationCommand struct {
	service MutatingService
}

func NewSyncIntegrationCommand(service MutatingService) *SyncIntegrationCommand {
	return &SyncIntegrationCommand{service: service}
}

func (c *SyncIntegrationCommand) Execute(ctx context.Context, msg SyncIntegrationMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: sync service is required")
	}
	return c.service.Sync(ctx, msg.Request)
}

type ConfigureWebhooksCommand struct {
	service MutatingService
}

func NewConfigureWebhooksCommand(service MutatingService) *ConfigureWebhooksCommand {
	return &ConfigureWebhooksCommand{service: service}
}

func (c *ConfigureWebhooksCommand) Execute(ctx context.Context, msg ConfigureWebhooksMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: webhook service is required")
	}
	return c.service.ConfigureWebhooks(ctx, msg.OrganizationID, msg.IntegrationID)
}

type RefreshCredentialCommand struct {
	service MutatingService
}

func NewRefreshCredentialCommand(service MutatingService) *RefreshCredentialCommand {
	return &RefreshCredentialCommand{service: service}
}

func (c *RefreshCredentialCommand) Execute(ctx context.Context, msg RefreshCredentialMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: refresh service is required")
	}
	return c.service.RefreshCredential(ctx, msg.IntegrationID)
}

type RepairIntegrationsCommand struct {
	service MutatingService
}

func NewRepairIntegrationsCommand(service MutatingService) *RepairIntegrationsCommand {
	return &RepairIntegrationsCommand{service: service}
}

func (c *RepairIntegrationsCommand) Execute(ctx context.Context, msg RepairIntegrationsMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: repair service is required")
	}
	out, err := c.service.Repair(ctx, msg.GracePeriod)
	if err != nil {
		return err
	}
	storeResult(ctx, out)
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
