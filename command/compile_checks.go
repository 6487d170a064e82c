package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[NewIntegrationMessage]       = (*NewIntegrationCommand)(nil)
	_ gocmd.Commander[AuthorizeIntegrationMessage] = (*AuthorizeIntegrationCommand)(nil)
	_ gocmd.Commander[ConfigureIntegrationMessage] = (*ConfigureIntegrationCommand)(nil)
	_ gocmd.Commander[RevokeIntegrationMessage]    = (*RevokeIntegrationCommand)(nil)
	_ gocmd.Commander[SyncIntegrationMessage]      = (*SyncIntegrationCommand)(nil)
	_ gocmd.Commander[ConfigureWebhooksMessage]    = (*ConfigureWebhooksCommand)(nil)
	_ gocmd.Commander[RefreshCredentialMessage]    = (*RefreshCredentialCommand)(nil)
	_ gocmd.Commander[RepairIntegrationsMessage]   = (*RepairIntegrationsCommand)(nil)
)
