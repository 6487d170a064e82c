package command

import (
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-integrations/core"
)

const (
	TypeNewIntegration       = "integrations.command.new"
	TypeAuthorizeIntegration = "integrations.command.authorize"
	TypeConfigureIntegration = "integrations.command.configure"
	TypeRevokeIntegration    = "integrations.command.revoke"
	TypeSyncIntegration      = "integrations.command.sync"
	TypeConfigureWebhooks    = "integrations.command.webhooks.configure"
	TypeRefreshCredential    = "integrations.command.credential.refresh"
	TypeRepairIntegrations   = "integrations.command.repair"
)

type NewIntegrationMessage struct {
	Request core.NewIntegrationRequest
}

func (NewIntegrationMessage) Type() string { return TypeNewIntegration }

func (m NewIntegrationMessage) Validate() error {
	if strings.TrimSpace(m.Request.OrganizationID) == "" {
		return fmt.Errorf("command: organization id is required")
	}
	if strings.TrimSpace(m.Request.UserID) == "" {
		return fmt.Errorf("command: user id is required")
	}
	return validateConnectorType(m.Request.ConnectorType)
}

type AuthorizeIntegrationMessage struct {
	Request core.AuthorizeIntegrationRequest
}

func (AuthorizeIntegrationMessage) Type() string { return TypeAuthorizeIntegration }

func (m AuthorizeIntegrationMessage) Validate() error {
	if err := validateConnectorType(m.Request.ConnectorType); err != nil {
		return err
	}
	if m.Request.Grant == nil {
		return fmt.Errorf("command: authorization grant is required")
	}
	return nil
}

type ConfigureIntegrationMessage struct {
	Request core.ConfigureIntegrationRequest
}

func (ConfigureIntegrationMessage) Type() string { return TypeConfigureIntegration }

func (m ConfigureIntegrationMessage) Validate() error {
	if err := validateConnectorType(m.Request.ConnectorType); err != nil {
		return err
	}
	if strings.TrimSpace(m.Request.InstallationID) == "" {
		return fmt.Errorf("command: installation id is required")
	}
	return nil
}

type RevokeIntegrationMessage struct {
	Request core.RevokeIntegrationRequest
}

func (RevokeIntegrationMessage) Type() string { return TypeRevokeIntegration }

func (m RevokeIntegrationMessage) Validate() error {
	if strings.TrimSpace(m.Request.OrganizationID) == "" {
		return fmt.Errorf("command: organization id is required")
	}
	if strings.TrimSpace(m.Request.IntegrationID) == "" {
		return fmt.Errorf("command: integration id is required")
	}
	return nil
}

type SyncIntegrationMessage struct {
	Request core.SyncRequest
}

func (SyncIntegrationMessage) Type() string { return TypeSyncIntegration }

func (m SyncIntegrationMessage) Validate() error {
	if strings.TrimSpace(m.Request.OrganizationID) == "" {
		return fmt.Errorf("command: organization id is required")
	}
	if strings.TrimSpace(m.Request.IntegrationID) == "" {
		return fmt.Errorf("command: integration id is required")
	}
	return nil
}

type ConfigureWebhooksMessage struct {
	OrganizationID string
	IntegrationID  string
}

func (ConfigureWebhooksMessage) Type() string { return TypeConfigureWebhooks }

func (m ConfigureWebhooksMessage) Validate() error {
	if strings.TrimSpace(m.OrganizationID) == "" {
		return fmt.Errorf("command: organization id is required")
	}
	if strings.TrimSpace(m.IntegrationID) == "" {
		return fmt.Errorf("command: integration id is required")
	}
	return nil
}

type RefreshCredentialMessage struct {
	IntegrationID string
}

func (RefreshCredentialMessage) Type() string { return TypeRefreshCredential }

func (m RefreshCredentialMessage) Validate() error {
	if strings.TrimSpace(m.IntegrationID) == "" {
		return fmt.Errorf("command: integration id is required")
	}
	return nil
}

type RepairIntegrationsMessage struct {
	GracePeriod time.Duration
}

func (RepairIntegrationsMessage) Type() string { return TypeRepairIntegrations }

func (RepairIntegrationsMessage) Validate() error { return nil }

func validateConnectorType(connectorType core.ConnectorType) error {
	if err := connectorType.Validate(); err != nil {
		return fmt.Errorf("command: %w", err)
	}
	return nil
}
