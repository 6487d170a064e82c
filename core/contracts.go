package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Connector adapts one external provider's trust-establishment protocol to
// the orchestrator's lifecycle. Implementations must be safe for
// concurrent use.
type Connector interface {
	// Type reports the connector type this implementation serves.
	Type() ConnectorType

	// InitiateAuthorization begins trust establishment for the given
	// organization and user, returning the next step the caller must take.
	InitiateAuthorization(ctx context.Context, organizationID, userID string) (*AuthorizationIntent, error)

	// ParseState recovers the originating organization and user from an
	// opaque correlation token previously issued by InitiateAuthorization.
	ParseState(state string) (organizationID, userID string, err error)

	// CompleteAuthorization exchanges a protocol-specific grant for
	// normalized credentials plus the provider-side identity.
	CompleteAuthorization(ctx context.Context, grant AuthorizationGrant) (*Credentials, error)

	// ValidateCredentials confirms the stored material still works against
	// the live provider.
	ValidateCredentials(ctx context.Context, creds *Credentials) error

	// RefreshCredentials exchanges expiring material for fresh material.
	// Connectors whose credentials do not expire return the input unchanged.
	RefreshCredentials(ctx context.Context, creds *Credentials) (*Credentials, error)

	// RevokeCredentials invalidates the material provider-side. A provider
	// that reports the grant as already gone is treated as success.
	RevokeCredentials(ctx context.Context, creds *Credentials) error

	// ConfigureWebhooks performs provider-side event delivery setup for an
	// authorized integration. Connectors with app-level webhook routing
	// treat this as a no-op.
	ConfigureWebhooks(ctx context.Context, integration *Integration, creds *Credentials) error

	// ValidateWebhookSignature authenticates an inbound delivery against
	// the connector's shared webhook secret.
	ValidateWebhookSignature(header WebhookHeader, body []byte) error

	// Subscribe runs the connector's event loop until ctx is done,
	// publishing normalized events to the sink.
	Subscribe(ctx context.Context, sink EventSink) error

	// Sync pulls provider-side reference data for one integration.
	Sync(ctx context.Context, integration *Integration, creds *Credentials) error
}

// WebhookHeader carries the transport metadata needed to authenticate a
// delivery without coupling connectors to any HTTP framework.
type WebhookHeader struct {
	Signature string
	Timestamp string
	Event     string
	Delivery  string
}

// EventSink receives normalized events from connector subscription loops.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(ctx context.Context, event Event) error

func (f EventSinkFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Cipher seals and opens credential payloads at rest. Implementations must
// be non-passthrough: ciphertext never equals plaintext.
type Cipher interface {
	Encrypt(plaintext []byte) (ciphertext []byte, keyID string, err error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// StateCodec issues and verifies the opaque correlation tokens that bind a
// provider round-trip back to the originating organization and user.
type StateCodec interface {
	Encode(organizationID, userID string, issuedAt time.Time) (string, error)
	Decode(state string) (organizationID, userID string, issuedAt time.Time, err error)
}

// IdentityResolver validates that the organization and user recovered from
// a correlation token exist on the platform before anything is persisted.
type IdentityResolver interface {
	ResolveOrganization(ctx context.Context, organizationID string) error
	ResolveUser(ctx context.Context, organizationID, userID string) error
}

// NopIdentityResolver accepts any non-empty identifiers.
type NopIdentityResolver struct{}

func (NopIdentityResolver) ResolveOrganization(_ context.Context, organizationID string) error {
	if strings.TrimSpace(organizationID) == "" {
		return fmt.Errorf("core: organization id is required")
	}
	return nil
}

func (NopIdentityResolver) ResolveUser(_ context.Context, organizationID, userID string) error {
	if strings.TrimSpace(organizationID) == "" {
		return fmt.Errorf("core: organization id is required")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("core: user id is required")
	}
	return nil
}

var _ IdentityResolver = NopIdentityResolver{}

// SecretSource resolves per-connector webhook signing secrets from outside
// the connector configs, typically a metadata store. The webhook dispatcher
// consults it before falling back to each connector's configured secret.
type SecretSource interface {
	SigningSecret(ctx context.Context, connectorType ConnectorType) (string, error)
}

// StaticSecretSource serves one connector-level secret per type.
type StaticSecretSource map[ConnectorType]string

func (s StaticSecretSource) SigningSecret(_ context.Context, connectorType ConnectorType) (string, error) {
	secret, ok := s[connectorType]
	if !ok || strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("core: no signing secret for connector %q", connectorType)
	}
	return secret, nil
}

var _ SecretSource = StaticSecretSource{}

// IntegrationStore persists integrations. Create enforces the one active
// integration per (organization, connector type) rule at the storage level.
type IntegrationStore interface {
	Create(ctx context.Context, integration *Integration) (*Integration, error)
	// CreateWithCredential inserts the integration and its credential
	// atomically; neither row exists if either insert fails.
	CreateWithCredential(ctx context.Context, integration *Integration, credential *Credential) (*Integration, *Credential, error)
	GetByID(ctx context.Context, id string) (*Integration, error)
	GetByOrganizationAndType(ctx context.Context, organizationID string, connectorType ConnectorType) (*Integration, error)
	GetByOrganizationTypeAndStatus(ctx context.Context, organizationID string, connectorType ConnectorType, status IntegrationStatus) (*Integration, error)
	// GetByBotID resolves the integration that owns a provider-assigned
	// bot identity, for correlating inbound provider events.
	GetByBotID(ctx context.Context, botID string) (*Integration, error)
	ListByOrganization(ctx context.Context, organizationID string) ([]*Integration, error)
	Update(ctx context.Context, integration *Integration) (*Integration, error)
	Delete(ctx context.Context, id string) error
}

// CredentialStore persists encrypted credential material keyed 1:1 by
// integration.
type CredentialStore interface {
	Create(ctx context.Context, credential *Credential) (*Credential, error)
	GetByIntegrationID(ctx context.Context, integrationID string) (*Credential, error)
	Update(ctx context.Context, credential *Credential) (*Credential, error)
	Delete(ctx context.Context, integrationID string) error
	// ListExpiring returns credentials whose expiry falls before the
	// given instant, for proactive refresh sweeps.
	ListExpiring(ctx context.Context, before time.Time) ([]*Credential, error)
}
