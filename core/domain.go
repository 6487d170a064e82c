package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidConnectorType               = errors.New("core: invalid connector type")
	ErrInvalidIntegrationStatusTransition = errors.New("core: invalid integration status transition")
	ErrIntegrationNotFound                = errors.New("core: integration not found")
	ErrCredentialNotFound                 = errors.New("core: credential not found")
)

type ConnectorType string

const (
	ConnectorTypeMessaging     ConnectorType = "messaging"
	ConnectorTypeSourceControl ConnectorType = "source-control"
	ConnectorTypeCloudProvider ConnectorType = "cloud-provider"
)

func (t ConnectorType) Validate() error {
	switch t {
	case ConnectorTypeMessaging, ConnectorTypeSourceControl, ConnectorTypeCloudProvider:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidConnectorType, string(t))
}

func ParseConnectorType(value string) (ConnectorType, error) {
	parsed := ConnectorType(strings.TrimSpace(strings.ToLower(value)))
	if err := parsed.Validate(); err != nil {
		return "", err
	}
	return parsed, nil
}

type IntegrationStatus string

const (
	IntegrationStatusActive    IntegrationStatus = "active"
	IntegrationStatusSuspended IntegrationStatus = "suspended"
	IntegrationStatusError     IntegrationStatus = "error"
	IntegrationStatusDeleted   IntegrationStatus = "deleted"
)

// Integration is the persisted record of one organization having connected
// one connector type. At most one non-deleted row may exist per
// (OrganizationID, ConnectorType); the storage layer enforces this with a
// unique constraint, not just a preceding read.
type Integration struct {
	ID                      string
	OrganizationID          string
	UserID                  string
	ConnectorType           ConnectorType
	Status                  IntegrationStatus
	BotID                   string
	ConnectorUserID         string
	ConnectorOrganizationID string
	Metadata                map[string]string
	CreatedAt               time.Time
	UpdatedAt               time.Time
	LastUsedAt              *time.Time
}

func (i *Integration) TransitionTo(status IntegrationStatus, now time.Time) error {
	if i == nil {
		return nil
	}
	if i.Status == status {
		i.UpdatedAt = now
		return nil
	}
	if !integrationTransitionAllowed(i.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidIntegrationStatusTransition, i.Status, status)
	}
	i.Status = status
	i.UpdatedAt = now
	return nil
}

func integrationTransitionAllowed(current, next IntegrationStatus) bool {
	allowed := map[IntegrationStatus]map[IntegrationStatus]struct{}{
		IntegrationStatusActive: {
			IntegrationStatusSuspended: {},
			IntegrationStatusError:     {},
			IntegrationStatusDeleted:   {},
		},
		IntegrationStatusSuspended: {
			IntegrationStatusActive:  {},
			IntegrationStatusDeleted: {},
		},
		IntegrationStatusError: {
			IntegrationStatusActive:    {},
			IntegrationStatusSuspended: {},
			IntegrationStatusDeleted:   {},
		},
		IntegrationStatusDeleted: {},
	}
	_, ok := allowed[current][next]
	return ok
}

type CredentialType string

const (
	CredentialTypeDelegatedToken       CredentialType = "delegated-token"
	CredentialTypeInstallationToken    CredentialType = "installation-token"
	CredentialTypeServiceAccountSecret CredentialType = "service-account-secret"
)

// Credential is the secret material backing one Integration. Data holds the
// decrypted payload and exists in memory only; EncryptedData is what the
// store persists, tagged with the encryption key that produced it.
//
// Data must never be logged or included in API responses.
type Credential struct {
	ID              string
	IntegrationID   string
	Type            CredentialType
	Data            map[string]string
	EncryptedData   []byte
	ExpiresAt       *time.Time
	EncryptionKeyID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type IntentType string

const (
	IntentTypeRedirect        IntentType = "redirect"
	IntentTypeStructuredInput IntentType = "structured-input"
)

// AuthorizationIntent is the ephemeral next-step contract returned to the
// caller: either follow a provider redirect URL, or submit a structured
// secret document directly.
type AuthorizationIntent struct {
	Type  IntentType
	URL   string
	State string
}

// OrganizationInfo carries the provider-side identity discovered while
// completing authorization.
type OrganizationInfo struct {
	ExternalOrganizationID string
	ExternalUserID         string
	BotID                  string
	Metadata               map[string]string
}

// Credentials is the transient result of a connector's completion step,
// normalized across the three trust-establishment protocols.
type Credentials struct {
	Type             CredentialType
	Data             map[string]string
	ExpiresAt        *time.Time
	OrganizationInfo *OrganizationInfo
}

// AuthorizationGrant is the protocol-specific proof a connector needs to
// complete authorization. Exactly one concrete variant applies per
// connector type; illegal combinations are unrepresentable.
type AuthorizationGrant interface {
	grantKind() string
}

// CodeGrant carries the delegated authorization code and the correlation
// state round-tripped through the provider redirect.
type CodeGrant struct {
	Code  string
	State string
}

func (CodeGrant) grantKind() string { return "code" }

// InstallationClaim identifies a provider App installation to claim.
type InstallationClaim struct {
	InstallationID string
	State          string
}

func (InstallationClaim) grantKind() string { return "installation" }

// SecretDocument carries a pre-issued secret document submitted directly by
// the caller (no provider round-trip).
type SecretDocument struct {
	Raw []byte
}

func (SecretDocument) grantKind() string { return "secret-document" }

// Event is a normalized provider event pushed by a connector's
// subscription loop. Concrete event types live with their connectors.
type Event interface {
	EventType() string
	Connector() ConnectorType
}

func copyStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func cloneTimePointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := value.UTC()
	return &clone
}
