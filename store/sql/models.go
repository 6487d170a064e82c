package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type integrationRecord struct {
	bun.BaseModel `bun:"table:integrations,alias:it"`

	ID                      string            `bun:"id,pk"`
	OrganizationID          string            `bun:"organization_id,notnull"`
	UserID                  string            `bun:"user_id,notnull"`
	ConnectorType           string            `bun:"connector_type,notnull"`
	Status                  string            `bun:"status,notnull"`
	BotID                   string            `bun:"bot_id"`
	ConnectorUserID         string            `bun:"connector_user_id"`
	ConnectorOrganizationID string            `bun:"connector_organization_id"`
	Metadata                map[string]string `bun:"metadata,type:jsonb,notnull"`
	CreatedAt               time.Time         `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt               time.Time         `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	LastUsedAt              *time.Time        `bun:"last_used_at,nullzero"`
	DeletedAt               *time.Time        `bun:"deleted_at,soft_delete"`
}

type credentialRecord struct {
	bun.BaseModel `bun:"table:credentials,alias:cr"`

	ID              string     `bun:"id,pk"`
	IntegrationID   string     `bun:"integration_id,notnull,unique"`
	CredentialType  string     `bun:"credential_type,notnull"`
	EncryptedData   []byte     `bun:"credential_data_encrypted,notnull"`
	ExpiresAt       *time.Time `bun:"expires_at,nullzero"`
	EncryptionKeyID string     `bun:"encryption_key_id,notnull"`
	CreatedAt       time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt       time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
