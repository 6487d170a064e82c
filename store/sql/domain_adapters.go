package sqlstore

import (
	"time"

	"github.com/goliatone/go-integrations/core"
)

func newIntegrationRecord(in *core.Integration, now time.Time) *integrationRecord {
	record := &integrationRecord{
		ID:                      in.ID,
		OrganizationID:          in.OrganizationID,
		UserID:                  in.UserID,
		ConnectorType:           string(in.ConnectorType),
		Status:                  string(in.Status),
		BotID:                   in.BotID,
		ConnectorUserID:         in.ConnectorUserID,
		ConnectorOrganizationID: in.ConnectorOrganizationID,
		Metadata:                copyMetadata(in.Metadata),
		CreatedAt:               in.CreatedAt,
		UpdatedAt:               in.UpdatedAt,
		LastUsedAt:              copyTimePointer(in.LastUsedAt),
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}
	return record
}

func (r *integrationRecord) toDomain() *core.Integration {
	if r == nil {
		return nil
	}
	return &core.Integration{
		ID:                      r.ID,
		OrganizationID:          r.OrganizationID,
		UserID:                  r.UserID,
		ConnectorType:           core.ConnectorType(r.ConnectorType),
		Status:                  core.IntegrationStatus(r.Status),
		BotID:                   r.BotID,
		ConnectorUserID:         r.ConnectorUserID,
		ConnectorOrganizationID: r.ConnectorOrganizationID,
		Metadata:                copyMetadata(r.Metadata),
		CreatedAt:               r.CreatedAt,
		UpdatedAt:               r.UpdatedAt,
		LastUsedAt:              copyTimePointer(r.LastUsedAt),
	}
}

func newCredentialRecord(in *core.Credential, now time.Time) *credentialRecord {
	record := &credentialRecord{
		ID:              in.ID,
		IntegrationID:   in.IntegrationID,
		CredentialType:  string(in.Type),
		EncryptedData:   append([]byte(nil), in.EncryptedData...),
		ExpiresAt:       copyTimePointer(in.ExpiresAt),
		EncryptionKeyID: in.EncryptionKeyID,
		CreatedAt:       in.CreatedAt,
		UpdatedAt:       in.UpdatedAt,
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}
	return record
}

func (r *credentialRecord) toDomain() *core.Credential {
	if r == nil {
		return nil
	}
	return &core.Credential{
		ID:              r.ID,
		IntegrationID:   r.IntegrationID,
		Type:            core.CredentialType(r.CredentialType),
		EncryptedData:   append([]byte(nil), r.EncryptedData...),
		ExpiresAt:       copyTimePointer(r.ExpiresAt),
		EncryptionKeyID: r.EncryptionKeyID,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func copyTimePointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
