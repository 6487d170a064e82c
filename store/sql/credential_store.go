package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-integrations/core"
)

// CredentialStore persists encrypted credential rows, one per integration.
type CredentialStore struct {
	db   *bun.DB
	repo repository.Repository[*credentialRecord]
}

func (s *CredentialStore) Create(ctx context.Context, credential *core.Credential) (*core.Credential, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: credential store is not configured")
	}
	if credential == nil {
		return nil, fmt.Errorf("sqlstore: credential is required")
	}
	if strings.TrimSpace(credential.IntegrationID) == "" {
		return nil, core.NewValidationError("sqlstore: integration id is required")
	}
	if len(credential.EncryptedData) == 0 {
		return nil, core.NewValidationError("sqlstore: encrypted credential data is required")
	}

	created, err := s.repo.Create(ctx, newCredentialRecord(credential, time.Now().UTC()))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, core.NewConflictError(fmt.Sprintf(
				"credential already exists for integration %s", credential.IntegrationID))
		}
		return nil, core.NewStorageError("sqlstore: persist credential", err)
	}
	return created.toDomain(), nil
}

func (s *CredentialStore) GetByIntegrationID(ctx context.Context, integrationID string) (*core.Credential, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: credential store is not configured")
	}
	integrationID = strings.TrimSpace(integrationID)
	if integrationID == "" {
		return nil, core.NewValidationError("sqlstore: integration id is required")
	}

	records, _, err := s.repo.List(ctx,
		repository.SelectBy("integration_id", "=", integrationID),
	)
	if err != nil {
		return nil, core.NewStorageError("sqlstore: get credential", err)
	}
	if len(records) == 0 {
		return nil, core.NewNotFoundError(fmt.Sprintf(
			"sqlstore: no credential for integration %s", integrationID))
	}
	return records[0].toDomain(), nil
}

func (s *CredentialStore) Update(ctx context.Context, credential *core.Credential) (*core.Credential, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: credential store is not configured")
	}
	if credential == nil {
		return nil, fmt.Errorf("sqlstore: credential is required")
	}
	id := strings.TrimSpace(credential.ID)
	if id == "" {
		return nil, core.NewValidationError("sqlstore: credential id is required")
	}

	record := newCredentialRecord(credential, time.Now().UTC())
	record.UpdatedAt = time.Now().UTC()
	updated, err := s.repo.Update(ctx, record, repository.UpdateByID(id))
	if err != nil {
		if isNoRows(err) {
			return nil, core.NewNotFoundError(fmt.Sprintf("sqlstore: credential %s not found", id))
		}
		return nil, core.NewStorageError("sqlstore: update credential", err)
	}
	return updated.toDomain(), nil
}

func (s *CredentialStore) Delete(ctx context.Context, integrationID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: credential store is not configured")
	}
	integrationID = strings.TrimSpace(integrationID)
	if integrationID == "" {
		return core.NewValidationError("sqlstore: integration id is required")
	}

	result, err := s.db.NewDelete().
		Model((*credentialRecord)(nil)).
		Where("integration_id = ?", integrationID).
		Exec(ctx)
	if err != nil {
		return core.NewStorageError("sqlstore: delete credential", err)
	}
	if affected, affectedErr := result.RowsAffected(); affectedErr == nil && affected == 0 {
		return core.NewNotFoundError(fmt.Sprintf(
			"sqlstore: no credential for integration %s", integrationID))
	}
	return nil
}

func (s *CredentialStore) ListExpiring(ctx context.Context, before time.Time) ([]*core.Credential, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: credential store is not configured")
	}
	if before.IsZero() {
		return nil, core.NewValidationError("sqlstore: expiry bound is required")
	}

	records, _, err := s.repo.List(ctx,
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("?TableAlias.expires_at IS NOT NULL").
				Where("?TableAlias.expires_at < ?", before.UTC())
		}),
		repository.OrderBy("expires_at ASC"),
	)
	if err != nil {
		return nil, core.NewStorageError("sqlstore: list expiring credentials", err)
	}

	out := make([]*core.Credential, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

var _ core.CredentialStore = (*CredentialStore)(nil)
