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

// IntegrationStore is the bun-backed core.IntegrationStore. The
// integrations table carries a partial unique index on
// (organization_id, connector_type) over non-deleted rows; insert
// conflicts are surfaced as ConflictError so a racing authorize loses
// cleanly.
type IntegrationStore struct {
	db   *bun.DB
	repo repository.Repository[*integrationRecord]
}

func (s *IntegrationStore) Create(ctx context.Context, integration *core.Integration) (*core.Integration, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: integration store is not configured")
	}
	if integration == nil {
		return nil, fmt.Errorf("sqlstore: integration is required")
	}

	record := newIntegrationRecord(integration, time.Now().UTC())
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		return nil, s.mapWriteError(err, integration)
	}
	return created.toDomain(), nil
}

// CreateWithCredential inserts the integration and its credential in one
// transaction. A crash or failure between the two writes leaves nothing
// behind.
func (s *IntegrationStore) CreateWithCredential(
	ctx context.Context,
	integration *core.Integration,
	credential *core.Credential,
) (*core.Integration, *core.Credential, error) {
	if s == nil || s.repo == nil || s.db == nil {
		return nil, nil, fmt.Errorf("sqlstore: integration store is not configured")
	}
	if integration == nil {
		return nil, nil, fmt.Errorf("sqlstore: integration is required")
	}
	if credential == nil {
		return nil, nil, fmt.Errorf("sqlstore: credential is required")
	}
	if strings.TrimSpace(credential.IntegrationID) == "" {
		credential.IntegrationID = integration.ID
	}

	now := time.Now().UTC()
	credentialRepo := repository.NewRepository[*credentialRecord](s.db, credentialHandlers())

	var storedIntegration *integrationRecord
	var storedCredential *credentialRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		inserted, insertErr := s.repo.CreateTx(ctx, tx, newIntegrationRecord(integration, now))
		if insertErr != nil {
			return insertErr
		}
		storedIntegration = inserted

		credential.IntegrationID = inserted.ID
		insertedCredential, insertErr := credentialRepo.CreateTx(ctx, tx, newCredentialRecord(credential, now))
		if insertErr != nil {
			return insertErr
		}
		storedCredential = insertedCredential
		return nil
	})
	if err != nil {
		return nil, nil, s.mapWriteError(err, integration)
	}
	return storedIntegration.toDomain(), storedCredential.toDomain(), nil
}

func (s *IntegrationStore) GetByID(ctx context.Context, id string) (*core.Integration, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: integration store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, core.NewValidationError("sqlstore: integration id is required")
	}
	record, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if isNoRows(err) {
			return nil, core.NewNotFoundError(fmt.Sprintf("sqlstore: integration %s not found", id))
		}
		return nil, core.NewStorageError("sqlstore: get integration", err)
	}
	return record.toDomain(), nil
}

func (s *IntegrationStore) GetByOrganizationAndType(
	ctx context.Context,
	organizationID string,
	connectorType core.ConnectorType,
) (*core.Integration, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: integration store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("organization_id", "=", strings.TrimSpace(organizationID)),
		repository.SelectBy("connector_type", "=", string(connectorType)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.deleted_at IS NULL")
		}),
		repository.OrderBy("created_at DESC"),
	)
	if err != nil {
		return nil, core.NewStorageError("sqlstore: find integration by organization and type", err)
	}
	if len(records) == 0 {
		return nil, core.NewNotFoundError(fmt.Sprintf(
			"sqlstore: no %s integration for organization %s", connectorType, organizationID))
	}
	return records[0].toDomain(), nil
}

func (s *IntegrationStore) GetByOrganizationTypeAndStatus(
	ctx context.Context,
	organizationID string,
	connectorType core.ConnectorType,
	status core.IntegrationStatus,
) (*core.Integration, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: integration store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("organization_id", "=", strings.TrimSpace(organizationID)),
		repository.SelectBy("connector_type", "=", string(connectorType)),
		repository.SelectBy("status", "=", string(status)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.deleted_at IS NULL")
		}),
		repository.OrderBy("created_at DESC"),
	)
	if err != nil {
		return nil, core.NewStorageError("sqlstore: find integration by organization, type and status", err)
	}
	if len(records) == 0 {
		return nil, core.NewNotFoundError(fmt.Sprintf(
			"sqlstore: no %s %s integration for organization %s", status, connectorType, organizationID))
	}
	return records[0].toDomain(), nil
}

func (s *IntegrationStore) GetByBotID(ctx context.Context, botID string) (*core.Integration, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: integration store is not configured")
	}
	botID = strings.TrimSpace(botID)
	if botID == "" {
		return nil, core.NewValidationError("sqlstore: bot id is required")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("bot_id", "=", botID),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.deleted_at IS NULL")
		}),
		repository.OrderBy("created_at DESC"),
	)
	if err != nil {
		return nil, core.NewStorageError("sqlstore: find integration by bot id", err)
	}
	if len(records) == 0 {
		return nil, core.NewNotFoundError(fmt.Sprintf("sqlstore: no integration for bot %s", botID))
	}
	return records[0].toDomain(), nil
}

func (s *IntegrationStore) ListByOrganization(ctx context.Context, organizationID string) ([]*core.Integration, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: integration store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("organization_id", "=", strings.TrimSpace(organizationID)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.deleted_at IS NULL")
		}),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, core.NewStorageError("sqlstore: list integrations", err)
	}

	out := make([]*core.Integration, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// ListOrphaned returns non-deleted integrations created before the cutoff
// that have no credential row. Feeds the repair sweep.
func (s *IntegrationStore) ListOrphaned(ctx context.Context, olderThan time.Time) ([]*core.Integration, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: integration store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("?TableAlias.deleted_at IS NULL").
				Where("?TableAlias.created_at < ?", olderThan).
				Where("NOT EXISTS (SELECT 1 FROM credentials cr WHERE cr.integration_id = ?TableAlias.id)")
		}),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, core.NewStorageError("sqlstore: list orphaned integrations", err)
	}

	out := make([]*core.Integration, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *IntegrationStore) Update(ctx context.Context, integration *core.Integration) (*core.Integration, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: integration store is not configured")
	}
	if integration == nil {
		return nil, fmt.Errorf("sqlstore: integration is required")
	}
	id := strings.TrimSpace(integration.ID)
	if id == "" {
		return nil, core.NewValidationError("sqlstore: integration id is required")
	}

	record := newIntegrationRecord(integration, time.Now().UTC())
	record.UpdatedAt = time.Now().UTC()
	updated, err := s.repo.Update(ctx, record, repository.UpdateByID(id))
	if err != nil {
		if isNoRows(err) {
			return nil, core.NewNotFoundError(fmt.Sprintf("sqlstore: integration %s not found", id))
		}
		return nil, core.NewStorageError("sqlstore: update integration", err)
	}
	return updated.toDomain(), nil
}

// Delete hard-deletes the row. Revocation removes local state entirely
// rather than tombstoning it, so a later authorize can insert fresh.
func (s *IntegrationStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: integration store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.NewValidationError("sqlstore: integration id is required")
	}

	result, err := s.db.NewDelete().
		Model((*integrationRecord)(nil)).
		Where("id = ?", id).
		ForceDelete().
		Exec(ctx)
	if err != nil {
		return core.NewStorageError("sqlstore: delete integration", err)
	}
	if affected, affectedErr := result.RowsAffected(); affectedErr == nil && affected == 0 {
		return core.NewNotFoundError(fmt.Sprintf("sqlstore: integration %s not found", id))
	}
	return nil
}

func (s *IntegrationStore) mapWriteError(err error, integration *core.Integration) error {
	if isUniqueViolation(err) {
		return core.NewConflictError(fmt.Sprintf(
			"integration already exists for connector type %s in organization %s",
			integration.ConnectorType, integration.OrganizationID,
		))
	}
	return core.NewStorageError("sqlstore: persist integration", err)
}

var _ core.IntegrationStore = (*IntegrationStore)(nil)
