package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-integrations/core"
)

const integrationCacheKeyPrefix = "go-integrations::integration::v1"

// CachedIntegrationStore fronts an IntegrationStore with a read-through
// cache on the by-id lookup, invalidated on every write. List reads go
// straight to the base store.
type CachedIntegrationStore struct {
	base  core.IntegrationStore
	cache repositorycache.CacheService
}

func NewCachedIntegrationStore(
	base core.IntegrationStore,
	cacheService repositorycache.CacheService,
) (*CachedIntegrationStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base integration store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: integration cache service is required")
	}
	return &CachedIntegrationStore{base: base, cache: cacheService}, nil
}

// IntegrationCacheKey returns the deterministic cache key for by-id reads:
// go-integrations::integration::v1::<id>, id URL-path escaped.
func IntegrationCacheKey(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("sqlstore: integration id is required")
	}
	return integrationCacheKeyPrefix + "::" + url.PathEscape(id), nil
}

func (s *CachedIntegrationStore) Create(ctx context.Context, integration *core.Integration) (*core.Integration, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached integration store is not configured")
	}
	return s.base.Create(ctx, integration)
}

func (s *CachedIntegrationStore) CreateWithCredential(
	ctx context.Context,
	integration *core.Integration,
	credential *core.Credential,
) (*core.Integration, *core.Credential, error) {
	if s == nil || s.base == nil {
		return nil, nil, fmt.Errorf("sqlstore: cached integration store is not configured")
	}
	return s.base.CreateWithCredential(ctx, integration, credential)
}

func (s *CachedIntegrationStore) GetByID(ctx context.Context, id string) (*core.Integration, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return nil, fmt.Errorf("sqlstore: cached integration store is not configured")
	}
	cacheKey, err := IntegrationCacheKey(id)
	if err != nil {
		return nil, err
	}
	integration, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (*core.Integration, error) {
		return s.base.GetByID(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return integration, nil
}

func (s *CachedIntegrationStore) GetByOrganizationAndType(
	ctx context.Context,
	organizationID string,
	connectorType core.ConnectorType,
) (*core.Integration, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached integration store is not configured")
	}
	return s.base.GetByOrganizationAndType(ctx, organizationID, connectorType)
}

func (s *CachedIntegrationStore) GetByOrganizationTypeAndStatus(
	ctx context.Context,
	organizationID string,
	connectorType core.ConnectorType,
	status core.IntegrationStatus,
) (*core.Integration, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached integration store is not configured")
	}
	return s.base.GetByOrganizationTypeAndStatus(ctx, organizationID, connectorType, status)
}

func (s *CachedIntegrationStore) GetByBotID(ctx context.Context, botID string) (*core.Integration, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached integration store is not configured")
	}
	return s.base.GetByBotID(ctx, botID)
}

func (s *CachedIntegrationStore) ListByOrganization(ctx context.Context, organizationID string) ([]*core.Integration, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached integration store is not configured")
	}
	return s.base.ListByOrganization(ctx, organizationID)
}

func (s *CachedIntegrationStore) Update(ctx context.Context, integration *core.Integration) (*core.Integration, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached integration store is not configured")
	}
	updated, err := s.base.Update(ctx, integration)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, updated.ID)
	return updated, nil
}

func (s *CachedIntegrationStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.base == nil {
		return fmt.Errorf("sqlstore: cached integration store is not configured")
	}
	if err := s.base.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

// ListOrphaned passes through when the base store supports the repair
// sweep.
func (s *CachedIntegrationStore) ListOrphaned(ctx context.Context, olderThan time.Time) ([]*core.Integration, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached integration store is not configured")
	}
	lister, ok := s.base.(interface {
		ListOrphaned(ctx context.Context, olderThan time.Time) ([]*core.Integration, error)
	})
	if !ok {
		return nil, nil
	}
	return lister.ListOrphaned(ctx, olderThan)
}

func (s *CachedIntegrationStore) invalidate(ctx context.Context, id string) {
	if s.cache == nil {
		return
	}
	cacheKey, err := IntegrationCacheKey(id)
	if err != nil {
		return
	}
	_ = s.cache.Delete(ctx, cacheKey)
}

var _ core.IntegrationStore = (*CachedIntegrationStore)(nil)
