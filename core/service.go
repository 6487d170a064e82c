package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	glog "github.com/goliatone/go-logger/glog"
)

// Service is the authorization orchestrator: it drives each integration
// attempt from intent through credential persistence, and owns the
// organization-scoped read and revoke paths. Mutating operations run on a
// request-per-call model; Subscribe is the one long-lived operation.
type Service struct {
	config          Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorMapper     ErrorMapper
	registry        *ConnectorRegistry
	integrations    IntegrationStore
	credentials     CredentialStore
	cipher          Cipher
	states          StateCodec
	identities      IdentityResolver
	secrets         SecretSource
	sink            EventSink
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	builder := serviceBuilder{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve(cfg.ServiceName, builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger(cfg.ServiceName); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = integrationErrorMapper
	}
	if builder.registry == nil {
		builder.registry = NewConnectorRegistry()
	}
	if builder.stateCodec == nil {
		builder.stateCodec = NewTokenStateCodec(cfg.State.SigningSecret, cfg.State.TTL)
	}
	if builder.identityResolver == nil {
		builder.identityResolver = NopIdentityResolver{}
	}
	if builder.integrationStore == nil {
		return nil, fmt.Errorf("core: integration store is required")
	}
	if builder.credentialStore == nil {
		return nil, fmt.Errorf("core: credential store is required")
	}
	if builder.cipher == nil {
		return nil, fmt.Errorf("core: cipher is required")
	}

	return &Service{
		config:          cfg,
		logger:          logger,
		loggerProvider:  provider,
		metricsRecorder: builder.metricsRecorder,
		errorMapper:     builder.errorMapper,
		registry:        builder.registry,
		integrations:    builder.integrationStore,
		credentials:     builder.credentialStore,
		cipher:          builder.cipher,
		states:          builder.stateCodec,
		identities:      builder.identityResolver,
		secrets:         builder.secretSource,
		sink:            builder.eventSink,
	}, nil
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Registry() *ConnectorRegistry {
	if s == nil {
		return nil
	}
	return s.registry
}

func (s *Service) StateCodec() StateCodec {
	if s == nil {
		return nil
	}
	return s.states
}

func (s *Service) SecretSource() SecretSource {
	if s == nil {
		return nil
	}
	return s.secrets
}

type NewIntegrationRequest struct {
	OrganizationID string
	UserID         string
	ConnectorType  ConnectorType
}

// NewIntegration begins an integration attempt. It rejects early when a
// live integration already exists for the (organization, connector type)
// pair, then delegates to the connector's initiation step.
func (s *Service) NewIntegration(ctx context.Context, req NewIntegrationRequest) (intent *AuthorizationIntent, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"connector_type":  req.ConnectorType,
		"organization_id": req.OrganizationID,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "new_integration", err, fields)
	}()

	organizationID := strings.TrimSpace(req.OrganizationID)
	userID := strings.TrimSpace(req.UserID)
	if organizationID == "" {
		err = NewValidationError("core: organization id is required")
		return nil, err
	}
	if userID == "" {
		err = NewValidationError("core: user id is required")
		return nil, err
	}
	if validateErr := req.ConnectorType.Validate(); validateErr != nil {
		err = NewValidationError(validateErr.Error())
		return nil, err
	}

	connector, err := s.resolveConnector(req.ConnectorType)
	if err != nil {
		return nil, err
	}

	if conflictErr := s.assertNoLiveIntegration(ctx, organizationID, req.ConnectorType); conflictErr != nil {
		err = conflictErr
		return nil, err
	}

	intent, initErr := connector.InitiateAuthorization(ctx, organizationID, userID)
	if initErr != nil {
		err = s.mapError(initErr)
		return nil, err
	}
	return intent, nil
}

type AuthorizeIntegrationRequest struct {
	ConnectorType ConnectorType
	Grant         AuthorizationGrant

	// OrganizationID and UserID are required only for grants that carry no
	// correlation state (pre-issued secret documents); otherwise both are
	// recovered from the state token.
	OrganizationID string
	UserID         string
}

// AuthorizeIntegration completes an integration attempt: it exchanges the
// grant for credentials, recovers and validates the originating identity,
// and persists the Integration and its encrypted Credential in one
// transaction. The storage unique constraint is the final arbiter of the
// one-per-(organization, connector type) rule.
func (s *Service) AuthorizeIntegration(ctx context.Context, req AuthorizeIntegrationRequest) (integration *Integration, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"connector_type": req.ConnectorType,
	}
	defer func() {
		if integration != nil {
			fields["integration_id"] = integration.ID
		}
		s.observeOperation(ctx, startedAt, "authorize_integration", err, fields)
	}()

	if validateErr := req.ConnectorType.Validate(); validateErr != nil {
		err = NewValidationError(validateErr.Error())
		return nil, err
	}
	if req.Grant == nil {
		err = NewValidationError("core: authorization grant is required")
		return nil, err
	}

	connector, err := s.resolveConnector(req.ConnectorType)
	if err != nil {
		return nil, err
	}

	organizationID, userID, identityErr := s.resolveGrantIdentity(connector, req)
	if identityErr != nil {
		err = identityErr
		return nil, err
	}
	fields["organization_id"] = organizationID

	if resolveErr := s.identities.ResolveOrganization(ctx, organizationID); resolveErr != nil {
		err = NewValidationError(resolveErr.Error())
		return nil, err
	}
	if resolveErr := s.identities.ResolveUser(ctx, organizationID, userID); resolveErr != nil {
		err = NewValidationError(resolveErr.Error())
		return nil, err
	}

	// Callbacks can race a concurrent attempt; the read is advisory and the
	// insert conflict below is the backstop.
	if conflictErr := s.assertNoLiveIntegration(ctx, organizationID, req.ConnectorType); conflictErr != nil {
		err = conflictErr
		return nil, err
	}

	creds, completeErr := connector.CompleteAuthorization(ctx, req.Grant)
	if completeErr != nil {
		err = s.mapError(completeErr)
		return nil, err
	}
	if creds == nil || len(creds.Data) == 0 {
		err = NewProviderError("core: connector returned empty credentials", nil)
		return nil, err
	}

	integration, credential, buildErr := s.buildIntegration(organizationID, userID, req.ConnectorType, creds)
	if buildErr != nil {
		err = s.mapError(buildErr)
		return nil, err
	}

	integration, _, storeErr := s.integrations.CreateWithCredential(ctx, integration, credential)
	if storeErr != nil {
		err = s.mapError(storeErr)
		return nil, err
	}
	return integration, nil
}

type ConfigureIntegrationRequest struct {
	ConnectorType  ConnectorType
	InstallationID string
	State          string
}

// ConfigureIntegration is the completion entry point for installation-only
// flows, where the provider redirect carries an installation id but no
// delegated code. It follows the same tail path as AuthorizeIntegration.
func (s *Service) ConfigureIntegration(ctx context.Context, req ConfigureIntegrationRequest) (*Integration, error) {
	installationID := strings.TrimSpace(req.InstallationID)
	if installationID == "" {
		return nil, NewValidationError("core: installation id is required")
	}
	return s.AuthorizeIntegration(ctx, AuthorizeIntegrationRequest{
		ConnectorType: req.ConnectorType,
		Grant: InstallationClaim{
			InstallationID: installationID,
			State:          strings.TrimSpace(req.State),
		},
	})
}

type RevokeIntegrationRequest struct {
	OrganizationID string
	IntegrationID  string
}

// RevocationResult reports the outcome of a revoke: local deletion always
// happened when err is nil; ProviderRevoked records whether the provider
// side also succeeded, with the provider failure preserved for the caller.
type RevocationResult struct {
	Integration     *Integration
	ProviderRevoked bool
	ProviderError   error
}

// RevokeIntegration tears an integration down. Provider-side revocation is
// best effort: its failure is logged and surfaced in the result, never a
// reason to leave local rows behind.
func (s *Service) RevokeIntegration(ctx context.Context, req RevokeIntegrationRequest) (result *RevocationResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"organization_id": req.OrganizationID,
		"integration_id":  req.IntegrationID,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "revoke_integration", err, fields)
	}()

	integration, err := s.Integration(ctx, req.OrganizationID, req.IntegrationID)
	if err != nil {
		return nil, err
	}

	result = &RevocationResult{Integration: integration}

	connector, resolveErr := s.resolveConnector(integration.ConnectorType)
	if resolveErr == nil {
		creds, credsErr := s.loadCredentials(ctx, integration)
		if credsErr == nil {
			if revokeErr := connector.RevokeCredentials(ctx, creds); revokeErr != nil {
				result.ProviderError = s.mapError(revokeErr)
				s.logError(ctx, "provider revocation failed, proceeding with local deletion", map[string]any{
					"integration_id": integration.ID,
					"error":          revokeErr.Error(),
				})
			} else {
				result.ProviderRevoked = true
			}
		} else if !IsNotFound(credsErr) {
			result.ProviderError = s.mapError(credsErr)
		}
	}

	if deleteErr := s.credentials.Delete(ctx, integration.ID); deleteErr != nil && !IsNotFound(deleteErr) {
		err = s.mapError(deleteErr)
		return nil, err
	}
	if deleteErr := s.integrations.Delete(ctx, integration.ID); deleteErr != nil {
		err = s.mapError(deleteErr)
		return nil, err
	}
	return result, nil
}

// Integrations lists the organization's integrations.
func (s *Service) Integrations(ctx context.Context, organizationID string) ([]*Integration, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, NewValidationError("core: organization id is required")
	}
	records, err := s.integrations.ListByOrganization(ctx, organizationID)
	if err != nil {
		return nil, s.mapError(err)
	}
	return records, nil
}

// Integration loads one integration, organization-scoped: a record owned
// by a different organization reads as not found.
func (s *Service) Integration(ctx context.Context, organizationID, integrationID string) (*Integration, error) {
	organizationID = strings.TrimSpace(organizationID)
	integrationID = strings.TrimSpace(integrationID)
	if organizationID == "" {
		return nil, NewValidationError("core: organization id is required")
	}
	if integrationID == "" {
		return nil, NewValidationError("core: integration id is required")
	}

	integration, err := s.integrations.GetByID(ctx, integrationID)
	if err != nil {
		return nil, s.mapError(err)
	}
	if integration.OrganizationID != organizationID {
		return nil, NewNotFoundError(fmt.Sprintf("core: integration %s not found", integrationID))
	}
	return integration, nil
}

type SyncRequest struct {
	OrganizationID string
	IntegrationID  string
}

// Sync runs the connector's reconciliation for one integration and stamps
// LastUsedAt on success.
func (s *Service) Sync(ctx context.Context, req SyncRequest) (err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{
		"organization_id": req.OrganizationID,
		"integration_id":  req.IntegrationID,
	}
	defer func() {
		s.observeOperation(ctx, startedAt, "sync", err, fields)
	}()

	integration, err := s.Integration(ctx, req.OrganizationID, req.IntegrationID)
	if err != nil {
		return err
	}
	connector, err := s.resolveConnector(integration.ConnectorType)
	if err != nil {
		return err
	}
	creds, err := s.loadCredentials(ctx, integration)
	if err != nil {
		return err
	}
	if syncErr := connector.Sync(ctx, integration, creds); syncErr != nil {
		err = s.mapError(syncErr)
		return err
	}

	now := time.Now().UTC()
	integration.LastUsedAt = &now
	integration.UpdatedAt = now
	if _, updateErr := s.integrations.Update(ctx, integration); updateErr != nil {
		err = s.mapError(updateErr)
		return err
	}
	return nil
}

// ConfigureWebhooks performs provider-side delivery setup for an
// authorized integration.
func (s *Service) ConfigureWebhooks(ctx context.Context, organizationID, integrationID string) error {
	integration, err := s.Integration(ctx, organizationID, integrationID)
	if err != nil {
		return err
	}
	connector, err := s.resolveConnector(integration.ConnectorType)
	if err != nil {
		return err
	}
	creds, err := s.loadCredentials(ctx, integration)
	if err != nil {
		return err
	}
	if configureErr := connector.ConfigureWebhooks(ctx, integration, creds); configureErr != nil {
		return s.mapError(configureErr)
	}
	return nil
}

// ExpiringCredentials returns credentials expiring before the given
// instant, feeding the refresh sweep.
func (s *Service) ExpiringCredentials(ctx context.Context, before time.Time) ([]*Credential, error) {
	if before.IsZero() {
		before = time.Now().UTC().Add(s.config.Refresh.ExpiryWindow)
	}
	records, err := s.credentials.ListExpiring(ctx, before)
	if err != nil {
		return nil, s.mapError(err)
	}
	return records, nil
}

// RefreshCredential exchanges an integration's expiring material for fresh
// material and re-encrypts it in place. Connectors whose material does not
// expire make this a no-op.
func (s *Service) RefreshCredential(ctx context.Context, integrationID string) (err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"integration_id": integrationID}
	defer func() {
		s.observeOperation(ctx, startedAt, "refresh_credential", err, fields)
	}()

	integrationID = strings.TrimSpace(integrationID)
	if integrationID == "" {
		err = NewValidationError("core: integration id is required")
		return err
	}

	integration, err := s.integrations.GetByID(ctx, integrationID)
	if err != nil {
		err = s.mapError(err)
		return err
	}
	fields["connector_type"] = integration.ConnectorType

	connector, err := s.resolveConnector(integration.ConnectorType)
	if err != nil {
		return err
	}
	creds, err := s.loadCredentials(ctx, integration)
	if err != nil {
		return err
	}

	refreshed, refreshErr := connector.RefreshCredentials(ctx, creds)
	if refreshErr != nil {
		err = s.mapError(refreshErr)
		return err
	}
	if refreshed == nil {
		return nil
	}

	stored, getErr := s.credentials.GetByIntegrationID(ctx, integration.ID)
	if getErr != nil {
		err = s.mapError(getErr)
		return err
	}

	encrypted, keyID, encryptErr := s.encryptCredentialData(refreshed.Data)
	if encryptErr != nil {
		err = encryptErr
		return err
	}
	stored.EncryptedData = encrypted
	stored.EncryptionKeyID = keyID
	stored.ExpiresAt = cloneTimePointer(refreshed.ExpiresAt)
	stored.UpdatedAt = time.Now().UTC()
	if _, updateErr := s.credentials.Update(ctx, stored); updateErr != nil {
		err = s.mapError(updateErr)
		return err
	}
	return nil
}

// Repair deletes integrations that have no credential and are older than
// the grace period. Such rows can only appear if a crash beat the atomic
// create; they are never valid.
func (s *Service) Repair(ctx context.Context, gracePeriod time.Duration) (removed int, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{}
	defer func() {
		fields["removed"] = removed
		s.observeOperation(ctx, startedAt, "repair", err, fields)
	}()

	if gracePeriod <= 0 {
		gracePeriod = time.Hour
	}
	cutoff := time.Now().UTC().Add(-gracePeriod)

	orphans, listErr := s.listOrphanedIntegrations(ctx, cutoff)
	if listErr != nil {
		err = s.mapError(listErr)
		return 0, err
	}
	for _, orphan := range orphans {
		if deleteErr := s.integrations.Delete(ctx, orphan.ID); deleteErr != nil {
			err = s.mapError(deleteErr)
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Service) listOrphanedIntegrations(ctx context.Context, cutoff time.Time) ([]*Integration, error) {
	lister, ok := s.integrations.(interface {
		ListOrphaned(ctx context.Context, olderThan time.Time) ([]*Integration, error)
	})
	if !ok {
		return nil, nil
	}
	return lister.ListOrphaned(ctx, cutoff)
}

func (s *Service) resolveConnector(connectorType ConnectorType) (Connector, error) {
	connector, err := s.registry.Resolve(connectorType)
	if err != nil {
		return nil, s.mapError(err)
	}
	return connector, nil
}

func (s *Service) resolveGrantIdentity(connector Connector, req AuthorizeIntegrationRequest) (string, string, error) {
	var state string
	switch grant := req.Grant.(type) {
	case CodeGrant:
		if strings.TrimSpace(grant.Code) == "" {
			return "", "", NewValidationError("core: authorization code is required")
		}
		state = grant.State
	case InstallationClaim:
		if strings.TrimSpace(grant.InstallationID) == "" {
			return "", "", NewValidationError("core: installation id is required")
		}
		state = grant.State
	case SecretDocument:
		if len(grant.Raw) == 0 {
			return "", "", NewValidationError("core: secret document is required")
		}
	default:
		return "", "", NewValidationError("core: unsupported authorization grant")
	}

	if strings.TrimSpace(state) != "" {
		organizationID, userID, parseErr := connector.ParseState(state)
		if parseErr != nil {
			return "", "", s.mapError(parseErr)
		}
		return organizationID, userID, nil
	}

	organizationID := strings.TrimSpace(req.OrganizationID)
	userID := strings.TrimSpace(req.UserID)
	if organizationID == "" || userID == "" {
		return "", "", NewValidationError("core: organization and user ids are required when the grant carries no state")
	}
	return organizationID, userID, nil
}

func (s *Service) assertNoLiveIntegration(ctx context.Context, organizationID string, connectorType ConnectorType) error {
	existing, err := s.integrations.GetByOrganizationAndType(ctx, organizationID, connectorType)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return s.mapError(err)
	}
	if existing != nil && existing.Status != IntegrationStatusDeleted {
		return NewConflictError(fmt.Sprintf(
			"integration already exists for connector type %s in organization %s",
			connectorType, organizationID,
		))
	}
	return nil
}

func (s *Service) buildIntegration(organizationID, userID string, connectorType ConnectorType, creds *Credentials) (*Integration, *Credential, error) {
	now := time.Now().UTC()
	integration := &Integration{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		UserID:         userID,
		ConnectorType:  connectorType,
		Status:         IntegrationStatusActive,
		Metadata:       map[string]string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if info := creds.OrganizationInfo; info != nil {
		integration.BotID = info.BotID
		integration.ConnectorUserID = info.ExternalUserID
		integration.ConnectorOrganizationID = info.ExternalOrganizationID
		integration.Metadata = copyStringMap(info.Metadata)
	}

	encrypted, keyID, err := s.encryptCredentialData(creds.Data)
	if err != nil {
		return nil, nil, err
	}

	credential := &Credential{
		ID:              uuid.NewString(),
		IntegrationID:   integration.ID,
		Type:            creds.Type,
		EncryptedData:   encrypted,
		ExpiresAt:       cloneTimePointer(creds.ExpiresAt),
		EncryptionKeyID: keyID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return integration, credential, nil
}

func (s *Service) encryptCredentialData(data map[string]string) ([]byte, string, error) {
	plaintext, err := MarshalCredentialData(data)
	if err != nil {
		return nil, "", NewStorageError("core: marshal credential data", err)
	}
	ciphertext, keyID, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return nil, "", NewStorageError("core: encrypt credential data", err)
	}
	return ciphertext, keyID, nil
}

func (s *Service) loadCredentials(ctx context.Context, integration *Integration) (*Credentials, error) {
	stored, err := s.credentials.GetByIntegrationID(ctx, integration.ID)
	if err != nil {
		return nil, s.mapError(err)
	}
	plaintext, err := s.cipher.Decrypt(stored.EncryptedData)
	if err != nil {
		return nil, NewStorageError("core: decrypt credential data", err)
	}
	data, err := UnmarshalCredentialData(plaintext)
	if err != nil {
		return nil, NewStorageError("core: unmarshal credential data", err)
	}
	return &Credentials{
		Type:      stored.Type,
		Data:      data,
		ExpiresAt: cloneTimePointer(stored.ExpiresAt),
	}, nil
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	mapped := s.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}
