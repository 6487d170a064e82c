package core

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type testCipher struct{}

func (testCipher) Encrypt(plaintext []byte) ([]byte, string, error) {
	if len(plaintext) == 0 {
		return nil, "", fmt.Errorf("test cipher: plaintext is required")
	}
	encoded := base64.StdEncoding.EncodeToString(plaintext)
	return []byte("enc:" + encoded), "test-key", nil
}

func (testCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	value := string(ciphertext)
	if !strings.HasPrefix(value, "enc:") {
		return nil, fmt.Errorf("test cipher: invalid ciphertext")
	}
	return base64.StdEncoding.DecodeString(strings.TrimPrefix(value, "enc:"))
}

type testConnector struct {
	connectorType ConnectorType
	states        StateCodec

	completeFn func(ctx context.Context, grant AuthorizationGrant) (*Credentials, error)
	revokeFn   func(ctx context.Context, creds *Credentials) error
	refreshFn  func(ctx context.Context, creds *Credentials) (*Credentials, error)
	syncFn     func(ctx context.Context, integration *Integration, creds *Credentials) error
	subscribe  func(ctx context.Context, sink EventSink) error
}

func newTestConnector(connectorType ConnectorType, states StateCodec) *testConnector {
	return &testConnector{connectorType: connectorType, states: states}
}

func (c *testConnector) Type() ConnectorType { return c.connectorType }

func (c *testConnector) InitiateAuthorization(_ context.Context, organizationID, userID string) (*AuthorizationIntent, error) {
	state, err := c.states.Encode(organizationID, userID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return &AuthorizationIntent{
		Type:  IntentTypeRedirect,
		URL:   "https://provider.example/authorize?state=" + state,
		State: state,
	}, nil
}

func (c *testConnector) ParseState(state string) (string, string, error) {
	organizationID, userID, _, err := c.states.Decode(state)
	return organizationID, userID, err
}

func (c *testConnector) CompleteAuthorization(ctx context.Context, grant AuthorizationGrant) (*Credentials, error) {
	if c.completeFn != nil {
		return c.completeFn(ctx, grant)
	}
	return &Credentials{
		Type: CredentialTypeDelegatedToken,
		Data: map[string]string{"access_token": "tok_1"},
		OrganizationInfo: &OrganizationInfo{
			ExternalOrganizationID: "ext_org_1",
			ExternalUserID:         "ext_usr_1",
			BotID:                  "bot_1",
		},
	}, nil
}

func (c *testConnector) ValidateCredentials(context.Context, *Credentials) error { return nil }

func (c *testConnector) RefreshCredentials(ctx context.Context, creds *Credentials) (*Credentials, error) {
	if c.refreshFn != nil {
		return c.refreshFn(ctx, creds)
	}
	return creds, nil
}

func (c *testConnector) RevokeCredentials(ctx context.Context, creds *Credentials) error {
	if c.revokeFn != nil {
		return c.revokeFn(ctx, creds)
	}
	return nil
}

func (c *testConnector) ConfigureWebhooks(context.Context, *Integration, *Credentials) error {
	return nil
}

func (c *testConnector) ValidateWebhookSignature(WebhookHeader, []byte) error { return nil }

func (c *testConnector) Subscribe(ctx context.Context, sink EventSink) error {
	if c.subscribe != nil {
		return c.subscribe(ctx, sink)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *testConnector) Sync(ctx context.Context, integration *Integration, creds *Credentials) error {
	if c.syncFn != nil {
		return c.syncFn(ctx, integration, creds)
	}
	return nil
}

type memoryIntegrationStore struct {
	mu    sync.Mutex
	byID  map[string]*Integration
	creds *memoryCredentialStore
}

func newMemoryIntegrationStore() *memoryIntegrationStore {
	return &memoryIntegrationStore{byID: map[string]*Integration{}}
}

func (s *memoryIntegrationStore) Create(_ context.Context, integration *Integration) (*Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(integration)
}

func (s *memoryIntegrationStore) insert(integration *Integration) (*Integration, error) {
	for _, existing := range s.byID {
		if existing.OrganizationID == integration.OrganizationID &&
			existing.ConnectorType == integration.ConnectorType &&
			existing.Status != IntegrationStatusDeleted {
			return nil, NewConflictError(fmt.Sprintf(
				"integration already exists for connector type %s in organization %s",
				integration.ConnectorType, integration.OrganizationID,
			))
		}
	}
	clone := *integration
	s.byID[integration.ID] = &clone
	out := clone
	return &out, nil
}

func (s *memoryIntegrationStore) CreateWithCredential(ctx context.Context, integration *Integration, credential *Credential) (*Integration, *Credential, error) {
	s.mu.Lock()
	created, err := s.insert(integration)
	s.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	if s.creds != nil && credential != nil {
		stored, createErr := s.creds.Create(ctx, credential)
		if createErr != nil {
			return nil, nil, createErr
		}
		return created, stored, nil
	}
	return created, credential, nil
}

func (s *memoryIntegrationStore) ListOrphaned(ctx context.Context, olderThan time.Time) ([]*Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Integration
	for _, record := range s.byID {
		if !record.CreatedAt.Before(olderThan) {
			continue
		}
		if s.creds != nil {
			if _, err := s.creds.GetByIntegrationID(ctx, record.ID); err == nil {
				continue
			}
		}
		clone := *record
		out = append(out, &clone)
	}
	return out, nil
}

func (s *memoryIntegrationStore) GetByID(_ context.Context, id string) (*Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.byID[id]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("integration %s not found", id))
	}
	out := *record
	return &out, nil
}

func (s *memoryIntegrationStore) GetByOrganizationAndType(_ context.Context, organizationID string, connectorType ConnectorType) (*Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.byID {
		if record.OrganizationID == organizationID && record.ConnectorType == connectorType {
			out := *record
			return &out, nil
		}
	}
	return nil, NewNotFoundError("integration not found")
}

func (s *memoryIntegrationStore) GetByOrganizationTypeAndStatus(_ context.Context, organizationID string, connectorType ConnectorType, status IntegrationStatus) (*Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.byID {
		if record.OrganizationID == organizationID && record.ConnectorType == connectorType && record.Status == status {
			out := *record
			return &out, nil
		}
	}
	return nil, NewNotFoundError("integration not found")
}

func (s *memoryIntegrationStore) GetByBotID(_ context.Context, botID string) (*Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.byID {
		if record.BotID == botID {
			out := *record
			return &out, nil
		}
	}
	return nil, NewNotFoundError("integration not found")
}

func (s *memoryIntegrationStore) ListByOrganization(_ context.Context, organizationID string) ([]*Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Integration
	for _, record := range s.byID {
		if record.OrganizationID == organizationID {
			clone := *record
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *memoryIntegrationStore) Update(_ context.Context, integration *Integration) (*Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[integration.ID]; !ok {
		return nil, NewNotFoundError(fmt.Sprintf("integration %s not found", integration.ID))
	}
	clone := *integration
	s.byID[integration.ID] = &clone
	out := clone
	return &out, nil
}

func (s *memoryIntegrationStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return NewNotFoundError(fmt.Sprintf("integration %s not found", id))
	}
	delete(s.byID, id)
	return nil
}

func (s *memoryIntegrationStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

type memoryCredentialStore struct {
	mu              sync.Mutex
	byIntegrationID map[string]*Credential
}

func newMemoryCredentialStore() *memoryCredentialStore {
	return &memoryCredentialStore{byIntegrationID: map[string]*Credential{}}
}

func (s *memoryCredentialStore) Create(_ context.Context, credential *Credential) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *credential
	s.byIntegrationID[credential.IntegrationID] = &clone
	out := clone
	return &out, nil
}

func (s *memoryCredentialStore) GetByIntegrationID(_ context.Context, integrationID string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.byIntegrationID[integrationID]
	if !ok {
		return nil, NewNotFoundError(fmt.Sprintf("credential for integration %s not found", integrationID))
	}
	out := *record
	return &out, nil
}

func (s *memoryCredentialStore) Update(_ context.Context, credential *Credential) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byIntegrationID[credential.IntegrationID]; !ok {
		return nil, NewNotFoundError(fmt.Sprintf("credential for integration %s not found", credential.IntegrationID))
	}
	clone := *credential
	s.byIntegrationID[credential.IntegrationID] = &clone
	out := clone
	return &out, nil
}

func (s *memoryCredentialStore) Delete(_ context.Context, integrationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byIntegrationID[integrationID]; !ok {
		return NewNotFoundError(fmt.Sprintf("credential for integration %s not found", integrationID))
	}
	delete(s.byIntegrationID, integrationID)
	return nil
}

func (s *memoryCredentialStore) ListExpiring(_ context.Context, before time.Time) ([]*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Credential
	for _, record := range s.byIntegrationID {
		if record.ExpiresAt != nil && record.ExpiresAt.Before(before) {
			clone := *record
			out = append(out, &clone)
		}
	}
	return out, nil
}

type testEnv struct {
	service      *Service
	connector    *testConnector
	integrations *memoryIntegrationStore
	credentials  *memoryCredentialStore
}

func newTestEnv(t *testing.T, connectorType ConnectorType, opts ...Option) *testEnv {
	t.Helper()

	cfg := DefaultConfig()
	codec := NewTokenStateCodec("", cfg.State.TTL)
	connector := newTestConnector(connectorType, codec)
	credentials := newMemoryCredentialStore()
	integrations := newMemoryIntegrationStore()
	integrations.creds = credentials

	base := []Option{
		WithConnector(connector),
		WithIntegrationStore(integrations),
		WithCredentialStore(credentials),
		WithCipher(testCipher{}),
		WithStateCodec(codec),
	}
	service, err := NewService(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &testEnv{
		service:      service,
		connector:    connector,
		integrations: integrations,
		credentials:  credentials,
	}
}

func (e *testEnv) authorize(t *testing.T, organizationID, userID string) *Integration {
	t.Helper()
	ctx := context.Background()
	intent, err := e.service.NewIntegration(ctx, NewIntegrationRequest{
		OrganizationID: organizationID,
		UserID:         userID,
		ConnectorType:  e.connector.connectorType,
	})
	if err != nil {
		t.Fatalf("new integration: %v", err)
	}
	integration, err := e.service.AuthorizeIntegration(ctx, AuthorizeIntegrationRequest{
		ConnectorType: e.connector.connectorType,
		Grant:         CodeGrant{Code: "code_1", State: intent.State},
	})
	if err != nil {
		t.Fatalf("authorize integration: %v", err)
	}
	return integration
}
