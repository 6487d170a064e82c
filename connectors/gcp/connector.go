package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-integrations/core"
)

const (
	defaultResourceManagerURL = "https://cloudresourcemanager.googleapis.com"
	defaultScope              = "https://www.googleapis.com/auth/cloud-platform"
	defaultRequiredRole       = "roles/viewer"
	defaultRequestTimeout     = 30 * time.Second
	maxResponseBodyBytes      = 1 << 20 // 1 MiB

	jwtBearerGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// roleImplications maps broader roles onto the narrower roles they
// satisfy. Ownership of a superset role counts as holding the required
// one.
var roleImplications = map[string][]string{
	"roles/owner":  {"roles/editor", "roles/viewer"},
	"roles/editor": {"roles/viewer"},
}

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	ResourceManagerURL string
	Scope              string
	RequiredRole       string
	RequestTimeout     time.Duration
	HTTPClient         HTTPDoer
	Now                func() time.Time
}

// Connector implements the pre-issued-secret flavor of trust
// establishment: the caller submits a service account key document
// directly, and validation is an access-token exchange plus a policy
// check rather than a redirect round-trip.
type Connector struct {
	cfg        Config
	httpClient HTTPDoer
}

func New(cfg Config) *Connector {
	if strings.TrimSpace(cfg.ResourceManagerURL) == "" {
		cfg.ResourceManagerURL = defaultResourceManagerURL
	}
	cfg.ResourceManagerURL = strings.TrimRight(cfg.ResourceManagerURL, "/")
	if strings.TrimSpace(cfg.Scope) == "" {
		cfg.Scope = defaultScope
	}
	if strings.TrimSpace(cfg.RequiredRole) == "" {
		cfg.RequiredRole = defaultRequiredRole
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Connector{cfg: cfg, httpClient: httpClient}
}

func (c *Connector) Type() core.ConnectorType {
	return core.ConnectorTypeCloudProvider
}

// InitiateAuthorization has no provider round-trip: the caller is told to
// submit the key document directly.
func (c *Connector) InitiateAuthorization(_ context.Context, organizationID, _ string) (*core.AuthorizationIntent, error) {
	if strings.TrimSpace(organizationID) == "" {
		return nil, fmt.Errorf("gcp: organization id is required")
	}
	return &core.AuthorizationIntent{Type: core.IntentTypeStructuredInput}, nil
}

// ParseState is unsupported: there is no redirect, so identity travels
// with the submission itself.
func (c *Connector) ParseState(string) (string, string, error) {
	return "", "", fmt.Errorf("gcp: connector does not issue state tokens")
}

// serviceAccountKey is the provider-issued key document shape. Only the
// fields the connector needs are decoded.
type serviceAccountKey struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
	TokenURI     string `json:"token_uri"`
}

func parseServiceAccountKey(raw []byte) (*serviceAccountKey, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("gcp: secret document is required")
	}
	var key serviceAccountKey
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("gcp: parse secret document: %w", err)
	}
	if key.Type != "service_account" {
		return nil, fmt.Errorf("gcp: secret document type %q is not a service account key", key.Type)
	}
	if strings.TrimSpace(key.ProjectID) == "" {
		return nil, fmt.Errorf("gcp: secret document is missing project_id")
	}
	if strings.TrimSpace(key.PrivateKey) == "" {
		return nil, fmt.Errorf("gcp: secret document is missing private_key")
	}
	if strings.TrimSpace(key.ClientEmail) == "" {
		return nil, fmt.Errorf("gcp: secret document is missing client_email")
	}
	if strings.TrimSpace(key.TokenURI) == "" {
		return nil, fmt.Errorf("gcp: secret document is missing token_uri")
	}
	return &key, nil
}

func (c *Connector) CompleteAuthorization(ctx context.Context, grant core.AuthorizationGrant) (*core.Credentials, error) {
	if c == nil {
		return nil, fmt.Errorf("gcp: connector is nil")
	}
	document, ok := grant.(core.SecretDocument)
	if !ok {
		return nil, fmt.Errorf("gcp: secret document grant is required")
	}
	key, err := parseServiceAccountKey(document.Raw)
	if err != nil {
		return nil, err
	}

	creds := &core.Credentials{
		Type: core.CredentialTypeServiceAccountSecret,
		Data: map[string]string{
			"project_id":     key.ProjectID,
			"client_email":   key.ClientEmail,
			"private_key":    key.PrivateKey,
			"private_key_id": key.PrivateKeyID,
			"token_uri":      key.TokenURI,
		},
		OrganizationInfo: &core.OrganizationInfo{
			ExternalOrganizationID: key.ProjectID,
			ExternalUserID:         key.ClientEmail,
			Metadata: map[string]string{
				"project_id":   key.ProjectID,
				"client_email": key.ClientEmail,
			},
		},
	}
	if err := c.ValidateCredentials(ctx, creds); err != nil {
		return nil, err
	}
	return creds, nil
}

// ValidateCredentials proves the key still signs for the service account
// and that the account holds the required role on the project.
func (c *Connector) ValidateCredentials(ctx context.Context, creds *core.Credentials) error {
	if creds == nil {
		return fmt.Errorf("gcp: credentials are required")
	}
	projectID := strings.TrimSpace(creds.Data["project_id"])
	clientEmail := strings.TrimSpace(creds.Data["client_email"])
	if projectID == "" || clientEmail == "" {
		return fmt.Errorf("gcp: credentials are missing project or account identity")
	}

	accessToken, err := c.exchangeToken(ctx, creds)
	if err != nil {
		return err
	}

	policy, err := c.projectPolicy(ctx, projectID, accessToken)
	if err != nil {
		return err
	}
	if !policy.grantsRole(clientEmail, c.cfg.RequiredRole) {
		return core.NewProviderError(
			fmt.Sprintf("gcp: service account %s lacks %s on project %s", clientEmail, c.cfg.RequiredRole, projectID), nil)
	}
	return nil
}

// RefreshCredentials is a no-op: key documents do not expire, access
// tokens are minted per call.
func (c *Connector) RefreshCredentials(_ context.Context, creds *core.Credentials) (*core.Credentials, error) {
	if creds == nil {
		return nil, fmt.Errorf("gcp: credentials are required")
	}
	return creds, nil
}

// RevokeCredentials has no provider-side action: the key stays valid
// until rotated in the provider console, so revocation is purely local.
func (c *Connector) RevokeCredentials(context.Context, *core.Credentials) error {
	return nil
}

func (c *Connector) ConfigureWebhooks(context.Context, *core.Integration, *core.Credentials) error {
	return nil
}

func (c *Connector) ValidateWebhookSignature(core.WebhookHeader, []byte) error {
	return fmt.Errorf("gcp: connector does not accept webhook deliveries")
}

// Subscribe has no event stream; it parks until the supervisor stops it.
func (c *Connector) Subscribe(ctx context.Context, _ core.EventSink) error {
	<-ctx.Done()
	return ctx.Err()
}

// Sync re-proves reachability and role ownership.
func (c *Connector) Sync(ctx context.Context, _ *core.Integration, creds *core.Credentials) error {
	return c.ValidateCredentials(ctx, creds)
}

func (c *Connector) signAssertion(creds *core.Credentials) (string, string, error) {
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(creds.Data["private_key"]))
	if err != nil {
		return "", "", fmt.Errorf("gcp: parse private key: %w", err)
	}
	tokenURI := strings.TrimSpace(creds.Data["token_uri"])
	if tokenURI == "" {
		return "", "", fmt.Errorf("gcp: credentials are missing token_uri")
	}
	issuedAt := c.cfg.Now().UTC()
	claims := jwt.MapClaims{
		"iss":   strings.TrimSpace(creds.Data["client_email"]),
		"scope": c.cfg.Scope,
		"aud":   tokenURI,
		"iat":   jwt.NewNumericDate(issuedAt),
		"exp":   jwt.NewNumericDate(issuedAt.Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid := strings.TrimSpace(creds.Data["private_key_id"]); kid != "" {
		token.Header["kid"] = kid
	}
	assertion, err := token.SignedString(privateKey)
	if err != nil {
		return "", "", fmt.Errorf("gcp: sign assertion: %w", err)
	}
	return assertion, tokenURI, nil
}

func (c *Connector) exchangeToken(ctx context.Context, creds *core.Credentials) (string, error) {
	assertion, tokenURI, err := c.signAssertion(creds)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrantType)
	form.Set("assertion", assertion)

	body, err := c.do(ctx, http.MethodPost, tokenURI,
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()), "")
	if err != nil {
		return "", err
	}

	var exchanged struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &exchanged); err != nil {
		return "", core.NewProviderError("gcp: decode token response", err)
	}
	if strings.TrimSpace(exchanged.AccessToken) == "" {
		return "", core.NewProviderError("gcp: token response missing access token", nil)
	}
	return exchanged.AccessToken, nil
}

type iamPolicy struct {
	Bindings []struct {
		Role    string   `json:"role"`
		Members []string `json:"members"`
	} `json:"bindings"`
}

func (p iamPolicy) grantsRole(clientEmail, requiredRole string) bool {
	member := "serviceAccount:" + clientEmail
	for _, binding := range p.Bindings {
		if binding.Role != requiredRole && !implies(binding.Role, requiredRole) {
			continue
		}
		for _, candidate := range binding.Members {
			if candidate == member {
				return true
			}
		}
	}
	return false
}

func implies(heldRole, requiredRole string) bool {
	for _, implied := range roleImplications[heldRole] {
		if implied == requiredRole {
			return true
		}
	}
	return false
}

func (c *Connector) projectPolicy(ctx context.Context, projectID, accessToken string) (*iamPolicy, error) {
	endpoint := c.cfg.ResourceManagerURL + "/v1/projects/" + url.PathEscape(projectID) + ":getIamPolicy"
	body, err := c.do(ctx, http.MethodPost, endpoint, "application/json", strings.NewReader("{}"), accessToken)
	if err != nil {
		return nil, err
	}
	var policy iamPolicy
	if err := json.Unmarshal(body, &policy); err != nil {
		return nil, core.NewProviderError("gcp: decode policy response", err)
	}
	return &policy, nil
}

func (c *Connector) do(ctx context.Context, method, endpoint, contentType string, body io.Reader, bearer string) ([]byte, error) {
	if c.httpClient == nil {
		return nil, fmt.Errorf("gcp: http client is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	requestCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, method, endpoint, body)
	if err != nil {
		return nil, core.NewProviderError("gcp: build request", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	response, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewProviderError("gcp: request failed", err)
	}
	defer response.Body.Close()

	responseBody, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBodyBytes+1))
	if readErr != nil {
		return nil, core.NewProviderError("gcp: read response", readErr)
	}
	if int64(len(responseBody)) > maxResponseBodyBytes {
		return nil, core.NewProviderError(fmt.Sprintf("gcp: response exceeds %d bytes", maxResponseBodyBytes), nil)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return nil, core.NewProviderError(fmt.Sprintf("gcp: endpoint returned status %d", response.StatusCode), nil)
	}
	return responseBody, nil
}

var _ core.Connector = (*Connector)(nil)
