package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-integrations/core"
	"github.com/goliatone/go-integrations/webhooks"
)

const (
	defaultAPIBaseURL     = "https://api.github.com"
	defaultInstallBaseURL = "https://github.com/apps"
	defaultRequestTimeout = 30 * time.Second
	maxResponseBodyBytes  = 1 << 20 // 1 MiB

	deliveryBuffer = 64
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	AppID          string
	AppSlug        string
	PrivateKeyPEM  string
	WebhookSecret  string
	APIBaseURL     string
	InstallBaseURL string
	RequestTimeout time.Duration
	HTTPClient     HTTPDoer
	Now            func() time.Time
}

// Connector implements the source-control flavor of trust establishment:
// claiming an App installation. The caller never sees a delegated code;
// the installation id comes back on the redirect and the connector mints
// short-lived installation tokens from the App's own key.
type Connector struct {
	cfg        Config
	states     core.StateCodec
	tokens     *appTokenSource
	httpClient HTTPDoer
	deliveries chan delivery
}

type delivery struct {
	header core.WebhookHeader
	body   []byte
}

func New(cfg Config, states core.StateCodec) (*Connector, error) {
	if states == nil {
		return nil, fmt.Errorf("github: state codec is required")
	}
	if strings.TrimSpace(cfg.AppSlug) == "" {
		return nil, fmt.Errorf("github: app slug is required")
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	tokens, err := newAppTokenSource(cfg.AppID, cfg.PrivateKeyPEM, cfg.Now)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	if strings.TrimSpace(cfg.InstallBaseURL) == "" {
		cfg.InstallBaseURL = defaultInstallBaseURL
	}
	cfg.InstallBaseURL = strings.TrimRight(cfg.InstallBaseURL, "/")
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	return &Connector{
		cfg:        cfg,
		states:     states,
		tokens:     tokens,
		httpClient: httpClient,
		deliveries: make(chan delivery, deliveryBuffer),
	}, nil
}

func (c *Connector) Type() core.ConnectorType {
	return core.ConnectorTypeSourceControl
}

func (c *Connector) InitiateAuthorization(_ context.Context, organizationID, userID string) (*core.AuthorizationIntent, error) {
	if c == nil {
		return nil, fmt.Errorf("github: connector is nil")
	}
	state, err := c.states.Encode(organizationID, userID, c.cfg.Now())
	if err != nil {
		return nil, err
	}
	return &core.AuthorizationIntent{
		Type:  core.IntentTypeRedirect,
		URL:   c.cfg.InstallBaseURL + "/" + c.cfg.AppSlug + "/installations/new?state=" + state,
		State: state,
	}, nil
}

func (c *Connector) ParseState(state string) (string, string, error) {
	if c == nil {
		return "", "", fmt.Errorf("github: connector is nil")
	}
	organizationID, userID, _, err := c.states.Decode(state)
	return organizationID, userID, err
}

type installationResponse struct {
	ID      int64  `json:"id"`
	AppID   int64  `json:"app_id"`
	Account struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Type  string `json:"type"`
	} `json:"account"`
}

type installationTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *Connector) CompleteAuthorization(ctx context.Context, grant core.AuthorizationGrant) (*core.Credentials, error) {
	if c == nil {
		return nil, fmt.Errorf("github: connector is nil")
	}
	claim, ok := grant.(core.InstallationClaim)
	if !ok {
		return nil, fmt.Errorf("github: installation claim grant is required")
	}
	installationID := strings.TrimSpace(claim.InstallationID)
	if installationID == "" {
		return nil, fmt.Errorf("github: installation id is required")
	}

	appToken, err := c.tokens.Token()
	if err != nil {
		return nil, core.NewProviderError("github: mint app token", err)
	}

	// Confirm the installation actually belongs to this App before
	// trusting the id from the redirect.
	var installation installationResponse
	if err := c.doJSON(ctx, http.MethodGet,
		"/app/installations/"+installationID, appToken, nil, &installation); err != nil {
		return nil, err
	}

	var minted installationTokenResponse
	if err := c.doJSON(ctx, http.MethodPost,
		"/app/installations/"+installationID+"/access_tokens", appToken, nil, &minted); err != nil {
		return nil, err
	}
	if strings.TrimSpace(minted.Token) == "" {
		return nil, core.NewProviderError("github: installation token response missing token", nil)
	}

	expiresAt := minted.ExpiresAt.UTC()
	return &core.Credentials{
		Type: core.CredentialTypeInstallationToken,
		Data: map[string]string{
			"installation_id": installationID,
			"token":           strings.TrimSpace(minted.Token),
			"app_id":          c.cfg.AppID,
		},
		ExpiresAt: &expiresAt,
		OrganizationInfo: &core.OrganizationInfo{
			ExternalOrganizationID: strconv.FormatInt(installation.Account.ID, 10),
			ExternalUserID:         strings.TrimSpace(installation.Account.Login),
			// The installation id is the provider-side identity inbound
			// deliveries are correlated by.
			BotID: installationID,
			Metadata: map[string]string{
				"account_login": strings.TrimSpace(installation.Account.Login),
				"account_type":  strings.TrimSpace(installation.Account.Type),
			},
		},
	}, nil
}

func (c *Connector) ValidateCredentials(ctx context.Context, creds *core.Credentials) error {
	token, err := installationToken(creds)
	if err != nil {
		return err
	}
	var out struct {
		TotalCount int `json:"total_count"`
	}
	return c.doJSON(ctx, http.MethodGet, "/installation/repositories?per_page=1", token, nil, &out)
}

// RefreshCredentials mints a fresh installation token; the old one simply
// ages out provider-side.
func (c *Connector) RefreshCredentials(ctx context.Context, creds *core.Credentials) (*core.Credentials, error) {
	if creds == nil {
		return nil, fmt.Errorf("github: credentials are required")
	}
	installationID := strings.TrimSpace(creds.Data["installation_id"])
	if installationID == "" {
		return nil, fmt.Errorf("github: installation id is required")
	}

	appToken, err := c.tokens.Token()
	if err != nil {
		return nil, core.NewProviderError("github: mint app token", err)
	}
	var minted installationTokenResponse
	if err := c.doJSON(ctx, http.MethodPost,
		"/app/installations/"+installationID+"/access_tokens", appToken, nil, &minted); err != nil {
		return nil, err
	}
	if strings.TrimSpace(minted.Token) == "" {
		return nil, core.NewProviderError("github: installation token response missing token", nil)
	}

	refreshed := &core.Credentials{
		Type: creds.Type,
		Data: map[string]string{
			"installation_id": installationID,
			"token":           strings.TrimSpace(minted.Token),
			"app_id":          c.cfg.AppID,
		},
	}
	expiresAt := minted.ExpiresAt.UTC()
	refreshed.ExpiresAt = &expiresAt
	return refreshed, nil
}

// RevokeCredentials invalidates the current installation token. A token
// the provider no longer recognizes counts as revoked.
func (c *Connector) RevokeCredentials(ctx context.Context, creds *core.Credentials) error {
	token, err := installationToken(creds)
	if err != nil {
		return err
	}
	err = c.doJSON(ctx, http.MethodDelete, "/installation/token", token, nil, nil)
	if err != nil && !isUnauthorized(err) {
		return err
	}
	return nil
}

// ConfigureWebhooks is a no-op: deliveries are configured on the App
// itself and routed by installation.
func (c *Connector) ConfigureWebhooks(context.Context, *core.Integration, *core.Credentials) error {
	return nil
}

func (c *Connector) ValidateWebhookSignature(header core.WebhookHeader, body []byte) error {
	return c.VerifyWebhookSignature(header, body, c.cfg.WebhookSecret)
}

// VerifyWebhookSignature checks a delivery against a caller-supplied secret,
// so the dispatcher can resolve secrets through a SecretSource.
func (c *Connector) VerifyWebhookSignature(header core.WebhookHeader, body []byte, secret string) error {
	verifier := webhooks.PrefixedVerifier{
		Secret: secret,
		Prefix: "sha256=",
	}
	return verifier.Verify(body, header.Signature)
}

func (c *Connector) HandleDelivery(_ context.Context, header core.WebhookHeader, body []byte) error {
	if c == nil {
		return fmt.Errorf("github: connector is nil")
	}
	select {
	case c.deliveries <- delivery{header: header, body: append([]byte(nil), body...)}:
		return nil
	default:
		return fmt.Errorf("github: delivery buffer full")
	}
}

// Event is a normalized source-control event emitted by the subscription
// loop. Type carries the provider event header (push, pull_request, ...).
type Event struct {
	Type         string
	Delivery     string
	Action       string
	Repository   string
	Installation string
}

func (e Event) EventType() string { return e.Type }

func (Event) Connector() core.ConnectorType { return core.ConnectorTypeSourceControl }

type eventEnvelope struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

func (c *Connector) Subscribe(ctx context.Context, sink core.EventSink) error {
	if c == nil {
		return fmt.Errorf("github: connector is nil")
	}
	if sink == nil {
		return fmt.Errorf("github: event sink is required")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-c.deliveries:
			var envelope eventEnvelope
			if err := json.Unmarshal(item.body, &envelope); err != nil {
				continue
			}
			event := Event{
				Type:       item.header.Event,
				Delivery:   item.header.Delivery,
				Action:     envelope.Action,
				Repository: envelope.Repository.FullName,
			}
			if envelope.Installation.ID > 0 {
				event.Installation = strconv.FormatInt(envelope.Installation.ID, 10)
			}
			if err := sink.Publish(ctx, event); err != nil {
				return err
			}
		}
	}
}

// Sync confirms the installation is still reachable with the stored
// token.
func (c *Connector) Sync(ctx context.Context, _ *core.Integration, creds *core.Credentials) error {
	return c.ValidateCredentials(ctx, creds)
}

func (c *Connector) doJSON(ctx context.Context, method, path, bearer string, payload, out any) error {
	if c.httpClient == nil {
		return fmt.Errorf("github: http client is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	requestCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return core.NewProviderError("github: encode request", err)
		}
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(requestCtx, method, c.cfg.APIBaseURL+path, body)
	if err != nil {
		return core.NewProviderError("github: build request", err)
	}
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	httpReq.Header.Set("Authorization", "Bearer "+bearer)
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(httpReq)
	if err != nil {
		return core.NewProviderError("github: request failed", err)
	}
	defer response.Body.Close()

	responseBody, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBodyBytes+1))
	if readErr != nil {
		return core.NewProviderError("github: read response", readErr)
	}
	if int64(len(responseBody)) > maxResponseBodyBytes {
		return core.NewProviderError(fmt.Sprintf("github: response exceeds %d bytes", maxResponseBodyBytes), nil)
	}
	if response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden {
		return core.NewProviderError(fmt.Sprintf("github: endpoint returned status %d", response.StatusCode), errUnauthorized)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return core.NewProviderError(fmt.Sprintf("github: endpoint returned status %d", response.StatusCode), nil)
	}
	if out == nil || len(responseBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return core.NewProviderError("github: decode response", err)
	}
	return nil
}

var errUnauthorized = errors.New("github: unauthorized")

func isUnauthorized(err error) bool {
	return errors.Is(err, errUnauthorized)
}

func installationToken(creds *core.Credentials) (string, error) {
	if creds == nil {
		return "", fmt.Errorf("github: credentials are required")
	}
	token := strings.TrimSpace(creds.Data["token"])
	if token == "" {
		return "", fmt.Errorf("github: installation token is required")
	}
	return token, nil
}

var _ core.Connector = (*Connector)(nil)

var _ webhooks.DeliverySink = (*Connector)(nil)

var _ webhooks.SecretVerifier = (*Connector)(nil)
