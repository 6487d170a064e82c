package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-integrations/core"
	"github.com/goliatone/go-integrations/webhooks"
)

const (
	defaultAuthURL        = "https://slack.com/oauth/v2/authorize"
	defaultTokenURL       = "https://slack.com/api/oauth.v2.access"
	defaultRevokeURL      = "https://slack.com/api/auth.revoke"
	defaultTestURL        = "https://slack.com/api/auth.test"
	defaultRequestTimeout = 30 * time.Second
	maxResponseBodyBytes  = 1 << 20 // 1 MiB

	deliveryBuffer = 64
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	ClientID       string
	ClientSecret   string
	RedirectURI    string
	Scopes         []string
	SigningSecret  string
	AuthURL        string
	TokenURL       string
	RevokeURL      string
	TestURL        string
	RequestTimeout time.Duration
	HTTPClient     HTTPDoer
	Now            func() time.Time
}

// Connector implements the messaging flavor of trust establishment: a
// delegated authorization-code exchange against the workspace provider.
type Connector struct {
	cfg        Config
	states     core.StateCodec
	httpClient HTTPDoer
	deliveries chan delivery
}

type delivery struct {
	header core.WebhookHeader
	body   []byte
}

func New(cfg Config, states core.StateCodec) (*Connector, error) {
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("slack: client id is required")
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, fmt.Errorf("slack: client secret is required")
	}
	if states == nil {
		return nil, fmt.Errorf("slack: state codec is required")
	}

	if strings.TrimSpace(cfg.AuthURL) == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if strings.TrimSpace(cfg.RevokeURL) == "" {
		cfg.RevokeURL = defaultRevokeURL
	}
	if strings.TrimSpace(cfg.TestURL) == "" {
		cfg.TestURL = defaultTestURL
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

	return &Connector{
		cfg:        cfg,
		states:     states,
		httpClient: httpClient,
		deliveries: make(chan delivery, deliveryBuffer),
	}, nil
}

func (c *Connector) Type() core.ConnectorType {
	return core.ConnectorTypeMessaging
}

func (c *Connector) InitiateAuthorization(_ context.Context, organizationID, userID string) (*core.AuthorizationIntent, error) {
	if c == nil {
		return nil, fmt.Errorf("slack: connector is nil")
	}
	state, err := c.states.Encode(organizationID, userID, c.cfg.Now())
	if err != nil {
		return nil, err
	}

	values := url.Values{}
	values.Set("client_id", c.cfg.ClientID)
	values.Set("scope", strings.Join(c.cfg.Scopes, ","))
	values.Set("state", state)
	if redirectURI := strings.TrimSpace(c.cfg.RedirectURI); redirectURI != "" {
		values.Set("redirect_uri", redirectURI)
	}

	return &core.AuthorizationIntent{
		Type:  core.IntentTypeRedirect,
		URL:   c.cfg.AuthURL + "?" + values.Encode(),
		State: state,
	}, nil
}

func (c *Connector) ParseState(state string) (string, string, error) {
	if c == nil {
		return "", "", fmt.Errorf("slack: connector is nil")
	}
	organizationID, userID, _, err := c.states.Decode(state)
	return organizationID, userID, err
}

type accessResponse struct {
	OK          bool   `json:"ok"`
	Error       string `json:"error"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
	BotUserID   string `json:"bot_user_id"`
	AppID       string `json:"app_id"`
	Team        struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"team"`
	AuthedUser struct {
		ID string `json:"id"`
	} `json:"authed_user"`
}

func (c *Connector) CompleteAuthorization(ctx context.Context, grant core.AuthorizationGrant) (*core.Credentials, error) {
	if c == nil {
		return nil, fmt.Errorf("slack: connector is nil")
	}
	codeGrant, ok := grant.(core.CodeGrant)
	if !ok {
		return nil, fmt.Errorf("slack: delegated authorization code grant is required")
	}
	code := strings.TrimSpace(codeGrant.Code)
	if code == "" {
		return nil, fmt.Errorf("slack: authorization code is required")
	}

	form := url.Values{}
	form.Set("code", code)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	if redirectURI := strings.TrimSpace(c.cfg.RedirectURI); redirectURI != "" {
		form.Set("redirect_uri", redirectURI)
	}

	var payload accessResponse
	if err := c.postForm(ctx, c.cfg.TokenURL, form, "", &payload); err != nil {
		return nil, err
	}
	if !payload.OK {
		return nil, core.NewProviderError(fmt.Sprintf("slack: token exchange rejected: %s", describeAPIError(payload.Error)), nil)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return nil, core.NewProviderError("slack: token exchange response missing access token", nil)
	}

	return &core.Credentials{
		Type: core.CredentialTypeDelegatedToken,
		Data: map[string]string{
			"access_token": strings.TrimSpace(payload.AccessToken),
			"token_type":   strings.TrimSpace(payload.TokenType),
			"scope":        strings.TrimSpace(payload.Scope),
			"bot_user_id":  strings.TrimSpace(payload.BotUserID),
			"app_id":       strings.TrimSpace(payload.AppID),
		},
		OrganizationInfo: &core.OrganizationInfo{
			ExternalOrganizationID: strings.TrimSpace(payload.Team.ID),
			ExternalUserID:         strings.TrimSpace(payload.AuthedUser.ID),
			BotID:                  strings.TrimSpace(payload.BotUserID),
			Metadata: map[string]string{
				"team_name": strings.TrimSpace(payload.Team.Name),
			},
		},
	}, nil
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (c *Connector) ValidateCredentials(ctx context.Context, creds *core.Credentials) error {
	token, err := accessToken(creds)
	if err != nil {
		return err
	}
	var payload apiResponse
	if err := c.postForm(ctx, c.cfg.TestURL, url.Values{}, token, &payload); err != nil {
		return err
	}
	if !payload.OK {
		return core.NewProviderError(fmt.Sprintf("slack: credentials rejected: %s", describeAPIError(payload.Error)), nil)
	}
	return nil
}

// RefreshCredentials is a no-op: workspace tokens do not expire.
func (c *Connector) RefreshCredentials(_ context.Context, creds *core.Credentials) (*core.Credentials, error) {
	return creds, nil
}

func (c *Connector) RevokeCredentials(ctx context.Context, creds *core.Credentials) error {
	token, err := accessToken(creds)
	if err != nil {
		return err
	}
	var payload apiResponse
	if err := c.postForm(ctx, c.cfg.RevokeURL, url.Values{}, token, &payload); err != nil {
		return err
	}
	if !payload.OK && !tokenAlreadyGone(payload.Error) {
		return core.NewProviderError(fmt.Sprintf("slack: revocation rejected: %s", describeAPIError(payload.Error)), nil)
	}
	return nil
}

// ConfigureWebhooks is a no-op: event delivery is configured once at the
// App level, not per workspace.
func (c *Connector) ConfigureWebhooks(context.Context, *core.Integration, *core.Credentials) error {
	return nil
}

func (c *Connector) ValidateWebhookSignature(header core.WebhookHeader, body []byte) error {
	return c.VerifyWebhookSignature(header, body, c.cfg.SigningSecret)
}

// VerifyWebhookSignature checks a delivery against a caller-supplied secret,
// so the dispatcher can resolve secrets through a SecretSource.
func (c *Connector) VerifyWebhookSignature(header core.WebhookHeader, body []byte, secret string) error {
	verifier := webhooks.TimestampedVerifier{
		Secret: secret,
		Now:    c.cfg.Now,
	}
	return verifier.Verify(body, header.Signature, header.Timestamp)
}

// HandleDelivery feeds a verified delivery to the subscription loop. It
// drops the delivery when no loop is draining and the buffer is full;
// providers redeliver on their own schedule.
func (c *Connector) HandleDelivery(_ context.Context, header core.WebhookHeader, body []byte) error {
	if c == nil {
		return fmt.Errorf("slack: connector is nil")
	}
	select {
	case c.deliveries <- delivery{header: header, body: append([]byte(nil), body...)}:
		return nil
	default:
		return fmt.Errorf("slack: delivery buffer full")
	}
}

type eventEnvelope struct {
	Type   string `json:"type"`
	TeamID string `json:"team_id"`
	Event  struct {
		Type    string `json:"type"`
		User    string `json:"user"`
		Channel string `json:"channel"`
		Text    string `json:"text"`
		TS      string `json:"ts"`
	} `json:"event"`
}

// Event is a normalized workspace event emitted by the subscription loop.
type Event struct {
	Type    string
	TeamID  string
	User    string
	Channel string
	Text    string
	EventTS string
}

func (e Event) EventType() string { return e.Type }

func (Event) Connector() core.ConnectorType { return core.ConnectorTypeMessaging }

// Subscribe drains verified deliveries and publishes normalized events to
// the sink until ctx is done.
func (c *Connector) Subscribe(ctx context.Context, sink core.EventSink) error {
	if c == nil {
		return fmt.Errorf("slack: connector is nil")
	}
	if sink == nil {
		return fmt.Errorf("slack: event sink is required")
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
			if envelope.Event.Type == "" {
				continue
			}
			event := Event{
				Type:    envelope.Event.Type,
				TeamID:  envelope.TeamID,
				User:    envelope.Event.User,
				Channel: envelope.Event.Channel,
				Text:    envelope.Event.Text,
				EventTS: envelope.Event.TS,
			}
			if err := sink.Publish(ctx, event); err != nil {
				return err
			}
		}
	}
}

// Sync probes the workspace with the stored token; nothing local to
// reconcile beyond confirming the trust still holds.
func (c *Connector) Sync(ctx context.Context, _ *core.Integration, creds *core.Credentials) error {
	return c.ValidateCredentials(ctx, creds)
}

func (c *Connector) postForm(ctx context.Context, endpoint string, form url.Values, bearer string, out any) error {
	if c.httpClient == nil {
		return fmt.Errorf("slack: http client is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	requestCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(requestCtx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return core.NewProviderError("slack: build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	response, err := c.httpClient.Do(httpReq)
	if err != nil {
		return core.NewProviderError("slack: request failed", err)
	}
	defer response.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBodyBytes+1))
	if readErr != nil {
		return core.NewProviderError("slack: read response", readErr)
	}
	if int64(len(body)) > maxResponseBodyBytes {
		return core.NewProviderError(fmt.Sprintf("slack: response exceeds %d bytes", maxResponseBodyBytes), nil)
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return core.NewProviderError(fmt.Sprintf("slack: endpoint returned status %d", response.StatusCode), nil)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return core.NewProviderError("slack: decode response", err)
	}
	return nil
}

func accessToken(creds *core.Credentials) (string, error) {
	if creds == nil {
		return "", fmt.Errorf("slack: credentials are required")
	}
	token := strings.TrimSpace(creds.Data["access_token"])
	if token == "" {
		return "", fmt.Errorf("slack: access token is required")
	}
	return token, nil
}

func tokenAlreadyGone(apiError string) bool {
	switch strings.TrimSpace(apiError) {
	case "token_revoked", "invalid_auth", "account_inactive":
		return true
	}
	return false
}

func describeAPIError(apiError string) string {
	if trimmed := strings.TrimSpace(apiError); trimmed != "" {
		return trimmed
	}
	return "unknown error"
}

var _ core.Connector = (*Connector)(nil)

var _ webhooks.DeliverySink = (*Connector)(nil)

var _ webhooks.SecretVerifier = (*Connector)(nil)
