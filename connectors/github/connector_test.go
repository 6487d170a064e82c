package github

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-integrations/core"
)

func testPrivateKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	encoded := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return string(encoded)
}

type fakeDoer struct {
	responses map[string]string
	statuses  map[string]int
	requests  []*http.Request
}

func (d *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	d.requests = append(d.requests, req)
	key := req.Method + " " + req.URL.String()
	payload, ok := d.responses[key]
	if !ok {
		return nil, fmt.Errorf("fake doer: unexpected request %s", key)
	}
	status := http.StatusOK
	if code, found := d.statuses[key]; found {
		status = code
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(payload))),
		Header:     http.Header{},
	}, nil
}

func newTestConnector(t *testing.T, doer *fakeDoer) *Connector {
	t.Helper()
	connector, err := New(Config{
		AppID:         "12345",
		AppSlug:       "acme-integration",
		PrivateKeyPEM: testPrivateKeyPEM(t),
		WebhookSecret: "hook-secret",
		HTTPClient:    doer,
	}, core.NewTokenStateCodec("", time.Minute))
	if err != nil {
		t.Fatalf("new connector: %v", err)
	}
	return connector
}

func TestNew_RequiresAppIdentity(t *testing.T) {
	codec := core.NewTokenStateCodec("", time.Minute)
	if _, err := New(Config{AppSlug: "slug", PrivateKeyPEM: testPrivateKeyPEM(t)}, codec); err == nil {
		t.Fatalf("expected missing app id to be rejected")
	}
	if _, err := New(Config{AppID: "12345", PrivateKeyPEM: testPrivateKeyPEM(t)}, codec); err == nil {
		t.Fatalf("expected missing app slug to be rejected")
	}
	if _, err := New(Config{AppID: "12345", AppSlug: "slug", PrivateKeyPEM: "not a key"}, codec); err == nil {
		t.Fatalf("expected malformed private key to be rejected")
	}
}

func TestConnector_InitiateAuthorization_PointsAtInstallPage(t *testing.T) {
	connector := newTestConnector(t, &fakeDoer{})

	intent, err := connector.InitiateAuthorization(context.Background(), "org_1", "usr_1")
	if err != nil {
		t.Fatalf("initiate authorization: %v", err)
	}
	if intent.Type != core.IntentTypeRedirect {
		t.Fatalf("expected redirect intent, got %s", intent.Type)
	}
	wantPrefix := defaultInstallBaseURL + "/acme-integration/installations/new?state="
	if !strings.HasPrefix(intent.URL, wantPrefix) {
		t.Fatalf("expected install url prefix %s, got %s", wantPrefix, intent.URL)
	}
}

func TestConnector_CompleteAuthorization_ClaimsInstallation(t *testing.T) {
	expiresAt := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	doer := &fakeDoer{responses: map[string]string{
		"GET " + defaultAPIBaseURL + "/app/installations/42": `{
			"id": 42,
			"app_id": 12345,
			"account": {"id": 777, "login": "acme-org", "type": "Organization"}
		}`,
		"POST " + defaultAPIBaseURL + "/app/installations/42/access_tokens": fmt.Sprintf(
			`{"token": "ghs_abc", "expires_at": %q}`, expiresAt.Format(time.RFC3339)),
	}}
	connector := newTestConnector(t, doer)

	creds, err := connector.CompleteAuthorization(context.Background(), core.InstallationClaim{InstallationID: "42"})
	if err != nil {
		t.Fatalf("complete authorization: %v", err)
	}
	if creds.Type != core.CredentialTypeInstallationToken {
		t.Fatalf("expected installation token credentials, got %s", creds.Type)
	}
	if creds.Data["token"] != "ghs_abc" || creds.Data["installation_id"] != "42" {
		t.Fatalf("unexpected credential data %v", creds.Data)
	}
	if creds.ExpiresAt == nil || !creds.ExpiresAt.Equal(expiresAt) {
		t.Fatalf("expected provider expiry recorded, got %v", creds.ExpiresAt)
	}
	if creds.OrganizationInfo == nil || creds.OrganizationInfo.ExternalOrganizationID != "777" {
		t.Fatalf("expected account identity, got %+v", creds.OrganizationInfo)
	}
	if creds.OrganizationInfo.BotID != "42" {
		t.Fatalf("expected installation id as bot identity, got %q", creds.OrganizationInfo.BotID)
	}

	// Both calls authenticate as the App, not as an installation.
	for _, req := range doer.requests {
		auth := req.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || len(auth) < 30 {
			t.Fatalf("expected app JWT bearer on %s, got %q", req.URL.Path, auth)
		}
	}
}

func TestConnector_CompleteAuthorization_RequiresInstallationClaim(t *testing.T) {
	connector := newTestConnector(t, &fakeDoer{})
	if _, err := connector.CompleteAuthorization(context.Background(), core.CodeGrant{Code: "c"}); err == nil {
		t.Fatalf("expected code grant to be rejected")
	}
	if _, err := connector.CompleteAuthorization(context.Background(), core.InstallationClaim{}); err == nil {
		t.Fatalf("expected empty installation id to be rejected")
	}
}

func TestConnector_RefreshCredentials_MintsFreshToken(t *testing.T) {
	expiresAt := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	doer := &fakeDoer{responses: map[string]string{
		"POST " + defaultAPIBaseURL + "/app/installations/42/access_tokens": fmt.Sprintf(
			`{"token": "ghs_fresh", "expires_at": %q}`, expiresAt.Format(time.RFC3339)),
	}}
	connector := newTestConnector(t, doer)

	refreshed, err := connector.RefreshCredentials(context.Background(), &core.Credentials{
		Type: core.CredentialTypeInstallationToken,
		Data: map[string]string{"installation_id": "42", "token": "ghs_old"},
	})
	if err != nil {
		t.Fatalf("refresh credentials: %v", err)
	}
	if refreshed.Data["token"] != "ghs_fresh" {
		t.Fatalf("expected fresh token, got %q", refreshed.Data["token"])
	}
	if refreshed.ExpiresAt == nil || !refreshed.ExpiresAt.Equal(expiresAt) {
		t.Fatalf("expected fresh expiry, got %v", refreshed.ExpiresAt)
	}
}

func TestConnector_RevokeCredentials_GoneTokenIsSuccess(t *testing.T) {
	doer := &fakeDoer{
		responses: map[string]string{
			"DELETE " + defaultAPIBaseURL + "/installation/token": `{"message": "Bad credentials"}`,
		},
		statuses: map[string]int{
			"DELETE " + defaultAPIBaseURL + "/installation/token": http.StatusUnauthorized,
		},
	}
	connector := newTestConnector(t, doer)

	creds := &core.Credentials{Data: map[string]string{"token": "ghs_gone"}}
	if err := connector.RevokeCredentials(context.Background(), creds); err != nil {
		t.Fatalf("expected already-invalid token to count as revoked, got %v", err)
	}
}

func TestConnector_RevokeCredentials_ServerErrorSurfaces(t *testing.T) {
	doer := &fakeDoer{
		responses: map[string]string{
			"DELETE " + defaultAPIBaseURL + "/installation/token": `{"message": "boom"}`,
		},
		statuses: map[string]int{
			"DELETE " + defaultAPIBaseURL + "/installation/token": http.StatusInternalServerError,
		},
	}
	connector := newTestConnector(t, doer)

	creds := &core.Credentials{Data: map[string]string{"token": "ghs_live"}}
	if err := connector.RevokeCredentials(context.Background(), creds); err == nil {
		t.Fatalf("expected server failure to surface")
	}
}

func TestConnector_WebhookSignatures(t *testing.T) {
	connector := newTestConnector(t, &fakeDoer{})
	body := []byte(`{"action":"opened"}`)

	sign := func(secret string) string {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		return "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}

	header := core.WebhookHeader{Signature: sign("hook-secret")}
	if err := connector.ValidateWebhookSignature(header, body); err != nil {
		t.Fatalf("expected configured secret to verify, got %v", err)
	}
	if err := connector.ValidateWebhookSignature(header, []byte("tampered")); err == nil {
		t.Fatalf("expected mutated body to be rejected")
	}

	// A dispatcher-resolved secret overrides the configured one.
	rotatedHeader := core.WebhookHeader{Signature: sign("rotated-secret")}
	if err := connector.VerifyWebhookSignature(rotatedHeader, body, "rotated-secret"); err != nil {
		t.Fatalf("expected supplied secret to verify, got %v", err)
	}
	if err := connector.VerifyWebhookSignature(rotatedHeader, body, "hook-secret"); err == nil {
		t.Fatalf("expected mismatched supplied secret to be rejected")
	}
}

func TestConnector_Subscribe_NormalizesDeliveries(t *testing.T) {
	connector := newTestConnector(t, &fakeDoer{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	body := []byte(`{
		"action": "opened",
		"repository": {"full_name": "acme/widgets"},
		"installation": {"id": 42}
	}`)
	header := core.WebhookHeader{Event: "pull_request", Delivery: "dlv_1"}
	if err := connector.HandleDelivery(ctx, header, body); err != nil {
		t.Fatalf("handle delivery: %v", err)
	}

	events := make(chan core.Event, 1)
	done := make(chan error, 1)
	go func() {
		done <- connector.Subscribe(ctx, core.EventSinkFunc(func(_ context.Context, event core.Event) error {
			events <- event
			return nil
		}))
	}()

	select {
	case event := <-events:
		repoEvent, ok := event.(Event)
		if !ok {
			t.Fatalf("expected github event, got %T", event)
		}
		if repoEvent.Type != "pull_request" || repoEvent.Action != "opened" {
			t.Fatalf("unexpected event %+v", repoEvent)
		}
		if repoEvent.Repository != "acme/widgets" || repoEvent.Installation != "42" {
			t.Fatalf("unexpected event payload %+v", repoEvent)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected delivery to be published as an event")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected subscribe loop to stop after cancellation")
	}
}

func TestAppTokenSource_SignsAppJWT(t *testing.T) {
	now := time.Now().UTC()
	source, err := newAppTokenSource("12345", testPrivateKeyPEM(t), func() time.Time { return now })
	if err != nil {
		t.Fatalf("new token source: %v", err)
	}
	token, err := source.Token()
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Fatalf("expected a three-part jwt, got %d parts", len(parts))
	}
}
