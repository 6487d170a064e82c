package core

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const defaultStateTTL = 15 * time.Minute

type statePayload struct {
	OrganizationID string `json:"org"`
	UserID         string `json:"user"`
	IssuedAt       int64  `json:"iat"`
}

// TokenStateCodec issues stateless correlation tokens: a base64url JSON
// payload carrying the originating organization, user, and issue time.
// When a signing secret is configured each token is HMAC-SHA256 signed and
// verified on decode; without a secret tokens are unsigned and expiry is
// the only check.
type TokenStateCodec struct {
	secret []byte
	ttl    time.Duration
}

var _ StateCodec = (*TokenStateCodec)(nil)

func NewTokenStateCodec(signingSecret string, ttl time.Duration) *TokenStateCodec {
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	codec := &TokenStateCodec{ttl: ttl}
	if secret := strings.TrimSpace(signingSecret); secret != "" {
		codec.secret = []byte(secret)
	}
	return codec
}

func (c *TokenStateCodec) Encode(organizationID, userID string, issuedAt time.Time) (string, error) {
	if c == nil {
		return "", fmt.Errorf("core: state codec is not configured")
	}
	organizationID = strings.TrimSpace(organizationID)
	userID = strings.TrimSpace(userID)
	if organizationID == "" {
		return "", fmt.Errorf("core: organization id is required")
	}
	if userID == "" {
		return "", fmt.Errorf("core: user id is required")
	}
	if issuedAt.IsZero() {
		issuedAt = time.Now().UTC()
	}

	raw, err := json.Marshal(statePayload{
		OrganizationID: organizationID,
		UserID:         userID,
		IssuedAt:       issuedAt.UTC().Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("core: encode state: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(raw)
	if len(c.secret) == 0 {
		return encoded, nil
	}
	return encoded + "." + c.sign(encoded), nil
}

func (c *TokenStateCodec) Decode(state string) (string, string, time.Time, error) {
	if c == nil {
		return "", "", time.Time{}, fmt.Errorf("core: state codec is not configured")
	}
	state = strings.TrimSpace(state)
	if state == "" {
		return "", "", time.Time{}, NewValidationError("core: state is required")
	}

	encoded := state
	if len(c.secret) > 0 {
		payload, signature, found := strings.Cut(state, ".")
		if !found {
			return "", "", time.Time{}, NewStateError("core: state signature missing")
		}
		if !hmac.Equal([]byte(c.sign(payload)), []byte(signature)) {
			return "", "", time.Time{}, NewStateError("core: state signature mismatch")
		}
		encoded = payload
	}

	// A token that fails to decode is malformed caller input; only a bad
	// signature or an expired issue time is treated as tampering.
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", time.Time{}, NewValidationError(fmt.Sprintf("core: decode state: %v", err))
	}

	var payload statePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", "", time.Time{}, NewValidationError(fmt.Sprintf("core: decode state: %v", err))
	}
	if strings.TrimSpace(payload.OrganizationID) == "" || strings.TrimSpace(payload.UserID) == "" {
		return "", "", time.Time{}, NewValidationError("core: state payload incomplete")
	}

	issuedAt := time.Unix(payload.IssuedAt, 0).UTC()
	if c.ttl > 0 && time.Now().UTC().After(issuedAt.Add(c.ttl)) {
		return "", "", time.Time{}, NewStateError("core: state expired")
	}

	return payload.OrganizationID, payload.UserID, issuedAt, nil
}

func (c *TokenStateCodec) sign(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
