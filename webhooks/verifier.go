package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-integrations/core"
)

const defaultTimestampTolerance = 5 * time.Minute

// TimestampedVerifier authenticates deliveries signed over the canonical
// string v0:<timestamp>:<rawBody>, with the timestamp bounded against
// replay. Signatures look like v0=<hex hmac>.
type TimestampedVerifier struct {
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

func (v TimestampedVerifier) Verify(body []byte, signature, timestamp string) error {
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return fmt.Errorf("webhooks: signing secret is required")
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return core.NewSignatureError("webhooks: signature header is required")
	}
	timestamp = strings.TrimSpace(timestamp)
	if timestamp == "" {
		return core.NewSignatureError("webhooks: timestamp header is required")
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return core.NewSignatureError("webhooks: timestamp is not a unix epoch")
	}
	now := time.Now().UTC()
	if v.Now != nil {
		now = v.Now().UTC()
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = defaultTimestampTolerance
	}
	issued := time.Unix(unix, 0).UTC()
	if issued.Before(now.Add(-tolerance)) || issued.After(now.Add(tolerance)) {
		return core.NewSignatureError("webhooks: timestamp outside tolerance window")
	}

	canonical := "v0:" + timestamp + ":" + string(body)
	expected := "v0=" + hmacHex([]byte(secret), []byte(canonical))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return core.NewSignatureError("webhooks: signature mismatch")
	}
	return nil
}

// PrefixedVerifier authenticates deliveries signed directly over the raw
// body, with the digest carried as <prefix><hex hmac> (sha256= by
// convention).
type PrefixedVerifier struct {
	Secret string
	Prefix string
}

func (v PrefixedVerifier) Verify(body []byte, signature string) error {
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return fmt.Errorf("webhooks: signing secret is required")
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return core.NewSignatureError("webhooks: signature header is required")
	}

	prefix := v.Prefix
	if prefix == "" {
		prefix = "sha256="
	}
	expected := prefix + hmacHex([]byte(secret), body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return core.NewSignatureError("webhooks: signature mismatch")
	}
	return nil
}

func hmacHex(secret, message []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}
