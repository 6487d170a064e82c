package github

import (
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// appTokenSource mints the short-lived RS256 App JWT that authenticates
// the App itself (not an installation) against the provider API.
type appTokenSource struct {
	appID      string
	privateKey *rsa.PrivateKey
	ttl        time.Duration
	now        func() time.Time
}

func newAppTokenSource(appID, privateKeyPEM string, now func() time.Time) (*appTokenSource, error) {
	appID = strings.TrimSpace(appID)
	if appID == "" {
		return nil, fmt.Errorf("github: app id is required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("github: parse app private key: %w", err)
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &appTokenSource{
		appID:      appID,
		privateKey: key,
		ttl:        9 * time.Minute,
		now:        now,
	}, nil
}

func (s *appTokenSource) Token() (string, error) {
	if s == nil || s.privateKey == nil {
		return "", fmt.Errorf("github: app token source is not configured")
	}
	issuedAt := s.now().UTC()
	// Backdated a minute to absorb clock skew between us and the provider.
	claims := jwt.MapClaims{
		"iat": jwt.NewNumericDate(issuedAt.Add(-time.Minute)),
		"exp": jwt.NewNumericDate(issuedAt.Add(s.ttl)),
		"iss": s.appID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("github: sign app token: %w", err)
	}
	return signed, nil
}
