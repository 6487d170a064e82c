package core

import (
	"fmt"
	"strings"
	"time"
)

type StateConfig struct {
	SigningSecret string        `koanf:"signing_secret" mapstructure:"signing_secret"`
	TTL           time.Duration `koanf:"ttl" mapstructure:"ttl"`
}

type RefreshConfig struct {
	// ExpiryWindow bounds the lookahead for the expiring-credential sweep.
	ExpiryWindow time.Duration `koanf:"expiry_window" mapstructure:"expiry_window"`
}

type SubscriptionConfig struct {
	// RestartBackoff is the pause before restarting a connector loop that
	// exited with an error while the supervisor is still running.
	RestartBackoff time.Duration `koanf:"restart_backoff" mapstructure:"restart_backoff"`
	MaxRestarts    int           `koanf:"max_restarts" mapstructure:"max_restarts"`
}

type Config struct {
	ServiceName   string             `koanf:"service_name" mapstructure:"service_name"`
	State         StateConfig        `koanf:"state" mapstructure:"state"`
	Refresh       RefreshConfig      `koanf:"refresh" mapstructure:"refresh"`
	Subscriptions SubscriptionConfig `koanf:"subscriptions" mapstructure:"subscriptions"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "integrations",
		State: StateConfig{
			TTL: defaultStateTTL,
		},
		Refresh: RefreshConfig{
			ExpiryWindow: time.Hour,
		},
		Subscriptions: SubscriptionConfig{
			RestartBackoff: 5 * time.Second,
			MaxRestarts:    5,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Refresh.ExpiryWindow < 0 {
		return fmt.Errorf("core: refresh expiry_window must not be negative")
	}
	if c.Subscriptions.RestartBackoff < 0 {
		return fmt.Errorf("core: subscriptions restart_backoff must not be negative")
	}
	return nil
}
