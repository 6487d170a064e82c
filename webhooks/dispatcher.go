package webhooks

import (
	"context"
	"fmt"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-integrations/core"
)

// DeliverySink is implemented by connectors that consume verified webhook
// deliveries, usually by feeding their subscription loop.
type DeliverySink interface {
	HandleDelivery(ctx context.Context, header core.WebhookHeader, body []byte) error
}

// SecretVerifier is implemented by connectors whose signature check can run
// with an externally resolved secret instead of the one in their config.
type SecretVerifier interface {
	VerifyWebhookSignature(header core.WebhookHeader, body []byte, secret string) error
}

// Dispatcher is the inbound entry point: it authenticates a delivery with
// the owning connector and forwards the verified payload. Verification
// failure stops processing before any payload parsing happens.
type Dispatcher struct {
	registry *core.ConnectorRegistry
	logger   core.Logger
	secrets  core.SecretSource
}

type DispatcherOption func(*Dispatcher)

// WithSecretSource verifies signatures with secrets resolved through source,
// keeping each connector's configured secret as the fallback.
func WithSecretSource(source core.SecretSource) DispatcherOption {
	return func(d *Dispatcher) {
		d.secrets = source
	}
}

func NewDispatcher(registry *core.ConnectorRegistry, logger core.Logger, opts ...DispatcherOption) (*Dispatcher, error) {
	if registry == nil {
		return nil, fmt.Errorf("webhooks: connector registry is required")
	}
	dispatcher := &Dispatcher{
		registry: registry,
		logger:   glog.Ensure(logger),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}
	return dispatcher, nil
}

func (d *Dispatcher) Dispatch(
	ctx context.Context,
	connectorType core.ConnectorType,
	header core.WebhookHeader,
	body []byte,
) error {
	if d == nil || d.registry == nil {
		return fmt.Errorf("webhooks: dispatcher is not configured")
	}

	startedAt := time.Now().UTC()
	connector, err := d.registry.Resolve(connectorType)
	if err != nil {
		return err
	}

	if err := d.verifySignature(ctx, connectorType, connector, header, body); err != nil {
		d.logger.Error("webhook delivery rejected",
			"connector_type", string(connectorType),
			"delivery", header.Delivery,
			"error", err.Error(),
		)
		return err
	}

	sink, ok := connector.(DeliverySink)
	if !ok {
		d.logger.Info("webhook delivery verified, connector consumes no deliveries",
			"connector_type", string(connectorType),
			"delivery", header.Delivery,
		)
		return nil
	}

	if err := sink.HandleDelivery(ctx, header, body); err != nil {
		return err
	}
	d.logger.Info("webhook delivery processed",
		"connector_type", string(connectorType),
		"delivery", header.Delivery,
		"duration_ms", time.Since(startedAt).Milliseconds(),
	)
	return nil
}

func (d *Dispatcher) verifySignature(
	ctx context.Context,
	connectorType core.ConnectorType,
	connector core.Connector,
	header core.WebhookHeader,
	body []byte,
) error {
	if d.secrets != nil {
		if verifier, ok := connector.(SecretVerifier); ok {
			secret, err := d.secrets.SigningSecret(ctx, connectorType)
			if err == nil {
				return verifier.VerifyWebhookSignature(header, body, secret)
			}
			d.logger.Info("no signing secret from source, using connector default",
				"connector_type", string(connectorType),
				"delivery", header.Delivery,
			)
		}
	}
	return connector.ValidateWebhookSignature(header, body)
}
