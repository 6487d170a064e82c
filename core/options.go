package core

import (
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type ErrorMapper func(err error) *goerrors.Error

type serviceBuilder struct {
	logger           Logger
	loggerProvider   LoggerProvider
	metricsRecorder  MetricsRecorder
	errorMapper      ErrorMapper
	registry         *ConnectorRegistry
	integrationStore IntegrationStore
	credentialStore  CredentialStore
	cipher           Cipher
	stateCodec       StateCodec
	identityResolver IdentityResolver
	secretSource     SecretSource
	eventSink        EventSink
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithRegistry(registry *ConnectorRegistry) Option {
	return func(b *serviceBuilder) {
		b.registry = registry
	}
}

func WithConnector(connector Connector) Option {
	return func(b *serviceBuilder) {
		if b.registry == nil {
			b.registry = NewConnectorRegistry()
		}
		_ = b.registry.Register(connector)
	}
}

func WithIntegrationStore(store IntegrationStore) Option {
	return func(b *serviceBuilder) {
		b.integrationStore = store
	}
}

func WithCredentialStore(store CredentialStore) Option {
	return func(b *serviceBuilder) {
		b.credentialStore = store
	}
}

func WithCipher(cipher Cipher) Option {
	return func(b *serviceBuilder) {
		b.cipher = cipher
	}
}

func WithStateCodec(codec StateCodec) Option {
	return func(b *serviceBuilder) {
		b.stateCodec = codec
	}
}

func WithIdentityResolver(resolver IdentityResolver) Option {
	return func(b *serviceBuilder) {
		b.identityResolver = resolver
	}
}

func WithSecretSource(source SecretSource) Option {
	return func(b *serviceBuilder) {
		b.secretSource = source
	}
}

func WithEventSink(sink EventSink) Option {
	return func(b *serviceBuilder) {
		b.eventSink = sink
	}
}
