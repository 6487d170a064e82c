package core

import (
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	IntegrationErrorBadInput         = "INTEGRATION_BAD_INPUT"
	IntegrationErrorNotFound         = "INTEGRATION_NOT_FOUND"
	IntegrationErrorAlreadyExists    = "INTEGRATION_ALREADY_EXISTS"
	IntegrationErrorStateInvalid     = "INTEGRATION_STATE_INVALID"
	IntegrationErrorSignatureInvalid = "INTEGRATION_SIGNATURE_INVALID"
	IntegrationErrorProviderFailed   = "INTEGRATION_PROVIDER_FAILED"
	IntegrationErrorStorageFailed    = "INTEGRATION_STORAGE_FAILED"
	IntegrationErrorInternal         = "INTEGRATION_INTERNAL_ERROR"
)

// NewValidationError wraps caller mistakes: missing identifiers, unknown
// connector types, malformed grants.
func NewValidationError(message string) *goerrors.Error {
	return ensureIntegrationErrorEnvelope(
		goerrors.New(message, goerrors.CategoryBadInput).
			WithTextCode(IntegrationErrorBadInput),
	)
}

// NewConflictError reports a violated uniqueness rule, most often a second
// integration for the same (organization, connector type) pair.
func NewConflictError(message string) *goerrors.Error {
	return ensureIntegrationErrorEnvelope(
		goerrors.New(message, goerrors.CategoryConflict).
			WithTextCode(IntegrationErrorAlreadyExists),
	)
}

// NewNotFoundError reports a missing integration or credential.
func NewNotFoundError(message string) *goerrors.Error {
	return ensureIntegrationErrorEnvelope(
		goerrors.New(message, goerrors.CategoryNotFound).
			WithTextCode(IntegrationErrorNotFound),
	)
}

// NewStateError reports an expired or tampered correlation token. A token
// that merely fails to decode is a validation error, not a state error.
func NewStateError(message string) *goerrors.Error {
	return ensureIntegrationErrorEnvelope(
		goerrors.New(message, goerrors.CategoryAuth).
			WithTextCode(IntegrationErrorStateInvalid),
	)
}

// NewSignatureError reports a webhook delivery that failed authentication.
func NewSignatureError(message string) *goerrors.Error {
	return ensureIntegrationErrorEnvelope(
		goerrors.New(message, goerrors.CategoryAuth).
			WithTextCode(IntegrationErrorSignatureInvalid),
	)
}

// NewProviderError wraps a failure reported by or while talking to the
// external provider.
func NewProviderError(message string, cause error) *goerrors.Error {
	if cause != nil {
		return ensureIntegrationErrorEnvelope(
			goerrors.Wrap(cause, goerrors.CategoryOperation, message).
				WithTextCode(IntegrationErrorProviderFailed),
		)
	}
	return ensureIntegrationErrorEnvelope(
		goerrors.New(message, goerrors.CategoryOperation).
			WithTextCode(IntegrationErrorProviderFailed),
	)
}

// NewStorageError wraps a persistence failure.
func NewStorageError(message string, cause error) *goerrors.Error {
	if cause != nil {
		return ensureIntegrationErrorEnvelope(
			goerrors.Wrap(cause, goerrors.CategoryInternal, message).
				WithTextCode(IntegrationErrorStorageFailed),
		)
	}
	return ensureIntegrationErrorEnvelope(
		goerrors.New(message, goerrors.CategoryInternal).
			WithTextCode(IntegrationErrorStorageFailed),
	)
}

// IsConflict reports whether err carries the duplicate-integration code.
func IsConflict(err error) bool {
	return hasTextCode(err, IntegrationErrorAlreadyExists)
}

// IsNotFound reports whether err carries the not-found code.
func IsNotFound(err error) bool {
	return hasTextCode(err, IntegrationErrorNotFound)
}

func hasTextCode(err error, textCode string) bool {
	if err == nil {
		return false
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	return richErr.TextCode == textCode
}

func integrationErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureIntegrationErrorEnvelope(richErr)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "not found"):
		return ensureIntegrationErrorEnvelope(
			goerrors.New(err.Error(), goerrors.CategoryNotFound).
				WithTextCode(IntegrationErrorNotFound))
	case strings.Contains(msg, "already exists"):
		return ensureIntegrationErrorEnvelope(
			goerrors.New(err.Error(), goerrors.CategoryConflict).
				WithTextCode(IntegrationErrorAlreadyExists))
	case strings.Contains(msg, "state"):
		return ensureIntegrationErrorEnvelope(
			goerrors.New(err.Error(), goerrors.CategoryAuth).
				WithTextCode(IntegrationErrorStateInvalid))
	case strings.Contains(msg, "signature"):
		return ensureIntegrationErrorEnvelope(
			goerrors.New(err.Error(), goerrors.CategoryAuth).
				WithTextCode(IntegrationErrorSignatureInvalid))
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return ensureIntegrationErrorEnvelope(
			goerrors.New(err.Error(), goerrors.CategoryBadInput).
				WithTextCode(IntegrationErrorBadInput))
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureIntegrationErrorEnvelope(mapped)
}

func ensureIntegrationErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = integrationHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultIntegrationTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultIntegrationTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return IntegrationErrorBadInput
	case goerrors.CategoryNotFound:
		return IntegrationErrorNotFound
	case goerrors.CategoryConflict:
		return IntegrationErrorAlreadyExists
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return IntegrationErrorStateInvalid
	case goerrors.CategoryOperation:
		return IntegrationErrorProviderFailed
	default:
		return IntegrationErrorInternal
	}
}

func integrationHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
