package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ErrorBadInput         = "INTEGRATION_BAD_INPUT"
	ErrorNotFound         = "INTEGRATION_NOT_FOUND"
	ErrorConflict         = "INTEGRATION_CONFLICT"
	ErrorUnauthorized     = "INTEGRATION_UNAUTHORIZED"
	ErrorForbidden        = "INTEGRATION_FORBIDDEN"
	ErrorAuthentication   = "INTEGRATION_AUTHENTICATION_FAILED"
	ErrorCircuitOpen      = "INTEGRATION_CIRCUIT_OPEN"
	ErrorRateLimited      = "INTEGRATION_RATE_LIMITED"
	ErrorUpstream         = "INTEGRATION_UPSTREAM_ERROR"
	ErrorTimeout          = "INTEGRATION_TIMEOUT"
	ErrorWebhookSignature = "INTEGRATION_WEBHOOK_SIGNATURE_INVALID"
	ErrorSync             = "INTEGRATION_SYNC_FAILED"
	ErrorOperationFailed  = "INTEGRATION_OPERATION_FAILED"
	ErrorExternalFailure  = "INTEGRATION_EXTERNAL_FAILURE"
	ErrorCanceled         = "INTEGRATION_CANCELED"
	ErrorInternal         = "INTEGRATION_INTERNAL_ERROR"
)

// ServiceError is implemented by every error in the taxonomy.
type ServiceError interface {
	error
	ToServiceError() *goerrors.Error
}

// AuthenticationError means the credential is invalid, expired or could not
// be refreshed. Callers should prompt the user to reconnect.
type AuthenticationError struct {
	Identity ProviderIdentity
	Reason   string
	Cause    error
}

func (e *AuthenticationError) Error() string {
	msg := fmt.Sprintf("integrations: authentication failed for %s", e.Identity.Key())
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		msg += ": " + reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AuthenticationError) Unwrap() error { return e.Cause }

func (e *AuthenticationError) ToServiceError() *goerrors.Error {
	return newTaxonomyError(e, goerrors.CategoryAuth, http.StatusUnauthorized, ErrorAuthentication, map[string]any{
		"provider":           e.Identity.Provider,
		"user_id":            e.Identity.UserID,
		"reconnect_required": true,
	})
}

// CircuitOpenError is returned without calling the provider.
type CircuitOpenError struct {
	Provider       string
	OperationClass string
	State          CircuitState
	RetryAfter     time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf(
		"integrations: circuit %s for %s/%s, retry after %s",
		e.State, e.Provider, e.OperationClass, e.RetryAfter,
	)
}

func (e *CircuitOpenError) ToServiceError() *goerrors.Error {
	return newTaxonomyError(e, goerrors.CategoryExternal, http.StatusServiceUnavailable, ErrorCircuitOpen, map[string]any{
		"provider":        e.Provider,
		"operation_class": e.OperationClass,
		"retry_after_ms":  e.RetryAfter.Milliseconds(),
	})
}

type RateLimitError struct {
	Provider       string
	OperationClass string
	RetryAfter     time.Duration
	Info           RateLimitInfo
	ProviderCode   string
	// Suppressed is set when the call was refused locally because an earlier
	// response is still throttling the key.
	Suppressed bool
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf(
		"integrations: rate limited by %s/%s, retry after %s",
		e.Provider, e.OperationClass, e.RetryAfter,
	)
}

func (e *RateLimitError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{
		"provider":        e.Provider,
		"operation_class": e.OperationClass,
		"retry_after_ms":  e.RetryAfter.Milliseconds(),
	}
	if e.Info.Limit > 0 {
		metadata["limit"] = e.Info.Limit
		metadata["remaining"] = e.Info.Remaining
	}
	if e.Info.ResetAt != nil {
		metadata["reset_at"] = e.Info.ResetAt.UTC().Format(time.RFC3339)
	}
	if e.ProviderCode != "" {
		metadata["provider_code"] = e.ProviderCode
	}
	return newTaxonomyError(e, goerrors.CategoryRateLimit, http.StatusTooManyRequests, ErrorRateLimited, metadata)
}

// UpstreamError is a hard error answered by the provider.
type UpstreamError struct {
	Provider       string
	OperationClass string
	StatusCode     int
	ProviderCode   string
	Message        string
	Cause          error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("integrations: %s/%s upstream error", e.Provider, e.OperationClass)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.ProviderCode != "" {
		msg += " [" + e.ProviderCode + "]"
	}
	if m := strings.TrimSpace(e.Message); m != "" {
		msg += ": " + m
	} else if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

// Transient reports whether the provider signalled a server side fault, as
// opposed to rejecting the request itself.
func (e *UpstreamError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout
}

func (e *UpstreamError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{
		"provider":        e.Provider,
		"operation_class": e.OperationClass,
		"status_code":     e.StatusCode,
	}
	if e.ProviderCode != "" {
		metadata["provider_code"] = e.ProviderCode
	}
	return newTaxonomyError(e, goerrors.CategoryExternal, http.StatusBadGateway, ErrorUpstream, metadata)
}

type TimeoutError struct {
	Provider       string
	OperationClass string
	Timeout        time.Duration
	Cause          error
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("integrations: %s/%s timed out after %s", e.Provider, e.OperationClass, e.Timeout)
	}
	return fmt.Sprintf("integrations: %s/%s timed out", e.Provider, e.OperationClass)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

func (e *TimeoutError) ToServiceError() *goerrors.Error {
	return newTaxonomyError(e, goerrors.CategoryExternal, http.StatusGatewayTimeout, ErrorTimeout, map[string]any{
		"provider":        e.Provider,
		"operation_class": e.OperationClass,
		"timeout_ms":      e.Timeout.Milliseconds(),
	})
}

// WebhookSignatureError is terminal. The message never echoes the payload.
type WebhookSignatureError struct {
	Provider string
	Reason   string
	Cause    error
}

func (e *WebhookSignatureError) Error() string {
	msg := fmt.Sprintf("integrations: invalid webhook signature for %s", e.Provider)
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		msg += ": " + reason
	}
	return msg
}

func (e *WebhookSignatureError) Unwrap() error { return e.Cause }

func (e *WebhookSignatureError) ToServiceError() *goerrors.Error {
	return newTaxonomyError(e, goerrors.CategoryAuth, http.StatusUnauthorized, ErrorWebhookSignature, map[string]any{
		"provider": e.Provider,
	})
}

// SyncError is raised when every sub-task of a fan-out failed.
type SyncError struct {
	Identity ProviderIdentity
	Failed   int
	Cause    error
}

func (e *SyncError) Error() string {
	msg := fmt.Sprintf("integrations: sync failed for %s", e.Identity.Key())
	if e.Failed > 0 {
		msg += fmt.Sprintf(" (%d tasks failed)", e.Failed)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error { return e.Cause }

func (e *SyncError) ToServiceError() *goerrors.Error {
	return newTaxonomyError(e, goerrors.CategoryOperation, http.StatusBadGateway, ErrorSync, map[string]any{
		"provider":     e.Identity.Provider,
		"user_id":      e.Identity.UserID,
		"failed_tasks": e.Failed,
	})
}

// ErrorCode returns the text code used for metrics and logs.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var svc ServiceError
	if errors.As(err, &svc) {
		if mapped := svc.ToServiceError(); mapped != nil {
			return mapped.TextCode
		}
	}
	mapped := MapError(err)
	if mapped == nil {
		return ErrorInternal
	}
	return mapped.TextCode
}

// MapError converts err into a go-errors envelope. Classification relies on
// error types and sentinels only.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var svc ServiceError
	if errors.As(err, &svc) {
		return ensureErrorEnvelope(svc.ToServiceError())
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ensureErrorEnvelope(
			goerrors.Wrap(err, goerrors.CategoryExternal, "operation timed out").
				WithCode(http.StatusGatewayTimeout).
				WithTextCode(ErrorTimeout),
		)
	case errors.Is(err, context.Canceled):
		return ensureErrorEnvelope(
			goerrors.Wrap(err, goerrors.CategoryOperation, "operation canceled").
				WithTextCode(ErrorCanceled),
		)
	case errors.Is(err, ErrCredentialNotFound), errors.Is(err, ErrIntegrationNotFound):
		return ensureErrorEnvelope(goerrors.Wrap(err, goerrors.CategoryNotFound, err.Error()))
	case errors.Is(err, ErrIntegrationRegistered):
		return ensureErrorEnvelope(goerrors.Wrap(err, goerrors.CategoryConflict, err.Error()))
	case errors.Is(err, ErrInvalidIdentity):
		return ensureErrorEnvelope(goerrors.Wrap(err, goerrors.CategoryBadInput, err.Error()))
	}

	mapped := goerrors.MapToError(err, []goerrors.ErrorMapper{goerrors.MapHTTPErrors})
	return ensureErrorEnvelope(mapped)
}

func newTaxonomyError(
	source error,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) *goerrors.Error {
	err := goerrors.New(source.Error(), category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func ensureErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = errorHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ErrorBadInput
	case goerrors.CategoryNotFound:
		return ErrorNotFound
	case goerrors.CategoryAuth:
		return ErrorUnauthorized
	case goerrors.CategoryAuthz:
		return ErrorForbidden
	case goerrors.CategoryConflict:
		return ErrorConflict
	case goerrors.CategoryRateLimit:
		return ErrorRateLimited
	case goerrors.CategoryOperation:
		return ErrorOperationFailed
	case goerrors.CategoryExternal:
		return ErrorExternalFailure
	default:
		return ErrorInternal
	}
}

func errorHTTPStatus(category goerrors.Category) int {
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
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// BadInputError builds a validation envelope for a single field.
func BadInputError(field, message string) error {
	return goerrors.NewValidation(message, goerrors.FieldError{Field: field, Message: message}).
		WithCode(http.StatusBadRequest).
		WithSeverity(goerrors.SeverityError).
		WithTextCode(ErrorBadInput)
}

// InternalError reports a wiring fault, e.g. a handler built without its
// runtime.
func InternalError(message string) error {
	return goerrors.New(message, goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(ErrorInternal)
}
