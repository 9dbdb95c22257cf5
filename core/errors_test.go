package core

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

func TestMapError_TaxonomyCarriesStableCodes(t *testing.T) {
	identity := NewProviderIdentity("github", "u1")
	cases := []struct {
		name     string
		err      error
		status   int
		textCode string
		category goerrors.Category
	}{
		{
			name:     "circuit open",
			err:      &CircuitOpenError{Provider: "github", OperationClass: "repos.list", State: CircuitOpen, RetryAfter: time.Second},
			status:   http.StatusServiceUnavailable,
			textCode: ErrorCircuitOpen,
			category: goerrors.CategoryExternal,
		},
		{
			name:     "rate limited",
			err:      &RateLimitError{Provider: "github", OperationClass: "repos.list", RetryAfter: 30 * time.Second},
			status:   http.StatusTooManyRequests,
			textCode: ErrorRateLimited,
			category: goerrors.CategoryRateLimit,
		},
		{
			name:     "authentication",
			err:      &AuthenticationError{Identity: identity, Reason: "refresh rejected"},
			status:   http.StatusUnauthorized,
			textCode: ErrorAuthentication,
			category: goerrors.CategoryAuth,
		},
		{
			name:     "upstream",
			err:      &UpstreamError{Provider: "github", OperationClass: "repos.list", StatusCode: 500},
			status:   http.StatusBadGateway,
			textCode: ErrorUpstream,
			category: goerrors.CategoryExternal,
		},
		{
			name:     "timeout",
			err:      &TimeoutError{Provider: "github", OperationClass: "repos.list", Timeout: time.Second},
			status:   http.StatusGatewayTimeout,
			textCode: ErrorTimeout,
			category: goerrors.CategoryExternal,
		},
		{
			name:     "webhook signature",
			err:      &WebhookSignatureError{Provider: "github", Reason: "mismatch"},
			status:   http.StatusUnauthorized,
			textCode: ErrorWebhookSignature,
			category: goerrors.CategoryAuth,
		},
		{
			name:     "sync",
			err:      &SyncError{Identity: identity, Failed: 3, Cause: stderrors.New("boom")},
			status:   http.StatusBadGateway,
			textCode: ErrorSync,
			category: goerrors.CategoryOperation,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("adapter: %w", tc.err)
			mapped := MapError(wrapped)
			if mapped == nil {
				t.Fatalf("expected mapped error")
			}
			if mapped.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, mapped.Code)
			}
			if mapped.TextCode != tc.textCode {
				t.Fatalf("expected text code %q, got %q", tc.textCode, mapped.TextCode)
			}
			if mapped.Category != tc.category {
				t.Fatalf("expected category %q, got %q", tc.category, mapped.Category)
			}
			if got := ErrorCode(wrapped); got != tc.textCode {
				t.Fatalf("expected error code %q, got %q", tc.textCode, got)
			}
		})
	}
}

func TestMapError_DoesNotClassifyByMessageText(t *testing.T) {
	mapped := MapError(stderrors.New("rate limit exceeded, request timeout"))
	if mapped.TextCode == ErrorRateLimited || mapped.TextCode == ErrorTimeout {
		t.Fatalf("expected message text to be ignored, got %q", mapped.TextCode)
	}
}

func TestMapError_ContextAndSentinels(t *testing.T) {
	if got := MapError(fmt.Errorf("call: %w", context.DeadlineExceeded)); got.TextCode != ErrorTimeout {
		t.Fatalf("expected timeout code, got %q", got.TextCode)
	}
	if got := MapError(context.Canceled); got.TextCode != ErrorCanceled {
		t.Fatalf("expected canceled code, got %q", got.TextCode)
	}
	if got := MapError(fmt.Errorf("load: %w", ErrCredentialNotFound)); got.Code != http.StatusNotFound {
		t.Fatalf("expected not found status, got %d", got.Code)
	}
	if got := MapError(ErrIntegrationRegistered); got.TextCode != ErrorConflict {
		t.Fatalf("expected conflict code, got %q", got.TextCode)
	}
	if MapError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestRateLimitError_ServiceErrorMetadata(t *testing.T) {
	reset := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)
	err := &RateLimitError{
		Provider:       "shopify",
		OperationClass: "orders.list",
		RetryAfter:     30 * time.Second,
		Info:           RateLimitInfo{Limit: 40, Remaining: 0, ResetAt: &reset},
	}
	mapped := err.ToServiceError()
	if mapped.Metadata["retry_after_ms"] != int64(30000) {
		t.Fatalf("expected retry hint, got %#v", mapped.Metadata["retry_after_ms"])
	}
	if mapped.Metadata["limit"] != 40 {
		t.Fatalf("expected limit metadata, got %#v", mapped.Metadata["limit"])
	}
}

func TestUpstreamError_Transient(t *testing.T) {
	if !(&UpstreamError{StatusCode: 503}).Transient() {
		t.Fatalf("expected 503 to be transient")
	}
	if (&UpstreamError{StatusCode: 404}).Transient() {
		t.Fatalf("expected 404 to be permanent")
	}
	if !(&UpstreamError{Cause: stderrors.New("connection reset")}).Transient() {
		t.Fatalf("expected transport failure to be transient")
	}
}

func TestBadInputError_IsValidationEnvelope(t *testing.T) {
	err := BadInputError("provider", "provider is required")
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.TextCode != ErrorBadInput {
		t.Fatalf("expected bad input code, got %q", rich.TextCode)
	}
}
