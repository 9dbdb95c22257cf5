package protect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-integrations/core"
	"github.com/goliatone/go-integrations/ratelimit"
)

type outcome int

const (
	outcomeSuccess outcome = iota
	// provider answered but refused the request (4xx)
	outcomeRejected
	outcomeFailure
	outcomeRateLimited
	// caller went away, provider health unknown
	outcomeAbandoned
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeRejected:
		return "rejected"
	case outcomeFailure:
		return "failure"
	case outcomeRateLimited:
		return "rate_limited"
	default:
		return "abandoned"
	}
}

// classify maps the error returned by a protected function onto the taxonomy.
// Anything outside the taxonomy is reported as an UpstreamError wrapping it.
func classify(ctx context.Context, call core.Call, timeout time.Duration, err error) (outcome, error) {
	if err == nil {
		return outcomeSuccess, nil
	}

	var rateErr *core.RateLimitError
	if errors.As(err, &rateErr) {
		fillCall(&rateErr.Provider, &rateErr.OperationClass, call)
		return outcomeRateLimited, err
	}
	var timeoutErr *core.TimeoutError
	if errors.As(err, &timeoutErr) {
		fillCall(&timeoutErr.Provider, &timeoutErr.OperationClass, call)
		return outcomeFailure, err
	}
	var upstreamErr *core.UpstreamError
	if errors.As(err, &upstreamErr) {
		fillCall(&upstreamErr.Provider, &upstreamErr.OperationClass, call)
		if upstreamErr.StatusCode == http.StatusTooManyRequests {
			return outcomeRateLimited, &core.RateLimitError{
				Provider:       upstreamErr.Provider,
				OperationClass: upstreamErr.OperationClass,
				ProviderCode:   upstreamErr.ProviderCode,
			}
		}
		if upstreamErr.Transient() {
			return outcomeFailure, err
		}
		return outcomeRejected, err
	}
	var authErr *core.AuthenticationError
	if errors.As(err, &authErr) {
		return outcomeRejected, err
	}
	var openErr *core.CircuitOpenError
	if errors.As(err, &openErr) {
		return outcomeAbandoned, err
	}

	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return outcomeAbandoned, err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return outcomeFailure, &core.TimeoutError{
			Provider:       call.Provider,
			OperationClass: call.OperationClass,
			Timeout:        timeout,
			Cause:          err,
		}
	}
	return outcomeFailure, &core.UpstreamError{
		Provider:       call.Provider,
		OperationClass: call.OperationClass,
		Cause:          err,
	}
}

func fillCall(provider, operationClass *string, call core.Call) {
	if strings.TrimSpace(*provider) == "" {
		*provider = call.Provider
	}
	if strings.TrimSpace(*operationClass) == "" {
		*operationClass = call.OperationClass
	}
}

// Response is the provider answer handed to a ResponseClassifier.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// ResponseClassifier turns provider HTTP responses into taxonomy errors using
// the status code, rate-limit headers and the provider error code field.
type ResponseClassifier struct {
	// RateLimitCodes are provider error codes that mean throttling even when
	// the status code is not 429.
	RateLimitCodes []string
	// CodeFields are dotted JSON paths checked for the provider error code.
	CodeFields []string
	// MessageFields are dotted JSON paths checked for a provider message.
	MessageFields []string
	Now           func() time.Time
}

var (
	defaultCodeFields    = []string{"error_code", "errorCode", "code", "error.code", "errors.0.code", "error.type", "error"}
	defaultMessageFields = []string{"message", "error_description", "error.message", "errors.0.message", "errors"}
)

// Classify returns nil for a successful response.
func (c ResponseClassifier) Classify(call core.Call, res Response) error {
	payload := decodePayload(res.Body)
	providerCode := firstString(payload, c.codeFields())

	if res.StatusCode == http.StatusTooManyRequests || c.isRateLimitCode(providerCode) {
		now := time.Now().UTC()
		if c.Now != nil {
			now = c.Now().UTC()
		}
		retryAfter, _ := ratelimit.ParseRetryAfter(res.Headers, now)
		info, _ := ratelimit.InfoFromHeaders(res.Headers)
		return &core.RateLimitError{
			Provider:       call.Provider,
			OperationClass: call.OperationClass,
			RetryAfter:     retryAfter,
			Info:           info,
			ProviderCode:   providerCode,
		}
	}
	if res.StatusCode >= 200 && res.StatusCode < 400 {
		return nil
	}
	return &core.UpstreamError{
		Provider:       call.Provider,
		OperationClass: call.OperationClass,
		StatusCode:     res.StatusCode,
		ProviderCode:   providerCode,
		Message:        firstString(payload, c.messageFields()),
	}
}

func (c ResponseClassifier) isRateLimitCode(code string) bool {
	if code == "" {
		return false
	}
	for _, candidate := range c.RateLimitCodes {
		if strings.EqualFold(strings.TrimSpace(candidate), code) {
			return true
		}
	}
	return false
}

func (c ResponseClassifier) codeFields() []string {
	if len(c.CodeFields) > 0 {
		return c.CodeFields
	}
	return defaultCodeFields
}

func (c ResponseClassifier) messageFields() []string {
	if len(c.MessageFields) > 0 {
		return c.MessageFields
	}
	return defaultMessageFields
}

func decodePayload(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	return payload
}

func firstString(payload any, paths []string) string {
	for _, path := range paths {
		if value, ok := lookupPath(payload, path); ok {
			switch typed := value.(type) {
			case string:
				if strings.TrimSpace(typed) != "" {
					return strings.TrimSpace(typed)
				}
			case float64:
				return strconv.FormatFloat(typed, 'f', -1, 64)
			}
		}
	}
	return ""
}

func lookupPath(payload any, path string) (any, bool) {
	current := payload
	for _, segment := range strings.Split(path, ".") {
		switch typed := current.(type) {
		case map[string]any:
			next, ok := typed[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(typed) {
				return nil, false
			}
			current = typed[index]
		default:
			return nil, false
		}
	}
	return current, current != nil
}

func panicError(call core.Call, recovered any) error {
	return fmt.Errorf("protect: %s panicked: %v", call.Key(), recovered)
}
