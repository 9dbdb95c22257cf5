package shopify

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-integrations/transport"
)

const (
	defaultRetryAfter429 = 2 * time.Second

	headerAccessToken = "X-Shopify-Access-Token"
	headerCallLimit   = "X-Shopify-Shop-Api-Call-Limit"
)

// AdminTransport adapts the Admin API dialect to the shared runtime. Bearer
// credentials move to X-Shopify-Access-Token, the leaky bucket header is
// rewritten into the X-RateLimit family and throttled answers always carry a
// whole second Retry-After.
type AdminTransport struct {
	next transport.Adapter
}

func NewAdminTransport(next transport.Adapter) *AdminTransport {
	if next == nil {
		next = transport.NewRESTAdapter(nil)
	}
	return &AdminTransport{next: next}
}

func (t *AdminTransport) Kind() string {
	return "shopify-admin"
}

func (t *AdminTransport) Do(ctx context.Context, req transport.Request) (transport.Response, error) {
	headers := make(map[string]string, len(req.Headers))
	for key, value := range req.Headers {
		if strings.EqualFold(key, "Authorization") {
			_, token, _ := strings.Cut(strings.TrimSpace(value), " ")
			headers[headerAccessToken] = strings.TrimSpace(token)
			continue
		}
		headers[key] = value
	}
	req.Headers = headers

	res, err := t.next.Do(ctx, req)
	if err != nil {
		return res, err
	}
	res.Headers = NormalizeAdminAPIHeaders(res.StatusCode, res.Headers)
	return res, nil
}

// NormalizeAdminAPIHeaders returns a copy of headers with the call limit
// expressed as X-RateLimit-Limit and X-RateLimit-Remaining.
func NormalizeAdminAPIHeaders(status int, headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers)+3)
	for key, value := range headers {
		out[key] = value
	}

	if used, limit, ok := parseShopifyCallLimit(headerValue(out, headerCallLimit)); ok {
		remaining := limit - used
		if remaining < 0 {
			remaining = 0
		}
		out["X-RateLimit-Limit"] = strconv.Itoa(limit)
		out["X-RateLimit-Remaining"] = strconv.Itoa(remaining)
	}

	retryAfter, ok := parseRetryAfter(out)
	if !ok && status == http.StatusTooManyRequests {
		retryAfter, ok = defaultRetryAfter429, true
	}
	if ok {
		deleteHeader(out, "Retry-After")
		out["Retry-After"] = strconv.Itoa(int(retryAfter / time.Second))
	}
	return out
}

func parseShopifyCallLimit(value string) (used int, limit int, ok bool) {
	parts := strings.Split(strings.TrimSpace(value), "/")
	if len(parts) != 2 {
		return 0, 0, false
	}
	used, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || used < 0 {
		return 0, 0, false
	}
	limit, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || limit <= 0 {
		return 0, 0, false
	}
	return used, limit, true
}

// parseRetryAfter accepts Shopify's fractional seconds ("2.0") and rounds up.
func parseRetryAfter(headers map[string]string) (time.Duration, bool) {
	raw := headerValue(headers, "Retry-After")
	if raw == "" {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil || seconds <= 0 {
		return 0, false
	}
	return time.Duration(math.Ceil(seconds)) * time.Second, true
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func deleteHeader(headers map[string]string, key string) {
	for existing := range headers {
		if strings.EqualFold(existing, key) {
			delete(headers, existing)
		}
	}
}

var _ transport.Adapter = (*AdminTransport)(nil)
