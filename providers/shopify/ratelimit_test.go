package shopify

import (
	"context"
	"net/http"
	"testing"

	"github.com/goliatone/go-integrations/transport"
)

func TestNormalizeAdminAPIHeaders_MapsCallLimit(t *testing.T) {
	headers := NormalizeAdminAPIHeaders(http.StatusOK, map[string]string{
		"X-Shopify-Shop-Api-Call-Limit": "10/40",
		"X-Request-Id":                  "req_1",
	})
	if headers["X-RateLimit-Limit"] != "40" {
		t.Fatalf("expected limit header 40, got %q", headers["X-RateLimit-Limit"])
	}
	if headers["X-RateLimit-Remaining"] != "30" {
		t.Fatalf("expected remaining header 30, got %q", headers["X-RateLimit-Remaining"])
	}
	if headers["X-Request-Id"] != "req_1" {
		t.Fatalf("expected other headers preserved")
	}

	over := NormalizeAdminAPIHeaders(http.StatusOK, map[string]string{"X-Shopify-Shop-Api-Call-Limit": "41/40"})
	if over["X-RateLimit-Remaining"] != "0" {
		t.Fatalf("expected remaining clamped to zero, got %q", over["X-RateLimit-Remaining"])
	}
	if _, ok := NormalizeAdminAPIHeaders(http.StatusOK, map[string]string{"X-Shopify-Shop-Api-Call-Limit": "bogus"})["X-RateLimit-Limit"]; ok {
		t.Fatalf("expected malformed call limit to be ignored")
	}
}

func TestNormalizeAdminAPIHeaders_RetryAfter(t *testing.T) {
	fractional := NormalizeAdminAPIHeaders(http.StatusTooManyRequests, map[string]string{"retry-after": "2.5"})
	if fractional["Retry-After"] != "3" {
		t.Fatalf("expected fractional retry-after rounded up to 3, got %q", fractional["Retry-After"])
	}
	if _, ok := fractional["retry-after"]; ok {
		t.Fatalf("expected original retry-after key replaced")
	}

	fallback := NormalizeAdminAPIHeaders(http.StatusTooManyRequests, map[string]string{})
	if fallback["Retry-After"] != "2" {
		t.Fatalf("expected default retry-after 2, got %q", fallback["Retry-After"])
	}
	if _, ok := NormalizeAdminAPIHeaders(http.StatusOK, map[string]string{})["Retry-After"]; ok {
		t.Fatalf("expected no retry-after on success")
	}
}

type recordingAdapter struct {
	last transport.Request
	res  transport.Response
}

func (a *recordingAdapter) Kind() string { return "recording" }

func (a *recordingAdapter) Do(_ context.Context, req transport.Request) (transport.Response, error) {
	a.last = req
	return a.res, nil
}

func TestAdminTransport_MovesBearerToAccessTokenHeader(t *testing.T) {
	next := &recordingAdapter{res: transport.Response{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"X-Shopify-Shop-Api-Call-Limit": "1/40"},
	}}
	admin := NewAdminTransport(next)

	res, err := admin.Do(context.Background(), transport.Request{
		URL:     "/shop.json",
		Headers: map[string]string{"Authorization": "Bearer shpat_123", "Accept": "application/json"},
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if _, ok := next.last.Headers["Authorization"]; ok {
		t.Fatalf("expected authorization header removed")
	}
	if next.last.Headers["X-Shopify-Access-Token"] != "shpat_123" {
		t.Fatalf("expected access token header, got %+v", next.last.Headers)
	}
	if res.Headers["X-RateLimit-Remaining"] != "39" {
		t.Fatalf("expected normalized response headers, got %+v", res.Headers)
	}
}
