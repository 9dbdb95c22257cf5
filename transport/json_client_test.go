package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goliatone/go-integrations/core"
	"github.com/goliatone/go-integrations/protect"
	"github.com/goliatone/go-integrations/ratelimit"
)

type recordingObserver struct {
	calls []ratelimit.ResponseMeta
}

func (o *recordingObserver) ObserveResponse(_ context.Context, _ core.Call, meta ratelimit.ResponseMeta) (core.RateLimitInfo, error) {
	o.calls = append(o.calls, meta)
	return core.RateLimitInfo{}, nil
}

func newJSONTestClient(t *testing.T, handler http.HandlerFunc, opts ...JSONClientOption) *JSONClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	adapter := NewRESTAdapter(server.Client())
	adapter.BaseURL = server.URL
	return NewJSONClient(adapter, opts...)
}

func TestJSONClient_SendsBearerAndDecodes(t *testing.T) {
	observer := &recordingObserver{}
	client := newJSONTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok_abc" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("expected json content type, got %q", got)
		}
		w.Header().Set("X-RateLimit-Limit", "100")
		w.Header().Set("X-RateLimit-Remaining", "99")
		_, _ = w.Write([]byte(`{"id":"item-1"}`))
	}, WithResponseObserver(observer))

	var out struct {
		ID string `json:"id"`
	}
	_, err := client.Do(context.Background(), core.NewCall("x", "sync.items"), JSONRequest{
		Method:     http.MethodPost,
		Path:       "/items",
		Body:       map[string]string{"name": "widget"},
		Credential: &core.Credential{AccessToken: "tok_abc"},
	}, &out)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if out.ID != "item-1" {
		t.Fatalf("expected decoded body, got %+v", out)
	}
	if len(observer.calls) != 1 || observer.calls[0].Headers["X-Ratelimit-Remaining"] != "99" {
		t.Fatalf("expected response observed with quota headers, got %+v", observer.calls)
	}
}

func TestJSONClient_ClassifiesProviderErrors(t *testing.T) {
	observer := &recordingObserver{}
	status := http.StatusInternalServerError
	client := newJSONTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "30")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"code":"backend_down","message":"try later"}}`))
	}, WithResponseObserver(observer), WithClassifier(protect.ResponseClassifier{CodeFields: []string{"error.code"}}))

	_, err := client.Do(context.Background(), core.NewCall("x", "sync.items"), JSONRequest{Path: "/items"}, nil)
	var upstream *core.UpstreamError
	if !errors.As(err, &upstream) || upstream.StatusCode != 500 || upstream.ProviderCode != "backend_down" {
		t.Fatalf("expected upstream 500 with provider code, got %v", err)
	}

	status = http.StatusTooManyRequests
	_, err = client.Do(context.Background(), core.NewCall("x", "sync.items"), JSONRequest{Path: "/items"}, nil)
	var rateErr *core.RateLimitError
	if !errors.As(err, &rateErr) || rateErr.RetryAfter != 30*time.Second {
		t.Fatalf("expected rate limit error with retry after, got %v", err)
	}
	if len(observer.calls) != 1 {
		t.Fatalf("expected 429 to be left to the executor, got %d observations", len(observer.calls))
	}
}

func TestJSONClient_MalformedBodyIsUpstreamError(t *testing.T) {
	client := newJSONTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})
	var out map[string]any
	_, err := client.Do(context.Background(), core.NewCall("x", "sync.items"), JSONRequest{Path: "/items"}, &out)
	var upstream *core.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected malformed body to surface as upstream error, got %v", err)
	}
}
