package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-integrations/core"
)

func newTestPolicy(now *time.Time) (*Policy, *MemoryStateStore) {
	store := NewMemoryStateStore()
	policy := NewPolicy(store)
	policy.Now = func() time.Time { return *now }
	return policy, store
}

func TestPolicy_BeforeCallAllowsWhenNoState(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	policy, _ := newTestPolicy(&now)
	if err := policy.BeforeCall(context.Background(), Key{Provider: "github", OperationClass: "repos.list"}); err != nil {
		t.Fatalf("expected no error without state, got %v", err)
	}
}

func TestPolicy_AfterResponseRecordsQuotaHeaders(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()
	policy, store := newTestPolicy(&now)
	key := Key{Provider: "GitHub", OperationClass: "Repos.List"}

	info, err := policy.AfterResponse(ctx, key, ResponseMeta{
		StatusCode: 200,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "5000",
			"X-RateLimit-Remaining": "4999",
			"X-RateLimit-Reset":     "1700000045",
		},
		Metadata: map[string]any{"endpoint": "repos"},
	})
	if err != nil {
		t.Fatalf("after response: %v", err)
	}
	if info.Limit != 5000 || info.Remaining != 4999 {
		t.Fatalf("unexpected info %+v", info)
	}

	state, err := store.Get(ctx, Key{Provider: "github", OperationClass: "repos.list"})
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.ResetAt == nil || !state.ResetAt.Equal(now.Add(45*time.Second)) {
		t.Fatalf("expected reset in 45s, got %+v", state.ResetAt)
	}
	if state.ThrottledUntil != nil {
		t.Fatalf("expected no throttle window with remaining quota")
	}
	if state.Metadata["endpoint"] != "repos" {
		t.Fatalf("expected metadata to be kept")
	}
}

func TestPolicy_ExhaustedQuotaSuppressesUntilReset(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()
	policy, _ := newTestPolicy(&now)
	key := Key{Provider: "github", OperationClass: "repos.list"}

	_, err := policy.AfterResponse(ctx, key, ResponseMeta{
		StatusCode: 200,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "60",
			"X-RateLimit-Remaining": "0",
			"X-RateLimit-Reset":     "1700000020",
		},
	})
	if err != nil {
		t.Fatalf("after response: %v", err)
	}

	err = policy.BeforeCall(ctx, key)
	var rateErr *core.RateLimitError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if !rateErr.Suppressed || rateErr.RetryAfter != 20*time.Second {
		t.Fatalf("expected suppressed error with 20s retry, got %+v", rateErr)
	}

	if err := policy.BeforeCall(ctx, Key{Provider: "github", OperationClass: "issues.list"}); err != nil {
		t.Fatalf("expected other operation class to be unaffected, got %v", err)
	}

	now = now.Add(21 * time.Second)
	if err := policy.BeforeCall(ctx, key); err != nil {
		t.Fatalf("expected calls allowed after reset, got %v", err)
	}
}

func TestPolicy_LimitWithoutRemainingDoesNotThrottle(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()
	policy, store := newTestPolicy(&now)
	key := Key{Provider: "x", OperationClass: "items.list"}

	_, err := policy.AfterResponse(ctx, key, ResponseMeta{
		StatusCode: 200,
		Headers: map[string]string{
			"X-RateLimit-Limit": "100",
			"X-RateLimit-Reset": "1700000060",
		},
	})
	if err != nil {
		t.Fatalf("after response: %v", err)
	}
	if err := policy.BeforeCall(ctx, key); err != nil {
		t.Fatalf("expected healthy provider to stay callable, got %v", err)
	}
	state, _ := store.Get(ctx, key)
	if state.ThrottledUntil != nil || state.Limit != 100 {
		t.Fatalf("expected limit recorded without a throttle window, got %+v", state)
	}
}

func TestPolicy_ThrottleUsesRetryAfterOrBackoff(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()
	policy, _ := newTestPolicy(&now)
	policy.InitialBackoff = time.Second
	policy.MaxBackoff = 3 * time.Second
	key := Key{Provider: "stripe", OperationClass: "charges.list"}

	delay, err := policy.Throttle(ctx, key, 30*time.Second, core.RateLimitInfo{})
	if err != nil {
		t.Fatalf("throttle: %v", err)
	}
	if delay != 30*time.Second {
		t.Fatalf("expected retry-after to be honored, got %s", delay)
	}

	now = now.Add(31 * time.Second)
	delays := []time.Duration{}
	for i := 0; i < 3; i++ {
		d, err := policy.Throttle(ctx, key, 0, core.RateLimitInfo{})
		if err != nil {
			t.Fatalf("throttle: %v", err)
		}
		delays = append(delays, d)
	}
	if delays[0] != 2*time.Second || delays[1] != 3*time.Second || delays[2] != 3*time.Second {
		t.Fatalf("expected capped exponential backoff, got %v", delays)
	}
}

func TestPolicy_SuccessfulResponseClearsThrottle(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()
	policy, store := newTestPolicy(&now)
	key := Key{Provider: "github", OperationClass: "repos.list"}

	if _, err := policy.Throttle(ctx, key, time.Second, core.RateLimitInfo{}); err != nil {
		t.Fatalf("throttle: %v", err)
	}
	now = now.Add(2 * time.Second)
	if _, err := policy.AfterResponse(ctx, key, ResponseMeta{StatusCode: 200}); err != nil {
		t.Fatalf("after response: %v", err)
	}
	state, _ := store.Get(ctx, key)
	if state.Attempts != 0 || state.ThrottledUntil != nil {
		t.Fatalf("expected throttle state cleared, got %+v", state)
	}
}

func TestParseRetryAfter_SecondsAndHTTPDate(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if d, ok := ParseRetryAfter(map[string]string{"Retry-After": "30"}, now); !ok || d != 30*time.Second {
		t.Fatalf("expected 30s, got %s %v", d, ok)
	}
	date := now.Add(90 * time.Second).Format(time.RFC1123)
	if d, ok := ParseRetryAfter(map[string]string{"retry-after": date}, now); !ok || d != 90*time.Second {
		t.Fatalf("expected 90s from http date, got %s %v", d, ok)
	}
	if _, ok := ParseRetryAfter(map[string]string{"Retry-After": "soon"}, now); ok {
		t.Fatalf("expected invalid value to be ignored")
	}
	if _, ok := ParseRetryAfter(nil, now); ok {
		t.Fatalf("expected missing header to be ignored")
	}
}
