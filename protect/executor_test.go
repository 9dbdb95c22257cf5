package protect

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-integrations/core"
	"github.com/goliatone/go-integrations/ratelimit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingMetrics struct {
	mu         sync.Mutex
	calls      []core.CallMetric
	rateLimits []time.Duration
}

func (m *recordingMetrics) RecordCall(_ context.Context, metric core.CallMetric) {
	m.mu.Lock()
	m.calls = append(m.calls, metric)
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordRateLimit(_ context.Context, _, _ string, retryAfter time.Duration) {
	m.mu.Lock()
	m.rateLimits = append(m.rateLimits, retryAfter)
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordWebhook(context.Context, core.WebhookMetric) {}

func newTestExecutor(clock *fakeClock, mutate func(*Config), opts ...Option) *Executor {
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 0
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(cfg, opts...)
}

func failWith(status int, calls *int32) func(context.Context) error {
	return func(context.Context) error {
		atomic.AddInt32(calls, 1)
		return &core.UpstreamError{StatusCode: status}
	}
}

func TestExecutor_OpensAfterThresholdWithoutCallingProvider(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	executor := newTestExecutor(clock, nil)
	call := core.NewCall("x", "sync.items")

	var calls int32
	for i := 0; i < 5; i++ {
		err := executor.Execute(ctx, call, failWith(http.StatusInternalServerError, &calls))
		var upstream *core.UpstreamError
		if !errors.As(err, &upstream) || upstream.StatusCode != http.StatusInternalServerError {
			t.Fatalf("attempt %d: expected upstream 500, got %v", i+1, err)
		}
		if upstream.Provider != "x" || upstream.OperationClass != "sync.items" {
			t.Fatalf("expected call details on error, got %+v", upstream)
		}
	}

	err := executor.Execute(ctx, call, failWith(http.StatusInternalServerError, &calls))
	var open *core.CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("expected circuit open error, got %v", err)
	}
	if open.RetryAfter != 30*time.Second {
		t.Fatalf("expected 30s retry after, got %s", open.RetryAfter)
	}
	if got := atomic.LoadInt32(&calls); got != 5 {
		t.Fatalf("expected 5 outbound calls, got %d", got)
	}
}

func TestExecutor_SuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	executor := newTestExecutor(clock, nil)
	call := core.NewCall("x", "sync.items")

	var calls int32
	for i := 0; i < 4; i++ {
		_ = executor.Execute(ctx, call, failWith(http.StatusBadGateway, &calls))
	}
	if err := executor.Execute(ctx, call, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	for i := 0; i < 4; i++ {
		_ = executor.Execute(ctx, call, failWith(http.StatusBadGateway, &calls))
	}
	snapshot, ok := executor.Snapshot(call)
	if !ok || snapshot.State != core.CircuitClosed || snapshot.ConsecutiveFailures != 4 {
		t.Fatalf("expected closed circuit with 4 failures, got %+v", snapshot)
	}
}

func TestExecutor_HalfOpenAdmitsSingleTrial(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	executor := newTestExecutor(clock, func(cfg *Config) { cfg.FailureThreshold = 1 })
	call := core.NewCall("x", "sync.items")

	var calls int32
	_ = executor.Execute(ctx, call, failWith(http.StatusInternalServerError, &calls))
	clock.Advance(31 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	trialErr := make(chan error, 1)
	go func() {
		trialErr <- executor.Execute(ctx, call, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var probed int32
	err := executor.Execute(ctx, call, func(context.Context) error {
		atomic.AddInt32(&probed, 1)
		return nil
	})
	var open *core.CircuitOpenError
	if !errors.As(err, &open) || open.State != core.CircuitHalfOpen {
		t.Fatalf("expected half-open rejection, got %v", err)
	}
	if probed != 0 {
		t.Fatalf("second caller must not reach the provider")
	}

	close(release)
	if err := <-trialErr; err != nil {
		t.Fatalf("trial: %v", err)
	}
	snapshot, _ := executor.Snapshot(call)
	if snapshot.State != core.CircuitClosed {
		t.Fatalf("expected closed after successful trial, got %s", snapshot.State)
	}
}

func TestExecutor_FailedTrialExtendsCoolDownUpToCap(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	executor := newTestExecutor(clock, func(cfg *Config) {
		cfg.FailureThreshold = 1
		cfg.CoolDown = 10 * time.Second
		cfg.MaxCoolDown = 25 * time.Second
		cfg.CoolDownMultiplier = 2
	})
	call := core.NewCall("x", "sync.items")

	var calls int32
	_ = executor.Execute(ctx, call, failWith(http.StatusServiceUnavailable, &calls))

	expected := []time.Duration{20 * time.Second, 25 * time.Second, 25 * time.Second}
	wait := 10 * time.Second
	for i, want := range expected {
		clock.Advance(wait)
		err := executor.Execute(ctx, call, failWith(http.StatusServiceUnavailable, &calls))
		var upstream *core.UpstreamError
		if !errors.As(err, &upstream) {
			t.Fatalf("trial %d: expected the trial to reach the provider, got %v", i, err)
		}
		snapshot, _ := executor.Snapshot(call)
		if snapshot.State != core.CircuitOpen || snapshot.CoolDown != want {
			t.Fatalf("trial %d: expected open with %s cool-down, got %+v", i, want, snapshot)
		}
		if snapshot.Reopenings != i+1 {
			t.Fatalf("trial %d: expected %d reopenings, got %d", i, i+1, snapshot.Reopenings)
		}
		wait = want
	}
}

func TestExecutor_RateLimitCarriesRetryAfterWithoutOpening(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	metrics := &recordingMetrics{}
	executor := newTestExecutor(clock, nil, WithMetrics(metrics))
	call := core.NewCall("x", "sync.items")
	classifier := ResponseClassifier{Now: clock.Now}

	var calls int32
	err := executor.Execute(ctx, call, func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return classifier.Classify(call, Response{
			StatusCode: http.StatusTooManyRequests,
			Headers:    map[string]string{"Retry-After": "30"},
		})
	})
	var rateErr *core.RateLimitError
	if !errors.As(err, &rateErr) || rateErr.RetryAfter != 30*time.Second {
		t.Fatalf("expected rate limit with 30s retry after, got %v", err)
	}
	snapshot, _ := executor.Snapshot(call)
	if snapshot.State != core.CircuitClosed {
		t.Fatalf("a single 429 must not open the circuit, got %s", snapshot.State)
	}

	clock.Advance(5 * time.Second)
	err = executor.Execute(ctx, call, func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	if !errors.As(err, &rateErr) || !rateErr.Suppressed || rateErr.RetryAfter != 25*time.Second {
		t.Fatalf("expected locally suppressed call with 25s left, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("suppressed call must not reach the provider, got %d calls", calls)
	}
	if len(metrics.rateLimits) != 2 || metrics.rateLimits[0] != 30*time.Second {
		t.Fatalf("expected rate limit metrics, got %+v", metrics.rateLimits)
	}
}

func TestExecutor_RepeatedRateLimitsOpenCircuit(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	executor := newTestExecutor(clock, func(cfg *Config) { cfg.RateLimitThreshold = 3 })
	call := core.NewCall("x", "contacts.list")

	for i := 0; i < 3; i++ {
		err := executor.Execute(ctx, call, func(context.Context) error {
			return &core.RateLimitError{RetryAfter: time.Second}
		})
		var rateErr *core.RateLimitError
		if !errors.As(err, &rateErr) {
			t.Fatalf("attempt %d: expected rate limit error, got %v", i, err)
		}
		clock.Advance(2 * time.Second)
	}
	snapshot, _ := executor.Snapshot(call)
	if snapshot.State != core.CircuitOpen {
		t.Fatalf("expected repeated 429s to open the circuit, got %+v", snapshot)
	}
}

func TestExecutor_UpstreamTooManyRequestsBecomesRateLimit(t *testing.T) {
	clock := newFakeClock()
	executor := newTestExecutor(clock, nil)
	err := executor.Execute(context.Background(), core.NewCall("x", "sync.items"), func(context.Context) error {
		return &core.UpstreamError{StatusCode: http.StatusTooManyRequests, ProviderCode: "throttled"}
	})
	var rateErr *core.RateLimitError
	if !errors.As(err, &rateErr) || rateErr.ProviderCode != "throttled" {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if rateErr.RetryAfter <= 0 {
		t.Fatalf("expected a fallback retry hint, got %s", rateErr.RetryAfter)
	}
}

func TestExecutor_TimeoutCancelsOnlyThatCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := newFakeClock()
	executor := newTestExecutor(clock, nil)
	call := core.NewCall("x", "sync.items").WithTimeout(20 * time.Millisecond)

	err := executor.Execute(ctx, call, func(callCtx context.Context) error {
		<-callCtx.Done()
		return callCtx.Err()
	})
	var timeoutErr *core.TimeoutError
	if !errors.As(err, &timeoutErr) || timeoutErr.Timeout != 20*time.Millisecond {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("parent context must survive a call timeout")
	}
	if err := executor.Execute(ctx, call, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("expected next call to succeed, got %v", err)
	}
}

func TestExecutor_TimeoutAbandonsUncooperativeFunction(t *testing.T) {
	clock := newFakeClock()
	executor := newTestExecutor(clock, nil)
	block := make(chan struct{})
	defer close(block)

	err := executor.Execute(context.Background(), core.NewCall("x", "sync.items").WithTimeout(10*time.Millisecond), func(context.Context) error {
		<-block
		return nil
	})
	var timeoutErr *core.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestExecutor_OperationClassesAreIndependent(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	executor := newTestExecutor(clock, func(cfg *Config) { cfg.FailureThreshold = 2 })

	var calls int32
	items := core.NewCall("x", "sync.items")
	for i := 0; i < 2; i++ {
		_ = executor.Execute(ctx, items, failWith(http.StatusInternalServerError, &calls))
	}
	if err := executor.Execute(ctx, items, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected sync.items to be open")
	}
	if err := executor.Execute(ctx, core.NewCall("x", "auth.refresh"), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("auth.refresh must not share the sync.items circuit: %v", err)
	}
	if err := executor.Execute(ctx, core.NewCall("y", "sync.items"), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("provider y must not share provider x circuit: %v", err)
	}
	if got := len(executor.Snapshots()); got != 3 {
		t.Fatalf("expected 3 circuits, got %d", got)
	}
}

func TestExecutor_ClientErrorsKeepCircuitClosed(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	executor := newTestExecutor(clock, nil)
	call := core.NewCall("x", "items.get")

	var calls int32
	for i := 0; i < 10; i++ {
		_ = executor.Execute(ctx, call, failWith(http.StatusNotFound, &calls))
	}
	snapshot, _ := executor.Snapshot(call)
	if snapshot.State != core.CircuitClosed || calls != 10 {
		t.Fatalf("expected closed circuit after 4xx responses, got %+v (%d calls)", snapshot, calls)
	}
}

func TestExecutor_RetriesTransientFailures(t *testing.T) {
	clock := newFakeClock()
	var slept []time.Duration
	executor := newTestExecutor(clock, func(cfg *Config) {
		cfg.Retry = RetryPolicy{MaxAttempts: 3, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	}, WithSleep(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))

	var calls int32
	err := executor.Execute(context.Background(), core.NewCall("x", "sync.items"), func(context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return &core.UpstreamError{StatusCode: http.StatusServiceUnavailable}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if len(slept) != 2 || slept[0] != 100*time.Millisecond || slept[1] != 200*time.Millisecond {
		t.Fatalf("unexpected backoff %v", slept)
	}

	calls = 0
	err = executor.Execute(context.Background(), core.NewCall("x", "items.get"), failWith(http.StatusBadRequest, &calls))
	if err == nil || calls != 1 {
		t.Fatalf("client errors must not be retried, got %d calls", calls)
	}
}

func TestExecutor_CallerCancellationReleasesTrial(t *testing.T) {
	clock := newFakeClock()
	executor := newTestExecutor(clock, func(cfg *Config) { cfg.FailureThreshold = 1 })
	call := core.NewCall("x", "sync.items")

	var calls int32
	_ = executor.Execute(context.Background(), call, failWith(http.StatusInternalServerError, &calls))
	clock.Advance(31 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	err := executor.Execute(ctx, call, func(callCtx context.Context) error {
		cancel()
		<-callCtx.Done()
		return callCtx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}

	if err := executor.Execute(context.Background(), call, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("expected the released trial to be available, got %v", err)
	}
}

func TestExecutor_WrapsUnknownErrorsAndPanics(t *testing.T) {
	clock := newFakeClock()
	executor := newTestExecutor(clock, nil)
	call := core.NewCall("x", "sync.items")
	boom := errors.New("connection reset")

	err := executor.Execute(context.Background(), call, func(context.Context) error { return boom })
	var upstream *core.UpstreamError
	if !errors.As(err, &upstream) || !errors.Is(err, boom) {
		t.Fatalf("expected upstream error wrapping cause, got %v", err)
	}

	err = executor.Execute(context.Background(), call, func(context.Context) error { panic("bad adapter") })
	if !errors.As(err, &upstream) {
		t.Fatalf("expected panic to surface as upstream error, got %v", err)
	}
	snapshot, _ := executor.Snapshot(call)
	if snapshot.ConsecutiveFailures != 2 {
		t.Fatalf("expected both to count as failures, got %d", snapshot.ConsecutiveFailures)
	}
}

func TestExecutor_RecordsCallMetricsWithIdentity(t *testing.T) {
	clock := newFakeClock()
	metrics := &recordingMetrics{}
	executor := newTestExecutor(clock, nil, WithMetrics(metrics))
	identity := core.NewProviderIdentity("x", "u1")
	ctx := core.WithCallIdentity(context.Background(), identity)

	_ = executor.Execute(ctx, core.NewCall("X", "Sync.Items"), func(context.Context) error { return nil })
	var calls int32
	_ = executor.Execute(ctx, core.NewCall("x", "sync.items"), failWith(http.StatusInternalServerError, &calls))

	if len(metrics.calls) != 2 {
		t.Fatalf("expected 2 call metrics, got %d", len(metrics.calls))
	}
	first, second := metrics.calls[0], metrics.calls[1]
	if !first.Success || first.UserID != "u1" || first.IntegrationID != identity.Key() || first.Operation != "sync.items" {
		t.Fatalf("unexpected success metric %+v", first)
	}
	if second.Success || second.ErrorCode != core.ErrorUpstream {
		t.Fatalf("unexpected failure metric %+v", second)
	}
}

func TestExecutor_ResetClosesCircuit(t *testing.T) {
	clock := newFakeClock()
	executor := newTestExecutor(clock, func(cfg *Config) { cfg.FailureThreshold = 1 })
	call := core.NewCall("x", "sync.items")
	var calls int32
	_ = executor.Execute(context.Background(), call, failWith(http.StatusInternalServerError, &calls))

	executor.Reset(call)
	if err := executor.Execute(context.Background(), call, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("expected reset circuit to admit calls, got %v", err)
	}
}

func TestExecutor_ObserveResponseSuppressesExhaustedQuota(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	executor := newTestExecutor(clock, nil)
	call := core.NewCall("x", "contacts.list")
	reset := clock.Now().Add(40 * time.Second)

	info, err := executor.ObserveResponse(ctx, call, ratelimit.ResponseMeta{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "100",
			"X-RateLimit-Remaining": "0",
			"X-RateLimit-Reset":     formatUnix(reset),
		},
	})
	if err != nil || info.Limit != 100 {
		t.Fatalf("observe response: %+v %v", info, err)
	}

	err = executor.Execute(ctx, call, func(context.Context) error { return nil })
	var rateErr *core.RateLimitError
	if !errors.As(err, &rateErr) || !rateErr.Suppressed || rateErr.RetryAfter != 40*time.Second {
		t.Fatalf("expected suppression until reset, got %v", err)
	}
}

func TestExecutor_RejectsInvalidCalls(t *testing.T) {
	executor := newTestExecutor(newFakeClock(), nil)
	err := executor.Execute(context.Background(), core.NewCall("", "sync.items"), func(context.Context) error { return nil })
	if core.ErrorCode(err) != core.ErrorBadInput {
		t.Fatalf("expected bad input, got %v", err)
	}
}

func TestDo_ReturnsValue(t *testing.T) {
	executor := newTestExecutor(newFakeClock(), nil)
	value, err := Do(context.Background(), executor, core.NewCall("x", "items.get"), func(context.Context) (string, error) {
		return "item-1", nil
	})
	if err != nil || value != "item-1" {
		t.Fatalf("unexpected result %q %v", value, err)
	}
}
