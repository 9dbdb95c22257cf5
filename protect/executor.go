package protect

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"github.com/goliatone/go-integrations/core"
	"github.com/goliatone/go-integrations/ratelimit"
)

// Executor runs outbound provider calls behind a circuit breaker, rate-limit
// suppression and a per-call timeout. Circuits are keyed by provider and
// operation class so a failing class never blocks its siblings.
type Executor struct {
	cfg      Config
	circuits *xsync.MapOf[string, *circuit]
	pacers   *xsync.MapOf[string, *rate.Limiter]
	limits   *ratelimit.Policy
	metrics  core.Metrics
	logger   core.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*Executor)

func WithLogger(logger core.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(metrics core.Metrics) Option {
	return func(e *Executor) {
		e.metrics = core.MetricsOrNop(metrics)
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRateLimitPolicy replaces the in-memory rate-limit policy, typically with
// one backed by a shared state store.
func WithRateLimitPolicy(policy *ratelimit.Policy) Option {
	return func(e *Executor) {
		if policy != nil {
			e.limits = policy
		}
	}
}

// WithPacing caps the outbound request rate for provider.
func WithPacing(provider string, requestsPerSecond float64, burst int) Option {
	return func(e *Executor) {
		provider = strings.TrimSpace(strings.ToLower(provider))
		if provider == "" || requestsPerSecond <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		e.pacers.Store(provider, rate.NewLimiter(rate.Limit(requestsPerSecond), burst))
	}
}

// WithProviderPacing applies the requests_per_second settings of every
// configured provider.
func WithProviderPacing(cfg core.Config) Option {
	return func(e *Executor) {
		for name, provider := range cfg.Providers {
			WithPacing(name, provider.RequestsPerSecond, provider.Burst)(e)
		}
	}
}

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

func New(cfg Config, opts ...Option) *Executor {
	cfg = cfg.normalized()
	policy := ratelimit.NewPolicy(nil)
	policy.DefaultRetryHint = cfg.DefaultRetryHint
	e := &Executor{
		cfg:      cfg,
		circuits: xsync.NewMapOf[string, *circuit](),
		pacers:   xsync.NewMapOf[string, *rate.Limiter](),
		limits:   policy,
		metrics:  core.NopMetrics{},
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
	}
	policy.Now = func() time.Time { return e.now() }
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = core.ResolveLogger("integrations.protect", e.logger)
	return e
}

// Execute runs fn as call. Transient failures are retried up to
// Retry.MaxAttempts; every attempt goes through the breaker again.
func (e *Executor) Execute(ctx context.Context, call core.Call, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := call.Validate(); err != nil {
		return core.BadInputError("call", err.Error())
	}
	if fn == nil {
		return core.BadInputError("fn", "protected function is required")
	}
	call.Provider = strings.TrimSpace(strings.ToLower(call.Provider))
	call.OperationClass = core.NormalizeOperationClass(call.OperationClass)

	var lastErr error
	for attempt := 1; attempt <= e.cfg.Retry.MaxAttempts; attempt++ {
		result, err := e.attempt(ctx, call, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if result != outcomeFailure || attempt == e.cfg.Retry.MaxAttempts {
			break
		}
		delay := e.cfg.Retry.Backoff(attempt)
		core.Log(ctx, e.logger, core.LogDebug, "retrying protected call", map[string]any{
			"provider":        call.Provider,
			"operation_class": call.OperationClass,
			"attempt":         attempt,
			"delay_ms":        delay.Milliseconds(),
		})
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			break
		}
	}
	return lastErr
}

// Do runs fn through protector and returns its value.
func Do[T any](ctx context.Context, protector core.Protector, call core.Call, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	if protector == nil {
		return out, core.BadInputError("protector", "protector is required")
	}
	err := protector.Execute(ctx, call, func(ctx context.Context) error {
		value, err := fn(ctx)
		if err != nil {
			return err
		}
		out = value
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (e *Executor) attempt(ctx context.Context, call core.Call, fn func(ctx context.Context) error) (outcome, error) {
	started := e.now()
	key := ratelimit.KeyFor(call)

	if err := e.limits.BeforeCall(ctx, key); err != nil {
		var rateErr *core.RateLimitError
		if errors.As(err, &rateErr) {
			e.metrics.RecordRateLimit(ctx, call.Provider, call.OperationClass, rateErr.RetryAfter)
			e.record(ctx, call, started, err)
			return outcomeAbandoned, err
		}
		core.Log(ctx, e.logger, core.LogWarn, "rate limit state unavailable", map[string]any{
			"provider":        call.Provider,
			"operation_class": call.OperationClass,
			"error":           err.Error(),
		})
	}

	c := e.circuit(call)
	trial, err := c.acquire(started)
	if err != nil {
		e.record(ctx, call, started, err)
		return outcomeAbandoned, err
	}

	if err := e.pace(ctx, call); err != nil {
		c.release(trial)
		return outcomeAbandoned, err
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	result, err := classify(ctx, call, timeout, e.invoke(ctx, call, timeout, fn))

	now := e.now()
	switch result {
	case outcomeSuccess, outcomeRejected:
		if c.onSuccess(e.cfg) {
			core.Log(ctx, e.logger, core.LogInfo, "circuit closed", map[string]any{
				"provider":        call.Provider,
				"operation_class": call.OperationClass,
			})
		}
	case outcomeFailure:
		if c.onFailure(now, trial, e.cfg) {
			e.logOpened(ctx, c, err)
		}
	case outcomeRateLimited:
		err = e.throttle(ctx, call, err)
		if c.onRateLimited(now, trial, e.cfg) {
			e.logOpened(ctx, c, err)
		}
	default:
		c.release(trial)
	}
	e.record(ctx, call, started, err)
	return result, err
}

// invoke runs fn with the call deadline. A function that ignores its context
// is abandoned once the deadline passes.
func (e *Executor) invoke(ctx context.Context, call core.Call, timeout time.Duration, fn func(ctx context.Context) error) error {
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- panicError(call, recovered)
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && callCtx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
			return e.timeoutError(call, timeout, err)
		}
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return e.timeoutError(call, timeout, callCtx.Err())
	}
}

func (e *Executor) timeoutError(call core.Call, timeout time.Duration, cause error) error {
	return &core.TimeoutError{
		Provider:       call.Provider,
		OperationClass: call.OperationClass,
		Timeout:        timeout,
		Cause:          cause,
	}
}

func (e *Executor) throttle(ctx context.Context, call core.Call, err error) error {
	var rateErr *core.RateLimitError
	if !errors.As(err, &rateErr) {
		return err
	}
	delay, throttleErr := e.limits.Throttle(ctx, ratelimit.KeyFor(call), rateErr.RetryAfter, rateErr.Info)
	if throttleErr != nil {
		core.Log(ctx, e.logger, core.LogWarn, "rate limit state not persisted", map[string]any{
			"provider":        call.Provider,
			"operation_class": call.OperationClass,
			"error":           throttleErr.Error(),
		})
	}
	if rateErr.RetryAfter <= 0 {
		rateErr.RetryAfter = delay
	}
	if rateErr.RetryAfter <= 0 {
		rateErr.RetryAfter = e.cfg.DefaultRetryHint
	}
	e.metrics.RecordRateLimit(ctx, call.Provider, call.OperationClass, rateErr.RetryAfter)
	return rateErr
}

func (e *Executor) pace(ctx context.Context, call core.Call) error {
	limiter, ok := e.pacers.Load(call.Provider)
	if !ok {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("protect: pacing %s: %w", call.Key(), err)
	}
	return nil
}

func (e *Executor) circuit(call core.Call) *circuit {
	c, _ := e.circuits.LoadOrCompute(call.Key(), func() *circuit {
		created := newCircuit(call)
		created.coolDown = e.cfg.CoolDown
		return created
	})
	return c
}

func (e *Executor) record(ctx context.Context, call core.Call, started time.Time, err error) {
	metric := core.CallMetric{
		Provider:  call.Provider,
		Operation: call.OperationClass,
		Duration:  e.now().Sub(started),
		Success:   err == nil,
	}
	if identity, ok := core.CallIdentityFromContext(ctx); ok {
		metric.UserID = identity.UserID
		metric.IntegrationID = identity.Key()
	}
	if err != nil {
		metric.ErrorCode = core.ErrorCode(err)
	}
	e.metrics.RecordCall(ctx, metric)
}

func (e *Executor) logOpened(ctx context.Context, c *circuit, err error) {
	snapshot := c.snapshot()
	fields := map[string]any{
		"provider":        snapshot.Provider,
		"operation_class": snapshot.OperationClass,
		"cool_down_ms":    snapshot.CoolDown.Milliseconds(),
		"reopenings":      snapshot.Reopenings,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	core.Log(ctx, e.logger, core.LogWarn, "circuit opened", fields)
}

// ObserveResponse feeds quota headers from a successful response into the
// rate-limit policy so the next call can be suppressed before it is sent.
func (e *Executor) ObserveResponse(ctx context.Context, call core.Call, meta ratelimit.ResponseMeta) (core.RateLimitInfo, error) {
	return e.limits.AfterResponse(ctx, ratelimit.KeyFor(call), meta)
}

func (e *Executor) Snapshot(call core.Call) (core.CircuitSnapshot, bool) {
	c, ok := e.circuits.Load(call.Key())
	if !ok {
		return core.CircuitSnapshot{}, false
	}
	return c.snapshot(), true
}

func (e *Executor) Snapshots() []core.CircuitSnapshot {
	out := make([]core.CircuitSnapshot, 0, e.circuits.Size())
	e.circuits.Range(func(_ string, c *circuit) bool {
		out = append(out, c.snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider == out[j].Provider {
			return out[i].OperationClass < out[j].OperationClass
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}

// Reset closes the circuit for call. Used by operators after a provider
// incident is resolved.
func (e *Executor) Reset(call core.Call) {
	if c, ok := e.circuits.Load(call.Key()); ok {
		c.reset(e.cfg)
	}
}

func (e *Executor) Config() Config {
	return e.cfg
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ core.Protector = (*Executor)(nil)
