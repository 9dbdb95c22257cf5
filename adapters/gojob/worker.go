package gojob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"

	"github.com/goliatone/go-integrations/core"
)

// ResyncRunner executes one resync, usually the runtime.
type ResyncRunner interface {
	ResyncNow(ctx context.Context, req core.ResyncRequest) (core.SyncResult, error)
}

type Worker struct {
	dequeuer     queue.Dequeuer
	runner       ResyncRunner
	policy       RetryPolicy
	hooks        []worker.Hook
	logger       core.Logger
	now          func() time.Time
	pollInterval time.Duration

	mu       sync.Mutex
	attempts map[string]int
}

type WorkerOption func(*Worker)

func WithRetryPolicy(policy RetryPolicy) WorkerOption {
	return func(w *Worker) { w.policy = policy }
}

func WithHook(hook worker.Hook) WorkerOption {
	return func(w *Worker) {
		if hook != nil {
			w.hooks = append(w.hooks, hook)
		}
	}
}

func WithWorkerLogger(logger core.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// WithPollInterval sets the pause after a failed dequeue.
func WithPollInterval(interval time.Duration) WorkerOption {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

func NewWorker(dequeuer queue.Dequeuer, runner ResyncRunner, opts ...WorkerOption) (*Worker, error) {
	if dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("gojob: resync runner is required")
	}
	w := &Worker{
		dequeuer:     dequeuer,
		runner:       runner,
		policy:       DefaultRetryPolicy(),
		now:          func() time.Time { return time.Now().UTC() },
		pollInterval: time.Second,
		attempts:     map[string]int{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.logger = core.ResolveLogger("integrations.gojob", w.logger)
	return w, nil
}

// Run drains the queue until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := w.ProcessNext(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			core.Log(ctx, w.logger, core.LogWarn, "resync worker dequeue failed", map[string]any{"error": err.Error()})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.pollInterval):
			}
		}
	}
}

// ProcessNext handles one delivery. It returns an error only when the queue
// itself fails; resync failures are settled through ack or nack.
func (w *Worker) ProcessNext(ctx context.Context) error {
	delivery, err := w.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}
	msg := delivery.Message()
	req, err := FromExecutionMessage(msg)
	if err != nil {
		core.Log(ctx, w.logger, core.LogError, "malformed resync job dropped", map[string]any{"error": err.Error()})
		return delivery.Nack(ctx, queue.NackOptions{Disposition: queue.NackDispositionDeadLetter, Reason: "malformed"})
	}

	key := msg.IdempotencyKey
	attempt := w.nextAttempt(key)
	event := worker.Event{Message: msg, Delivery: delivery, Attempt: attempt, StartedAt: w.now()}
	w.emit(func(h worker.Hook) { h.OnStart(ctx, event) })

	_, runErr := w.runner.ResyncNow(ctx, req)
	event.Duration = w.now().Sub(event.StartedAt)
	event.Err = runErr

	if runErr == nil || errors.Is(runErr, core.ErrIntegrationNotFound) {
		w.clearAttempts(key)
		if runErr != nil {
			core.Log(ctx, w.logger, core.LogInfo, "resync skipped for removed integration", map[string]any{"identity": req.Identity.Key()})
		}
		w.emit(func(h worker.Hook) { h.OnSuccess(ctx, event) })
		return delivery.Ack(ctx)
	}

	opts := w.policy.NormalizeAttempt(nackFor(runErr), attempt)
	event.Delay = opts.Delay
	if opts.Disposition == queue.NackDispositionRetry {
		w.emit(func(h worker.Hook) { h.OnRetry(ctx, event) })
	} else {
		w.clearAttempts(key)
		w.emit(func(h worker.Hook) { h.OnFailure(ctx, event) })
	}
	return delivery.Nack(ctx, opts)
}

func (w *Worker) nextAttempt(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts[key]++
	return w.attempts[key]
}

func (w *Worker) clearAttempts(key string) {
	w.mu.Lock()
	delete(w.attempts, key)
	w.mu.Unlock()
}

func (w *Worker) emit(fn func(worker.Hook)) {
	for _, hook := range w.hooks {
		fn(hook)
	}
}

// LogHook reports worker events through the runtime logger.
type LogHook struct {
	Logger core.Logger
}

func (h LogHook) OnStart(ctx context.Context, event worker.Event) {
	core.Log(ctx, h.Logger, core.LogDebug, "resync job started", eventFields(event))
}

func (h LogHook) OnSuccess(ctx context.Context, event worker.Event) {
	core.Log(ctx, h.Logger, core.LogInfo, "resync job completed", eventFields(event))
}

func (h LogHook) OnFailure(ctx context.Context, event worker.Event) {
	core.Log(ctx, h.Logger, core.LogError, "resync job dead lettered", eventFields(event))
}

func (h LogHook) OnRetry(ctx context.Context, event worker.Event) {
	core.Log(ctx, h.Logger, core.LogWarn, "resync job requeued", eventFields(event))
}

func eventFields(event worker.Event) map[string]any {
	fields := map[string]any{
		"attempt":     event.Attempt,
		"duration_ms": event.Duration.Milliseconds(),
	}
	if event.Message != nil {
		fields["job_id"] = event.Message.JobID
		fields["idempotency_key"] = event.Message.IdempotencyKey
	}
	if event.Delay > 0 {
		fields["delay_ms"] = event.Delay.Milliseconds()
	}
	if event.Err != nil {
		fields["error"] = event.Err.Error()
		fields["error_code"] = core.ErrorCode(event.Err)
	}
	return fields
}

var _ worker.Hook = LogHook{}
