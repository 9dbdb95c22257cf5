// Package gojob moves webhook-triggered resyncs onto a go-job queue: an
// enqueuer that implements core.ResyncScheduler and a worker that drains the
// queue into the runtime.
package gojob

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"

	"github.com/goliatone/go-integrations/core"
)

const (
	JobIDResync = "integrations.resync"

	paramProvider    = "provider"
	paramUserID      = "user_id"
	paramResources   = "resources"
	paramReason      = "reason"
	paramRequestedAt = "requested_at"
)

// RetryPolicy bounds redelivery of failed resync jobs.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, MaxDelay: 15 * time.Minute, DeadLetterOnMax: true}
}

// NormalizeAttempt enforces bounded retry behavior for a nack. An empty
// disposition means retry; a retry at MaxAttempts becomes terminal.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Disposition == "" {
		out.Disposition = queue.NackDispositionRetry
	}
	if out.Disposition == queue.NackDispositionRetry && p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Disposition = queue.NackDispositionFailed
		if p.DeadLetterOnMax {
			out.Disposition = queue.NackDispositionDeadLetter
		}
	}
	if out.Disposition != queue.NackDispositionRetry || out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	return out
}

// ToExecutionMessage encodes a resync request. Requests for the same identity
// and resources within window share an idempotency key.
func ToExecutionMessage(req core.ResyncRequest, window time.Duration) *job.ExecutionMessage {
	resources := append([]string(nil), req.Resources...)
	sort.Strings(resources)
	requestedAt := req.RequestedAt.UTC()
	if requestedAt.IsZero() {
		requestedAt = time.Now().UTC()
	}
	bucket := requestedAt
	if window > 0 {
		bucket = requestedAt.Truncate(window)
	}
	return &job.ExecutionMessage{
		JobID:      JobIDResync,
		ScriptPath: JobIDResync,
		Parameters: map[string]any{
			paramProvider:    req.Identity.Provider,
			paramUserID:      req.Identity.UserID,
			paramResources:   resources,
			paramReason:      strings.TrimSpace(req.Reason),
			paramRequestedAt: requestedAt.Format(time.RFC3339Nano),
		},
		IdempotencyKey: fmt.Sprintf("resync:%s:%s:%d", req.Identity.Key(), strings.Join(resources, ","), bucket.Unix()),
		DedupPolicy:    job.DedupPolicyDrop,
	}
}

// FromExecutionMessage decodes a resync request, tolerating parameters that
// went through a JSON round trip in the queue backend.
func FromExecutionMessage(msg *job.ExecutionMessage) (core.ResyncRequest, error) {
	if msg == nil {
		return core.ResyncRequest{}, fmt.Errorf("gojob: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) != JobIDResync {
		return core.ResyncRequest{}, fmt.Errorf("gojob: unexpected job id %q", msg.JobID)
	}
	params := msg.Parameters
	req := core.ResyncRequest{
		Identity: core.NewProviderIdentity(stringParam(params, paramProvider), stringParam(params, paramUserID)),
		Reason:   stringParam(params, paramReason),
	}
	if err := req.Identity.Validate(); err != nil {
		return core.ResyncRequest{}, fmt.Errorf("gojob: %w", err)
	}
	switch resources := params[paramResources].(type) {
	case []string:
		req.Resources = append([]string(nil), resources...)
	case []any:
		for _, value := range resources {
			if name, ok := value.(string); ok && strings.TrimSpace(name) != "" {
				req.Resources = append(req.Resources, name)
			}
		}
	}
	if raw := stringParam(params, paramRequestedAt); raw != "" {
		if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			req.RequestedAt = at
		}
	}
	return req, nil
}

func stringParam(params map[string]any, key string) string {
	value, _ := params[key].(string)
	return strings.TrimSpace(value)
}

// ResyncEnqueuer implements core.ResyncScheduler by enqueueing a job.
type ResyncEnqueuer struct {
	enqueuer queue.Enqueuer
	window   time.Duration
	logger   core.Logger
}

func NewResyncEnqueuer(enqueuer queue.Enqueuer, dedupWindow time.Duration, logger core.Logger) (*ResyncEnqueuer, error) {
	if enqueuer == nil {
		return nil, fmt.Errorf("gojob: enqueuer is required")
	}
	return &ResyncEnqueuer{
		enqueuer: enqueuer,
		window:   dedupWindow,
		logger:   core.ResolveLogger("integrations.gojob", logger),
	}, nil
}

func (e *ResyncEnqueuer) ScheduleResync(ctx context.Context, req core.ResyncRequest) error {
	if err := req.Identity.Validate(); err != nil {
		return err
	}
	msg := ToExecutionMessage(req, e.window)
	receipt, err := e.enqueuer.Enqueue(ctx, msg)
	if err != nil {
		return fmt.Errorf("gojob: enqueue resync: %w", err)
	}
	core.Log(ctx, e.logger, core.LogDebug, "resync enqueued", map[string]any{
		"identity":        req.Identity.Key(),
		"resources":       req.Resources,
		"idempotency_key": msg.IdempotencyKey,
		"dispatch_id":     receipt.DispatchID,
	})
	return nil
}

// nackFor maps a failed resync to queue options. Throttling and open circuits
// are retried after the provider's hint; a lost authorization needs a
// reconnect and goes straight to the dead letter queue.
func nackFor(err error) queue.NackOptions {
	var (
		rateErr    *core.RateLimitError
		circuitErr *core.CircuitOpenError
		authErr    *core.AuthenticationError
	)
	switch {
	case errors.As(err, &authErr):
		return queue.NackOptions{Disposition: queue.NackDispositionDeadLetter, Reason: core.ErrorCode(err)}
	case errors.As(err, &rateErr):
		return queue.NackOptions{Disposition: queue.NackDispositionRetry, Delay: rateErr.RetryAfter, Reason: core.ErrorCode(err)}
	case errors.As(err, &circuitErr):
		return queue.NackOptions{Disposition: queue.NackDispositionRetry, Delay: circuitErr.RetryAfter, Reason: core.ErrorCode(err)}
	default:
		return queue.NackOptions{Disposition: queue.NackDispositionRetry, Reason: core.ErrorCode(err)}
	}
}

var _ core.ResyncScheduler = (*ResyncEnqueuer)(nil)
