package gojob

import (
	"context"
	"errors"
	"testing"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"

	"github.com/goliatone/go-integrations/core"
)

func TestMessageMappingRoundTrip(t *testing.T) {
	requestedAt := time.Date(2026, 3, 1, 10, 0, 42, 0, time.UTC)
	req := core.ResyncRequest{
		Identity:    core.NewProviderIdentity("Shopify", "u1"),
		Resources:   []string{"orders", "products"},
		Reason:      "webhook:orders/create",
		RequestedAt: requestedAt,
	}
	msg := ToExecutionMessage(req, time.Minute)
	if msg.JobID != JobIDResync || msg.DedupPolicy != job.DedupPolicyDrop {
		t.Fatalf("unexpected message header %#v", msg)
	}
	if msg.IdempotencyKey != "resync:shopify:u1:orders,products:1772359200" {
		t.Fatalf("unexpected idempotency key %q", msg.IdempotencyKey)
	}

	// Parameters after a JSON round trip in the queue backend.
	msg.Parameters[paramResources] = []any{"orders", "products"}
	decoded, err := FromExecutionMessage(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Identity != req.Identity || decoded.Reason != req.Reason || !decoded.RequestedAt.Equal(requestedAt) {
		t.Fatalf("unexpected decoded request %#v", decoded)
	}
	if len(decoded.Resources) != 2 || decoded.Resources[1] != "products" {
		t.Fatalf("unexpected resources %v", decoded.Resources)
	}

	if _, err := FromExecutionMessage(&job.ExecutionMessage{JobID: "other"}); err == nil {
		t.Fatalf("expected foreign job id rejected")
	}
	if _, err := FromExecutionMessage(&job.ExecutionMessage{JobID: JobIDResync}); err == nil {
		t.Fatalf("expected missing identity rejected")
	}
}

func TestResyncEnqueuer_SameWindowSharesIdempotencyKey(t *testing.T) {
	enqueuer := &stubQueueEnqueuer{}
	scheduler, err := NewResyncEnqueuer(enqueuer, time.Minute, nil)
	if err != nil {
		t.Fatalf("new enqueuer: %v", err)
	}
	base := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)
	identity := core.NewProviderIdentity("github", "u1")
	for _, offset := range []time.Duration{0, 20 * time.Second} {
		if err := scheduler.ScheduleResync(context.Background(), core.ResyncRequest{
			Identity:    identity,
			Resources:   []string{"repositories"},
			RequestedAt: base.Add(offset),
		}); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}
	if len(enqueuer.messages) != 2 || enqueuer.messages[0].IdempotencyKey != enqueuer.messages[1].IdempotencyKey {
		t.Fatalf("expected two messages with one idempotency key, got %#v", enqueuer.messages)
	}
	if err := scheduler.ScheduleResync(context.Background(), core.ResyncRequest{}); err == nil {
		t.Fatalf("expected invalid identity rejected")
	}
}

func TestNackRetryPolicyBoundaries(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, MaxDelay: 10 * time.Second, DeadLetterOnMax: true}

	first := policy.NormalizeAttempt(queue.NackOptions{Delay: 30 * time.Second, Reason: " transient "}, 1)
	if first.Delay != 10*time.Second || first.Disposition != queue.NackDispositionRetry || first.Reason != "transient" {
		t.Fatalf("expected bounded retry, got %#v", first)
	}
	if err := queue.ValidateNackOptions(first); err != nil {
		t.Fatalf("expected valid nack options, got %v", err)
	}
	last := policy.NormalizeAttempt(queue.NackOptions{Disposition: queue.NackDispositionRetry, Delay: time.Second}, 3)
	if last.Disposition != queue.NackDispositionDeadLetter || last.Delay != 0 {
		t.Fatalf("expected dead letter at max attempts, got %#v", last)
	}
	dead := policy.NormalizeAttempt(queue.NackOptions{Disposition: queue.NackDispositionDeadLetter}, 1)
	if dead.Disposition != queue.NackDispositionDeadLetter {
		t.Fatalf("expected explicit dead letter to win, got %#v", dead)
	}
	failed := RetryPolicy{MaxAttempts: 2}.NormalizeAttempt(queue.NackOptions{}, 2)
	if failed.Disposition != queue.NackDispositionFailed {
		t.Fatalf("expected failed disposition without dead lettering, got %#v", failed)
	}
}

func TestWorker_AcksSuccessAndRequeuesRateLimits(t *testing.T) {
	msg := ToExecutionMessage(core.ResyncRequest{
		Identity:  core.NewProviderIdentity("shopify", "u1"),
		Resources: []string{"orders"},
	}, time.Minute)

	runner := &stubRunner{errs: []error{
		&core.SyncError{Failed: 1, Cause: &core.RateLimitError{Provider: "shopify", RetryAfter: 2 * time.Second}},
		nil,
	}}
	hook := &capturingHook{}
	delivery := &stubQueueDelivery{msg: msg}
	w, err := NewWorker(&stubQueueDequeuer{delivery: delivery}, runner, WithHook(hook), WithHook(LogHook{}))
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}

	if err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process first: %v", err)
	}
	if delivery.nackOpts.Disposition != queue.NackDispositionRetry || delivery.nackOpts.Delay != 2*time.Second {
		t.Fatalf("expected requeue after retry hint, got %#v", delivery.nackOpts)
	}
	if hook.retries != 1 || hook.last.Attempt != 1 || hook.last.Err == nil {
		t.Fatalf("expected retry hook with attempt 1, got %#v", hook)
	}

	if err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process second: %v", err)
	}
	if !delivery.acked || hook.successes != 1 || hook.last.Attempt != 2 {
		t.Fatalf("expected ack on second attempt, got acked=%v hook=%#v", delivery.acked, hook)
	}
	if len(runner.requests) != 2 || runner.requests[0].Resources[0] != "orders" {
		t.Fatalf("expected decoded requests, got %#v", runner.requests)
	}
}

func TestWorker_DeadLettersAuthFailuresAndMalformedJobs(t *testing.T) {
	msg := ToExecutionMessage(core.ResyncRequest{Identity: core.NewProviderIdentity("github", "u1")}, 0)
	delivery := &stubQueueDelivery{msg: msg}
	hook := &capturingHook{}
	runner := &stubRunner{errs: []error{&core.AuthenticationError{Identity: core.NewProviderIdentity("github", "u1"), Reason: "refresh rejected"}}}
	w, _ := NewWorker(&stubQueueDequeuer{delivery: delivery}, runner, WithHook(hook))

	if err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if delivery.nackOpts.Disposition != queue.NackDispositionDeadLetter || hook.failures != 1 {
		t.Fatalf("expected dead letter for auth failure, got %#v", delivery.nackOpts)
	}

	malformed := &stubQueueDelivery{msg: &job.ExecutionMessage{JobID: JobIDResync}}
	w, _ = NewWorker(&stubQueueDequeuer{delivery: malformed}, runner)
	if err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process malformed: %v", err)
	}
	if malformed.nackOpts.Disposition != queue.NackDispositionDeadLetter {
		t.Fatalf("expected malformed job dead lettered")
	}
}

func TestWorker_RemovedIntegrationIsAcked(t *testing.T) {
	delivery := &stubQueueDelivery{msg: ToExecutionMessage(core.ResyncRequest{Identity: core.NewProviderIdentity("github", "gone")}, 0)}
	runner := &stubRunner{errs: []error{core.ErrIntegrationNotFound}}
	w, _ := NewWorker(&stubQueueDequeuer{delivery: delivery}, runner)
	if err := w.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !delivery.acked {
		t.Fatalf("expected job for removed integration acked")
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	dequeuer := &stubQueueDequeuer{err: errors.New("queue offline")}
	w, _ := NewWorker(dequeuer, &stubRunner{}, WithPollInterval(time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if dequeuer.calls < 2 {
		t.Fatalf("expected worker to keep polling after queue errors, got %d calls", dequeuer.calls)
	}
}

type stubQueueEnqueuer struct {
	messages []*job.ExecutionMessage
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) (queue.EnqueueReceipt, error) {
	s.messages = append(s.messages, msg)
	return queue.EnqueueReceipt{DispatchID: msg.IdempotencyKey}, nil
}

type stubQueueDequeuer struct {
	delivery queue.Delivery
	err      error
	calls    int
}

func (s *stubQueueDequeuer) Dequeue(context.Context) (queue.Delivery, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.delivery, nil
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nackOpts = opts
	return nil
}

type stubRunner struct {
	errs     []error
	requests []core.ResyncRequest
}

func (s *stubRunner) ResyncNow(_ context.Context, req core.ResyncRequest) (core.SyncResult, error) {
	s.requests = append(s.requests, req)
	if len(s.errs) == 0 {
		return core.SyncResult{Success: true}, nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return core.SyncResult{Success: err == nil}, err
}

type capturingHook struct {
	last      worker.Event
	successes int
	failures  int
	retries   int
}

func (h *capturingHook) OnStart(context.Context, worker.Event) {}

func (h *capturingHook) OnSuccess(_ context.Context, event worker.Event) {
	h.last = event
	h.successes++
}

func (h *capturingHook) OnFailure(_ context.Context, event worker.Event) {
	h.last = event
	h.failures++
}

func (h *capturingHook) OnRetry(_ context.Context, event worker.Event) {
	h.last = event
	h.retries++
}
