// Package prometheus exports runtime call, rate-limit and webhook metrics as
// Prometheus collectors.
package prometheus

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/goliatone/go-integrations/core"
)

const DefaultNamespace = "integrations"

type Metrics struct {
	calls      *prom.CounterVec
	latency    *prom.HistogramVec
	rateLimits *prom.CounterVec
	retryAfter *prom.HistogramVec
	webhooks   *prom.CounterVec
}

// New builds the collectors and registers them on reg. A nil reg uses the
// default registerer.
func New(namespace string, reg prom.Registerer) (*Metrics, error) {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	m := &Metrics{
		calls: prom.NewCounterVec(
			prom.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Protected provider calls by outcome",
			},
			[]string{"provider", "operation", "outcome", "error_code"},
		),
		latency: prom.NewHistogramVec(
			prom.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of protected provider calls",
				Buckets:   prom.DefBuckets,
			},
			[]string{"provider", "operation"},
		),
		rateLimits: prom.NewCounterVec(
			prom.CounterOpts{
				Namespace: namespace,
				Name:      "provider_rate_limited_total",
				Help:      "Provider responses signalling a rate limit",
			},
			[]string{"provider", "operation"},
		),
		retryAfter: prom.NewHistogramVec(
			prom.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_retry_after_seconds",
				Help:      "Retry-after hints received from providers",
				Buckets:   []float64{1, 2, 5, 10, 30, 60, 300, 900},
			},
			[]string{"provider"},
		),
		webhooks: prom.NewCounterVec(
			prom.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_deliveries_total",
				Help:      "Inbound webhook deliveries by status",
			},
			[]string{"provider", "event_type", "status"},
		),
	}
	for _, collector := range []prom.Collector{m.calls, m.latency, m.rateLimits, m.retryAfter, m.webhooks} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("prometheus: register collector: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) RecordCall(_ context.Context, metric core.CallMetric) {
	outcome := "success"
	if !metric.Success {
		outcome = "failure"
	}
	m.calls.WithLabelValues(metric.Provider, metric.Operation, outcome, metric.ErrorCode).Inc()
	m.latency.WithLabelValues(metric.Provider, metric.Operation).Observe(metric.Duration.Seconds())
}

func (m *Metrics) RecordRateLimit(_ context.Context, provider, operation string, retryAfter time.Duration) {
	m.rateLimits.WithLabelValues(provider, operation).Inc()
	if retryAfter > 0 {
		m.retryAfter.WithLabelValues(provider).Observe(retryAfter.Seconds())
	}
}

// RecordWebhook labels by status code; event types are provider-defined and
// bounded by each adapter's route table.
func (m *Metrics) RecordWebhook(_ context.Context, metric core.WebhookMetric) {
	m.webhooks.WithLabelValues(metric.Provider, metric.EventType, strconv.Itoa(metric.StatusCode)).Inc()
}

var _ core.Metrics = (*Metrics)(nil)
