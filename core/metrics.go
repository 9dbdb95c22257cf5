package core

import (
	"context"
	"time"
)

type NopMetrics struct{}

func (NopMetrics) RecordCall(context.Context, CallMetric) {}

func (NopMetrics) RecordRateLimit(context.Context, string, string, time.Duration) {}

func (NopMetrics) RecordWebhook(context.Context, WebhookMetric) {}

// MetricsOrNop returns m, or NopMetrics when m is nil.
func MetricsOrNop(m Metrics) Metrics {
	if m == nil {
		return NopMetrics{}
	}
	return m
}

var _ Metrics = NopMetrics{}
