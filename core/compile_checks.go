package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ ReplayLedger    = (*MemoryReplayLedger)(nil)
	_ Metrics         = NopMetrics{}
	_ ResyncScheduler = ResyncSchedulerFunc(nil)
	_ ServiceError    = (*CircuitOpenError)(nil)
	_ ServiceError    = (*RateLimitError)(nil)

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
