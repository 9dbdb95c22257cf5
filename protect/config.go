package protect

import (
	"time"

	"github.com/goliatone/go-integrations/core"
)

type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Backoff returns the delay before attempt+1, doubling from InitialBackoff up
// to MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.InitialBackoff
	if delay <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxBackoff > 0 && delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return delay
}

type Config struct {
	FailureThreshold   int
	RateLimitThreshold int
	CoolDown           time.Duration
	MaxCoolDown        time.Duration
	CoolDownMultiplier float64
	DefaultTimeout     time.Duration
	DefaultRetryHint   time.Duration
	Retry              RetryPolicy
}

func DefaultConfig() Config {
	return ConfigFrom(core.DefaultConfig())
}

func ConfigFrom(cfg core.Config) Config {
	return Config{
		FailureThreshold:   cfg.Breaker.FailureThreshold,
		RateLimitThreshold: cfg.Breaker.RateLimitThreshold,
		CoolDown:           cfg.Breaker.CoolDown,
		MaxCoolDown:        cfg.Breaker.MaxCoolDown,
		CoolDownMultiplier: cfg.Breaker.CoolDownMultiplier,
		DefaultTimeout:     cfg.Calls.DefaultTimeout,
		DefaultRetryHint:   cfg.Calls.DefaultRetryHint,
		Retry: RetryPolicy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
		},
	}
}

func (c Config) normalized() Config {
	defaults := core.DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaults.Breaker.FailureThreshold
	}
	if c.RateLimitThreshold <= 0 {
		c.RateLimitThreshold = defaults.Breaker.RateLimitThreshold
	}
	if c.CoolDown <= 0 {
		c.CoolDown = defaults.Breaker.CoolDown
	}
	if c.MaxCoolDown < c.CoolDown {
		c.MaxCoolDown = c.CoolDown
	}
	if c.CoolDownMultiplier < 1 {
		c.CoolDownMultiplier = defaults.Breaker.CoolDownMultiplier
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 1
	}
	if c.DefaultRetryHint <= 0 {
		c.DefaultRetryHint = defaults.Calls.DefaultRetryHint
	}
	return c
}

func (c Config) nextCoolDown(current time.Duration) time.Duration {
	if current <= 0 {
		current = c.CoolDown
	}
	next := time.Duration(float64(current) * c.CoolDownMultiplier)
	if next < current {
		next = current
	}
	if next > c.MaxCoolDown {
		next = c.MaxCoolDown
	}
	return next
}
