package protect

import (
	"sync"
	"time"

	"github.com/goliatone/go-integrations/core"
)

// circuit is the breaker for one (provider, operation class) pair. Each
// circuit has its own lock.
type circuit struct {
	mu sync.Mutex

	provider       string
	operationClass string

	state                 core.CircuitState
	consecutiveFailures   int
	consecutiveRateLimits int
	openedAt              time.Time
	coolDown              time.Duration
	reopenings            int
	trialInFlight         bool
}

func newCircuit(call core.Call) *circuit {
	return &circuit{
		provider:       call.Provider,
		operationClass: call.OperationClass,
		state:          core.CircuitClosed,
	}
}

// acquire admits a call. trial is true when the caller holds the single
// half-open probe and must report back through one of the outcome methods.
func (c *circuit) acquire(now time.Time) (trial bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case core.CircuitOpen:
		reopenAt := c.openedAt.Add(c.coolDown)
		if now.Before(reopenAt) {
			return false, c.openError(reopenAt.Sub(now))
		}
		c.state = core.CircuitHalfOpen
		c.trialInFlight = true
		return true, nil
	case core.CircuitHalfOpen:
		if c.trialInFlight {
			return false, c.openError(0)
		}
		c.trialInFlight = true
		return true, nil
	default:
		return false, nil
	}
}

func (c *circuit) onSuccess(cfg Config) (closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	closed = c.state != core.CircuitClosed
	c.state = core.CircuitClosed
	c.consecutiveFailures = 0
	c.consecutiveRateLimits = 0
	c.reopenings = 0
	c.coolDown = cfg.CoolDown
	c.trialInFlight = false
	return closed
}

func (c *circuit) onFailure(now time.Time, trial bool, cfg Config) (opened bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures++
	if trial || c.state == core.CircuitHalfOpen {
		c.reopenLocked(now, cfg)
		return true
	}
	if c.state == core.CircuitClosed && c.consecutiveFailures >= cfg.FailureThreshold {
		c.openLocked(now, cfg)
		return true
	}
	return false
}

// onRateLimited counts a 429 separately from hard failures. A throttled
// half-open trial reopens the circuit.
func (c *circuit) onRateLimited(now time.Time, trial bool, cfg Config) (opened bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveRateLimits++
	if trial || c.state == core.CircuitHalfOpen {
		c.reopenLocked(now, cfg)
		return true
	}
	if c.state == core.CircuitClosed && c.consecutiveRateLimits >= cfg.RateLimitThreshold {
		c.openLocked(now, cfg)
		return true
	}
	return false
}

// release gives back an abandoned trial without judging the provider.
func (c *circuit) release(trial bool) {
	if !trial {
		return
	}
	c.mu.Lock()
	c.trialInFlight = false
	c.mu.Unlock()
}

func (c *circuit) reset(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = core.CircuitClosed
	c.consecutiveFailures = 0
	c.consecutiveRateLimits = 0
	c.reopenings = 0
	c.coolDown = cfg.CoolDown
	c.openedAt = time.Time{}
	c.trialInFlight = false
}

func (c *circuit) snapshot() core.CircuitSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return core.CircuitSnapshot{
		Provider:              c.provider,
		OperationClass:        c.operationClass,
		State:                 c.state,
		ConsecutiveFailures:   c.consecutiveFailures,
		ConsecutiveRateLimits: c.consecutiveRateLimits,
		OpenedAt:              c.openedAt,
		CoolDown:              c.coolDown,
		Reopenings:            c.reopenings,
	}
}

func (c *circuit) openLocked(now time.Time, cfg Config) {
	c.state = core.CircuitOpen
	c.openedAt = now
	c.coolDown = cfg.CoolDown
	c.reopenings = 0
	c.trialInFlight = false
}

func (c *circuit) reopenLocked(now time.Time, cfg Config) {
	c.state = core.CircuitOpen
	c.openedAt = now
	c.reopenings++
	c.coolDown = cfg.nextCoolDown(c.coolDown)
	c.trialInFlight = false
}

func (c *circuit) openError(retryAfter time.Duration) error {
	return &core.CircuitOpenError{
		Provider:       c.provider,
		OperationClass: c.operationClass,
		State:          c.state,
		RetryAfter:     retryAfter,
	}
}
