package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/goliatone/go-integrations/core"
)

// Runner performs a full sync for one identity.
type Runner interface {
	SyncIdentity(ctx context.Context, identity core.ProviderIdentity) (core.SyncResult, error)
}

type RunnerFunc func(ctx context.Context, identity core.ProviderIdentity) (core.SyncResult, error)

func (f RunnerFunc) SyncIdentity(ctx context.Context, identity core.ProviderIdentity) (core.SyncResult, error) {
	return f(ctx, identity)
}

// Scheduler triggers periodic syncs from cron expressions, one entry per
// identity. A run is skipped while the previous run of the same identity is
// still in flight.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	logger  core.Logger
	timeout time.Duration

	mu      gosync.Mutex
	entries map[string]cron.EntryID
	running map[string]bool
}

func NewScheduler(runner Runner, logger core.Logger, timeout time.Duration) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("sync: scheduler runner is required")
	}
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		runner:  runner,
		logger:  core.ResolveLogger("integrations.sync.scheduler", logger),
		timeout: timeout,
		entries: map[string]cron.EntryID{},
		running: map[string]bool{},
	}, nil
}

// Schedule registers spec (standard five field cron or a descriptor such as
// "@every 15m") for identity, replacing a previous schedule.
func (s *Scheduler) Schedule(identity core.ProviderIdentity, spec string) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return core.BadInputError("schedule", fmt.Sprintf("invalid cron expression %q: %v", spec, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[identity.Key()]; ok {
		s.cron.Remove(id)
	}
	id, err := s.cron.AddFunc(spec, func() { s.run(identity) })
	if err != nil {
		return err
	}
	s.entries[identity.Key()] = id
	return nil
}

func (s *Scheduler) Unschedule(identity core.ProviderIdentity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[identity.Key()]; ok {
		s.cron.Remove(id)
		delete(s.entries, identity.Key())
	}
}

// Next reports the next planned run. Only meaningful once started.
func (s *Scheduler) Next(identity core.ProviderIdentity) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[identity.Key()]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := s.cron.Entry(id)
	if !entry.Valid() {
		return time.Time{}, false
	}
	return entry.Next, true
}

func (s *Scheduler) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight runs or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow performs the scheduled work for identity immediately.
func (s *Scheduler) RunNow(identity core.ProviderIdentity) bool {
	return s.run(identity)
}

func (s *Scheduler) run(identity core.ProviderIdentity) bool {
	key := identity.Key()
	s.mu.Lock()
	if s.running[key] {
		s.mu.Unlock()
		core.Log(context.Background(), s.logger, core.LogDebug, "scheduled sync skipped, previous run in flight", map[string]any{
			"identity": key,
		})
		return false
	}
	s.running[key] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, key)
		s.mu.Unlock()
	}()

	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			core.Log(ctx, s.logger, core.LogError, "scheduled sync panicked", map[string]any{
				"identity": key,
				"panic":    fmt.Sprint(recovered),
			})
		}
	}()

	result, err := s.runner.SyncIdentity(ctx, identity)
	fields := map[string]any{
		"identity":        key,
		"items_processed": result.ItemsProcessed,
		"errors":          len(result.Errors),
	}
	if err != nil {
		fields["error"] = err.Error()
		core.Log(ctx, s.logger, core.LogWarn, "scheduled sync failed", fields)
		return true
	}
	core.Log(ctx, s.logger, core.LogInfo, "scheduled sync completed", fields)
	return true
}
