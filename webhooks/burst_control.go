package webhooks

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-integrations/core"
)

// Debouncer admits a key at most once per window. Webhook bursts (a bulk
// edit firing hundreds of events) collapse into one downstream action.
type Debouncer struct {
	window     time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

func NewDebouncer(window time.Duration, maxEntries int, now func() time.Time) *Debouncer {
	if window <= 0 {
		window = 2 * time.Second
	}
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Debouncer{
		window:     window,
		maxEntries: maxEntries,
		now:        now,
		entries:    map[string]time.Time{},
	}
}

func (d *Debouncer) Allow(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return true
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleanup(now)
	if admitted, ok := d.entries[key]; ok && now.Sub(admitted) < d.window {
		return false
	}
	d.entries[key] = now
	return true
}

func (d *Debouncer) cleanup(now time.Time) {
	for key, admitted := range d.entries {
		if now.Sub(admitted) >= d.window {
			delete(d.entries, key)
		}
	}
	for len(d.entries) >= d.maxEntries {
		oldestKey := ""
		var oldest time.Time
		for key, admitted := range d.entries {
			if oldestKey == "" || admitted.Before(oldest) {
				oldestKey, oldest = key, admitted
			}
		}
		delete(d.entries, oldestKey)
	}
}

// DebouncedScheduler drops resync requests repeating an identity and resource
// set already scheduled within the window.
type DebouncedScheduler struct {
	next      core.ResyncScheduler
	debouncer *Debouncer
	logger    core.Logger
}

func NewDebouncedScheduler(next core.ResyncScheduler, debouncer *Debouncer, logger core.Logger) *DebouncedScheduler {
	if debouncer == nil {
		debouncer = NewDebouncer(0, 0, nil)
	}
	return &DebouncedScheduler{
		next:      next,
		debouncer: debouncer,
		logger:    core.ResolveLogger("integrations.webhooks", logger),
	}
}

func (s *DebouncedScheduler) ScheduleResync(ctx context.Context, req core.ResyncRequest) error {
	if s.next == nil {
		return nil
	}
	key := resyncKey(req)
	if !s.debouncer.Allow(key) {
		core.Log(ctx, s.logger, core.LogDebug, "resync debounced", map[string]any{
			"identity":  req.Identity.Key(),
			"resources": req.Resources,
		})
		return nil
	}
	return s.next.ScheduleResync(ctx, req)
}

func resyncKey(req core.ResyncRequest) string {
	resources := append([]string(nil), req.Resources...)
	sort.Strings(resources)
	return req.Identity.Key() + "|" + strings.Join(resources, ",")
}

var _ core.ResyncScheduler = (*DebouncedScheduler)(nil)
