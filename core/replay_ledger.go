package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	DefaultReplayTTL        = 24 * time.Hour
	DefaultReplayMaxEntries = 8192
)

// MemoryReplayLedger keeps claimed delivery keys until they expire. When the
// ledger is full the entry closest to expiry is dropped.
type MemoryReplayLedger struct {
	mu         sync.Mutex
	defaultTTL time.Duration
	maxEntries int
	claims     map[string]time.Time
	Now        func() time.Time
}

func NewMemoryReplayLedger(defaultTTL time.Duration, maxEntries int) *MemoryReplayLedger {
	if defaultTTL <= 0 {
		defaultTTL = DefaultReplayTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultReplayMaxEntries
	}
	return &MemoryReplayLedger{
		defaultTTL: defaultTTL,
		maxEntries: maxEntries,
		claims:     map[string]time.Time{},
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryReplayLedger) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if l == nil {
		return false, fmt.Errorf("core: replay ledger is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("core: replay key is required")
	}
	if ttl <= 0 {
		ttl = l.defaultTTL
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if expiresAt, ok := l.claims[key]; ok && now.Before(expiresAt) {
		return false, nil
	}
	l.purgeLocked(now)
	for len(l.claims) >= l.maxEntries {
		l.evictSoonestLocked()
	}
	l.claims[key] = now.Add(ttl)
	return true, nil
}

func (l *MemoryReplayLedger) Release(_ context.Context, key string) error {
	if l == nil {
		return fmt.Errorf("core: replay ledger is not configured")
	}
	l.mu.Lock()
	delete(l.claims, strings.TrimSpace(key))
	l.mu.Unlock()
	return nil
}

// PurgeExpired removes expired claims and returns how many were removed.
func (l *MemoryReplayLedger) PurgeExpired(_ context.Context) (int, error) {
	if l == nil {
		return 0, fmt.Errorf("core: replay ledger is not configured")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.purgeLocked(l.now()), nil
}

func (l *MemoryReplayLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.claims)
}

func (l *MemoryReplayLedger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

func (l *MemoryReplayLedger) purgeLocked(now time.Time) int {
	purged := 0
	for key, expiresAt := range l.claims {
		if !now.Before(expiresAt) {
			delete(l.claims, key)
			purged++
		}
	}
	return purged
}

func (l *MemoryReplayLedger) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	for key, expiresAt := range l.claims {
		if victim == "" || expiresAt.Before(soonest) {
			victim = key
			soonest = expiresAt
		}
	}
	delete(l.claims, victim)
}

var _ ReplayLedger = (*MemoryReplayLedger)(nil)
