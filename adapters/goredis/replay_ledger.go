// Package goredis backs the webhook replay ledger with Redis so every
// replica shares one view of claimed deliveries.
package goredis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-integrations/core"
)

const defaultPrefix = "integrations:replay:"

type ReplayLedger struct {
	client     redis.UniversalClient
	prefix     string
	defaultTTL time.Duration
}

type Option func(*ReplayLedger)

func WithPrefix(prefix string) Option {
	return func(l *ReplayLedger) {
		if strings.TrimSpace(prefix) != "" {
			l.prefix = prefix
		}
	}
}

func WithDefaultTTL(ttl time.Duration) Option {
	return func(l *ReplayLedger) {
		if ttl > 0 {
			l.defaultTTL = ttl
		}
	}
}

func NewReplayLedger(client redis.UniversalClient, opts ...Option) (*ReplayLedger, error) {
	if client == nil {
		return nil, fmt.Errorf("goredis: client is required")
	}
	ledger := &ReplayLedger{
		client:     client,
		prefix:     defaultPrefix,
		defaultTTL: core.DefaultReplayTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ledger)
		}
	}
	return ledger, nil
}

func (l *ReplayLedger) key(key string) string {
	return l.prefix + key
}

// Claim sets the key only when absent. Redis expiry releases abandoned claims.
func (l *ReplayLedger) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("goredis: replay key is required")
	}
	if ttl <= 0 {
		ttl = l.defaultTTL
	}
	claimed, err := l.client.SetNX(ctx, l.key(key), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("goredis: claim %q: %w", key, err)
	}
	return claimed, nil
}

func (l *ReplayLedger) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if err := l.client.Del(ctx, l.key(key)).Err(); err != nil {
		return fmt.Errorf("goredis: release %q: %w", key, err)
	}
	return nil
}

var _ core.ReplayLedger = (*ReplayLedger)(nil)
