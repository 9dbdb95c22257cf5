package sqlstore

import (
	"fmt"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-integrations/ratelimit"
)

// Stores bundles the SQL-backed implementations the runtime consumes.
type Stores struct {
	db *bun.DB

	Credentials    *CredentialStore
	DataKeys       *DataKeyStore
	RateLimitState ratelimit.StateStore
	ReplayLedger   *ReplayLedgerStore
}

type StoresOption func(*storesConfig)

type storesConfig struct {
	replayTTL time.Duration
	cache     repositorycache.CacheService
}

func WithReplayTTL(ttl time.Duration) StoresOption {
	return func(c *storesConfig) {
		c.replayTTL = ttl
	}
}

// WithRateLimitCache fronts the rate-limit state table with cacheService.
func WithRateLimitCache(cacheService repositorycache.CacheService) StoresOption {
	return func(c *storesConfig) {
		c.cache = cacheService
	}
}

func NewStoresFromPersistence(client *persistence.Client, opts ...StoresOption) (*Stores, error) {
	if client == nil {
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	}
	return NewStores(client.DB(), opts...)
}

func NewStores(db *bun.DB, opts ...StoresOption) (*Stores, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	cfg := storesConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	credentials, err := NewCredentialStore(db)
	if err != nil {
		return nil, err
	}
	dataKeys, err := NewDataKeyStore(db)
	if err != nil {
		return nil, err
	}
	ledger, err := NewReplayLedgerStore(db, cfg.replayTTL)
	if err != nil {
		return nil, err
	}
	state, err := NewRateLimitStateStore(db)
	if err != nil {
		return nil, err
	}
	stores := &Stores{
		db:             db,
		Credentials:    credentials,
		DataKeys:       dataKeys,
		RateLimitState: state,
		ReplayLedger:   ledger,
	}
	if cfg.cache != nil {
		cached, err := NewCachedRateLimitStateStore(state, cfg.cache)
		if err != nil {
			return nil, err
		}
		stores.RateLimitState = cached
	}
	return stores, nil
}

func (s *Stores) DB() *bun.DB {
	if s == nil {
		return nil
	}
	return s.db
}
