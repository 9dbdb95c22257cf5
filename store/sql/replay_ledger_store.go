package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-integrations/core"
)

// ReplayLedgerStore claims webhook replay keys in a table with a unique
// replay_key. An expired claim is taken over by the next Claim.
type ReplayLedgerStore struct {
	db         *bun.DB
	repo       repository.Repository[*webhookDeliveryRecord]
	defaultTTL time.Duration
	now        func() time.Time
}

func NewReplayLedgerStore(db *bun.DB, defaultTTL time.Duration) (*ReplayLedgerStore, error) {
	repo, err := newRepository(db, "webhook delivery", webhookDeliveryHandlers())
	if err != nil {
		return nil, err
	}
	if defaultTTL <= 0 {
		defaultTTL = core.DefaultReplayTTL
	}
	return &ReplayLedgerStore{
		db:         db,
		repo:       repo,
		defaultTTL: defaultTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *ReplayLedgerStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, fmt.Errorf("sqlstore: replay key is required")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.now()
	record := &webhookDeliveryRecord{
		ID:        uuid.NewString(),
		ReplayKey: key,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if _, err := s.repo.Create(ctx, record); err == nil {
		return true, nil
	} else if !isUniqueViolation(err) {
		return false, err
	}

	res, err := s.db.NewUpdate().
		Model((*webhookDeliveryRecord)(nil)).
		Set("expires_at = ?", now.Add(ttl)).
		Set("created_at = ?", now).
		Where("replay_key = ?", key).
		Where("expires_at <= ?", now).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *ReplayLedgerStore) Release(ctx context.Context, key string) error {
	_, err := s.db.NewDelete().
		Model((*webhookDeliveryRecord)(nil)).
		Where("replay_key = ?", strings.TrimSpace(key)).
		Exec(ctx)
	return err
}

// PurgeExpired deletes claims whose window has passed.
func (s *ReplayLedgerStore) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.NewDelete().
		Model((*webhookDeliveryRecord)(nil)).
		Where("expires_at <= ?", s.now()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

var _ core.ReplayLedger = (*ReplayLedgerStore)(nil)
