package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-integrations/core"
	"github.com/goliatone/go-integrations/security"
)

// DataKeyStore persists wrapped per-identity data keys. Deleting a row is the
// crypto-shred for every secret sealed under it.
type DataKeyStore struct {
	db   *bun.DB
	repo repository.Repository[*dataKeyRecord]
	now  func() time.Time
}

func NewDataKeyStore(db *bun.DB) (*DataKeyStore, error) {
	repo, err := newRepository(db, "data key", dataKeyHandlers())
	if err != nil {
		return nil, err
	}
	return &DataKeyStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *DataKeyStore) Get(ctx context.Context, identity core.ProviderIdentity) (security.WrappedDataKey, error) {
	record := &dataKeyRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.provider = ?", identity.Provider).
		Where("?TableAlias.user_id = ?", identity.UserID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return security.WrappedDataKey{}, security.ErrDataKeyNotFound
	}
	if err != nil {
		return security.WrappedDataKey{}, err
	}
	return security.WrappedDataKey{
		ID:          record.ID,
		WrappingKey: record.WrappingKey,
		Wrapped:     append([]byte(nil), record.WrappedKey...),
		CreatedAt:   record.CreatedAt,
	}, nil
}

func (s *DataKeyStore) Put(ctx context.Context, identity core.ProviderIdentity, key security.WrappedDataKey) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	if len(key.Wrapped) == 0 {
		return fmt.Errorf("sqlstore: wrapped data key is required")
	}
	now := s.now()
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := &dataKeyRecord{}
		err := tx.NewSelect().
			Model(existing).
			Where("?TableAlias.provider = ?", identity.Provider).
			Where("?TableAlias.user_id = ?", identity.UserID).
			Limit(1).
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			id := key.ID
			if parseUUID(id) == uuid.Nil {
				id = uuid.NewString()
			}
			createdAt := key.CreatedAt
			if createdAt.IsZero() {
				createdAt = now
			}
			_, err := s.repo.CreateTx(ctx, tx, &dataKeyRecord{
				ID:          id,
				Provider:    identity.Provider,
				UserID:      identity.UserID,
				WrappingKey: key.WrappingKey,
				WrappedKey:  append([]byte(nil), key.Wrapped...),
				CreatedAt:   createdAt,
				UpdatedAt:   now,
			})
			return err
		}
		if err != nil {
			return err
		}
		if existing.ID != key.ID {
			return fmt.Errorf("sqlstore: identity %s already holds data key %s", identity.Key(), existing.ID)
		}
		_, err = tx.NewUpdate().
			Model((*dataKeyRecord)(nil)).
			Set("wrapping_key = ?", key.WrappingKey).
			Set("wrapped_key = ?", append([]byte(nil), key.Wrapped...)).
			Set("updated_at = ?", now).
			Where("id = ?", existing.ID).
			Exec(ctx)
		return err
	})
}

func (s *DataKeyStore) Delete(ctx context.Context, identity core.ProviderIdentity) error {
	_, err := s.db.NewDelete().
		Model((*dataKeyRecord)(nil)).
		Where("provider = ?", identity.Provider).
		Where("user_id = ?", identity.UserID).
		Exec(ctx)
	return err
}

var _ security.DataKeyStore = (*DataKeyStore)(nil)
