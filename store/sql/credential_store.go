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
)

// CredentialStore keeps one sealed credential blob per identity. It never
// sees plaintext.
type CredentialStore struct {
	db   *bun.DB
	repo repository.Repository[*credentialRecord]
	now  func() time.Time
}

func NewCredentialStore(db *bun.DB) (*CredentialStore, error) {
	repo, err := newRepository(db, "credential", credentialHandlers())
	if err != nil {
		return nil, err
	}
	return &CredentialStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *CredentialStore) Save(ctx context.Context, identity core.ProviderIdentity, sealed []byte) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	if len(sealed) == 0 {
		return fmt.Errorf("sqlstore: sealed credential payload is required")
	}
	now := s.now()
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findCredentialTx(ctx, tx, identity)
		if err != nil {
			return err
		}
		if record == nil {
			_, err := s.repo.CreateTx(ctx, tx, &credentialRecord{
				ID:            uuid.NewString(),
				Provider:      identity.Provider,
				UserID:        identity.UserID,
				SealedPayload: append([]byte(nil), sealed...),
				CreatedAt:     now,
				UpdatedAt:     now,
			})
			return err
		}
		_, err = tx.NewUpdate().
			Model((*credentialRecord)(nil)).
			Set("sealed_payload = ?", append([]byte(nil), sealed...)).
			Set("updated_at = ?", now).
			Where("id = ?", record.ID).
			Exec(ctx)
		return err
	})
}

func (s *CredentialStore) Load(ctx context.Context, identity core.ProviderIdentity) ([]byte, error) {
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("provider", "=", identity.Provider),
		repository.SelectBy("user_id", "=", identity.UserID),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", core.ErrCredentialNotFound, identity.Key())
	}
	return append([]byte(nil), records[0].SealedPayload...), nil
}

func (s *CredentialStore) Delete(ctx context.Context, identity core.ProviderIdentity) error {
	_, err := s.db.NewDelete().
		Model((*credentialRecord)(nil)).
		Where("provider = ?", identity.Provider).
		Where("user_id = ?", identity.UserID).
		Exec(ctx)
	return err
}

func findCredentialTx(ctx context.Context, tx bun.Tx, identity core.ProviderIdentity) (*credentialRecord, error) {
	record := &credentialRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.provider = ?", identity.Provider).
		Where("?TableAlias.user_id = ?", identity.UserID).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

var _ core.CredentialRepository = (*CredentialStore)(nil)
