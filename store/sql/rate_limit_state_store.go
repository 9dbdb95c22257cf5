package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-integrations/ratelimit"
)

// RateLimitStateStore persists provider quota state so throttling survives
// restarts and is shared across replicas.
type RateLimitStateStore struct {
	db   *bun.DB
	repo repository.Repository[*rateLimitStateRecord]
}

func NewRateLimitStateStore(db *bun.DB) (*RateLimitStateStore, error) {
	repo, err := newRepository(db, "rate-limit state", rateLimitStateHandlers())
	if err != nil {
		return nil, err
	}
	return &RateLimitStateStore{db: db, repo: repo}, nil
}

func (s *RateLimitStateStore) Get(ctx context.Context, key ratelimit.Key) (ratelimit.State, error) {
	key = key.Normalized()
	if err := validateRateLimitKey(key); err != nil {
		return ratelimit.State{}, err
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("provider", "=", key.Provider),
		repository.SelectBy("operation_class", "=", key.OperationClass),
		repository.OrderBy("updated_at DESC"),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return ratelimit.State{}, err
	}
	if len(records) == 0 {
		return ratelimit.State{}, ratelimit.ErrStateNotFound
	}
	return records[0].toDomain(), nil
}

func (s *RateLimitStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	state.Key = state.Key.Normalized()
	if err := validateRateLimitKey(state.Key); err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record, err := findRateLimitStateTx(ctx, tx, state.Key)
		if err != nil {
			return err
		}
		created := record == nil
		if created {
			record = &rateLimitStateRecord{
				ID:             uuid.NewString(),
				Provider:       state.Key.Provider,
				OperationClass: state.Key.OperationClass,
				CreatedAt:      state.UpdatedAt.UTC(),
			}
		}
		record.Limit = state.Limit
		record.Remaining = state.Remaining
		record.ResetAt = cloneTimePointer(state.ResetAt)
		record.RetryAfterSeconds = durationToSecondsPointer(state.RetryAfter)
		record.ThrottledUntil = cloneTimePointer(state.ThrottledUntil)
		record.LastStatus = state.LastStatus
		record.Attempts = state.Attempts
		record.Metadata = copyAnyMap(state.Metadata)
		record.UpdatedAt = state.UpdatedAt.UTC()

		if created {
			_, err := s.repo.CreateTx(ctx, tx, record)
			return err
		}
		_, err = tx.NewUpdate().
			Model(record).
			Where("id = ?", record.ID).
			Exec(ctx)
		return err
	})
}

func (r *rateLimitStateRecord) toDomain() ratelimit.State {
	state := ratelimit.State{
		Key: ratelimit.Key{
			Provider:       r.Provider,
			OperationClass: r.OperationClass,
		},
		Limit:          r.Limit,
		Remaining:      r.Remaining,
		ResetAt:        cloneTimePointer(r.ResetAt),
		ThrottledUntil: cloneTimePointer(r.ThrottledUntil),
		LastStatus:     r.LastStatus,
		Attempts:       r.Attempts,
		UpdatedAt:      r.UpdatedAt.UTC(),
		Metadata:       copyAnyMap(r.Metadata),
	}
	if r.RetryAfterSeconds != nil && *r.RetryAfterSeconds > 0 {
		value := time.Duration(*r.RetryAfterSeconds) * time.Second
		state.RetryAfter = &value
	}
	return state
}

func findRateLimitStateTx(ctx context.Context, tx bun.Tx, key ratelimit.Key) (*rateLimitStateRecord, error) {
	record := &rateLimitStateRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.provider = ?", key.Provider).
		Where("?TableAlias.operation_class = ?", key.OperationClass).
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

func validateRateLimitKey(key ratelimit.Key) error {
	if strings.TrimSpace(key.Provider) == "" {
		return fmt.Errorf("sqlstore: rate-limit provider is required")
	}
	if strings.TrimSpace(key.OperationClass) == "" {
		return fmt.Errorf("sqlstore: rate-limit operation class is required")
	}
	return nil
}

func durationToSecondsPointer(input *time.Duration) *int {
	if input == nil || *input <= 0 {
		return nil
	}
	seconds := int(input.Seconds())
	if seconds <= 0 {
		seconds = 1
	}
	return &seconds
}

func cloneTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}

func cloneDurationPointer(input *time.Duration) *time.Duration {
	if input == nil {
		return nil
	}
	value := *input
	return &value
}

func copyAnyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

var _ ratelimit.StateStore = (*RateLimitStateStore)(nil)
