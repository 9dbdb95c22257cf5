package sqlstore

import (
	"fmt"
	"strings"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// recordHandlers builds handlers for records keyed by a string uuid column
// "id". id returns nil for a nil record.
func recordHandlers[T any](newRecord func() T, id func(T) *string) repository.ModelHandlers[T] {
	return repository.ModelHandlers[T]{
		NewRecord: newRecord,
		GetID: func(record T) uuid.UUID {
			if ref := id(record); ref != nil {
				return parseUUID(*ref)
			}
			return uuid.Nil
		},
		SetID: func(record T, value uuid.UUID) {
			if ref := id(record); ref != nil {
				*ref = value.String()
			}
		},
		GetIdentifier: func() string {
			return "id"
		},
		GetIdentifierValue: func(record T) string {
			if ref := id(record); ref != nil {
				return strings.TrimSpace(*ref)
			}
			return ""
		},
	}
}

func credentialHandlers() repository.ModelHandlers[*credentialRecord] {
	return recordHandlers(
		func() *credentialRecord { return &credentialRecord{} },
		func(r *credentialRecord) *string {
			if r == nil {
				return nil
			}
			return &r.ID
		},
	)
}

func dataKeyHandlers() repository.ModelHandlers[*dataKeyRecord] {
	return recordHandlers(
		func() *dataKeyRecord { return &dataKeyRecord{} },
		func(r *dataKeyRecord) *string {
			if r == nil {
				return nil
			}
			return &r.ID
		},
	)
}

func rateLimitStateHandlers() repository.ModelHandlers[*rateLimitStateRecord] {
	return recordHandlers(
		func() *rateLimitStateRecord { return &rateLimitStateRecord{} },
		func(r *rateLimitStateRecord) *string {
			if r == nil {
				return nil
			}
			return &r.ID
		},
	)
}

func webhookDeliveryHandlers() repository.ModelHandlers[*webhookDeliveryRecord] {
	return recordHandlers(
		func() *webhookDeliveryRecord { return &webhookDeliveryRecord{} },
		func(r *webhookDeliveryRecord) *string {
			if r == nil {
				return nil
			}
			return &r.ID
		},
	)
}

func newRepository[T any](db *bun.DB, name string, handlers repository.ModelHandlers[T]) (repository.Repository[T], error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[T](db, handlers)
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid %s repository wiring: %w", name, err)
		}
	}
	return repo, nil
}

func parseUUID(value string) uuid.UUID {
	parsed, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
