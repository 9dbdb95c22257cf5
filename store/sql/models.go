package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type credentialRecord struct {
	bun.BaseModel `bun:"table:integration_credentials,alias:ic"`

	ID            string    `bun:"id,pk"`
	Provider      string    `bun:"provider,notnull"`
	UserID        string    `bun:"user_id,notnull"`
	SealedPayload []byte    `bun:"sealed_payload,notnull"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type dataKeyRecord struct {
	bun.BaseModel `bun:"table:integration_data_keys,alias:idk"`

	ID          string    `bun:"id,pk"`
	Provider    string    `bun:"provider,notnull"`
	UserID      string    `bun:"user_id,notnull"`
	WrappingKey string    `bun:"wrapping_key,notnull"`
	WrappedKey  []byte    `bun:"wrapped_key,notnull"`
	CreatedAt   time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type rateLimitStateRecord struct {
	bun.BaseModel `bun:"table:integration_rate_limit_state,alias:irl"`

	ID                string         `bun:"id,pk"`
	Provider          string         `bun:"provider,notnull"`
	OperationClass    string         `bun:"operation_class,notnull"`
	Limit             int            `bun:"limit_value,notnull"`
	Remaining         int            `bun:"remaining,notnull"`
	ResetAt           *time.Time     `bun:"reset_at,nullzero"`
	RetryAfterSeconds *int           `bun:"retry_after_seconds"`
	ThrottledUntil    *time.Time     `bun:"throttled_until,nullzero"`
	LastStatus        int            `bun:"last_status,notnull"`
	Attempts          int            `bun:"attempts,notnull"`
	Metadata          map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt         time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type webhookDeliveryRecord struct {
	bun.BaseModel `bun:"table:integration_webhook_deliveries,alias:iwd"`

	ID        string    `bun:"id,pk"`
	ReplayKey string    `bun:"replay_key,notnull"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}
