package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const OperationSubmit = "transaction.submit"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Item is one outbound regulator call, keyed by an idempotency key that is
// stable across retries. Payload is the snappy-compressed request body.
type Item struct {
	ID                     snowflake.ID `gorm:"primaryKey" json:"id"`
	ProfileID              snowflake.ID `gorm:"not null;index:idx_queue_items_profile_status,priority:1" json:"profile_id"`
	TenantID               string       `gorm:"type:text;not null;index" json:"tenant_id"`
	Environment            string       `gorm:"type:text;not null" json:"environment"`
	TransactionID          string       `gorm:"type:text;not null" json:"transaction_id"`
	Operation              string       `gorm:"type:text;not null" json:"operation"`
	IdempotencyKey         string       `gorm:"type:text;not null;uniqueIndex:ux_queue_items_idempotency_key" json:"idempotency_key"`
	ReceiptID              snowflake.ID `gorm:"not null" json:"receipt_id"`
	Sequence               int64        `gorm:"not null" json:"sequence"`
	Payload                []byte       `gorm:"not null" json:"-"`
	TransmissionSignature  string       `gorm:"type:text;not null" json:"-"`
	Status                 Status       `gorm:"type:text;not null;index:idx_queue_items_profile_status,priority:2" json:"status"`
	Attempts               int          `gorm:"not null;default:0" json:"attempts"`
	LastError              string       `gorm:"type:text" json:"last_error,omitempty"`
	LastErrorClass         string       `gorm:"type:text" json:"last_error_class,omitempty"`
	RegulatorTransactionID string       `gorm:"type:text" json:"regulator_transaction_id,omitempty"`
	NextAttemptAt          time.Time    `gorm:"not null;index" json:"next_attempt_at"`
	ProcessingStartedAt    *time.Time   `json:"processing_started_at,omitempty"`
	CompletedAt            *time.Time   `json:"completed_at,omitempty"`
	CreatedAt              time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt              time.Time    `gorm:"not null" json:"updated_at"`
}

func (Item) TableName() string { return "queue_items" }

func (i *Item) Terminal() bool {
	return i.Status == StatusCompleted || i.Status == StatusFailed
}

type BreakerStatus string

const (
	BreakerClosed   BreakerStatus = "closed"
	BreakerOpen     BreakerStatus = "open"
	BreakerHalfOpen BreakerStatus = "half_open"
)

// BreakerState is the persisted circuit breaker of one regulator endpoint.
type BreakerState struct {
	Endpoint            string        `gorm:"primaryKey;type:text" json:"endpoint"`
	State               BreakerStatus `gorm:"type:text;not null" json:"state"`
	ConsecutiveFailures int           `gorm:"not null;default:0" json:"consecutive_failures"`
	OpenCount           int           `gorm:"not null;default:0" json:"open_count"`
	ProbeInFlight       bool          `gorm:"not null;default:false" json:"probe_in_flight"`
	ProbeStartedAt      *time.Time    `json:"probe_started_at,omitempty"`
	CooldownUntil       *time.Time    `json:"cooldown_until,omitempty"`
	LastTransitionAt    time.Time     `gorm:"not null" json:"last_transition_at"`
	UpdatedAt           time.Time     `gorm:"not null" json:"updated_at"`
}

func (BreakerState) TableName() string { return "circuit_breakers" }

type ListFilter struct {
	TenantID  string
	ProfileID snowflake.ID
	Status    Status
	Limit     int
}

type Stats struct {
	Pending         int64      `json:"pending"`
	Processing      int64      `json:"processing"`
	Completed       int64      `json:"completed"`
	Failed          int64      `json:"failed"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
}
