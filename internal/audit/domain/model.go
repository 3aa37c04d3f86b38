package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	OperationEnrollmentAdd   = "enrollment.add"
	OperationEnrollmentAnnul = "enrollment.annul"
	OperationTransaction     = "transaction.submit"
)

// Entry records one regulator call attempt. Entries are never updated.
type Entry struct {
	ID                     snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID               string       `gorm:"type:text;not null;index:idx_audit_tenant_created,priority:1" json:"tenant_id"`
	Environment            string       `gorm:"type:text;not null" json:"environment"`
	ProfileID              snowflake.ID `gorm:"not null" json:"profile_id"`
	DeviceID               string       `gorm:"type:text" json:"device_id"`
	Operation              string       `gorm:"type:text;not null" json:"operation"`
	TransactionID          string       `gorm:"type:text;index" json:"transaction_id,omitempty"`
	IdempotencyKey         string       `gorm:"type:text" json:"idempotency_key,omitempty"`
	Attempt                int          `gorm:"not null;default:1" json:"attempt"`
	Endpoint               string       `gorm:"type:text;not null" json:"endpoint"`
	RequestHash            string       `gorm:"type:text;not null" json:"request_hash"`
	ResponseHash           string       `gorm:"type:text" json:"response_hash,omitempty"`
	HTTPStatus             int          `json:"http_status"`
	RegulatorTransactionID string       `gorm:"type:text" json:"regulator_transaction_id,omitempty"`
	ReturnCode             string       `gorm:"type:text" json:"return_code,omitempty"`
	ErrorCode              string       `gorm:"type:text" json:"error_code,omitempty"`
	ErrorMessage           string       `gorm:"type:text" json:"error_message,omitempty"`
	DurationMS             int64        `gorm:"not null" json:"duration_ms"`
	CreatedAt              time.Time    `gorm:"not null;index:idx_audit_tenant_created,priority:2" json:"created_at"`
}

func (Entry) TableName() string { return "regulator_audit_entries" }

// Succeeded reports whether the call reached the regulator and was accepted.
func (e Entry) Succeeded() bool {
	return e.HTTPStatus >= 200 && e.HTTPStatus < 300 && e.ErrorCode == ""
}

type ListFilter struct {
	TenantID      string
	Operation     string
	TransactionID string
	StartAt       *time.Time
	EndAt         *time.Time
	Cursor        *EntryCursor
	Limit         int
}

type EntryCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}
