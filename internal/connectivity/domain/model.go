package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Source string

const (
	SourceSignal     Source = "signal"
	SourceDispatcher Source = "dispatcher"
)

// OfflineSession is a period during which the regulator was unreachable for
// a tenant. EndedAt is nil while the session is open.
type OfflineSession struct {
	ID                 snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID           string       `gorm:"type:text;not null;index:idx_offline_sessions_tenant_started,priority:1" json:"tenant_id"`
	StartedAt          time.Time    `gorm:"not null;index:idx_offline_sessions_tenant_started,priority:2" json:"started_at"`
	EndedAt            *time.Time   `json:"ended_at,omitempty"`
	Reason             string       `gorm:"type:text" json:"reason,omitempty"`
	Source             Source       `gorm:"type:text;not null" json:"source"`
	TransactionsSigned int64        `gorm:"not null;default:0" json:"transactions_signed"`
	DurationMs         int64        `gorm:"not null;default:0" json:"duration_ms"`
	CreatedAt          time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time    `gorm:"not null" json:"updated_at"`
}

func (OfflineSession) TableName() string { return "offline_sessions" }

func (s *OfflineSession) Open() bool { return s != nil && s.EndedAt == nil }
