package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusCreated   Status = "created"
	StatusSubmitted Status = "submitted"
	StatusIssued    Status = "issued"
	StatusRejected  Status = "rejected"
	// StatusAbandoned marks a request whose outcome was never recorded, for
	// example because the process died during the regulator call.
	StatusAbandoned Status = "abandoned"
)

// Request is one enrollment exchange with the regulator. Add requests carry
// a freshly generated key; annul requests carry the profile's current key.
type Request struct {
	ID                  snowflake.ID   `gorm:"primaryKey" json:"id"`
	ProfileID           snowflake.ID   `gorm:"not null;index" json:"profile_id"`
	TenantID            string         `gorm:"type:text;not null" json:"tenant_id"`
	Environment         string         `gorm:"type:text;not null" json:"environment"`
	Operation           string         `gorm:"type:text;not null" json:"operation"`
	CSRPEM              string         `gorm:"column:csr_pem;type:text;not null" json:"csr_pem"`
	DnFields            datatypes.JSON `gorm:"type:json" json:"dn_fields"`
	EncryptedPrivateKey string         `gorm:"type:text;not null" json:"-"`
	Status              Status         `gorm:"type:text;not null" json:"status"`
	SubmittedAt         *time.Time     `json:"submitted_at,omitempty"`
	CompletedAt         *time.Time     `json:"completed_at,omitempty"`
	CertificatePEM      string         `gorm:"column:certificate_pem;type:text" json:"certificate_pem,omitempty"`
	RegulatorErrors     datatypes.JSON `gorm:"type:json" json:"regulator_errors,omitempty"`
	LastError           string         `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt           time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"not null" json:"updated_at"`
}

func (Request) TableName() string { return "enrollment_requests" }
