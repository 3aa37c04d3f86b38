package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type TransactionType string

const (
	TransactionSale   TransactionType = "sale"
	TransactionRefund TransactionType = "refund"
)

type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// LineItem amounts are in minor units; Quantity is in thousandths.
type LineItem struct {
	SKU         string `json:"sku"`
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Amount      int64  `json:"amount"`
}

// TransactionRecord is a finalized order handed over by the point of sale.
type TransactionRecord struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Environment string          `json:"environment,omitempty"`
	Currency    string          `json:"currency"`
	Subtotal    int64           `json:"subtotal"`
	GST         int64           `json:"gst"`
	QST         int64           `json:"qst"`
	Total       int64           `json:"total"`
	Items       []LineItem      `json:"items"`
	CompletedAt time.Time       `json:"completed_at"`
	Type        TransactionType `json:"transaction_type"`
	Mode        Mode            `json:"mode"`
}

// SignedReceipt is one link of a device's signature chain.
type SignedReceipt struct {
	ID                     snowflake.ID    `gorm:"primaryKey" json:"id"`
	ProfileID              snowflake.ID    `gorm:"not null;uniqueIndex:ux_signed_receipts_profile_seq,priority:1;uniqueIndex:ux_signed_receipts_profile_tx,priority:1" json:"profile_id"`
	TenantID               string          `gorm:"type:text;not null;index:idx_signed_receipts_tenant_tx,priority:1" json:"tenant_id"`
	Environment            string          `gorm:"type:text;not null" json:"environment"`
	DeviceID               string          `gorm:"type:text;not null" json:"device_id"`
	CertificateFingerprint string          `gorm:"type:text;not null" json:"certificate_fingerprint"`
	TransactionID          string          `gorm:"type:text;not null;uniqueIndex:ux_signed_receipts_profile_tx,priority:2;index:idx_signed_receipts_tenant_tx,priority:2" json:"transaction_id"`
	TransactionType        TransactionType `gorm:"type:text;not null" json:"transaction_type"`
	Mode                   Mode            `gorm:"type:text;not null" json:"mode"`
	Total                  int64           `gorm:"not null" json:"total"`
	Sequence               int64           `gorm:"not null;uniqueIndex:ux_signed_receipts_profile_seq,priority:2" json:"sequence"`
	CanonicalVersion       string          `gorm:"type:text;not null" json:"canonical_version"`
	CanonicalPayload       []byte          `gorm:"not null" json:"-"`
	PayloadHash            string          `gorm:"type:text;not null" json:"payload_hash"`
	Signature              string          `gorm:"type:text;not null" json:"signature"`
	PreviousSignature      string          `gorm:"type:text;not null" json:"previous_signature"`
	QRPayload              string          `gorm:"column:qr_payload;type:text;not null" json:"qr_payload"`
	SignedAt               time.Time       `gorm:"not null" json:"signed_at"`
}

func (SignedReceipt) TableName() string { return "signed_receipts" }

// DeviceChain tracks the head of a profile's chain and how far the regulator
// has confirmed it.
type DeviceChain struct {
	ProfileID         snowflake.ID `gorm:"primaryKey;autoIncrement:false" json:"profile_id"`
	HeadSequence      int64        `gorm:"not null;default:0" json:"head_sequence"`
	HeadSignature     string       `gorm:"type:text" json:"head_signature"`
	CommittedSequence int64        `gorm:"not null;default:0" json:"committed_sequence"`
	UpdatedAt         time.Time    `gorm:"not null" json:"updated_at"`
}

func (DeviceChain) TableName() string { return "device_chains" }

type ChainStatus struct {
	ProfileID         string `json:"profile_id"`
	DeviceID          string `json:"device_id"`
	HeadSequence      int64  `json:"head_sequence"`
	CommittedSequence int64  `json:"committed_sequence"`
	Uncommitted       int64  `json:"uncommitted"`
	Verified          bool   `json:"verified"`
	Checked           int64  `json:"checked"`
	BrokenAt          int64  `json:"broken_at,omitempty"`
	Reason            string `json:"reason,omitempty"`
}
