package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	devicedomain "github.com/smallbiznis/srmgate/internal/device/domain"
	"gorm.io/gorm"
)

// AfterSign runs inside the transaction that persists a receipt, so work
// keyed on the receipt commits or rolls back with it.
type AfterSign func(tx *gorm.DB, receipt *SignedReceipt) error

type Repository interface {
	InsertReceipt(ctx context.Context, db *gorm.DB, receipt *SignedReceipt) error
	FindReceipt(ctx context.Context, db *gorm.DB, profileID snowflake.ID, transactionID string) (*SignedReceipt, error)
	FindByTenantTransaction(ctx context.Context, db *gorm.DB, tenantID, transactionID string) (*SignedReceipt, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*SignedReceipt, error)
	ListByProfile(ctx context.Context, db *gorm.DB, profileID snowflake.ID, afterSequence int64, limit int) ([]*SignedReceipt, error)
	CountSignedBetween(ctx context.Context, db *gorm.DB, tenantID string, from, to time.Time) (int64, error)

	GetChain(ctx context.Context, db *gorm.DB, profileID snowflake.ID) (*DeviceChain, error)
	AdvanceHead(ctx context.Context, db *gorm.DB, profileID snowflake.ID, expectedSequence int64, sequence int64, signature string) (bool, error)
	AdvanceCommitted(ctx context.Context, db *gorm.DB, profileID snowflake.ID, sequence int64) error
}

// CertificateHistory returns every certificate PEM a profile has been issued,
// so receipts signed before a re-enrollment can still be verified.
type CertificateHistory interface {
	Certificates(ctx context.Context, profileID snowflake.ID) ([]string, error)
}

type Service interface {
	// SignNext appends tx to the profile's chain. Signing the same
	// transaction again returns the existing receipt.
	SignNext(ctx context.Context, profile *devicedomain.Profile, tx TransactionRecord, then AfterSign) (*SignedReceipt, bool, error)
	MarkCommitted(ctx context.Context, db *gorm.DB, profileID snowflake.ID, sequence int64) error
	Get(ctx context.Context, tenantID, transactionID string) (*SignedReceipt, error)
	GetByID(ctx context.Context, id snowflake.ID) (*SignedReceipt, error)
	ListByProfile(ctx context.Context, profileID snowflake.ID, afterSequence int64, limit int) ([]*SignedReceipt, error)
	ChainStatus(ctx context.Context, profile *devicedomain.Profile) (ChainStatus, error)
	VerifyChain(ctx context.Context, profile *devicedomain.Profile) (ChainStatus, error)
}

var (
	ErrNotFound          = errors.New("receipt_not_found")
	ErrChainMoved        = errors.New("chain_head_moved")
	ErrProfileNotSigning = errors.New("profile_cannot_sign")
)
