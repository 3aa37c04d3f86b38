package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	receiptdomain "github.com/smallbiznis/srmgate/internal/receipt/domain"
	"github.com/smallbiznis/srmgate/internal/regulator"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, item *Item) error
	Save(ctx context.Context, db *gorm.DB, item *Item) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Item, error)
	FindByKey(ctx context.Context, db *gorm.DB, key string) (*Item, error)
	// NextEligible returns the lowest-sequence pending item of the profile,
	// or nil while that item is not yet due. When ignoreSchedule is set
	// next_attempt_at is not considered.
	NextEligible(ctx context.Context, db *gorm.DB, profileID snowflake.ID, now time.Time, ignoreSchedule bool) (*Item, error)
	// Claim moves a pending item to processing. It reports false when the
	// item was no longer pending.
	Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	ProfilesWithEligible(ctx context.Context, db *gorm.DB, now time.Time, ignoreSchedule bool, limit int) ([]snowflake.ID, error)
	RevertStuck(ctx context.Context, db *gorm.DB, startedBefore, now time.Time) (int64, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Item, error)
	CountByStatus(ctx context.Context, db *gorm.DB, tenantID string) (map[Status]int64, error)
	OldestPending(ctx context.Context, db *gorm.DB, tenantID string) (*time.Time, error)
}

type BreakerRepository interface {
	Get(ctx context.Context, db *gorm.DB, endpoint string) (*BreakerState, error)
	// GetForUpdate creates the row when missing and returns it locked for
	// the rest of the transaction.
	GetForUpdate(ctx context.Context, db *gorm.DB, initial BreakerState) (*BreakerState, error)
	Save(ctx context.Context, db *gorm.DB, state *BreakerState) error
	List(ctx context.Context, db *gorm.DB) ([]*BreakerState, error)
}

//go:generate mockgen -destination=../mock/sender.go -package=mock github.com/smallbiznis/srmgate/internal/queue/domain Sender

// Sender delivers one transaction to the regulator.
type Sender interface {
	SubmitTransaction(ctx context.Context, call regulator.TransactionCall) (regulator.TransactionResult, error)
}

type Service interface {
	// Enqueue signs tx and records the outbound call. Enqueuing the same
	// transaction again returns the existing item unchanged.
	Enqueue(ctx context.Context, tx receiptdomain.TransactionRecord, operation string) (*Item, error)
	Get(ctx context.Context, id snowflake.ID) (*Item, error)
	GetByTransaction(ctx context.Context, tenantID, transactionID, operation string) (*Item, error)
	List(ctx context.Context, filter ListFilter) ([]Item, error)
	Stats(ctx context.Context, tenantID string) (Stats, error)
	FailedItems(ctx context.Context, tenantID string, limit int) ([]Item, error)
	// Requeue moves a failed item back to pending with attempts reset.
	Requeue(ctx context.Context, id snowflake.ID) (*Item, error)
	Breakers(ctx context.Context) ([]BreakerState, error)
	ResetBreaker(ctx context.Context, endpoint string) error
}

var (
	ErrNotFound            = errors.New("queue_item_not_found")
	ErrInvalidOperation    = errors.New("invalid_operation")
	ErrInvalidTenant       = errors.New("invalid_tenant")
	ErrIdempotencyConflict = errors.New("idempotency_key_conflict")
	ErrNotRequeueable      = errors.New("queue_item_not_failed")
	ErrNoActiveSigner      = errors.New("no_active_signing_profile")
)
