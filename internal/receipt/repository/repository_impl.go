package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/srmgate/internal/receipt/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertReceipt(ctx context.Context, db *gorm.DB, receipt *domain.SignedReceipt) error {
	return db.WithContext(ctx).Create(receipt).Error
}

func (r *repo) FindReceipt(ctx context.Context, db *gorm.DB, profileID snowflake.ID, transactionID string) (*domain.SignedReceipt, error) {
	return r.take(db.WithContext(ctx).Where("profile_id = ? AND transaction_id = ?", profileID, transactionID))
}

// FindByTenantTransaction returns the most recent receipt for the
// transaction across the tenant's profiles.
func (r *repo) FindByTenantTransaction(ctx context.Context, db *gorm.DB, tenantID, transactionID string) (*domain.SignedReceipt, error) {
	return r.take(db.WithContext(ctx).
		Where("tenant_id = ? AND transaction_id = ?", tenantID, transactionID).
		Order("signed_at desc"))
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.SignedReceipt, error) {
	return r.take(db.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) take(query *gorm.DB) (*domain.SignedReceipt, error) {
	var receipt domain.SignedReceipt
	err := query.Take(&receipt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (r *repo) ListByProfile(ctx context.Context, db *gorm.DB, profileID snowflake.ID, afterSequence int64, limit int) ([]*domain.SignedReceipt, error) {
	var items []*domain.SignedReceipt
	query := db.WithContext(ctx).
		Where("profile_id = ? AND sequence > ?", profileID, afterSequence).
		Order("sequence asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) CountSignedBetween(ctx context.Context, db *gorm.DB, tenantID string, from, to time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&domain.SignedReceipt{}).
		Where("tenant_id = ? AND signed_at >= ? AND signed_at <= ?", tenantID, from, to).
		Count(&count).Error
	return count, err
}

// GetChain returns a zero head when the profile has never signed.
func (r *repo) GetChain(ctx context.Context, db *gorm.DB, profileID snowflake.ID) (*domain.DeviceChain, error) {
	var chain domain.DeviceChain
	err := db.WithContext(ctx).Where("profile_id = ?", profileID).Take(&chain).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.DeviceChain{ProfileID: profileID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &chain, nil
}

// AdvanceHead moves the head from expectedSequence to sequence. It reports
// false when another writer moved the head first.
func (r *repo) AdvanceHead(ctx context.Context, db *gorm.DB, profileID snowflake.ID, expectedSequence int64, sequence int64, signature string) (bool, error) {
	now := time.Now().UTC()
	if expectedSequence == 0 {
		res := db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&domain.DeviceChain{
				ProfileID:     profileID,
				HeadSequence:  sequence,
				HeadSignature: signature,
				UpdatedAt:     now,
			})
		if res.Error != nil {
			return false, res.Error
		}
		if res.RowsAffected == 1 {
			return true, nil
		}
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE device_chains SET head_sequence = ?, head_signature = ?, updated_at = ?
		WHERE profile_id = ? AND head_sequence = ?`,
		sequence, signature, now, profileID, expectedSequence,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AdvanceCommitted never moves committed_sequence backwards or past the head.
func (r *repo) AdvanceCommitted(ctx context.Context, db *gorm.DB, profileID snowflake.ID, sequence int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE device_chains SET committed_sequence = ?, updated_at = ?
		WHERE profile_id = ? AND committed_sequence < ? AND head_sequence >= ?`,
		sequence, time.Now().UTC(), profileID, sequence, sequence,
	).Error
}
