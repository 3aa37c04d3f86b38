package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/srmgate/internal/enrollment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, req *domain.Request) error {
	return db.WithContext(ctx).Create(req).Error
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, req *domain.Request) error {
	req.UpdatedAt = time.Now().UTC()
	return db.WithContext(ctx).Save(req).Error
}

func (r *repo) ListByProfile(ctx context.Context, db *gorm.DB, profileID snowflake.ID) ([]*domain.Request, error) {
	var reqs []*domain.Request
	err := db.WithContext(ctx).
		Where("profile_id = ?", profileID).
		Order("created_at asc, id asc").
		Find(&reqs).Error
	return reqs, err
}

// ListSubmittedBefore returns requests still waiting for an outcome that were
// submitted before the cutoff, oldest first.
func (r *repo) ListSubmittedBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]*domain.Request, error) {
	var reqs []*domain.Request
	err := db.WithContext(ctx).
		Where("status = ? AND submitted_at < ?", domain.StatusSubmitted, before).
		Order("submitted_at asc, id asc").
		Limit(limit).
		Find(&reqs).Error
	return reqs, err
}
