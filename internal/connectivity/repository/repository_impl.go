package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/srmgate/internal/connectivity/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, session *domain.OfflineSession) error {
	return db.WithContext(ctx).Create(session).Error
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, session *domain.OfflineSession) error {
	return db.WithContext(ctx).Save(session).Error
}

func (r *repo) FindOpen(ctx context.Context, db *gorm.DB, tenantID string) (*domain.OfflineSession, error) {
	var session domain.OfflineSession
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND ended_at IS NULL", tenantID).
		Order("started_at desc").
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ListBetween returns sessions that overlap [from, to], open ones included.
func (r *repo) ListBetween(ctx context.Context, db *gorm.DB, tenantID string, from, to time.Time) ([]*domain.OfflineSession, error) {
	var sessions []*domain.OfflineSession
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND started_at <= ? AND (ended_at IS NULL OR ended_at >= ?)", tenantID, to, from).
		Order("started_at asc").
		Find(&sessions).Error
	return sessions, err
}
