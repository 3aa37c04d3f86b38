package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/srmgate/internal/queue/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, item *domain.Item) error {
	return db.WithContext(ctx).Create(item).Error
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, item *domain.Item) error {
	return db.WithContext(ctx).Save(item).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Item, error) {
	return take(db.WithContext(ctx).Where("id = ?", id))
}

func (r *repo) FindByKey(ctx context.Context, db *gorm.DB, key string) (*domain.Item, error) {
	return take(db.WithContext(ctx).Where("idempotency_key = ?", key))
}

func (r *repo) NextEligible(ctx context.Context, db *gorm.DB, profileID snowflake.ID, now time.Time, ignoreSchedule bool) (*domain.Item, error) {
	item, err := take(db.WithContext(ctx).
		Where("profile_id = ? AND status IN ?", profileID, []domain.Status{domain.StatusPending, domain.StatusProcessing}).
		Order("sequence asc, id asc"))
	if err != nil || item == nil {
		return nil, err
	}
	// A later item never overtakes a head that is in flight or waiting out
	// its backoff.
	if item.Status == domain.StatusProcessing {
		return nil, nil
	}
	if !ignoreSchedule && item.NextAttemptAt.After(now) {
		return nil, nil
	}
	return item, nil
}

func (r *repo) Claim(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE queue_items
		 SET status = ?, processing_started_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusProcessing, now, now, id, domain.StatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ProfilesWithEligible(ctx context.Context, db *gorm.DB, now time.Time, ignoreSchedule bool, limit int) ([]snowflake.ID, error) {
	query := db.WithContext(ctx).Model(&domain.Item{}).
		Distinct("profile_id").
		Where("status = ?", domain.StatusPending)
	if !ignoreSchedule {
		query = query.Where("next_attempt_at <= ?", now)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var ids []snowflake.ID
	err := query.Order("profile_id").Pluck("profile_id", &ids).Error
	return ids, err
}

// RevertStuck returns items left in processing by a crashed worker to pending.
func (r *repo) RevertStuck(ctx context.Context, db *gorm.DB, startedBefore, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE queue_items
		 SET status = ?, processing_started_at = NULL, next_attempt_at = ?, updated_at = ?
		 WHERE status = ? AND processing_started_at <= ?`,
		domain.StatusPending, now, now, domain.StatusProcessing, startedBefore,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.Item, error) {
	query := db.WithContext(ctx).Model(&domain.Item{})
	if filter.TenantID != "" {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.ProfileID != 0 {
		query = query.Where("profile_id = ?", filter.ProfileID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var items []*domain.Item
	err := query.Order("created_at desc, id desc").Find(&items).Error
	return items, err
}

func (r *repo) CountByStatus(ctx context.Context, db *gorm.DB, tenantID string) (map[domain.Status]int64, error) {
	var rows []struct {
		Status domain.Status
		Count  int64
	}
	query := db.WithContext(ctx).Model(&domain.Item{}).Select("status, COUNT(*) AS count")
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}
	if err := query.Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[domain.Status]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Count
	}
	return out, nil
}

func (r *repo) OldestPending(ctx context.Context, db *gorm.DB, tenantID string) (*time.Time, error) {
	query := db.WithContext(ctx).Where("status = ?", domain.StatusPending)
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}
	item, err := take(query.Order("created_at asc"))
	if err != nil || item == nil {
		return nil, err
	}
	return &item.CreatedAt, nil
}

func take(query *gorm.DB) (*domain.Item, error) {
	var item domain.Item
	err := query.Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}
