package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/srmgate/internal/device/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, profile *domain.Profile) error {
	return db.WithContext(ctx).Create(profile).Error
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, profile *domain.Profile) error {
	profile.UpdatedAt = time.Now().UTC()
	return db.WithContext(ctx).Save(profile).Error
}

// CompareAndSetState moves the profile only when it is still in from.
func (r *repo) CompareAndSetState(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.State) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE device_profiles SET enrollment_state = ?, updated_at = ?
		WHERE id = ? AND enrollment_state = ?`,
		to, time.Now().UTC(), id, from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Profile, error) {
	var profile domain.Profile
	err := db.WithContext(ctx).Where("id = ?", id).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (r *repo) FindByTenantEnv(ctx context.Context, db *gorm.DB, tenantID, environment string) (*domain.Profile, error) {
	var profile domain.Profile
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND environment = ?", tenantID, environment).
		Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (r *repo) ListActive(ctx context.Context, db *gorm.DB) ([]*domain.Profile, error) {
	var profiles []*domain.Profile
	err := db.WithContext(ctx).
		Where("active = ? AND enrollment_state = ?", true, domain.StateEnrolled).
		Order("id asc").
		Find(&profiles).Error
	return profiles, err
}
