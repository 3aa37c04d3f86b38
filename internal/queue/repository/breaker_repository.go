package repository

import (
	"context"
	"errors"

	"github.com/smallbiznis/srmgate/internal/queue/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type breakerRepo struct{}

func ProvideBreakers() domain.BreakerRepository {
	return &breakerRepo{}
}

func (r *breakerRepo) Get(ctx context.Context, db *gorm.DB, endpoint string) (*domain.BreakerState, error) {
	var state domain.BreakerState
	err := db.WithContext(ctx).Where("endpoint = ?", endpoint).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// GetForUpdate serializes breaker transitions across instances sharing the
// database. sqlite has no row locks; its writers are serialized anyway.
func (r *breakerRepo) GetForUpdate(ctx context.Context, db *gorm.DB, initial domain.BreakerState) (*domain.BreakerState, error) {
	db = db.WithContext(ctx)
	state, err := r.locked(db, initial.Endpoint)
	if err != nil || state != nil {
		return state, err
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&initial).Error; err != nil {
		return nil, err
	}
	state, err = r.locked(db, initial.Endpoint)
	if err == nil && state == nil {
		err = gorm.ErrRecordNotFound
	}
	return state, err
}

func (r *breakerRepo) locked(db *gorm.DB, endpoint string) (*domain.BreakerState, error) {
	var state domain.BreakerState
	err := forUpdate(db, endpoint).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func forUpdate(db *gorm.DB, endpoint string) *gorm.DB {
	q := db.Where("endpoint = ?", endpoint)
	if db.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

func (r *breakerRepo) Save(ctx context.Context, db *gorm.DB, state *domain.BreakerState) error {
	return db.WithContext(ctx).Save(state).Error
}

func (r *breakerRepo) List(ctx context.Context, db *gorm.DB) ([]*domain.BreakerState, error) {
	var states []*domain.BreakerState
	err := db.WithContext(ctx).Order("endpoint asc").Find(&states).Error
	return states, err
}
