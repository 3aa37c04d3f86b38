package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, profile *Profile) error
	Save(ctx context.Context, db *gorm.DB, profile *Profile) error
	CompareAndSetState(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to State) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Profile, error)
	FindByTenantEnv(ctx context.Context, db *gorm.DB, tenantID, environment string) (*Profile, error)
	ListActive(ctx context.Context, db *gorm.DB) ([]*Profile, error)
}

type Service interface {
	// Provision returns the profile for (tenant, environment), creating an
	// unenrolled one carrying the provisional device id when absent.
	Provision(ctx context.Context, tenantID, environment string) (*Profile, error)
	Get(ctx context.Context, id snowflake.ID) (*Profile, error)
	Current(ctx context.Context, tenantID, environment string) (*Profile, error)
	// ActiveSigner returns the enrolled, active profile able to sign.
	ActiveSigner(ctx context.Context, tenantID, environment string) (*Profile, error)
	ListActive(ctx context.Context) ([]*Profile, error)
}

var (
	ErrNotFound           = errors.New("device_profile_not_found")
	ErrNotEnrolled        = errors.New("device_not_enrolled")
	ErrInvalidTenant      = errors.New("invalid_tenant")
	ErrInvalidEnvironment = errors.New("invalid_environment")
	ErrStateConflict      = errors.New("device_state_conflict")
)
