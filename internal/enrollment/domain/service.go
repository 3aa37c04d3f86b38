package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/srmgate/internal/csr"
	devicedomain "github.com/smallbiznis/srmgate/internal/device/domain"
	"github.com/smallbiznis/srmgate/internal/regulator"
	"gorm.io/gorm"
)

type EnrollRequest struct {
	TenantID          string      `json:"tenant_id"`
	Environment       string      `json:"environment"`
	Subject           csr.Subject `json:"subject"`
	AuthorizationCode string      `json:"authorization_code,omitempty"`
}

type AnnulRequest struct {
	TenantID          string `json:"tenant_id"`
	Environment       string `json:"environment"`
	AuthorizationCode string `json:"authorization_code,omitempty"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, req *Request) error
	Save(ctx context.Context, db *gorm.DB, req *Request) error
	ListByProfile(ctx context.Context, db *gorm.DB, profileID snowflake.ID) ([]*Request, error)
	ListSubmittedBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]*Request, error)
}

// Regulator is the enrollment endpoint of the regulator transport.
type Regulator interface {
	Enroll(ctx context.Context, call regulator.EnrollmentCall) (regulator.EnrollmentResult, error)
}

type Service interface {
	Enroll(ctx context.Context, req EnrollRequest) (devicedomain.Summary, error)
	Annul(ctx context.Context, req AnnulRequest) (devicedomain.Summary, error)
	Status(ctx context.Context, tenantID, environment string) (devicedomain.Summary, error)
	History(ctx context.Context, tenantID, environment string) ([]Request, error)
	// Certificates lists every certificate issued to the profile, oldest first.
	Certificates(ctx context.Context, profileID snowflake.ID) ([]string, error)
	// RecoverStale abandons requests submitted before the stale cutoff and
	// returns their profiles to the state they started from.
	RecoverStale(ctx context.Context) (int, error)
}

var (
	ErrAlreadyEnrolled    = errors.New("already_enrolled")
	ErrInProgress         = errors.New("enrollment_in_progress")
	ErrNotEnrolled        = errors.New("not_enrolled")
	ErrStateConflict      = errors.New("enrollment_state_conflict")
	ErrInvalidTenant      = errors.New("invalid_tenant")
	ErrInvalidEnvironment = errors.New("invalid_environment")
)
