package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/srmgate/internal/clock"
	"github.com/smallbiznis/srmgate/internal/config"
	"github.com/smallbiznis/srmgate/internal/device/domain"
	"github.com/smallbiznis/srmgate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Environments *config.EnvironmentHolder
	Repo         domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	envs  *config.EnvironmentHolder
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("device.service"),
		genID: p.GenID,
		clock: p.Clock,
		envs:  p.Environments,
		repo:  p.Repo,
	}
}

func (s *Service) Provision(ctx context.Context, tenantID, environment string) (*domain.Profile, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	env, err := s.envs.Get(environment)
	if err != nil {
		return nil, domain.ErrInvalidEnvironment
	}

	existing, err := s.repo.FindByTenantEnv(ctx, s.db, tenantID, env.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := s.clock.Now()
	profile := &domain.Profile{
		ID:                s.genID.Generate(),
		TenantID:          tenantID,
		Environment:       env.Name,
		DeviceID:          config.ProvisionalDeviceID,
		PartnerID:         env.PartnerID,
		CertificationCode: env.CertificationCode,
		SoftwareID:        env.SoftwareID,
		SoftwareVersion:   env.SoftwareVersion,
		ProtocolVersion:   env.ProtocolVersion,
		EnrollmentState:   domain.StateUnenrolled,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.repo.Insert(ctx, s.db, profile); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.repo.FindByTenantEnv(ctx, s.db, tenantID, env.Name)
		}
		return nil, err
	}

	s.log.Info("device.provisioned",
		zap.String("tenant_id", tenantID),
		zap.String("environment", env.Name),
		zap.String("profile_id", profile.ID.String()),
	)
	return profile, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Profile, error) {
	profile, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, domain.ErrNotFound
	}
	return profile, nil
}

func (s *Service) Current(ctx context.Context, tenantID, environment string) (*domain.Profile, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	env, err := s.envs.Get(environment)
	if err != nil {
		return nil, domain.ErrInvalidEnvironment
	}
	profile, err := s.repo.FindByTenantEnv(ctx, s.db, tenantID, env.Name)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, domain.ErrNotFound
	}
	return profile, nil
}

func (s *Service) ActiveSigner(ctx context.Context, tenantID, environment string) (*domain.Profile, error) {
	profile, err := s.Current(ctx, tenantID, environment)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrNotEnrolled
		}
		return nil, err
	}
	if !profile.CanSign() {
		return nil, domain.ErrNotEnrolled
	}
	return profile, nil
}

func (s *Service) ListActive(ctx context.Context) ([]*domain.Profile, error) {
	return s.repo.ListActive(ctx, s.db)
}
