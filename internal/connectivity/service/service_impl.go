package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/srmgate/internal/clock"
	"github.com/smallbiznis/srmgate/internal/connectivity/domain"
	"github.com/smallbiznis/srmgate/internal/lock"
	obscontext "github.com/smallbiznis/srmgate/internal/observability/context"
	"github.com/smallbiznis/srmgate/internal/observability/logger"
	"github.com/smallbiznis/srmgate/internal/observability/metrics"
	"github.com/smallbiznis/srmgate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const reconnectBuffer = 64

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Receipts domain.ReceiptCounter
	Metrics  *metrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	receipts   domain.ReceiptCounter
	metrics    *metrics.Metrics
	tenants    *lock.KeyedMutex
	reconnects chan string
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("connectivity.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		receipts:   p.Receipts,
		metrics:    p.Metrics,
		tenants:    lock.NewKeyedMutex(),
		reconnects: make(chan string, reconnectBuffer),
	}
}

func (s *Service) MarkOffline(ctx context.Context, tenantID, reason string, source domain.Source) (*domain.OfflineSession, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	unlock, err := s.tenants.Lock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	open, err := s.repo.FindOpen(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return open, nil
	}

	if source == "" {
		source = domain.SourceSignal
	}
	now := s.clock.Now().UTC()
	session := &domain.OfflineSession{
		ID:        s.genID.Generate(),
		TenantID:  tenantID,
		StartedAt: now,
		Reason:    strings.TrimSpace(reason),
		Source:    source,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Insert(ctx, s.db, session); err != nil {
		// Another instance opened the session first.
		if db.IsDuplicateKeyErr(err) {
			return s.repo.FindOpen(ctx, s.db, tenantID)
		}
		return nil, err
	}

	s.metrics.RecordOfflineSession(ctx, string(source))
	s.logFor(ctx, tenantID).Warn("connectivity.offline",
		zap.String("session_id", session.ID.String()),
		zap.String("source", string(source)),
		zap.String("reason", session.Reason),
	)
	return session, nil
}

func (s *Service) MarkOnline(ctx context.Context, tenantID string) (*domain.OfflineSession, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	unlock, err := s.tenants.Lock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	open, err := s.repo.FindOpen(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if open == nil {
		return nil, nil
	}

	now := s.clock.Now().UTC()
	signed, err := s.receipts.CountSignedBetween(ctx, s.db, tenantID, open.StartedAt, now)
	if err != nil {
		return nil, err
	}
	open.EndedAt = &now
	open.DurationMs = now.Sub(open.StartedAt).Milliseconds()
	open.TransactionsSigned = signed
	open.UpdatedAt = now
	if err := s.repo.Save(ctx, s.db, open); err != nil {
		return nil, err
	}

	s.logFor(ctx, tenantID).Info("connectivity.online",
		zap.String("session_id", open.ID.String()),
		zap.Int64("duration_ms", open.DurationMs),
		zap.Int64("transactions_signed", open.TransactionsSigned),
	)
	s.notify(tenantID)
	return open, nil
}

func (s *Service) Signal(ctx context.Context, tenantID string, online bool, reason string) (*domain.OfflineSession, error) {
	if online {
		return s.MarkOnline(ctx, tenantID)
	}
	return s.MarkOffline(ctx, tenantID, reason, domain.SourceSignal)
}

func (s *Service) IsOffline(ctx context.Context, tenantID string) (bool, error) {
	open, err := s.repo.FindOpen(ctx, s.db, strings.TrimSpace(tenantID))
	if err != nil {
		return false, err
	}
	return open != nil, nil
}

func (s *Service) List(ctx context.Context, tenantID string, from, to time.Time) ([]domain.OfflineSession, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	if to.IsZero() {
		to = s.clock.Now().UTC()
	}
	if !from.IsZero() && from.After(to) {
		return nil, domain.ErrInvalidTimeRange
	}
	items, err := s.repo.ListBetween(ctx, s.db, tenantID, from, to)
	if err != nil {
		return nil, err
	}
	return flatten(items), nil
}

func (s *Service) Overlapping(ctx context.Context, tenantID string, at time.Time) ([]domain.OfflineSession, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	items, err := s.repo.ListBetween(ctx, s.db, tenantID, at, at)
	if err != nil {
		return nil, err
	}
	return flatten(items), nil
}

func (s *Service) Reconnects() <-chan string {
	return s.reconnects
}

// notify never blocks; a full buffer already guarantees a pending pass.
func (s *Service) notify(tenantID string) {
	select {
	case s.reconnects <- tenantID:
	default:
	}
}

func (s *Service) logFor(ctx context.Context, tenantID string) *zap.Logger {
	return logger.WithContext(obscontext.WithTenantID(ctx, tenantID), s.log)
}

func flatten(items []*domain.OfflineSession) []domain.OfflineSession {
	out := make([]domain.OfflineSession, 0, len(items))
	for _, item := range items {
		if item != nil {
			out = append(out, *item)
		}
	}
	return out
}
