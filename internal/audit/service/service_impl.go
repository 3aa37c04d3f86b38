package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/srmgate/internal/audit/domain"
	"github.com/smallbiznis/srmgate/internal/clock"
	obscontext "github.com/smallbiznis/srmgate/internal/observability/context"
	"github.com/smallbiznis/srmgate/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  auditdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  auditdomain.Repository
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

var validOperations = map[string]struct{}{
	auditdomain.OperationEnrollmentAdd:   {},
	auditdomain.OperationEnrollmentAnnul: {},
	auditdomain.OperationTransaction:     {},
}

func (s *Service) Record(ctx context.Context, entry auditdomain.Entry) error {
	entry.Operation = strings.TrimSpace(entry.Operation)
	if _, ok := validOperations[entry.Operation]; !ok {
		return auditdomain.ErrInvalidOperation
	}
	if strings.TrimSpace(entry.TenantID) == "" {
		entry.TenantID = obscontext.TenantIDFromContext(ctx)
	}
	if entry.TenantID == "" {
		return auditdomain.ErrInvalidTenant
	}
	if entry.DeviceID == "" {
		entry.DeviceID = obscontext.DeviceIDFromContext(ctx)
	}
	if entry.Attempt <= 0 {
		entry.Attempt = 1
	}
	entry.ID = s.genID.Generate()
	entry.CreatedAt = s.clock.Now().UTC()

	if err := s.repo.Insert(ctx, s.db, &entry); err != nil {
		s.log.Warn("audit.write_failed",
			zap.String("operation", entry.Operation),
			zap.String("transaction_id", entry.TransactionID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *Service) ListByTransaction(ctx context.Context, tenantID, transactionID string) ([]auditdomain.Entry, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, auditdomain.ErrInvalidTenant
	}
	items, err := s.repo.ListByTransaction(ctx, s.db, tenantID, strings.TrimSpace(transactionID))
	if err != nil {
		return nil, err
	}
	entries := make([]auditdomain.Entry, 0, len(items))
	for _, item := range items {
		if item != nil {
			entries = append(entries, *item)
		}
	}
	return entries, nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListRequest) (auditdomain.ListResponse, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		tenantID = obscontext.TenantIDFromContext(ctx)
	}
	if tenantID == "" {
		return auditdomain.ListResponse{}, auditdomain.ErrInvalidTenant
	}
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListResponse{}, auditdomain.ErrInvalidTimeRange
	}

	var cursor *auditdomain.EntryCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil || decoded == nil || decoded.ID == 0 {
			return auditdomain.ListResponse{}, auditdomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return auditdomain.ListResponse{}, auditdomain.ErrInvalidPageToken
		}
		cursor = &auditdomain.EntryCursor{ID: snowflake.ID(decoded.ID), CreatedAt: createdAt}
	}

	limit := req.Limit()
	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		TenantID:      tenantID,
		Operation:     req.Operation,
		TransactionID: req.TransactionID,
		StartAt:       req.StartAt,
		EndAt:         req.EndAt,
		Cursor:        cursor,
		Limit:         limit,
	})
	if err != nil {
		return auditdomain.ListResponse{}, err
	}

	items, pageInfo, err := pagination.BuildCursorPage(items, limit, func(item *auditdomain.Entry) pagination.Cursor {
		return pagination.Cursor{
			ID:        item.ID.Int64(),
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
	})
	if err != nil {
		return auditdomain.ListResponse{}, err
	}

	entries := make([]auditdomain.Entry, 0, len(items))
	for _, item := range items {
		if item != nil {
			entries = append(entries, *item)
		}
	}
	return auditdomain.ListResponse{PageInfo: pageInfo, Entries: entries}, nil
}
