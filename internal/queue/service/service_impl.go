package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/smallbiznis/srmgate/internal/clock"
	"github.com/smallbiznis/srmgate/internal/config"
	"github.com/smallbiznis/srmgate/internal/csr"
	devicedomain "github.com/smallbiznis/srmgate/internal/device/domain"
	obscontext "github.com/smallbiznis/srmgate/internal/observability/context"
	"github.com/smallbiznis/srmgate/internal/observability/logger"
	"github.com/smallbiznis/srmgate/internal/queue/breaker"
	"github.com/smallbiznis/srmgate/internal/queue/domain"
	"github.com/smallbiznis/srmgate/internal/receipt/chain"
	receiptdomain "github.com/smallbiznis/srmgate/internal/receipt/domain"
	"github.com/smallbiznis/srmgate/internal/regulator"
	"github.com/smallbiznis/srmgate/internal/srmerror"
	"github.com/smallbiznis/srmgate/internal/vault"
	"github.com/smallbiznis/srmgate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// idempotencyNamespace scopes the v5 keys derived for queue items.
var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("srmgate.queue"))

// IdempotencyKey is stable for a tenant's transaction and operation across
// retries and restarts. Order ids are only unique within a tenant.
func IdempotencyKey(tenantID, transactionID, operation string) string {
	name := strings.TrimSpace(tenantID) + "|" + strings.TrimSpace(transactionID) + "|" + operation
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Config       config.Config
	Environments *config.EnvironmentHolder
	Vault        *vault.Vault
	Devices      devicedomain.Service
	Receipts     receiptdomain.Service
	Repo         domain.Repository
	Breaker      *breaker.Breaker
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	defaultEnv string
	envs       *config.EnvironmentHolder
	vault      *vault.Vault
	devices    devicedomain.Service
	receipts   receiptdomain.Service
	repo       domain.Repository
	breaker    *breaker.Breaker
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("queue.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		defaultEnv: p.Config.SRM.DefaultEnvironment,
		envs:       p.Environments,
		vault:      p.Vault,
		devices:    p.Devices,
		receipts:   p.Receipts,
		repo:       p.Repo,
		breaker:    p.Breaker,
	}
}

func (s *Service) Enqueue(ctx context.Context, tx receiptdomain.TransactionRecord, operation string) (*domain.Item, error) {
	if operation == "" {
		operation = domain.OperationSubmit
	}
	if operation != domain.OperationSubmit {
		return nil, domain.ErrInvalidOperation
	}
	tx.TenantID = strings.TrimSpace(tx.TenantID)
	if tx.TenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	tx.ID = strings.TrimSpace(tx.ID)
	if err := chain.Validate(tx); err != nil {
		return nil, err
	}

	key := IdempotencyKey(tx.TenantID, tx.ID, operation)
	if existing, err := s.existing(ctx, key, tx.TenantID); err != nil || existing != nil {
		return existing, err
	}

	envName := strings.TrimSpace(tx.Environment)
	if envName == "" {
		envName = s.defaultEnv
	}
	env, err := s.envs.Get(envName)
	if err != nil {
		return nil, srmerror.NewValidation(srmerror.FieldError{Field: "environment", Code: "unknown", Message: "unknown regulator environment"})
	}
	ctx = obscontext.WithTenantID(ctx, tx.TenantID)
	profile, err := s.devices.ActiveSigner(ctx, tx.TenantID, env.Name)
	if err != nil {
		if errors.Is(err, devicedomain.ErrNotFound) || errors.Is(err, devicedomain.ErrNotEnrolled) {
			return nil, domain.ErrNoActiveSigner
		}
		return nil, err
	}

	var item *domain.Item
	receipt, created, err := s.receipts.SignNext(ctx, profile, tx, func(store *gorm.DB, receipt *receiptdomain.SignedReceipt) error {
		built, err := s.buildItem(profile, receipt, operation, key)
		if err != nil {
			return err
		}
		if err := s.repo.Insert(ctx, store, built); err != nil {
			return err
		}
		item = built
		return nil
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.existing(ctx, key, tx.TenantID)
		}
		return nil, err
	}
	if !created {
		return s.adopt(ctx, profile, receipt, operation, key)
	}

	logger.WithContext(ctx, s.log).Info("queue.enqueued",
		zap.String("transaction_id", tx.ID),
		zap.String("idempotency_key", key),
		zap.String("item_id", item.ID.String()),
		zap.Int64("sequence", receipt.Sequence),
		zap.String("mode", string(receipt.Mode)),
	)
	return item, nil
}

// adopt returns the item of a receipt signed earlier, creating it when the
// receipt was signed outside the queue.
func (s *Service) adopt(ctx context.Context, profile *devicedomain.Profile, receipt *receiptdomain.SignedReceipt, operation, key string) (*domain.Item, error) {
	existing, err := s.existing(ctx, key, profile.TenantID)
	if err != nil || existing != nil {
		return existing, err
	}
	item, err := s.buildItem(profile, receipt, operation, key)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Insert(ctx, s.db, item); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return s.existing(ctx, key, profile.TenantID)
		}
		return nil, err
	}
	return item, nil
}

func (s *Service) existing(ctx context.Context, key, tenantID string) (*domain.Item, error) {
	item, err := s.repo.FindByKey(ctx, s.db, key)
	if err != nil || item == nil {
		return nil, err
	}
	if item.TenantID != tenantID {
		return nil, domain.ErrIdempotencyConflict
	}
	return item, nil
}

// buildItem renders the regulator request body for receipt and signs it with
// the device key.
func (s *Service) buildItem(profile *devicedomain.Profile, receipt *receiptdomain.SignedReceipt, operation, key string) (*domain.Item, error) {
	body, err := regulator.BuildTransactionBody(receipt.CanonicalPayload, receipt.Signature, receipt.PreviousSignature, receipt.PayloadHash)
	if err != nil {
		return nil, err
	}
	var transmission string
	err = s.vault.WithPlaintext(profile.EncryptedPrivateKey, func(keyPEM []byte) error {
		privateKey, err := csr.DecodePrivateKey(keyPEM)
		if err != nil {
			return srmerror.Integrity("device_profile.private_key", "undecodable", err)
		}
		transmission, err = chain.Sign(body, privateKey)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	return &domain.Item{
		ID:                    s.genID.Generate(),
		ProfileID:             receipt.ProfileID,
		TenantID:              receipt.TenantID,
		Environment:           receipt.Environment,
		TransactionID:         receipt.TransactionID,
		Operation:             operation,
		IdempotencyKey:        key,
		ReceiptID:             receipt.ID,
		Sequence:              receipt.Sequence,
		Payload:               snappy.Encode(nil, body),
		TransmissionSignature: transmission,
		Status:                domain.StatusPending,
		NextAttemptAt:         now,
		CreatedAt:             now,
		UpdatedAt:             now,
	}, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Item, error) {
	item, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}
	return item, nil
}

func (s *Service) GetByTransaction(ctx context.Context, tenantID, transactionID, operation string) (*domain.Item, error) {
	if operation == "" {
		operation = domain.OperationSubmit
	}
	tenantID = strings.TrimSpace(tenantID)
	item, err := s.existing(ctx, IdempotencyKey(tenantID, transactionID, operation), tenantID)
	if errors.Is(err, domain.ErrIdempotencyConflict) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}
	return item, nil
}

func (s *Service) List(ctx context.Context, filter domain.ListFilter) ([]domain.Item, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	filter.TenantID = strings.TrimSpace(filter.TenantID)
	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Item, 0, len(items))
	for _, item := range items {
		if item != nil {
			out = append(out, *item)
		}
	}
	return out, nil
}

func (s *Service) Stats(ctx context.Context, tenantID string) (domain.Stats, error) {
	tenantID = strings.TrimSpace(tenantID)
	counts, err := s.repo.CountByStatus(ctx, s.db, tenantID)
	if err != nil {
		return domain.Stats{}, err
	}
	oldest, err := s.repo.OldestPending(ctx, s.db, tenantID)
	if err != nil {
		return domain.Stats{}, err
	}
	return domain.Stats{
		Pending:         counts[domain.StatusPending],
		Processing:      counts[domain.StatusProcessing],
		Completed:       counts[domain.StatusCompleted],
		Failed:          counts[domain.StatusFailed],
		OldestPendingAt: oldest,
	}, nil
}

func (s *Service) FailedItems(ctx context.Context, tenantID string, limit int) ([]domain.Item, error) {
	return s.List(ctx, domain.ListFilter{TenantID: tenantID, Status: domain.StatusFailed, Limit: limit})
}

func (s *Service) Requeue(ctx context.Context, id snowflake.ID) (*domain.Item, error) {
	var out *domain.Item
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if item == nil {
			return domain.ErrNotFound
		}
		if item.Status != domain.StatusFailed {
			return domain.ErrNotRequeueable
		}
		now := s.clock.Now().UTC()
		item.Status = domain.StatusPending
		item.Attempts = 0
		item.NextAttemptAt = now
		item.ProcessingStartedAt = nil
		item.UpdatedAt = now
		if err := s.repo.Save(ctx, tx, item); err != nil {
			return err
		}
		out = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("queue.requeued",
		zap.String("item_id", out.ID.String()),
		zap.String("transaction_id", out.TransactionID),
		zap.String("previous_error_class", out.LastErrorClass),
	)
	return out, nil
}

func (s *Service) Breakers(ctx context.Context) ([]domain.BreakerState, error) {
	return s.breaker.Snapshot(ctx)
}

func (s *Service) ResetBreaker(ctx context.Context, endpoint string) error {
	if strings.TrimSpace(endpoint) == "" {
		return srmerror.NewValidation(srmerror.FieldError{Field: "endpoint", Code: "required", Message: "endpoint is required"})
	}
	if err := s.breaker.Reset(ctx, endpoint); err != nil {
		return err
	}
	s.log.Warn("breaker.reset", zap.String("endpoint", endpoint))
	return nil
}
