package service

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/srmgate/internal/clock"
	"github.com/smallbiznis/srmgate/internal/config"
	"github.com/smallbiznis/srmgate/internal/csr"
	devicedomain "github.com/smallbiznis/srmgate/internal/device/domain"
	"github.com/smallbiznis/srmgate/internal/lock"
	obscontext "github.com/smallbiznis/srmgate/internal/observability/context"
	"github.com/smallbiznis/srmgate/internal/observability/logger"
	"github.com/smallbiznis/srmgate/internal/observability/metrics"
	"github.com/smallbiznis/srmgate/internal/receipt/chain"
	"github.com/smallbiznis/srmgate/internal/receipt/domain"
	"github.com/smallbiznis/srmgate/internal/srmerror"
	"github.com/smallbiznis/srmgate/internal/vault"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const verifyPageSize = 500

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Environments *config.EnvironmentHolder
	Vault        *vault.Vault
	Locks        *lock.DeviceLocks
	Repo         domain.Repository
	Certificates domain.CertificateHistory `optional:"true"`
	Metrics      *metrics.Metrics          `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	envs    *config.EnvironmentHolder
	vault   *vault.Vault
	locks   *lock.DeviceLocks
	repo    domain.Repository
	certs   domain.CertificateHistory
	metrics *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("receipt.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		envs:    p.Environments,
		vault:   p.Vault,
		locks:   p.Locks,
		repo:    p.Repo,
		certs:   p.Certificates,
		metrics: p.Metrics,
	}
}

// SignNext appends tx to the profile's chain under the chain lock. The
// receipt insert, the head move and then commit together; on any error the
// head is untouched.
func (s *Service) SignNext(ctx context.Context, profile *devicedomain.Profile, tx domain.TransactionRecord, then domain.AfterSign) (*domain.SignedReceipt, bool, error) {
	if profile == nil || !profile.CanSign() {
		return nil, false, domain.ErrProfileNotSigning
	}
	if err := chain.Validate(tx); err != nil {
		return nil, false, err
	}
	tenantID := strings.TrimSpace(tx.TenantID)
	if tenantID != "" && tenantID != profile.TenantID {
		return nil, false, srmerror.NewValidation(srmerror.FieldError{
			Field: "tenant_id", Code: "mismatch", Message: "transaction tenant does not own the signing profile",
		})
	}
	env, err := s.envs.Get(profile.Environment)
	if err != nil {
		return nil, false, srmerror.Configuration("environment", profile.Environment, err)
	}
	tx.ID = strings.TrimSpace(tx.ID)
	if tx.Mode == "" {
		tx.Mode = domain.ModeOnline
	}

	unlock, err := s.locks.Acquire(ctx, lock.KindChain, profile.ID.String())
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	existing, err := s.repo.FindReceipt(ctx, s.db, profile.ID, tx.ID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	head, err := s.repo.GetChain(ctx, s.db, profile.ID)
	if err != nil {
		return nil, false, err
	}
	link := chain.Link{
		Environment:       profile.Environment,
		DeviceID:          profile.DeviceID,
		Sequence:          head.HeadSequence + 1,
		PreviousSignature: head.HeadSignature,
	}

	var sealed chain.Sealed
	err = s.vault.WithPlaintext(profile.EncryptedPrivateKey, func(keyPEM []byte) error {
		key, err := csr.DecodePrivateKey(keyPEM)
		if err != nil {
			return srmerror.Integrity("device_profile.private_key", "undecodable", err)
		}
		sealed, err = chain.Seal(tx, link, key, env.QRBaseURL)
		return err
	})
	if err != nil {
		s.logFor(ctx, profile).Warn("receipt.sign.failed",
			zap.String("transaction_id", tx.ID),
			zap.Int64("sequence", link.Sequence),
			zap.String("error_class", srmerror.Classify(err)),
			zap.Error(err),
		)
		return nil, false, err
	}

	receipt := &domain.SignedReceipt{
		ID:                     s.genID.Generate(),
		ProfileID:              profile.ID,
		TenantID:               profile.TenantID,
		Environment:            profile.Environment,
		DeviceID:               profile.DeviceID,
		CertificateFingerprint: profile.CertificateFingerprint,
		TransactionID:          tx.ID,
		TransactionType:        tx.Type,
		Mode:                   tx.Mode,
		Total:                  tx.Total,
		Sequence:               sealed.Sequence,
		CanonicalVersion:       chain.CanonicalVersion,
		CanonicalPayload:       sealed.Payload,
		PayloadHash:            sealed.Hash,
		Signature:              sealed.Signature,
		PreviousSignature:      sealed.PreviousSignature,
		QRPayload:              sealed.QRPayload,
		SignedAt:               s.clock.Now(),
	}

	err = s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if err := s.repo.InsertReceipt(ctx, db, receipt); err != nil {
			return err
		}
		moved, err := s.repo.AdvanceHead(ctx, db, profile.ID, head.HeadSequence, receipt.Sequence, receipt.Signature)
		if err != nil {
			return err
		}
		if !moved {
			return domain.ErrChainMoved
		}
		if then != nil {
			return then(db, receipt)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	s.metrics.RecordReceiptSigned(ctx, profile.Environment, string(tx.Type))
	s.logFor(ctx, profile).Info("receipt.signed",
		zap.String("transaction_id", tx.ID),
		zap.Int64("sequence", receipt.Sequence),
		zap.String("payload_hash", receipt.PayloadHash),
		zap.String("mode", string(receipt.Mode)),
	)
	return receipt, true, nil
}

func (s *Service) MarkCommitted(ctx context.Context, db *gorm.DB, profileID snowflake.ID, sequence int64) error {
	if db == nil {
		db = s.db
	}
	return s.repo.AdvanceCommitted(ctx, db, profileID, sequence)
}

func (s *Service) Get(ctx context.Context, tenantID, transactionID string) (*domain.SignedReceipt, error) {
	tenantID = strings.TrimSpace(tenantID)
	transactionID = strings.TrimSpace(transactionID)
	if tenantID == "" || transactionID == "" {
		return nil, domain.ErrNotFound
	}
	receipt, err := s.repo.FindByTenantTransaction(ctx, s.db, tenantID, transactionID)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, domain.ErrNotFound
	}
	return receipt, nil
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*domain.SignedReceipt, error) {
	receipt, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, domain.ErrNotFound
	}
	return receipt, nil
}

func (s *Service) ListByProfile(ctx context.Context, profileID snowflake.ID, afterSequence int64, limit int) ([]*domain.SignedReceipt, error) {
	if limit <= 0 || limit > verifyPageSize {
		limit = verifyPageSize
	}
	return s.repo.ListByProfile(ctx, s.db, profileID, afterSequence, limit)
}

func (s *Service) ChainStatus(ctx context.Context, profile *devicedomain.Profile) (domain.ChainStatus, error) {
	if profile == nil {
		return domain.ChainStatus{}, devicedomain.ErrNotFound
	}
	head, err := s.repo.GetChain(ctx, s.db, profile.ID)
	if err != nil {
		return domain.ChainStatus{}, err
	}
	return domain.ChainStatus{
		ProfileID:         profile.ID.String(),
		DeviceID:          profile.DeviceID,
		HeadSequence:      head.HeadSequence,
		CommittedSequence: head.CommittedSequence,
		Uncommitted:       head.HeadSequence - head.CommittedSequence,
	}, nil
}

// VerifyChain walks the whole chain page by page. Each receipt is checked
// with the certificate that was current when it was signed.
func (s *Service) VerifyChain(ctx context.Context, profile *devicedomain.Profile) (domain.ChainStatus, error) {
	status, err := s.ChainStatus(ctx, profile)
	if err != nil {
		return status, err
	}
	keys, err := s.publicKeys(ctx, profile)
	if err != nil {
		return status, err
	}

	var (
		previous *domain.SignedReceipt
		after    int64
	)
	for {
		page, err := s.repo.ListByProfile(ctx, s.db, profile.ID, after, verifyPageSize)
		if err != nil {
			return status, err
		}
		if len(page) == 0 {
			break
		}
		window := page
		if previous != nil {
			window = append([]*domain.SignedReceipt{previous}, page...)
		}
		err = chain.VerifyChainWith(window, func(r *domain.SignedReceipt) *ecdsa.PublicKey {
			return keys[r.CertificateFingerprint]
		})
		if err != nil {
			seq, _ := chain.BrokenSequence(err)
			status.BrokenAt = seq
			status.Reason = err.Error()
			s.logFor(ctx, profile).Error("receipt.chain.broken", zap.Int64("sequence", seq), zap.Error(err))
			return status, nil
		}
		status.Checked += int64(len(page))
		previous = page[len(page)-1]
		after = previous.Sequence
	}

	if previous != nil && previous.Sequence != status.HeadSequence {
		status.BrokenAt = previous.Sequence
		status.Reason = fmt.Sprintf("last stored sequence %d does not match head %d", previous.Sequence, status.HeadSequence)
		return status, nil
	}
	status.Verified = true
	return status, nil
}

func (s *Service) publicKeys(ctx context.Context, profile *devicedomain.Profile) (map[string]*ecdsa.PublicKey, error) {
	pems := []string{}
	if s.certs != nil {
		history, err := s.certs.Certificates(ctx, profile.ID)
		if err != nil {
			return nil, err
		}
		pems = append(pems, history...)
	}
	if profile.EncryptedCertificate != "" {
		current, err := s.vault.DecryptString(profile.EncryptedCertificate)
		if err != nil {
			return nil, err
		}
		pems = append(pems, current)
	}

	keys := make(map[string]*ecdsa.PublicKey, len(pems))
	for _, p := range pems {
		cert, err := csr.ParseCertificate(p)
		if err != nil {
			return nil, srmerror.Integrity("certificate", "undecodable", err)
		}
		pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return nil, srmerror.Integrity("certificate", "not an ECDSA key", nil)
		}
		keys[csr.Fingerprint(cert)] = pub
	}
	return keys, nil
}

func (s *Service) logFor(ctx context.Context, profile *devicedomain.Profile) *zap.Logger {
	ctx = obscontext.WithTenantID(ctx, profile.TenantID)
	ctx = obscontext.WithDeviceID(ctx, profile.DeviceID)
	return logger.WithContext(ctx, s.log).With(zap.String("profile_id", profile.ID.String()))
}
