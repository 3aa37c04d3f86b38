package service

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/srmgate/internal/clock"
	"github.com/smallbiznis/srmgate/internal/config"
	"github.com/smallbiznis/srmgate/internal/csr"
	devicedomain "github.com/smallbiznis/srmgate/internal/device/domain"
	"github.com/smallbiznis/srmgate/internal/enrollment/domain"
	obscontext "github.com/smallbiznis/srmgate/internal/observability/context"
	"github.com/smallbiznis/srmgate/internal/observability/logger"
	"github.com/smallbiznis/srmgate/internal/observability/metrics"
	"github.com/smallbiznis/srmgate/internal/regulator"
	"github.com/smallbiznis/srmgate/internal/srmerror"
	"github.com/smallbiznis/srmgate/internal/vault"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Environments *config.EnvironmentHolder
	Vault        *vault.Vault
	Devices      devicedomain.Service
	DeviceRepo   devicedomain.Repository
	Repo         domain.Repository
	Regulator    domain.Regulator
	Config       config.Config    `optional:"true"`
	Metrics      *metrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	envs       *config.EnvironmentHolder
	vault      *vault.Vault
	devices    devicedomain.Service
	deviceRepo devicedomain.Repository
	repo       domain.Repository
	regulator  domain.Regulator
	metrics    *metrics.Metrics
	staleAfter time.Duration
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("enrollment.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		envs:       p.Environments,
		vault:      p.Vault,
		devices:    p.Devices,
		deviceRepo: p.DeviceRepo,
		repo:       p.Repo,
		regulator:  p.Regulator,
		metrics:    p.Metrics,
		staleAfter: staleAfter(p.Config.SRM.EnrollmentStaleAfter),
	}
}

// Enroll issues a certificate for a fresh key. A rejected or failed attempt
// leaves the profile in the state it started from.
func (s *Service) Enroll(ctx context.Context, req domain.EnrollRequest) (devicedomain.Summary, error) {
	env, opts, err := s.resolveEnvironment(req.TenantID, req.Environment)
	if err != nil {
		return devicedomain.Summary{}, err
	}
	tenantID := strings.TrimSpace(req.TenantID)

	profile, err := s.devices.Provision(ctx, tenantID, env.Name)
	if err != nil {
		return devicedomain.Summary{}, err
	}
	prior := profile.EnrollmentState
	switch prior {
	case devicedomain.StateUnenrolled, devicedomain.StateAnnulled:
	case devicedomain.StateEnrolled:
		return devicedomain.Summary{}, domain.ErrAlreadyEnrolled
	default:
		return devicedomain.Summary{}, domain.ErrInProgress
	}

	key, err := csr.GenerateKey()
	if err != nil {
		return devicedomain.Summary{}, fmt.Errorf("generate key: %w", err)
	}
	built, err := csr.Build(key, req.Subject, opts)
	if err != nil {
		return devicedomain.Summary{}, err
	}
	encryptedKey, err := s.sealKey(key)
	if err != nil {
		return devicedomain.Summary{}, err
	}

	request, err := s.open(ctx, profile, prior, devicedomain.StatePending, regulator.OperationAdd, built, encryptedKey)
	if err != nil {
		return devicedomain.Summary{}, err
	}

	log := s.logFor(ctx, profile)
	log.Info("enrollment.submitted",
		zap.String("operation", regulator.OperationAdd),
		zap.String("request_id", request.ID.String()),
		zap.Int("csr_length", len(built.PEM)),
	)

	res, callErr := s.regulator.Enroll(ctx, regulator.EnrollmentCall{
		Target:            s.target(env, profile),
		Operation:         regulator.OperationAdd,
		CSR:               built.PEM,
		AuthorizationCode: req.AuthorizationCode,
	})
	if callErr != nil {
		s.fail(ctx, profile, request, devicedomain.StatePending, prior, callErr)
		return devicedomain.Summary{}, callErr
	}

	issued, err := s.acceptIssuance(profile, key, res)
	if err != nil {
		s.fail(ctx, profile, request, devicedomain.StatePending, prior, err)
		return devicedomain.Summary{}, err
	}

	encryptedCert, err := s.vault.EncryptString(res.Certificate)
	if err != nil {
		s.fail(ctx, profile, request, devicedomain.StatePending, prior, err)
		return devicedomain.Summary{}, err
	}
	var encryptedSecondary *string
	if res.SecondaryCertificate != "" {
		sealed, err := s.vault.EncryptString(res.SecondaryCertificate)
		if err != nil {
			s.fail(ctx, profile, request, devicedomain.StatePending, prior, err)
			return devicedomain.Summary{}, err
		}
		encryptedSecondary = &sealed
	}
	dn, err := json.Marshal(built.Subject)
	if err != nil {
		return devicedomain.Summary{}, err
	}

	now := s.clock.Now()
	wctx := context.WithoutCancel(ctx)
	err = s.db.WithContext(wctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.deviceRepo.FindByID(wctx, tx, profile.ID)
		if err != nil {
			return err
		}
		if current == nil || current.EnrollmentState != devicedomain.StatePending {
			return domain.ErrStateConflict
		}
		current.DeviceID = issued.deviceID
		current.DeviceIDAssigned = true
		current.EncryptedPrivateKey = encryptedKey
		current.EncryptedCertificate = encryptedCert
		current.EncryptedSecondaryCertificate = encryptedSecondary
		current.CertificateFingerprint = issued.fingerprint
		current.SubjectFields = datatypes.JSON(dn)
		current.EnrollmentState = devicedomain.StateEnrolled
		current.Active = true
		current.EnrolledAt = &now
		current.AnnulledAt = nil
		if err := s.deviceRepo.Save(wctx, tx, current); err != nil {
			return err
		}
		*profile = *current

		request.Status = domain.StatusIssued
		request.CertificatePEM = res.Certificate
		request.CompletedAt = &now
		request.LastError = ""
		return s.repo.Save(wctx, tx, request)
	})
	if err != nil {
		return devicedomain.Summary{}, err
	}

	s.metrics.RecordEnrollmentTransition(ctx, string(devicedomain.StatePending), string(devicedomain.StateEnrolled))
	log.Info("enrollment.transition",
		zap.String("from", string(devicedomain.StatePending)),
		zap.String("to", string(devicedomain.StateEnrolled)),
		zap.String("device_id", profile.DeviceID),
		zap.String("certificate_fingerprint", profile.CertificateFingerprint),
	)
	return profile.Summary(), nil
}

// Annul revokes the current certificate using the current key.
func (s *Service) Annul(ctx context.Context, req domain.AnnulRequest) (devicedomain.Summary, error) {
	env, opts, err := s.resolveEnvironment(req.TenantID, req.Environment)
	if err != nil {
		return devicedomain.Summary{}, err
	}
	profile, err := s.devices.Current(ctx, strings.TrimSpace(req.TenantID), env.Name)
	if err != nil {
		if errors.Is(err, devicedomain.ErrNotFound) {
			return devicedomain.Summary{}, domain.ErrNotEnrolled
		}
		return devicedomain.Summary{}, err
	}
	switch profile.EnrollmentState {
	case devicedomain.StateEnrolled:
	case devicedomain.StatePending, devicedomain.StateAnnulling:
		return devicedomain.Summary{}, domain.ErrInProgress
	default:
		return devicedomain.Summary{}, domain.ErrNotEnrolled
	}

	var stored []csr.DnValue
	if err := json.Unmarshal(profile.SubjectFields, &stored); err != nil {
		return devicedomain.Summary{}, srmerror.Integrity("device_profile.subject_fields", "undecodable", err)
	}
	subject := make(csr.Subject, len(stored))
	for _, v := range stored {
		subject[v.Attribute] = v.Value
	}

	var built csr.Result
	err = s.vault.WithPlaintext(profile.EncryptedPrivateKey, func(keyPEM []byte) error {
		key, err := csr.DecodePrivateKey(keyPEM)
		if err != nil {
			return srmerror.Integrity("device_profile.private_key", "undecodable", err)
		}
		built, err = csr.Build(key, subject, opts)
		return err
	})
	if err != nil {
		return devicedomain.Summary{}, err
	}

	request, err := s.open(ctx, profile, devicedomain.StateEnrolled, devicedomain.StateAnnulling, regulator.OperationAnnul, built, profile.EncryptedPrivateKey)
	if err != nil {
		return devicedomain.Summary{}, err
	}

	log := s.logFor(ctx, profile)
	log.Info("enrollment.submitted",
		zap.String("operation", regulator.OperationAnnul),
		zap.String("request_id", request.ID.String()),
	)

	_, callErr := s.regulator.Enroll(ctx, regulator.EnrollmentCall{
		Target:            s.target(env, profile),
		Operation:         regulator.OperationAnnul,
		CSR:               built.PEM,
		AuthorizationCode: req.AuthorizationCode,
	})
	if callErr != nil {
		s.fail(ctx, profile, request, devicedomain.StateAnnulling, devicedomain.StateEnrolled, callErr)
		return devicedomain.Summary{}, callErr
	}

	now := s.clock.Now()
	wctx := context.WithoutCancel(ctx)
	err = s.db.WithContext(wctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.deviceRepo.FindByID(wctx, tx, profile.ID)
		if err != nil {
			return err
		}
		if current == nil || current.EnrollmentState != devicedomain.StateAnnulling {
			return domain.ErrStateConflict
		}
		current.EnrollmentState = devicedomain.StateAnnulled
		current.Active = false
		current.AnnulledAt = &now
		if err := s.deviceRepo.Save(wctx, tx, current); err != nil {
			return err
		}
		*profile = *current

		request.Status = domain.StatusIssued
		request.CompletedAt = &now
		request.LastError = ""
		return s.repo.Save(wctx, tx, request)
	})
	if err != nil {
		return devicedomain.Summary{}, err
	}

	s.metrics.RecordEnrollmentTransition(ctx, string(devicedomain.StateAnnulling), string(devicedomain.StateAnnulled))
	log.Info("enrollment.transition",
		zap.String("from", string(devicedomain.StateAnnulling)),
		zap.String("to", string(devicedomain.StateAnnulled)),
	)
	return profile.Summary(), nil
}

func (s *Service) Status(ctx context.Context, tenantID, environment string) (devicedomain.Summary, error) {
	profile, err := s.devices.Current(ctx, tenantID, environment)
	if err != nil {
		return devicedomain.Summary{}, err
	}
	return profile.Summary(), nil
}

func (s *Service) History(ctx context.Context, tenantID, environment string) ([]domain.Request, error) {
	profile, err := s.devices.Current(ctx, tenantID, environment)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ListByProfile(ctx, s.db, profile.ID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Request, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		view := *item
		view.EncryptedPrivateKey = ""
		out = append(out, view)
	}
	return out, nil
}

func (s *Service) Certificates(ctx context.Context, profileID snowflake.ID) ([]string, error) {
	items, err := s.repo.ListByProfile(ctx, s.db, profileID)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, item := range items {
		if item == nil || item.Operation != regulator.OperationAdd || item.Status != domain.StatusIssued {
			continue
		}
		if strings.TrimSpace(item.CertificatePEM) != "" {
			out = append(out, item.CertificatePEM)
		}
	}
	return out, nil
}

func (s *Service) resolveEnvironment(tenantID, environment string) (config.EnvironmentConfig, csr.Options, error) {
	if strings.TrimSpace(tenantID) == "" {
		return config.EnvironmentConfig{}, csr.Options{}, domain.ErrInvalidTenant
	}
	env, err := s.envs.Get(environment)
	if err != nil {
		return config.EnvironmentConfig{}, csr.Options{}, domain.ErrInvalidEnvironment
	}
	opts, err := csr.OptionsFromEnvironment(env)
	if err != nil {
		return config.EnvironmentConfig{}, csr.Options{}, err
	}
	return env, opts, nil
}

// open moves the profile from -> to and records the request as submitted,
// atomically.
func (s *Service) open(ctx context.Context, profile *devicedomain.Profile, from, to devicedomain.State, operation string, built csr.Result, encryptedKey string) (*domain.Request, error) {
	dn, err := json.Marshal(built.Subject)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	request := &domain.Request{
		ID:                  s.genID.Generate(),
		ProfileID:           profile.ID,
		TenantID:            profile.TenantID,
		Environment:         profile.Environment,
		Operation:           operation,
		CSRPEM:              built.PEM,
		DnFields:            datatypes.JSON(dn),
		EncryptedPrivateKey: encryptedKey,
		Status:              domain.StatusCreated,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.deviceRepo.CompareAndSetState(ctx, tx, profile.ID, from, to)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrStateConflict
		}
		if err := s.repo.Insert(ctx, tx, request); err != nil {
			return err
		}
		request.Status = domain.StatusSubmitted
		request.SubmittedAt = &now
		return s.repo.Save(ctx, tx, request)
	})
	if err != nil {
		return nil, err
	}
	profile.EnrollmentState = to
	s.metrics.RecordEnrollmentTransition(ctx, string(from), string(to))
	return request, nil
}

// fail reverts the profile and records why the request did not complete.
// Regulator rejections are terminal for the request; anything else leaves it
// submitted so the outcome can be reconciled.
func (s *Service) fail(ctx context.Context, profile *devicedomain.Profile, request *domain.Request, from, to devicedomain.State, cause error) {
	ctx = context.WithoutCancel(ctx)
	now := s.clock.Now()

	var protoErr *srmerror.ProtocolError
	if errors.As(cause, &protoErr) {
		request.Status = domain.StatusRejected
		request.CompletedAt = &now
		if raw, err := json.Marshal(protoErr.Errors); err == nil {
			request.RegulatorErrors = datatypes.JSON(raw)
		}
	}
	request.LastError = cause.Error()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.deviceRepo.CompareAndSetState(ctx, tx, profile.ID, from, to); err != nil {
			return err
		}
		return s.repo.Save(ctx, tx, request)
	})
	log := s.logFor(ctx, profile)
	if err != nil {
		log.Error("enrollment.revert.failed", zap.String("request_id", request.ID.String()), zap.Error(err))
		return
	}
	profile.EnrollmentState = to
	s.metrics.RecordEnrollmentTransition(ctx, string(from), string(to))
	log.Warn("enrollment.transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("error_class", srmerror.Classify(cause)),
		zap.Error(cause),
	)
}

type issuance struct {
	deviceID    string
	fingerprint string
}

// acceptIssuance checks the response against the profile and the key the
// CSR was built from.
func (s *Service) acceptIssuance(profile *devicedomain.Profile, key *ecdsa.PrivateKey, res regulator.EnrollmentResult) (issuance, error) {
	deviceID := strings.TrimSpace(res.DeviceID)
	switch {
	case profile.DeviceIDAssigned && deviceID != "" && deviceID != profile.DeviceID:
		return issuance{}, srmerror.Integrity("device_id", fmt.Sprintf("regulator returned %s for assigned device %s", deviceID, profile.DeviceID), nil)
	case profile.DeviceIDAssigned:
		deviceID = profile.DeviceID
	case deviceID == "" || deviceID == config.ProvisionalDeviceID:
		return issuance{}, srmerror.Integrity("device_id", "regulator assigned no device id", nil)
	}

	cert, err := csr.ParseCertificate(res.Certificate)
	if err != nil {
		return issuance{}, srmerror.Integrity("certificate", "undecodable", err)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || !pub.Equal(key.Public()) {
		return issuance{}, srmerror.Integrity("certificate", "public key does not match the submitted CSR", nil)
	}
	return issuance{deviceID: deviceID, fingerprint: csr.Fingerprint(cert)}, nil
}

func (s *Service) sealKey(key *ecdsa.PrivateKey) (string, error) {
	keyPEM, err := csr.EncodePrivateKey(key)
	if err != nil {
		return "", err
	}
	defer func() {
		for i := range keyPEM {
			keyPEM[i] = 0
		}
	}()
	return s.vault.Encrypt(keyPEM)
}

func (s *Service) target(env config.EnvironmentConfig, profile *devicedomain.Profile) regulator.Target {
	return regulator.Target{
		Env:       env,
		TenantID:  profile.TenantID,
		ProfileID: profile.ID,
		DeviceID:  profile.DeviceID,
	}
}

func (s *Service) logFor(ctx context.Context, profile *devicedomain.Profile) *zap.Logger {
	ctx = obscontext.WithTenantID(ctx, profile.TenantID)
	ctx = obscontext.WithDeviceID(ctx, profile.DeviceID)
	return logger.WithContext(ctx, s.log).With(
		zap.String("profile_id", profile.ID.String()),
		zap.String("environment", profile.Environment),
	)
}
