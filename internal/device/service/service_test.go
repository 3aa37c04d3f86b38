package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/srmgate/internal/clock"
	"github.com/smallbiznis/srmgate/internal/config"
	"github.com/smallbiznis/srmgate/internal/device/domain"
	"github.com/smallbiznis/srmgate/internal/device/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&domain.Profile{}))

	envs, err := config.NewStaticEnvironmentHolder(config.DefaultEnvironments()...)
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:           db,
		Log:          zap.NewNop(),
		GenID:        node,
		Clock:        clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Environments: envs,
		Repo:         repository.Provide(),
	})
	return svc.(*Service), db
}

func TestProvision_CreatesUnenrolledProfileOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Provision(ctx, "tenant-1", "essai")
	require.NoError(t, err)
	assert.Equal(t, config.EnvironmentEssai, first.Environment)
	assert.Equal(t, config.ProvisionalDeviceID, first.DeviceID)
	assert.False(t, first.DeviceIDAssigned)
	assert.Equal(t, domain.StateUnenrolled, first.EnrollmentState)
	assert.False(t, first.Active)

	second, err := svc.Provision(ctx, "tenant-1", "ESSAI")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestProvision_RejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Provision(ctx, " ", "DEV")
	assert.ErrorIs(t, err, domain.ErrInvalidTenant)

	_, err = svc.Provision(ctx, "tenant-1", "STAGING")
	assert.ErrorIs(t, err, domain.ErrInvalidEnvironment)
}

func TestActiveSigner(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	_, err := svc.ActiveSigner(ctx, "tenant-1", "DEV")
	assert.ErrorIs(t, err, domain.ErrNotEnrolled)

	profile, err := svc.Provision(ctx, "tenant-1", "DEV")
	require.NoError(t, err)
	_, err = svc.ActiveSigner(ctx, "tenant-1", "DEV")
	assert.ErrorIs(t, err, domain.ErrNotEnrolled)

	profile.EnrollmentState = domain.StateEnrolled
	profile.Active = true
	profile.EncryptedPrivateKey = "envelope"
	require.NoError(t, repository.Provide().Save(ctx, db, profile))

	got, err := svc.ActiveSigner(ctx, "tenant-1", "DEV")
	require.NoError(t, err)
	assert.Equal(t, profile.ID, got.ID)

	active, err := svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestCompareAndSetState(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	repo := repository.Provide()

	profile, err := svc.Provision(ctx, "tenant-1", "DEV")
	require.NoError(t, err)

	ok, err := repo.CompareAndSetState(ctx, db, profile.ID, domain.StateUnenrolled, domain.StatePending)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.CompareAndSetState(ctx, db, profile.ID, domain.StateUnenrolled, domain.StatePending)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := svc.Get(ctx, profile.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, got.EnrollmentState)
}

func TestSummaryOmitsEnvelopes(t *testing.T) {
	secondary := "envelope-2"
	p := &domain.Profile{
		ID:                            42,
		EncryptedPrivateKey:           "envelope-key",
		EncryptedCertificate:          "envelope-cert",
		EncryptedSecondaryCertificate: &secondary,
	}
	s := p.Summary()
	assert.Equal(t, "42", s.ID)
	assert.True(t, s.HasSecondaryCert)
}
