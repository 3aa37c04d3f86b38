//go:build integration

package migration

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/srmgate/internal/config"
	devicedomain "github.com/smallbiznis/srmgate/internal/device/domain"
	queuedomain "github.com/smallbiznis/srmgate/internal/queue/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func startPostgres(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("srmgate"),
		tcpostgres.WithUsername("srmgate"),
		tcpostgres.WithPassword("srmgate"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Discard, TranslateError: true})
	require.NoError(t, err)
	return db
}

func TestMigrate_Postgres(t *testing.T) {
	db := startPostgres(t)
	require.NoError(t, Migrate(db))
	require.NoError(t, Migrate(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	version, err := ApplyVersioned(sqlDB)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)

	now := time.Now().UTC()
	profile := &devicedomain.Profile{
		ID:              1,
		TenantID:        "tenant-1",
		Environment:     config.EnvironmentEssai,
		DeviceID:        "0000-0000-0000",
		EnrollmentState: devicedomain.StateUnenrolled,
		SubjectFields:   datatypes.JSON("[]"),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, db.Create(profile).Error)

	dup := *profile
	dup.ID = 2
	err = db.Create(&dup).Error
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	require.NoError(t, db.Create(&queuedomain.BreakerState{
		Endpoint: "https://srm.example/transactions", State: queuedomain.BreakerClosed,
		LastTransitionAt: now, UpdatedAt: now,
	}).Error)
}
