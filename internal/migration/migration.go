package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	auditdomain "github.com/smallbiznis/srmgate/internal/audit/domain"
	connectivitydomain "github.com/smallbiznis/srmgate/internal/connectivity/domain"
	devicedomain "github.com/smallbiznis/srmgate/internal/device/domain"
	enrollmentdomain "github.com/smallbiznis/srmgate/internal/enrollment/domain"
	queuedomain "github.com/smallbiznis/srmgate/internal/queue/domain"
	receiptdomain "github.com/smallbiznis/srmgate/internal/receipt/domain"
	"github.com/smallbiznis/srmgate/internal/srmerror"
	"gorm.io/gorm"
)

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Models lists every persisted type, in dependency order.
func Models() []any {
	return []any{
		&devicedomain.Profile{},
		&enrollmentdomain.Request{},
		&receiptdomain.SignedReceipt{},
		&receiptdomain.DeviceChain{},
		&queuedomain.Item{},
		&queuedomain.BreakerState{},
		&auditdomain.Entry{},
		&connectivitydomain.OfflineSession{},
	}
}

// Migrate brings the schema up to date. Postgres follows the versioned SQL
// files; the single-terminal stores (sqlite, mysql) are built by AutoMigrate.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return errNoHandle
	}
	if conn.Dialector.Name() != "postgres" {
		return conn.AutoMigrate(Models()...)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	_, err = ApplyVersioned(sqlDB)
	return err
}

var errNoHandle = errors.New("migration: database handle is required")

// ApplyVersioned runs the embedded postgres migrations and returns the
// resulting schema version. A schema left dirty by an interrupted run is
// reported instead of being migrated over.
func ApplyVersioned(db *sql.DB) (uint, error) {
	if db == nil {
		return 0, errNoHandle
	}
	m, err := newMigrator(db)
	if err != nil {
		return 0, err
	}
	// m.Close is not called: it would close the shared *sql.DB.

	if version, dirty, err := m.Version(); err == nil && dirty {
		return version, srmerror.Configuration("schema_migrations",
			fmt.Sprintf("schema is dirty at version %d; repair it before starting", version), nil)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migration: up: %w", err)
	}
	version, _, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("migration: version: %w", err)
	}
	return version, nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	files, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("migration: open embedded files: %w", err)
	}
	source, err := iofs.New(files, ".")
	if err != nil {
		return nil, fmt.Errorf("migration: source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration: driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", source, "postgres", driver)
}
