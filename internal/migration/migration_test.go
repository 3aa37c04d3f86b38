package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/smallbiznis/srmgate/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate_AutoMigratesEmbeddedStore(t *testing.T) {
	db := testkit.OpenDB(t)
	require.NoError(t, Migrate(db))
	require.NoError(t, Migrate(db))

	for _, table := range []string{
		"device_profiles", "enrollment_requests", "signed_receipts", "device_chains",
		"queue_items", "circuit_breakers", "regulator_audit_entries", "offline_sessions",
	} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
}

func TestEmbeddedMigrations_CoverEveryModel(t *testing.T) {
	up, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/000001_init.up.sql")
	require.NoError(t, err)
	down, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/000001_init.down.sql")
	require.NoError(t, err)

	db := testkit.OpenDB(t)
	for _, model := range Models() {
		stmt := db.Model(model).Statement
		require.NoError(t, stmt.Parse(model))
		table := stmt.Schema.Table
		assert.Contains(t, string(up), "CREATE TABLE IF NOT EXISTS "+table+" (", table)
		assert.Contains(t, string(down), "DROP TABLE IF EXISTS "+table+";", table)
		for _, field := range stmt.Schema.Fields {
			if field.DBName == "" {
				continue
			}
			assert.True(t, strings.Contains(string(up), "\n    "+field.DBName+" "), "%s.%s", table, field.DBName)
		}
	}
}

func TestMigrate_RequiresHandle(t *testing.T) {
	assert.Error(t, Migrate(nil))
	_, err := ApplyVersioned(nil)
	assert.Error(t, err)
}
