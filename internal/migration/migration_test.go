package migration

import (
	"context"
	"io/fs"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/recurbill/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	assert.Equal(t, ups, downs)
}

func TestMigrateFallsBackToAutoMigrate(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:migration_test?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	err = Migrate(context.Background(), db, config.Config{DBType: "sqlite"}, zap.NewNop())
	require.NoError(t, err)

	for _, table := range []string{"clients", "recurring_templates", "recurring_template_items", "invoices", "invoice_items", "invoice_sequences", "invoice_email_deliveries"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
}

func TestRunMigrationsRequiresHandle(t *testing.T) {
	assert.Error(t, RunMigrations(nil))
}
