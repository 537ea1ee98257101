package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	clientdomain "github.com/smallbiznis/recurbill/internal/client/domain"
	"github.com/smallbiznis/recurbill/internal/config"
	invoicedomain "github.com/smallbiznis/recurbill/internal/invoice/domain"
	recurringdomain "github.com/smallbiznis/recurbill/internal/recurringinvoice/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every persisted type, in dependency order.
func Models() []any {
	return []any{
		&clientdomain.Client{},
		&recurringdomain.RecurringTemplate{},
		&recurringdomain.TemplateItem{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceItem{},
		&invoicedomain.InvoiceSequence{},
		&invoicedomain.EmailDelivery{},
	}
}

// Migrate brings the schema up to date. Postgres uses the embedded SQL
// migrations; other dialects fall back to gorm AutoMigrate.
func Migrate(ctx context.Context, conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	if conn == nil {
		return errors.New("migration database handle is required")
	}
	dialect := strings.ToLower(strings.TrimSpace(cfg.DBType))
	log = log.Named("migration").With(zap.String("dialect", dialect))

	if dialect == "" || dialect == "postgres" {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := RunMigrations(sqlDB); err != nil {
			return err
		}
		log.Info("migration.applied", zap.String("source", "embedded"))
		return nil
	}

	if err := conn.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	log.Info("migration.applied", zap.String("source", "automigrate"))
	return nil
}

// RunMigrations applies the embedded Postgres migrations.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// migrator.Close would close the shared *sql.DB.

	return nil
}
