package db

import (
	"context"
	"time"

	"github.com/smallbiznis/recurbill/internal/config"
	obslogger "github.com/smallbiznis/recurbill/internal/observability/logger"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormprom "gorm.io/plugin/prometheus"
)

const poolStatsRefreshSeconds = 15

var Module = fx.Module("db",
	fx.Provide(Open),
)

// Open connects to the configured database and closes the pool on shutdown.
func Open(lc fx.Lifecycle, cfg config.Config, gormCfg obslogger.GormLoggerConfig, log *zap.Logger) (*gorm.DB, error) {
	dialector, err := Dialect(cfg)
	if err != nil {
		return nil, err
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:  obslogger.NewGormLogger(gormCfg),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}
	if err := usePlugins(conn, cfg); err != nil {
		return nil, err
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConn)
	sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConn)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetime) * time.Second)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.DBConnMaxIdleTime) * time.Second)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return sqlDB.PingContext(ctx)
			},
			OnStop: func(context.Context) error {
				log.Named("db").Info("closing database pool")
				return sqlDB.Close()
			},
		})
	}
	return conn, nil
}

// usePlugins adds query spans and connection pool gauges.
func usePlugins(conn *gorm.DB, cfg config.Config) error {
	if err := conn.Use(otelgorm.NewPlugin(otelgorm.WithDBName(cfg.DBName))); err != nil {
		return err
	}
	return conn.Use(gormprom.New(gormprom.Config{
		DBName:          cfg.DBName,
		RefreshInterval: poolStatsRefreshSeconds,
		Labels: map[string]string{
			"service": cfg.AppName,
			"env":     cfg.Environment,
		},
	}))
}
