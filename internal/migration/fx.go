package migration

import (
	"context"

	"github.com/smallbiznis/coursepay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module migrates on startup when DB_AUTO_MIGRATE is enabled.
var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.DBAutoMigrate {
			log.Info("automatic migrations disabled")
			return nil
		}
		return Migrate(context.Background(), conn, cfg.DBType)
	}),
)

// Migrate applies the schema using the runner that matches the dialect.
func Migrate(ctx context.Context, conn *gorm.DB, dbType string) error {
	if dbType == "sqlite" {
		return ApplyEmbedded(ctx, conn)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}
