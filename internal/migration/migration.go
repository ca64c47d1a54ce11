// Package migration applies schema migrations at startup.
package migration

import (
	exportdomain "github.com/smallbiznis/meterline/internal/export/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migration",
	fx.Invoke(Run),
)

func Run(db *gorm.DB, log *zap.Logger) error {
	if err := db.AutoMigrate(
		&usagedomain.UsageRecord{},
		&exportdomain.WindowState{},
	); err != nil {
		return err
	}
	log.Info("database migrated")
	return nil
}
