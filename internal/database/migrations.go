package database

import (
	"errors"
	"time"

	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/metadata"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillLastVerified = "2024-03-01_backfill_last_verified"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillLastVerified, apply: backfillLastVerified},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// backfillLastVerified seeds last_verified_ms for rows written before
// verification was tracked so the liveness sweep can reach them.
func backfillLastVerified(db *gorm.DB) error {
	return db.Model(&metadata.URLMetadata{}).
		Where("last_verified_ms IS NULL AND last_viewed_ms IS NOT NULL").
		Update("last_verified_ms", gorm.Expr("last_viewed_ms")).Error
}
