package database

import (
	"errors"
	"time"

	"github.com/ArcadePulseLabs/arena/backend/internal/session"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeRealtimeModes = "2026-08-12_normalize_realtime_modes"

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
		{name: migrationNormalizeRealtimeModes, apply: normalizeRealtimeModes},
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
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeRealtimeModes resets mode values written before the mode set was
// locked down to off/standard/pulse.
func normalizeRealtimeModes(db *gorm.DB) error {
	return db.Model(&session.Session{}).
		Where("realtime_mode NOT IN ?", []string{
			string(session.RealtimeModeOff),
			string(session.RealtimeModeStandard),
			string(session.RealtimeModePulse),
		}).
		Update("realtime_mode", string(session.RealtimeModeOff)).Error
}
