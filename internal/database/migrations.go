package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillBucketPositions = "2026-06-01_backfill_bucket_positions"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

// Migration is a one-off data migration recorded by name once applied.
type Migration struct {
	Name  string
	Apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, migrations []Migration, logger *zap.Logger) error {
	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.Name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.Apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.Name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.Name))
		}
	}
	return nil
}

// backfillBucketPositions numbers open bucket items per couple in creation order. Rows written
// before positions existed all carry zero.
func backfillBucketPositions(db *gorm.DB) error {
	var items []couple.BucketItem
	if err := db.Where("is_done = ?", false).
		Order("couple_id ASC").
		Order("created_at ASC").
		Find(&items).Error; err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		currentCouple := ""
		var position int64
		for _, item := range items {
			if item.CoupleID != currentCouple {
				currentCouple = item.CoupleID
				position = 0
			}
			position++
			if item.Position != 0 {
				continue
			}
			if err := tx.Model(&couple.BucketItem{}).
				Where("id = ?", item.ID).
				Update("position", position).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
