package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"github.com/MarcoPoloResearchLab/nous/internal/localstore"
	"github.com/MarcoPoloResearchLab/nous/internal/members"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Schema lists the models migrated for one kind of database and the data migrations applied after.
type Schema struct {
	Name       string
	Models     []any
	Migrations []Migration
}

// ServerSchema describes the tables owned by the remote data service.
func ServerSchema() Schema {
	return Schema{
		Name: "server",
		Models: []any{
			&couple.Note{},
			&couple.BucketItem{},
			&couple.Event{},
			&members.Couple{},
			&members.Membership{},
		},
		Migrations: []Migration{
			{Name: migrationBackfillBucketPositions, Apply: backfillBucketPositions},
		},
	}
}

// ClientSchema describes the durable store of a sync client.
func ClientSchema() Schema {
	return Schema{
		Name:   "client",
		Models: []any{&localstore.Entry{}},
	}
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, schema Schema, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	models := append([]any{&migrationRecord{}}, schema.Models...)
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, schema.Migrations, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path), zap.String("schema", schema.Name))
	}

	return db, nil
}
