package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/snappy"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	compressionThreshold = 1024
	opSQLiteGet          = "localstore.sqlite.get"
	opSQLiteSet          = "localstore.sqlite.set"
	opSQLiteDelete       = "localstore.sqlite.delete"
)

// Entry is the row backing one key of the SQLite store.
type Entry struct {
	Key              string `gorm:"column:entry_key;primaryKey;size:512;not null"`
	Value            []byte `gorm:"column:value;not null"`
	Compressed       bool   `gorm:"column:compressed;not null;default:false"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "local_entries"
}

// SQLiteStoreConfig describes the dependencies of a SQLiteStore.
type SQLiteStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// QuotaBytes bounds the encoded size of a single value; zero disables the check.
	QuotaBytes int
}

// SQLiteStore persists values in the local_entries table. Values above a small threshold are
// snappy-compressed.
type SQLiteStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
	quota  int
}

// NewSQLiteStore constructs a store over an already migrated database.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("localstore: database handle is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteStore{db: cfg.Database, clock: clock, logger: logger, quota: cfg.QuotaBytes}, nil
}

// Get returns the value stored under key and whether it exists.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where("entry_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		s.logger.Error("local store read failed", zap.String("operation", opSQLiteGet), zap.String("key", key), zap.Error(err))
		return "", false, err
	}
	if !entry.Compressed {
		return string(entry.Value), true, nil
	}
	decoded, err := snappy.Decode(nil, entry.Value)
	if err != nil {
		s.logger.Error("local store value corrupt", zap.String("operation", opSQLiteGet), zap.String("key", key), zap.Error(err))
		return "", false, fmt.Errorf("%w: %v", ErrCorruptValue, err)
	}
	return string(decoded), true, nil
}

// Set upserts value under key. It returns ErrQuotaExceeded when the stored form exceeds the quota.
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	entry := Entry{
		Key:              key,
		Value:            []byte(value),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	if len(value) > compressionThreshold {
		entry.Value = snappy.Encode(nil, []byte(value))
		entry.Compressed = true
	}
	if s.quota > 0 && len(entry.Value) > s.quota {
		return ErrQuotaExceeded
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "compressed", "updated_at_s"}),
	}).Create(&entry).Error
	if err != nil {
		s.logger.Error("local store write failed", zap.String("operation", opSQLiteSet), zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where("entry_key = ?", key).Delete(&Entry{}).Error; err != nil {
		s.logger.Error("local store delete failed", zap.String("operation", opSQLiteDelete), zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}
