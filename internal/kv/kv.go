// Package kv is a small versioned key-value store for JSON documents. Every
// write bumps the entry's version so callers can detect concurrent
// read-modify-write cycles instead of silently losing writes.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Keys under which the assistant keeps its state.
const (
	KeyChats           = "olympus_ai_chats"
	KeyPreferences     = "olympus_ai_preferences"
	KeyConnectedModels = "olympus_connected_models"
	KeyModelConfigs    = "olympus_model_configs"
	KeyCredentials     = "olympus_credentials"
)

// PreferencesKey is the key of one user's preference log.
func PreferencesKey(userID string) string {
	return KeyPreferences + ":" + userID
}

var ErrVersionConflict = errors.New("kv: version conflict")

// ErrNoChange may be returned by an Update callback to leave the stored
// value untouched.
var ErrNoChange = errors.New("kv: no change")

// maxUpdateAttempts bounds the optimistic retry loop in Update.
const maxUpdateAttempts = 32

type Entry struct {
	Key       string         `gorm:"primaryKey;size:255"`
	Value     datatypes.JSON `gorm:"not null"`
	Version   int64          `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

func (Entry) TableName() string { return "kv_entries" }

type Config struct {
	Path     string
	LogLevel logger.LogLevel
}

type Store struct {
	db *gorm.DB
}

// Open opens the SQLite file at cfg.Path and migrates the entry table.
func Open(cfg Config) (*Store, error) {
	if cfg.LogLevel == 0 {
		cfg.LogLevel = logger.Warn
	}

	sep := "?"
	if strings.Contains(cfg.Path, "?") {
		sep = "&"
	}
	dsn := cfg.Path + sep + "_journal_mode=WAL&_busy_timeout=5000"
	gormLogger := logger.New(
		log.New(slogWriter{}, "", 0),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  cfg.LogLevel,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	return New(db)
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Get returns the raw value and version for key. A missing key yields
// nil, 0, nil.
func (s *Store) Get(ctx context.Context, key string) ([]byte, int64, error) {
	var e Entry
	err := s.db.WithContext(ctx).Where(map[string]interface{}{"key": key}).Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("kv get %s: %w", key, err)
	}
	return []byte(e.Value), e.Version, nil
}

// Set stores value unconditionally (last write wins).
func (s *Store) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kv marshal %s: %w", key, err)
	}
	e := Entry{Key: key, Value: datatypes.JSON(data), Version: 1, UpdatedAt: time.Now()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"value":      e.Value,
			"version":    gorm.Expr("kv_entries.version + 1"),
			"updated_at": e.UpdatedAt,
		}),
	}).Create(&e).Error
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// CompareAndSwap writes value only if the stored version equals expected.
// expected == 0 means the key must not exist yet. Returns the new version.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (int64, error) {
	now := time.Now()
	if expected == 0 {
		res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
			Create(&Entry{Key: key, Value: datatypes.JSON(value), Version: 1, UpdatedAt: now})
		if res.Error != nil {
			return 0, fmt.Errorf("kv insert %s: %w", key, res.Error)
		}
		if res.RowsAffected == 0 {
			return 0, ErrVersionConflict
		}
		return 1, nil
	}

	res := s.db.WithContext(ctx).Model(&Entry{}).
		Where(map[string]interface{}{"key": key, "version": expected}).
		Updates(map[string]interface{}{
			"value":      datatypes.JSON(value),
			"version":    expected + 1,
			"updated_at": now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("kv update %s: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, ErrVersionConflict
	}
	return expected + 1, nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Where(map[string]interface{}{"key": key}).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("kv remove %s: %w", key, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := s.db.WithContext(ctx).Model(&Entry{}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "key"}}).
		Pluck("key", &keys).Error; err != nil {
		return nil, fmt.Errorf("kv keys: %w", err)
	}
	return keys, nil
}

// Load decodes the value under key. Missing keys and values that no longer
// parse both come back as the zero value; the latter is logged.
func Load[T any](ctx context.Context, s *Store, key string) (T, error) {
	v, _, err := load[T](ctx, s, key)
	return v, err
}

func load[T any](ctx context.Context, s *Store, key string) (T, int64, error) {
	var v T
	raw, version, err := s.Get(ctx, key)
	if err != nil || raw == nil {
		return v, version, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		slog.Warn("Discarding unparseable stored value", "key", key, "error", err)
		var zero T
		return zero, version, nil
	}
	return v, version, nil
}

// Update applies fn to the current value and writes the result back with a
// version check, retrying from a fresh read when another writer got there
// first. fn may run more than once and must not have side effects.
func Update[T any](ctx context.Context, s *Store, key string, fn func(T) (T, error)) (T, error) {
	var zero T
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		cur, version, err := load[T](ctx, s, key)
		if err != nil {
			return zero, err
		}
		next, err := fn(cur)
		if errors.Is(err, ErrNoChange) {
			return cur, nil
		}
		if err != nil {
			return zero, err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return zero, fmt.Errorf("kv marshal %s: %w", key, err)
		}
		_, err = s.CompareAndSwap(ctx, key, version, data)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return zero, err
		}
		slog.Debug("kv update conflict, retrying", "key", key, "attempt", attempt)
	}
	return zero, fmt.Errorf("kv update %s: %w after %d attempts", key, ErrVersionConflict, maxUpdateAttempts)
}

// slogWriter routes gorm's printf-style logger into slog.
type slogWriter struct{}

func (slogWriter) Write(p []byte) (int, error) {
	slog.Warn("gorm", "message", string(p))
	return len(p), nil
}
