package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AnibalFR/devocionales4.0-sub000/internal/records"
	"github.com/AnibalFR/devocionales4.0-sub000/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var errMissingPath = errors.New("database: path required")

var connectionPragmas = []string{
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// OpenSQLite opens the store at path, brings its schema up to date and returns the handle.
//
// The pool holds exactly one connection. The mutation guard's conditional UPDATE depends on
// SQLite serializing writers, and the pragmas above apply per connection.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errMissingPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", path, err)
	}
	if err := configureConnection(db); err != nil {
		return nil, err
	}
	if err := migrateSchema(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database ready", zap.String("path", path))
	return db, nil
}

func configureConnection(db *gorm.DB) error {
	pool, err := db.DB()
	if err != nil {
		return err
	}
	pool.SetMaxOpenConns(1)
	for _, pragma := range connectionPragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return fmt.Errorf("database: %s: %w", pragma, err)
		}
	}
	return nil
}

func migrateSchema(db *gorm.DB, logger *zap.Logger) error {
	models := append(records.Models(), &users.Identity{}, &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("database: automigrate: %w", err)
	}
	return applyMigrations(db, logger)
}
