package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/AnibalFR/devocionales4.0-sub000/internal/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillUpdatedAt     = "2026-09-14_backfill_entity_updated_at"
	migrationNormalizeSelectValues = "2026-09-21_normalize_select_values"
)

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
		{name: migrationBackfillUpdatedAt, apply: backfillUpdatedAt},
		{name: migrationNormalizeSelectValues, apply: normalizeSelectValues},
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
		if err := db.Transaction(migration.apply); err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
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

// backfillUpdatedAt repairs imported rows whose conflict token predates their creation.
// A zero token would let any client holding a zero capture overwrite the row.
func backfillUpdatedAt(db *gorm.DB) error {
	for _, kind := range schema.Kinds() {
		entitySchema, err := schema.Lookup(kind)
		if err != nil {
			return err
		}
		if err := db.Table(entitySchema.Table()).
			Where("updated_at_us < created_at_us").
			Update("updated_at_us", gorm.Expr("created_at_us")).Error; err != nil {
			return err
		}
	}
	return nil
}

// normalizeSelectValues lower-cases select columns written before option validation existed.
func normalizeSelectValues(db *gorm.DB) error {
	for _, kind := range schema.Kinds() {
		entitySchema, err := schema.Lookup(kind)
		if err != nil {
			return err
		}
		for _, field := range entitySchema.Fields {
			if field.Kind != schema.FieldSelect {
				continue
			}
			column := field.Column()
			if err := db.Table(entitySchema.Table()).
				Where(fmt.Sprintf("%s <> LOWER(TRIM(%s))", column, column)).
				Update(column, gorm.Expr(fmt.Sprintf("LOWER(TRIM(%s))", column))).Error; err != nil {
				return err
			}
			if len(field.Options) > 0 {
				if err := db.Table(entitySchema.Table()).
					Where(column+" NOT IN ?", field.Options).
					Update(column, field.Options[0]).Error; err != nil {
					return err
				}
			}
		}
	}
	return nil
}
