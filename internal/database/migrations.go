package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeAccountCasing = "2026-08-12_normalize_account_casing"

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
		{name: migrationNormalizeAccountCasing, apply: normalizeAccountCasing},
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

// Accounts written before address validation landed could carry mixed
// casing, splitting one account across several rows. Addresses are
// lowercase-canonical now; fold the stragglers in.
func normalizeAccountCasing(db *gorm.DB) error {
	statements := []string{
		"UPDATE token_balances SET account = lower(account) WHERE account <> lower(account);",
		"UPDATE account_memberships SET account = lower(account) WHERE account <> lower(account);",
		"UPDATE staking_positions SET account = lower(account) WHERE account <> lower(account);",
		"UPDATE reward_account_rewards SET account = lower(account) WHERE account <> lower(account);",
	}
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
