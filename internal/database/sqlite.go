package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/vestake/internal/accounts"
	"github.com/MarcoPoloResearchLab/vestake/internal/rewards"
	"github.com/MarcoPoloResearchLab/vestake/internal/staking"
	"github.com/MarcoPoloResearchLab/vestake/internal/token"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// The connection pool is capped at one: every ledger operation is serialized
// anyway, and a single writer sidesteps SQLITE_BUSY entirely.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
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

	if err := db.AutoMigrate(
		&token.Asset{}, &token.Balance{}, &token.FeeExemption{},
		&accounts.Membership{},
		&staking.Method{}, &staking.EmissionSegment{}, &staking.Position{},
		&rewards.EngineState{}, &rewards.Schedule{}, &rewards.AccountReward{}, &rewards.EpochSnapshot{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
