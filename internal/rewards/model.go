package rewards

import (
	"errors"
	"math/big"
)

var (
	// ErrInvalidAmount indicates a nil, zero or negative reward amount.
	ErrInvalidAmount = errors.New("rewards: amount must be positive")
	// ErrEpochPassed indicates a schedule start at or before the engine's
	// current epoch, or an unclaimed query behind the settlement point.
	ErrEpochPassed = errors.New("rewards: epoch has already passed")
	// ErrEpochCountBelowMin indicates a schedule shorter than allowed.
	ErrEpochCountBelowMin = errors.New("rewards: epoch count below minimum")
	// ErrEpochCountAboveMax indicates a schedule longer than allowed.
	ErrEpochCountAboveMax = errors.New("rewards: epoch count above maximum")
	// ErrRewardBelowMin indicates funding below the configured floor.
	ErrRewardBelowMin = errors.New("rewards: reward below minimum")
	// ErrInvalidBounds indicates inconsistent engine bounds.
	ErrInvalidBounds = errors.New("rewards: invalid engine bounds")
)

// EngineState is the persisted root of one distribution engine: the epoch
// high-water mark plus the admin-configured funding bounds. MinReward bounds
// how many concurrently active schedules a claim must scan.
type EngineState struct {
	EngineID     string `gorm:"column:engine_id;primaryKey;size:64;not null"`
	RewardSymbol string `gorm:"column:reward_symbol;size:32;not null"`
	CurrentEpoch int64  `gorm:"column:current_epoch;not null;default:0"`
	MinReward    string `gorm:"column:min_reward;size:80;not null;default:'0'"`
	MinEpochs    int64  `gorm:"column:min_epochs;not null;default:1"`
	MaxEpochs    int64  `gorm:"column:max_epochs;not null;default:100"`
	CreatedAtSec int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EngineState) TableName() string {
	return "reward_engine_states"
}

// Schedule commits a fixed amount to be distributed evenly across a
// contiguous epoch range. Immutable once created.
type Schedule struct {
	ScheduleID   string `gorm:"column:schedule_id;primaryKey;size:190;not null"`
	EngineID     string `gorm:"column:engine_id;size:64;not null;index:idx_reward_schedules_engine"`
	Amount       string `gorm:"column:amount;size:80;not null"`
	EpochStart   int64  `gorm:"column:epoch_start;not null"`
	EpochNum     int64  `gorm:"column:epoch_num;not null"`
	Funder       string `gorm:"column:funder;size:190;not null"`
	CreatedAtSec int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Schedule) TableName() string {
	return "reward_schedules"
}

// AccountReward is one account's claim state against one engine.
// UnclaimedReward is bookkeeping valid through LastUpdateEpoch, not the
// authoritative total owed.
type AccountReward struct {
	EngineID        string `gorm:"column:engine_id;primaryKey;size:64;not null"`
	Account         string `gorm:"column:account;primaryKey;size:190;not null"`
	ClaimedReward   string `gorm:"column:claimed_reward;size:80;not null;default:'0'"`
	UnclaimedReward string `gorm:"column:unclaimed_reward;size:80;not null;default:'0'"`
	LastUpdateEpoch int64  `gorm:"column:last_update_epoch;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (AccountReward) TableName() string {
	return "reward_account_rewards"
}

// EpochSnapshot freezes the system ve total at the start of an epoch.
// Written lazily, at most once per epoch, by whichever operation first
// crosses into it.
type EpochSnapshot struct {
	EngineID       string `gorm:"column:engine_id;primaryKey;size:64;not null"`
	Epoch          int64  `gorm:"column:epoch;primaryKey;not null"`
	TotalVe        string `gorm:"column:total_ve;size:80;not null"`
	FinalizedAtSec int64  `gorm:"column:finalized_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EpochSnapshot) TableName() string {
	return "reward_epoch_snapshots"
}

func parseAmount(value string) *big.Int {
	if value == "" {
		return new(big.Int)
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return new(big.Int)
	}
	return parsed
}

func minEpoch(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxEpoch(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
