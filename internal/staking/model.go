package staking

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const maxMethodIDLength = 64

var (
	// ErrInvalidMethodID indicates an empty or oversized method identifier.
	ErrInvalidMethodID = errors.New("staking: invalid method id")
	// ErrZeroAmount indicates a non-positive stake or unstake amount.
	ErrZeroAmount = errors.New("staking: amount must be positive")
	// ErrInsufficientBalance indicates an unstake beyond the staked amount.
	ErrInsufficientBalance = errors.New("staking: insufficient staked balance")
	// ErrMethodExists indicates a duplicate method registration.
	ErrMethodExists = errors.New("staking: method already registered")
	// ErrMethodNotFound indicates an operation against an unknown method.
	ErrMethodNotFound = errors.New("staking: method not found")
	// ErrTransferDisabled indicates an attempt to move or approve the
	// non-transferable ve-balance.
	ErrTransferDisabled = errors.New("staking: ve balance is not transferable")
	// ErrSettlerRegistered indicates a duplicate reward-settler registration.
	ErrSettlerRegistered = errors.New("staking: settler already registered")
	// ErrSettlerNotRegistered indicates removal of an unknown reward settler.
	ErrSettlerNotRegistered = errors.New("staking: settler not registered")
)

// MethodID represents a validated staking-method identifier.
type MethodID string

// NewMethodID validates raw input and returns a MethodID.
func NewMethodID(rawInput string) (MethodID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidMethodID)
	}
	if len(trimmed) > maxMethodIDLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidMethodID, maxMethodIDLength)
	}
	return MethodID(trimmed), nil
}

// String returns the underlying method identifier.
func (id MethodID) String() string {
	return string(id)
}

// Method is one named staking configuration: the staked token, its cached
// decimal precision, and the folded ve total across all accounts. TotalVe is
// internal bookkeeping; queryable totals always come from projection.
type Method struct {
	MethodID      string `gorm:"column:method_id;primaryKey;size:64;not null"`
	TokenSymbol   string `gorm:"column:token_symbol;size:32;not null"`
	TokenDecimals uint8  `gorm:"column:token_decimals;not null"`
	TotalVe       string `gorm:"column:total_ve;size:80;not null;default:'0'"`
	CreatedAtSec  int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSec  int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Method) TableName() string {
	return "staking_methods"
}

// EmissionSegment persists one segment of a method's emission schedule.
type EmissionSegment struct {
	MethodID         string `gorm:"column:method_id;primaryKey;size:64;not null"`
	SegmentIndex     int    `gorm:"column:segment_index;primaryKey;not null"`
	EffectiveFromSec int64  `gorm:"column:effective_from_s;not null"`
	VePerDay         string `gorm:"column:ve_per_day;size:80;not null"`
	TokenAmount      string `gorm:"column:token_amount;size:80;not null;default:'0'"`
	TokenAmountTime  string `gorm:"column:token_amount_time;size:96;not null;default:'0'"`
}

// TableName provides the explicit table binding for GORM.
func (EmissionSegment) TableName() string {
	return "staking_emission_segments"
}

// Position is one account's stake under one method. Created on first stake,
// never deleted; zero amount is a valid steady state.
type Position struct {
	Account       string `gorm:"column:account;primaryKey;size:190;not null"`
	MethodID      string `gorm:"column:method_id;primaryKey;size:64;not null"`
	Amount        string `gorm:"column:amount;size:80;not null;default:'0'"`
	AmountVe      string `gorm:"column:amount_ve;size:80;not null;default:'0'"`
	LastUpdateSec int64  `gorm:"column:last_update_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Position) TableName() string {
	return "staking_positions"
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

func unitScale(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}
