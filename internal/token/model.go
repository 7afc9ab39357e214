package token

import (
	"errors"
	"math/big"
	"strings"
)

const (
	maxSymbolLength = 32
	feeDenominator  = 10_000
)

var (
	// ErrInvalidSymbol indicates an empty or oversized asset symbol.
	ErrInvalidSymbol = errors.New("token: invalid asset symbol")
	// ErrInvalidFee indicates a fee outside [0, 10000] basis points.
	ErrInvalidFee = errors.New("token: fee basis points out of range")
	// ErrUnknownAsset indicates an operation against an unregistered asset.
	ErrUnknownAsset = errors.New("token: unknown asset")
	// ErrAssetExists indicates a duplicate asset registration.
	ErrAssetExists = errors.New("token: asset already registered")
	// ErrInsufficientFunds indicates a transfer exceeding the sender balance.
	ErrInsufficientFunds = errors.New("token: insufficient funds")
	// ErrInvalidAmount indicates a nil, zero or negative transfer amount.
	ErrInvalidAmount = errors.New("token: invalid amount")
)

// Symbol represents a validated asset symbol.
type Symbol string

// NewSymbol validates raw input and returns a Symbol.
func NewSymbol(rawInput string) (Symbol, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(rawInput))
	if trimmed == "" {
		return "", ErrInvalidSymbol
	}
	if len(trimmed) > maxSymbolLength {
		return "", ErrInvalidSymbol
	}
	return Symbol(trimmed), nil
}

// String returns the underlying symbol string.
func (s Symbol) String() string {
	return string(s)
}

// Asset describes a registered transferable asset. Transfers deduct
// FeeBps/10000 of the moved amount to FeeCollector unless either leg is
// exempt.
type Asset struct {
	Symbol       string `gorm:"column:symbol;primaryKey;size:32;not null"`
	Decimals     uint8  `gorm:"column:decimals;not null"`
	FeeBps       int64  `gorm:"column:fee_bps;not null;default:0"`
	FeeCollector string `gorm:"column:fee_collector;size:190;not null;default:''"`
	CreatedAtSec int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Asset) TableName() string {
	return "token_assets"
}

// Balance stores an account's holding of one asset as a decimal string.
type Balance struct {
	Symbol  string `gorm:"column:symbol;primaryKey;size:32;not null"`
	Account string `gorm:"column:account;primaryKey;size:190;not null"`
	Amount  string `gorm:"column:amount;size:80;not null;default:'0'"`
}

// TableName provides the explicit table binding for GORM.
func (Balance) TableName() string {
	return "token_balances"
}

// FeeExemption marks an account as exempt from transfer fees for an asset.
type FeeExemption struct {
	Symbol  string `gorm:"column:symbol;primaryKey;size:32;not null"`
	Account string `gorm:"column:account;primaryKey;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FeeExemption) TableName() string {
	return "token_fee_exemptions"
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
