package token

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("database handle is required")

// ServiceConfig describes the dependencies of the asset ledger.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the fee-charging asset ledger the staking system moves value
// through. All mutating methods are transaction-scoped: they operate on the
// *gorm.DB handle supplied by the caller so they participate in the caller's
// atomic unit of work.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the asset ledger.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("token: %w", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Register creates a new asset. FeeBps applies to every non-exempt transfer.
func (s *Service) Register(tx *gorm.DB, symbol Symbol, decimals uint8, feeBps int64, feeCollector string) error {
	if feeBps < 0 || feeBps > feeDenominator {
		return ErrInvalidFee
	}
	var existing Asset
	err := tx.Where("symbol = ?", symbol.String()).Take(&existing).Error
	if err == nil {
		return ErrAssetExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	asset := Asset{
		Symbol:       symbol.String(),
		Decimals:     decimals,
		FeeBps:       feeBps,
		FeeCollector: feeCollector,
		CreatedAtSec: s.clock().UTC().Unix(),
	}
	if err := tx.Create(&asset).Error; err != nil {
		return err
	}
	s.logger.Info("asset registered",
		zap.String("symbol", symbol.String()),
		zap.Uint8("decimals", decimals),
		zap.Int64("fee_bps", feeBps))
	return nil
}

// Decimals returns the cached decimal precision of an asset.
func (s *Service) Decimals(tx *gorm.DB, symbol Symbol) (uint8, error) {
	asset, err := s.asset(tx, symbol)
	if err != nil {
		return 0, err
	}
	return asset.Decimals, nil
}

// BalanceOf returns the current holding of account for the asset.
func (s *Service) BalanceOf(tx *gorm.DB, symbol Symbol, account string) (*big.Int, error) {
	if _, err := s.asset(tx, symbol); err != nil {
		return nil, err
	}
	var balance Balance
	err := tx.Where("symbol = ? AND account = ?", symbol.String(), account).Take(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseAmount(balance.Amount), nil
}

// Mint credits freshly issued units to an account. Administrative funding
// path; no fee applies.
func (s *Service) Mint(tx *gorm.DB, symbol Symbol, account string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if _, err := s.asset(tx, symbol); err != nil {
		return err
	}
	return s.credit(tx, symbol, account, amount)
}

// Transfer moves amount from one account to another, routing the configured
// fee share to the asset's collector unless sender or recipient is exempt.
func (s *Service) Transfer(tx *gorm.DB, symbol Symbol, from, to string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	asset, err := s.asset(tx, symbol)
	if err != nil {
		return err
	}
	if err := s.debit(tx, symbol, from, amount); err != nil {
		return err
	}

	fee := new(big.Int)
	if asset.FeeBps > 0 && asset.FeeCollector != "" {
		exempt, err := s.anyExempt(tx, symbol, from, to)
		if err != nil {
			return err
		}
		if !exempt {
			fee.Mul(amount, big.NewInt(asset.FeeBps))
			fee.Div(fee, big.NewInt(feeDenominator))
		}
	}
	if fee.Sign() > 0 {
		if err := s.credit(tx, symbol, asset.FeeCollector, fee); err != nil {
			return err
		}
	}
	return s.credit(tx, symbol, to, new(big.Int).Sub(amount, fee))
}

// SetExempt toggles fee exemption for an account.
func (s *Service) SetExempt(tx *gorm.DB, symbol Symbol, account string, exempt bool) error {
	if _, err := s.asset(tx, symbol); err != nil {
		return err
	}
	if !exempt {
		return tx.Where("symbol = ? AND account = ?", symbol.String(), account).
			Delete(&FeeExemption{}).Error
	}
	var existing FeeExemption
	err := tx.Where("symbol = ? AND account = ?", symbol.String(), account).Take(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return tx.Create(&FeeExemption{Symbol: symbol.String(), Account: account}).Error
}

func (s *Service) asset(tx *gorm.DB, symbol Symbol) (Asset, error) {
	var asset Asset
	err := tx.Where("symbol = ?", symbol.String()).Take(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Asset{}, ErrUnknownAsset
	}
	if err != nil {
		return Asset{}, err
	}
	return asset, nil
}

func (s *Service) anyExempt(tx *gorm.DB, symbol Symbol, accounts ...string) (bool, error) {
	var count int64
	err := tx.Model(&FeeExemption{}).
		Where("symbol = ? AND account IN ?", symbol.String(), accounts).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Service) credit(tx *gorm.DB, symbol Symbol, account string, amount *big.Int) error {
	var balance Balance
	err := tx.Where("symbol = ? AND account = ?", symbol.String(), account).Take(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		balance = Balance{Symbol: symbol.String(), Account: account, Amount: amount.String()}
		return tx.Create(&balance).Error
	}
	if err != nil {
		return err
	}
	updated := new(big.Int).Add(parseAmount(balance.Amount), amount)
	return tx.Model(&Balance{}).
		Where("symbol = ? AND account = ?", symbol.String(), account).
		Update("amount", updated.String()).Error
}

func (s *Service) debit(tx *gorm.DB, symbol Symbol, account string, amount *big.Int) error {
	var balance Balance
	err := tx.Where("symbol = ? AND account = ?", symbol.String(), account).Take(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrInsufficientFunds
	}
	if err != nil {
		return err
	}
	held := parseAmount(balance.Amount)
	if held.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	updated := new(big.Int).Sub(held, amount)
	return tx.Model(&Balance{}).
		Where("symbol = ? AND account = ?", symbol.String(), account).
		Update("amount", updated.String()).Error
}
