package staking

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/vestake/internal/accounts"
	"github.com/MarcoPoloResearchLab/vestake/internal/emission"
	"github.com/MarcoPoloResearchLab/vestake/internal/events"
	"github.com/MarcoPoloResearchLab/vestake/internal/token"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CustodyAccount holds all staked deposits. Registered fee-exempt so custody
// legs move exact amounts.
const CustodyAccount = "vestake:staking"

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingTokens   = errors.New("token service is required")
	errMissingRegistry = errors.New("account registry is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "staking.service.new"
	opStake          = "staking.stake"
	opUnstake        = "staking.unstake"
	opRegisterMethod = "staking.register_method"
	opSetRate        = "staking.set_rate"
	opAccountVe      = "staking.account_ve"
	opTotalVe        = "staking.total_ve"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// RewardSettler is the notification hook a reward distribution engine
// registers with the ledger. The ledger invokes it before every
// ve-affecting mutation so reward state settles against the pre-mutation
// projection.
type RewardSettler interface {
	ID() string
	SettleAccount(tx *gorm.DB, account string, nowSec int64) error
}

// ServiceConfig describes the staking ledger's dependencies.
type ServiceConfig struct {
	Database *gorm.DB
	Tokens   *token.Service
	Registry *accounts.Registry
	Events   events.Publisher
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the staking ledger: the single entry point for deposits,
// withdrawals and ve-balance projection. All state-changing operations are
// fully serialized behind one mutex and executed inside one database
// transaction, so each either commits completely or not at all.
type Service struct {
	db       *gorm.DB
	tokens   *token.Service
	registry *accounts.Registry
	events   events.Publisher
	clock    func() time.Time
	logger   *zap.Logger

	mu       sync.Mutex
	settlers []RewardSettler
}

// NewService constructs the staking ledger.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Tokens == nil {
		return nil, newServiceError(opServiceNew, "missing_tokens", errMissingTokens)
	}
	if cfg.Registry == nil {
		return nil, newServiceError(opServiceNew, "missing_registry", errMissingRegistry)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:       cfg.Database,
		tokens:   cfg.Tokens,
		registry: cfg.Registry,
		events:   cfg.Events,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Serialize runs fn under the ledger's global operation lock inside a
// database transaction. Reward engines route their own mutating operations
// through it so the whole system sees one serialized operation stream.
func (s *Service) Serialize(fn func(tx *gorm.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Transaction(fn)
}

// NowSec returns the ledger's current unix time.
func (s *Service) NowSec() int64 {
	return s.clock().UTC().Unix()
}

// Stake deposits amount of the method's token from caller into custody on
// behalf of account. Anyone may stake for any account.
func (s *Service) Stake(caller, account accounts.Address, methodID MethodID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return newServiceError(opStake, "zero_amount", ErrZeroAmount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	nowSec := s.NowSec()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		method, err := s.method(tx, methodID)
		if err != nil {
			return newServiceError(opStake, "method_lookup_failed", err)
		}

		// Settle rewards against the pre-mutation projection.
		if err := s.settleAll(tx, account.String(), nowSec); err != nil {
			return newServiceError(opStake, "settlement_failed", err)
		}

		increase, err := s.refreshVeCache(tx, account.String(), nowSec)
		if err != nil {
			return newServiceError(opStake, "fold_in_failed", err)
		}
		if increase.Sign() > 0 {
			// The fold-in changed the account's distributable share.
			if err := s.settleAll(tx, account.String(), nowSec); err != nil {
				return newServiceError(opStake, "settlement_failed", err)
			}
		}

		symbol := token.Symbol(method.TokenSymbol)
		if err := s.tokens.Transfer(tx, symbol, caller.String(), CustodyAccount, amount); err != nil {
			return newServiceError(opStake, "deposit_failed", err)
		}
		if err := s.registry.Activate(tx, account); err != nil {
			return newServiceError(opStake, "activation_failed", err)
		}

		schedule, err := s.loadSchedule(tx, methodID)
		if err != nil {
			return newServiceError(opStake, "schedule_load_failed", err)
		}
		position, found, err := s.position(tx, account.String(), methodID)
		if err != nil {
			return newServiceError(opStake, "position_lookup_failed", err)
		}

		before := parseAmount(position.Amount)
		after := new(big.Int).Add(before, amount)
		lastUpdate := position.LastUpdateSec
		if !found {
			lastUpdate = nowSec
		}
		schedule.ApplyDelta(nowSec, lastUpdate, before, after, !found)
		if err := s.saveSchedule(tx, methodID, schedule); err != nil {
			return newServiceError(opStake, "schedule_save_failed", err)
		}

		position.Account = account.String()
		position.MethodID = methodID.String()
		position.Amount = after.String()
		position.LastUpdateSec = nowSec
		if err := tx.Save(&position).Error; err != nil {
			return newServiceError(opStake, "position_save_failed", err)
		}
		return nil
	})
	if err != nil {
		s.logError(opStake, err,
			zap.String("account", account.String()),
			zap.String("method", methodID.String()))
		return err
	}

	s.publish(events.Event{
		Type:    events.TypeStake,
		Account: account.String(),
		Method:  methodID.String(),
		Attributes: map[string]string{
			"amount": amount.String(),
			"caller": caller.String(),
		},
	})
	return nil
}

// Unstake withdraws amount of the method's token back to the account. Only
// the staking account itself may unstake: withdrawal zeroes the account's
// ve-balance across every method, so no third party may trigger it.
func (s *Service) Unstake(account accounts.Address, methodID MethodID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return newServiceError(opUnstake, "zero_amount", ErrZeroAmount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	nowSec := s.NowSec()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		method, err := s.method(tx, methodID)
		if err != nil {
			return newServiceError(opUnstake, "method_lookup_failed", err)
		}
		target, found, err := s.position(tx, account.String(), methodID)
		if err != nil {
			return newServiceError(opUnstake, "position_lookup_failed", err)
		}
		if !found || parseAmount(target.Amount).Cmp(amount) < 0 {
			return newServiceError(opUnstake, "insufficient_balance", ErrInsufficientBalance)
		}

		if err := s.settleAll(tx, account.String(), nowSec); err != nil {
			return newServiceError(opUnstake, "settlement_failed", err)
		}

		// Withdrawal resets the ve-balance to zero across every method the
		// account participates in, not just the one being unstaked.
		var positions []Position
		if err := tx.Where("account = ?", account.String()).Find(&positions).Error; err != nil {
			return newServiceError(opUnstake, "position_scan_failed", err)
		}

		remaining := new(big.Int)
		for i := range positions {
			positionMethod, err := s.method(tx, MethodID(positions[i].MethodID))
			if err != nil {
				return newServiceError(opUnstake, "method_lookup_failed", err)
			}
			schedule, err := s.loadSchedule(tx, MethodID(positions[i].MethodID))
			if err != nil {
				return newServiceError(opUnstake, "schedule_load_failed", err)
			}

			before := parseAmount(positions[i].Amount)
			after := new(big.Int).Set(before)
			if positions[i].MethodID == methodID.String() {
				after.Sub(after, amount)
			}
			schedule.ApplyDelta(nowSec, positions[i].LastUpdateSec, before, after, false)
			if err := s.saveSchedule(tx, MethodID(positions[i].MethodID), schedule); err != nil {
				return newServiceError(opUnstake, "schedule_save_failed", err)
			}

			folded := parseAmount(positions[i].AmountVe)
			if folded.Sign() > 0 {
				totalVe := new(big.Int).Sub(parseAmount(positionMethod.TotalVe), folded)
				if err := tx.Model(&Method{}).
					Where("method_id = ?", positionMethod.MethodID).
					Updates(map[string]interface{}{
						"total_ve":     totalVe.String(),
						"updated_at_s": nowSec,
					}).Error; err != nil {
					return newServiceError(opUnstake, "method_save_failed", err)
				}
			}

			positions[i].Amount = after.String()
			positions[i].AmountVe = "0"
			positions[i].LastUpdateSec = nowSec
			if err := tx.Save(&positions[i]).Error; err != nil {
				return newServiceError(opUnstake, "position_save_failed", err)
			}
			remaining.Add(remaining, after)
		}

		if remaining.Sign() == 0 {
			if err := s.registry.Deactivate(tx, account); err != nil {
				return newServiceError(opUnstake, "deactivation_failed", err)
			}
		}

		symbol := token.Symbol(method.TokenSymbol)
		if err := s.tokens.Transfer(tx, symbol, CustodyAccount, account.String(), amount); err != nil {
			return newServiceError(opUnstake, "withdrawal_failed", err)
		}
		return nil
	})
	if err != nil {
		s.logError(opUnstake, err,
			zap.String("account", account.String()),
			zap.String("method", methodID.String()))
		return err
	}

	s.publish(events.Event{
		Type:    events.TypeUnstake,
		Account: account.String(),
		Method:  methodID.String(),
		Attributes: map[string]string{
			"amount": amount.String(),
		},
	})
	return nil
}

// refreshVeCache folds each position's accrued ve into its running total,
// advancing last-update times and the per-segment aggregates. Returns the
// total increase across all methods.
func (s *Service) refreshVeCache(tx *gorm.DB, account string, nowSec int64) (*big.Int, error) {
	totalIncrease := new(big.Int)

	var positions []Position
	if err := tx.Where("account = ?", account).Find(&positions).Error; err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].LastUpdateSec >= nowSec {
			continue
		}
		method, err := s.method(tx, MethodID(positions[i].MethodID))
		if err != nil {
			return nil, err
		}
		schedule, err := s.loadSchedule(tx, MethodID(positions[i].MethodID))
		if err != nil {
			return nil, err
		}

		amount := parseAmount(positions[i].Amount)
		increase := schedule.AccruedAmount(amount, positions[i].LastUpdateSec, nowSec, unitScale(method.TokenDecimals))
		schedule.ApplyDelta(nowSec, positions[i].LastUpdateSec, amount, amount, false)
		if err := s.saveSchedule(tx, MethodID(positions[i].MethodID), schedule); err != nil {
			return nil, err
		}

		if increase.Sign() > 0 {
			folded := new(big.Int).Add(parseAmount(positions[i].AmountVe), increase)
			positions[i].AmountVe = folded.String()

			totalVe := new(big.Int).Add(parseAmount(method.TotalVe), increase)
			if err := tx.Model(&Method{}).
				Where("method_id = ?", method.MethodID).
				Updates(map[string]interface{}{
					"total_ve":     totalVe.String(),
					"updated_at_s": nowSec,
				}).Error; err != nil {
				return nil, err
			}
			totalIncrease.Add(totalIncrease, increase)
		}
		positions[i].LastUpdateSec = nowSec
		if err := tx.Save(&positions[i]).Error; err != nil {
			return nil, err
		}
	}
	return totalIncrease, nil
}

func (s *Service) settleAll(tx *gorm.DB, account string, nowSec int64) error {
	for _, settler := range s.settlers {
		if err := settler.SettleAccount(tx, account, nowSec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) method(tx *gorm.DB, methodID MethodID) (Method, error) {
	var method Method
	err := tx.Where("method_id = ?", methodID.String()).Take(&method).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Method{}, ErrMethodNotFound
	}
	if err != nil {
		return Method{}, err
	}
	return method, nil
}

func (s *Service) position(tx *gorm.DB, account string, methodID MethodID) (Position, bool, error) {
	var position Position
	err := tx.Where("account = ? AND method_id = ?", account, methodID.String()).Take(&position).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Position{Amount: "0", AmountVe: "0"}, false, nil
	}
	if err != nil {
		return Position{}, false, err
	}
	return position, true, nil
}

func (s *Service) loadSchedule(tx *gorm.DB, methodID MethodID) (*emission.Schedule, error) {
	var rows []EmissionSegment
	if err := tx.Where("method_id = ?", methodID.String()).
		Order("segment_index ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	schedule := &emission.Schedule{Segments: make([]emission.Segment, 0, len(rows))}
	for _, row := range rows {
		schedule.Segments = append(schedule.Segments, emission.Segment{
			EffectiveFromSec: row.EffectiveFromSec,
			VePerDay:         parseAmount(row.VePerDay),
			TokenAmount:      parseAmount(row.TokenAmount),
			TokenAmountTime:  parseAmount(row.TokenAmountTime),
		})
	}
	return schedule, nil
}

func (s *Service) saveSchedule(tx *gorm.DB, methodID MethodID, schedule *emission.Schedule) error {
	for i, segment := range schedule.Segments {
		row := EmissionSegment{
			MethodID:         methodID.String(),
			SegmentIndex:     i,
			EffectiveFromSec: segment.EffectiveFromSec,
			VePerDay:         segment.VePerDay.String(),
			TokenAmount:      segment.TokenAmount.String(),
			TokenAmountTime:  segment.TokenAmountTime.String(),
		}
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) publish(event events.Event) {
	if s.events != nil {
		s.events.Publish(event)
	}
}

func (s *Service) logError(operation string, err error, fields ...zap.Field) {
	attrs := append([]zap.Field{zap.String("operation", operation), zap.Error(err)}, fields...)
	s.logger.Error("staking service error", attrs...)
}
