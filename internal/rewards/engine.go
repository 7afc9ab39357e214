package rewards

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/MarcoPoloResearchLab/vestake/internal/epoch"
	"github.com/MarcoPoloResearchLab/vestake/internal/events"
	"github.com/MarcoPoloResearchLab/vestake/internal/token"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultMaxEpochs = 100

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingLedger   = errors.New("staking ledger is required")
	errMissingTokens   = errors.New("token service is required")
	errMissingEngineID = errors.New("engine identifier is required")
	noOpLogger         = zap.NewNop()
)

// VeLedger is the slice of the staking ledger a reward engine depends on:
// serialized execution, transaction-scoped ve projections and the ledger's
// notion of now.
type VeLedger interface {
	Serialize(fn func(tx *gorm.DB) error) error
	AccountVeTx(tx *gorm.DB, account string, atSec int64) (*big.Int, error)
	TotalVeTx(tx *gorm.DB, atSec int64) (*big.Int, error)
	NowSec() int64
}

// IDProvider abstracts schedule identifier generation.
type IDProvider interface {
	NewID() (string, error)
}

// UUIDProvider issues time-ordered UUIDv7 identifiers.
type UUIDProvider struct{}

// NewID returns a fresh UUIDv7 string.
func (UUIDProvider) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// EngineConfig describes a reward distribution engine's dependencies and
// initial bounds. Bounds apply only when the engine state is first created;
// afterwards SetBounds governs.
type EngineConfig struct {
	EngineID     string
	Database     *gorm.DB
	Ledger       VeLedger
	Tokens       *token.Service
	RewardSymbol token.Symbol
	Clock        epoch.Clock
	Events       events.Publisher
	Logger       *zap.Logger
	IDProvider   IDProvider
	MinReward    *big.Int
	MinEpochs    int64
	MaxEpochs    int64
}

// Engine distributes a reward token to stakers proportionally to their
// ve-balance at each epoch boundary. It settles through the staking ledger's
// pre-mutation hook and serializes its own mutations through the ledger's
// operation lock, so ve projections at past epoch starts stay stable.
type Engine struct {
	engineID string
	db       *gorm.DB
	ledger   VeLedger
	tokens   *token.Service
	symbol   token.Symbol
	clock    epoch.Clock
	events   events.Publisher
	logger   *zap.Logger
	ids      IDProvider
}

// NewEngine constructs the engine and creates its persisted state row if this
// engine identifier has never run before.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.EngineID == "" {
		return nil, errMissingEngineID
	}
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = UUIDProvider{}
	}

	engine := &Engine{
		engineID: cfg.EngineID,
		db:       cfg.Database,
		ledger:   cfg.Ledger,
		tokens:   cfg.Tokens,
		symbol:   cfg.RewardSymbol,
		clock:    cfg.Clock,
		events:   cfg.Events,
		logger:   logger,
		ids:      ids,
	}

	minReward := cfg.MinReward
	if minReward == nil {
		minReward = new(big.Int)
	}
	minEpochs := cfg.MinEpochs
	if minEpochs < 1 {
		minEpochs = 1
	}
	maxEpochs := cfg.MaxEpochs
	if maxEpochs <= 0 {
		maxEpochs = defaultMaxEpochs
	}
	if maxEpochs < minEpochs {
		maxEpochs = minEpochs
	}

	err := cfg.Database.Transaction(func(tx *gorm.DB) error {
		var state EngineState
		lookup := tx.Where("engine_id = ?", cfg.EngineID).Take(&state).Error
		if lookup == nil {
			return nil
		}
		if !errors.Is(lookup, gorm.ErrRecordNotFound) {
			return lookup
		}
		state = EngineState{
			EngineID:     cfg.EngineID,
			RewardSymbol: cfg.RewardSymbol.String(),
			CurrentEpoch: 0,
			MinReward:    minReward.String(),
			MinEpochs:    minEpochs,
			MaxEpochs:    maxEpochs,
			CreatedAtSec: cfg.Ledger.NowSec(),
		}
		return tx.Create(&state).Error
	})
	if err != nil {
		return nil, fmt.Errorf("rewards: initialize engine state: %w", err)
	}
	return engine, nil
}

// ID returns the engine identifier.
func (e *Engine) ID() string {
	return e.engineID
}

// CustodyAccount returns the token account holding this engine's undistributed
// reward balance.
func (e *Engine) CustodyAccount() string {
	return "vestake:rewards:" + e.engineID
}

// SettleAccount is the staking ledger's pre-mutation hook. It advances the
// epoch as far as wall-clock time allows and re-settles the account's
// unclaimed balance against the still-valid pre-mutation projection.
func (e *Engine) SettleAccount(tx *gorm.DB, account string, nowSec int64) error {
	return e.settle(tx, account, nowSec, e.clock.EpochAt(nowSec))
}

// State returns the engine's persisted state.
func (e *Engine) State() (EngineState, error) {
	var state EngineState
	if err := e.db.Where("engine_id = ?", e.engineID).Take(&state).Error; err != nil {
		return EngineState{}, err
	}
	return state, nil
}

// UpdateEpoch advances the engine's epoch high-water mark up to
// min(targetEpoch, epoch of now), finalizing one total-ve snapshot per
// crossed epoch. Permissionless and idempotent.
func (e *Engine) UpdateEpoch(targetEpoch int64) error {
	return e.ledger.Serialize(func(tx *gorm.DB) error {
		return e.advanceEpoch(tx, e.ledger.NowSec(), targetEpoch)
	})
}

// Distribute commits amount of the reward token, pulled from funder, to be
// released evenly over epochNum epochs starting at epochStart. Anyone with
// the balance may fund; the bounds exist to keep the active-schedule scan
// small, not to gate who funds.
func (e *Engine) Distribute(funder string, amount *big.Int, epochStart, epochNum int64) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	err := e.ledger.Serialize(func(tx *gorm.DB) error {
		nowSec := e.ledger.NowSec()
		if err := e.advanceEpoch(tx, nowSec, math.MaxInt64); err != nil {
			return err
		}
		state, err := e.state(tx)
		if err != nil {
			return err
		}
		if epochStart <= state.CurrentEpoch {
			return ErrEpochPassed
		}
		if epochNum < state.MinEpochs {
			return ErrEpochCountBelowMin
		}
		if epochNum > state.MaxEpochs {
			return ErrEpochCountAboveMax
		}
		if amount.Cmp(parseAmount(state.MinReward)) < 0 {
			return ErrRewardBelowMin
		}

		if err := e.tokens.Transfer(tx, e.symbol, funder, e.CustodyAccount(), amount); err != nil {
			return err
		}

		scheduleID, err := e.ids.NewID()
		if err != nil {
			return err
		}
		schedule := Schedule{
			ScheduleID:   scheduleID,
			EngineID:     e.engineID,
			Amount:       amount.String(),
			EpochStart:   epochStart,
			EpochNum:     epochNum,
			Funder:       funder,
			CreatedAtSec: nowSec,
		}
		return tx.Create(&schedule).Error
	})
	if err != nil {
		e.logError("distribute", err, zap.String("funder", funder))
		return err
	}

	e.publish(events.Event{
		Type:    events.TypeRewardDistributed,
		Account: funder,
		Attributes: map[string]string{
			"engine":      e.engineID,
			"amount":      amount.String(),
			"epoch_start": strconv.FormatInt(epochStart, 10),
			"epoch_num":   strconv.FormatInt(epochNum, 10),
		},
	})
	return nil
}

// UnclaimedReward projects the account's total unclaimed reward through
// targetEpoch. Read-only: epochs beyond the finalized high-water mark use
// live ve projections, which remain valid because no mutation can slip in
// under the operation lock.
func (e *Engine) UnclaimedReward(account string, targetEpoch int64) (*big.Int, error) {
	var total *big.Int
	err := e.ledger.Serialize(func(tx *gorm.DB) error {
		var err error
		total, err = e.computeUnclaimed(tx, account, targetEpoch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return total, nil
}

// Claim settles the account through min(targetEpoch, epoch of now), zeroes
// its unclaimed balance and then pays it out from engine custody. Anyone may
// claim on behalf of any account; the payout always lands on the account.
// Returns the amount paid.
func (e *Engine) Claim(account string, targetEpoch int64) (*big.Int, error) {
	paid := new(big.Int)
	err := e.ledger.Serialize(func(tx *gorm.DB) error {
		nowSec := e.ledger.NowSec()
		if err := e.settle(tx, account, nowSec, targetEpoch); err != nil {
			return err
		}
		reward, found, err := e.accountReward(tx, account)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		unclaimed := parseAmount(reward.UnclaimedReward)
		if unclaimed.Sign() <= 0 {
			return nil
		}

		// Zero the balance before moving tokens so a failed transfer rolls
		// back to an unclaimed state, never a double-pay.
		claimed := new(big.Int).Add(parseAmount(reward.ClaimedReward), unclaimed)
		reward.UnclaimedReward = "0"
		reward.ClaimedReward = claimed.String()
		if err := tx.Save(&reward).Error; err != nil {
			return err
		}
		if err := e.tokens.Transfer(tx, e.symbol, e.CustodyAccount(), account, unclaimed); err != nil {
			return err
		}
		paid.Set(unclaimed)
		return nil
	})
	if err != nil {
		e.logError("claim", err, zap.String("account", account))
		return nil, err
	}

	if paid.Sign() > 0 {
		e.publish(events.Event{
			Type:    events.TypeRewardClaimed,
			Account: account,
			Attributes: map[string]string{
				"engine": e.engineID,
				"amount": paid.String(),
			},
		})
	}
	return paid, nil
}

// SetBounds replaces the engine's funding bounds.
func (e *Engine) SetBounds(minReward *big.Int, minEpochs, maxEpochs int64) error {
	if minReward == nil || minReward.Sign() < 0 || minEpochs < 1 || maxEpochs < minEpochs {
		return ErrInvalidBounds
	}
	err := e.ledger.Serialize(func(tx *gorm.DB) error {
		return tx.Model(&EngineState{}).
			Where("engine_id = ?", e.engineID).
			Updates(map[string]interface{}{
				"min_reward": minReward.String(),
				"min_epochs": minEpochs,
				"max_epochs": maxEpochs,
			}).Error
	})
	if err != nil {
		e.logError("set_bounds", err)
		return err
	}

	e.publish(events.Event{
		Type: events.TypeParameterChanged,
		Attributes: map[string]string{
			"engine":     e.engineID,
			"min_reward": minReward.String(),
			"min_epochs": strconv.FormatInt(minEpochs, 10),
			"max_epochs": strconv.FormatInt(maxEpochs, 10),
		},
	})
	return nil
}

// settle advances the epoch toward targetEpoch and re-anchors the account's
// cached unclaimed balance at the reached epoch.
func (e *Engine) settle(tx *gorm.DB, account string, nowSec, targetEpoch int64) error {
	if err := e.advanceEpoch(tx, nowSec, targetEpoch); err != nil {
		return err
	}
	state, err := e.state(tx)
	if err != nil {
		return err
	}
	settled := minEpoch(targetEpoch, state.CurrentEpoch)

	unclaimed, err := e.computeUnclaimed(tx, account, settled)
	if err != nil {
		return err
	}
	reward, _, err := e.accountReward(tx, account)
	if err != nil {
		return err
	}
	reward.UnclaimedReward = unclaimed.String()
	reward.LastUpdateEpoch = settled
	return tx.Save(&reward).Error
}

// advanceEpoch moves the high-water mark to min(targetEpoch, epoch of now),
// writing one total-ve snapshot per newly finalized epoch. A no-op when the
// mark is already there.
func (e *Engine) advanceEpoch(tx *gorm.DB, nowSec, targetEpoch int64) error {
	state, err := e.state(tx)
	if err != nil {
		return err
	}
	bound := minEpoch(e.clock.EpochAt(nowSec), targetEpoch)
	if bound <= state.CurrentEpoch {
		return nil
	}

	for epochIndex := state.CurrentEpoch + 1; epochIndex <= bound; epochIndex++ {
		var existing EpochSnapshot
		lookup := tx.Where("engine_id = ? AND epoch = ?", e.engineID, epochIndex).Take(&existing).Error
		if lookup == nil {
			continue
		}
		if !errors.Is(lookup, gorm.ErrRecordNotFound) {
			return lookup
		}

		totalVe, err := e.ledger.TotalVeTx(tx, e.clock.StartOf(epochIndex))
		if err != nil {
			return err
		}
		snapshot := EpochSnapshot{
			EngineID:       e.engineID,
			Epoch:          epochIndex,
			TotalVe:        totalVe.String(),
			FinalizedAtSec: nowSec,
		}
		if err := tx.Create(&snapshot).Error; err != nil {
			return err
		}
		e.publish(events.Event{
			Type: events.TypeEpochFinalized,
			Attributes: map[string]string{
				"engine":   e.engineID,
				"epoch":    strconv.FormatInt(epochIndex, 10),
				"total_ve": totalVe.String(),
			},
		})
	}

	return tx.Model(&EngineState{}).
		Where("engine_id = ?", e.engineID).
		Update("current_epoch", bound).Error
}

// computeUnclaimed extends the account's cached unclaimed balance from its
// last settled epoch through targetEpoch: for every schedule epoch in that
// window the account earns its ve share of the schedule's per-epoch slice.
func (e *Engine) computeUnclaimed(tx *gorm.DB, account string, targetEpoch int64) (*big.Int, error) {
	reward, _, err := e.accountReward(tx, account)
	if err != nil {
		return nil, err
	}
	if reward.LastUpdateEpoch > targetEpoch {
		return nil, ErrEpochPassed
	}
	total := parseAmount(reward.UnclaimedReward)
	if reward.LastUpdateEpoch == targetEpoch {
		return total, nil
	}

	var schedules []Schedule
	if err := tx.Where("engine_id = ?", e.engineID).
		Order("created_at_s ASC, schedule_id ASC").
		Find(&schedules).Error; err != nil {
		return nil, err
	}

	for _, schedule := range schedules {
		first := maxEpoch(schedule.EpochStart, reward.LastUpdateEpoch+1)
		last := minEpoch(schedule.EpochStart+schedule.EpochNum-1, targetEpoch)
		if first > last {
			continue
		}
		amount := parseAmount(schedule.Amount)
		for epochIndex := first; epochIndex <= last; epochIndex++ {
			totalVe, err := e.totalVeAt(tx, epochIndex)
			if err != nil {
				return nil, err
			}
			if totalVe.Sign() <= 0 {
				continue
			}
			accountVe, err := e.ledger.AccountVeTx(tx, account, e.clock.StartOf(epochIndex))
			if err != nil {
				return nil, err
			}
			if accountVe.Sign() <= 0 {
				continue
			}
			share := new(big.Int).Mul(accountVe, amount)
			share.Quo(share, new(big.Int).Mul(totalVe, big.NewInt(schedule.EpochNum)))
			total.Add(total, share)
		}
	}
	return total, nil
}

// totalVeAt returns the finalized snapshot for the epoch when one exists,
// falling back to a live projection for epochs not yet crossed.
func (e *Engine) totalVeAt(tx *gorm.DB, epochIndex int64) (*big.Int, error) {
	var snapshot EpochSnapshot
	err := tx.Where("engine_id = ? AND epoch = ?", e.engineID, epochIndex).Take(&snapshot).Error
	if err == nil {
		return parseAmount(snapshot.TotalVe), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return e.ledger.TotalVeTx(tx, e.clock.StartOf(epochIndex))
}

func (e *Engine) state(tx *gorm.DB) (EngineState, error) {
	var state EngineState
	if err := tx.Where("engine_id = ?", e.engineID).Take(&state).Error; err != nil {
		return EngineState{}, err
	}
	return state, nil
}

func (e *Engine) accountReward(tx *gorm.DB, account string) (AccountReward, bool, error) {
	var reward AccountReward
	err := tx.Where("engine_id = ? AND account = ?", e.engineID, account).Take(&reward).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AccountReward{
			EngineID:        e.engineID,
			Account:         account,
			ClaimedReward:   "0",
			UnclaimedReward: "0",
		}, false, nil
	}
	if err != nil {
		return AccountReward{}, false, err
	}
	return reward, true, nil
}

func (e *Engine) publish(event events.Event) {
	if e.events != nil {
		e.events.Publish(event)
	}
}

func (e *Engine) logError(operation string, err error, fields ...zap.Field) {
	attrs := append([]zap.Field{
		zap.String("engine", e.engineID),
		zap.String("operation", operation),
		zap.Error(err),
	}, fields...)
	e.logger.Error("reward engine error", attrs...)
}
