package staking

import (
	"errors"
	"math/big"
	"strconv"

	"github.com/MarcoPoloResearchLab/vestake/internal/accounts"
	"github.com/MarcoPoloResearchLab/vestake/internal/emission"
	"github.com/MarcoPoloResearchLab/vestake/internal/events"
	"github.com/MarcoPoloResearchLab/vestake/internal/token"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RegisterMethod creates a staking method for the given asset with an
// initial emission rate effective at effectiveFromSec (0 = now). The asset's
// decimal precision is cached on the method so projections never re-query
// the token collaborator.
func (s *Service) RegisterMethod(methodID MethodID, symbol token.Symbol, vePerDay *big.Int, effectiveFromSec int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowSec := s.NowSec()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := s.method(tx, methodID); err == nil {
			return newServiceError(opRegisterMethod, "method_exists", ErrMethodExists)
		} else if !errors.Is(err, ErrMethodNotFound) {
			return newServiceError(opRegisterMethod, "method_lookup_failed", err)
		}

		decimals, err := s.tokens.Decimals(tx, symbol)
		if err != nil {
			return newServiceError(opRegisterMethod, "token_lookup_failed", err)
		}

		schedule := &emission.Schedule{}
		if err := schedule.AddRate(nowSec, effectiveFromSec, vePerDay); err != nil {
			return newServiceError(opRegisterMethod, "invalid_rate", err)
		}

		method := Method{
			MethodID:      methodID.String(),
			TokenSymbol:   symbol.String(),
			TokenDecimals: decimals,
			TotalVe:       "0",
			CreatedAtSec:  nowSec,
			UpdatedAtSec:  nowSec,
		}
		if err := tx.Create(&method).Error; err != nil {
			return newServiceError(opRegisterMethod, "method_save_failed", err)
		}
		if err := s.saveSchedule(tx, methodID, schedule); err != nil {
			return newServiceError(opRegisterMethod, "schedule_save_failed", err)
		}
		return nil
	})
	if err != nil {
		s.logError(opRegisterMethod, err, zap.String("method", methodID.String()))
		return err
	}

	s.publish(events.Event{
		Type:   events.TypeMethodConfigured,
		Method: methodID.String(),
		Attributes: map[string]string{
			"token":      symbol.String(),
			"ve_per_day": vePerDay.String(),
		},
	})
	return nil
}

// SetRate appends a new emission segment for the method, effective at
// effectiveFromSec (0 = now). Effective times in the past are rejected.
func (s *Service) SetRate(methodID MethodID, vePerDay *big.Int, effectiveFromSec int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowSec := s.NowSec()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := s.method(tx, methodID); err != nil {
			return newServiceError(opSetRate, "method_lookup_failed", err)
		}
		schedule, err := s.loadSchedule(tx, methodID)
		if err != nil {
			return newServiceError(opSetRate, "schedule_load_failed", err)
		}
		if err := schedule.AddRate(nowSec, effectiveFromSec, vePerDay); err != nil {
			return newServiceError(opSetRate, "invalid_rate", err)
		}
		if err := s.saveSchedule(tx, methodID, schedule); err != nil {
			return newServiceError(opSetRate, "schedule_save_failed", err)
		}
		return tx.Model(&Method{}).
			Where("method_id = ?", methodID.String()).
			Update("updated_at_s", nowSec).Error
	})
	if err != nil {
		s.logError(opSetRate, err, zap.String("method", methodID.String()))
		return err
	}

	s.publish(events.Event{
		Type:   events.TypeMethodConfigured,
		Method: methodID.String(),
		Attributes: map[string]string{
			"ve_per_day":     vePerDay.String(),
			"effective_from": strconv.FormatInt(effectiveFromSec, 10),
		},
	})
	return nil
}

// AddSettler registers a reward distribution engine for pre-mutation
// settlement callbacks. Registering the same engine twice is an error.
func (s *Service) AddSettler(settler RewardSettler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.settlers {
		if existing.ID() == settler.ID() {
			return ErrSettlerRegistered
		}
	}
	s.settlers = append(s.settlers, settler)
	s.publish(events.Event{
		Type:       events.TypeDistributorAdded,
		Attributes: map[string]string{"engine": settler.ID()},
	})
	return nil
}

// RemoveSettler unregisters a reward distribution engine.
func (s *Service) RemoveSettler(settlerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.settlers {
		if existing.ID() == settlerID {
			s.settlers = append(s.settlers[:i], s.settlers[i+1:]...)
			s.publish(events.Event{
				Type:       events.TypeDistributorRemoved,
				Attributes: map[string]string{"engine": settlerID},
			})
			return nil
		}
	}
	return ErrSettlerNotRegistered
}

// ListActiveAccounts returns the active-staker set for maintenance tooling.
func (s *Service) ListActiveAccounts() ([]accounts.Membership, error) {
	var memberships []accounts.Membership
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		memberships, err = s.registry.ListActive(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return memberships, nil
}
