package staking

import (
	"math/big"

	"gorm.io/gorm"
)

// AccountVeTx projects the account's ve-balance at atSec using the current
// transaction. Valid for any atSec at or after the account's last
// ve-affecting event; historical queries that predate a later mutation
// return stale projections — a documented caller obligation.
func (s *Service) AccountVeTx(tx *gorm.DB, account string, atSec int64) (*big.Int, error) {
	var positions []Position
	if err := tx.Where("account = ?", account).Find(&positions).Error; err != nil {
		return nil, err
	}
	total := new(big.Int)
	for _, position := range positions {
		method, err := s.method(tx, MethodID(position.MethodID))
		if err != nil {
			return nil, err
		}
		schedule, err := s.loadSchedule(tx, MethodID(position.MethodID))
		if err != nil {
			return nil, err
		}
		total.Add(total, parseAmount(position.AmountVe))
		total.Add(total, schedule.AccruedAmount(
			parseAmount(position.Amount), position.LastUpdateSec, atSec, unitScale(method.TokenDecimals)))
	}
	return total, nil
}

// TotalVeTx projects the system-wide ve total at atSec using the current
// transaction, via the per-segment aggregates — no account iteration.
func (s *Service) TotalVeTx(tx *gorm.DB, atSec int64) (*big.Int, error) {
	var methods []Method
	if err := tx.Find(&methods).Error; err != nil {
		return nil, err
	}
	total := new(big.Int)
	for _, method := range methods {
		schedule, err := s.loadSchedule(tx, MethodID(method.MethodID))
		if err != nil {
			return nil, err
		}
		total.Add(total, parseAmount(method.TotalVe))
		total.Add(total, schedule.AccruedTotal(atSec, unitScale(method.TokenDecimals)))
	}
	return total, nil
}

// AccountVe is the locked read wrapper over AccountVeTx.
func (s *Service) AccountVe(account string, atSec int64) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total *big.Int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		total, err = s.AccountVeTx(tx, account, atSec)
		return err
	})
	if err != nil {
		return nil, newServiceError(opAccountVe, "projection_failed", err)
	}
	return total, nil
}

// TotalVe is the locked read wrapper over TotalVeTx.
func (s *Service) TotalVe(atSec int64) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total *big.Int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		total, err = s.TotalVeTx(tx, atSec)
		return err
	})
	if err != nil {
		return nil, newServiceError(opTotalVe, "projection_failed", err)
	}
	return total, nil
}

// Positions returns the account's per-method staking snapshot.
func (s *Service) Positions(account string) ([]Position, error) {
	var positions []Position
	if err := s.db.Where("account = ?", account).
		Order("method_id ASC").
		Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// Methods lists every configured staking method.
func (s *Service) Methods() ([]Method, error) {
	var methods []Method
	if err := s.db.Order("method_id ASC").Find(&methods).Error; err != nil {
		return nil, err
	}
	return methods, nil
}

// MethodDetail returns one method plus its emission segments.
func (s *Service) MethodDetail(methodID MethodID) (Method, []EmissionSegment, error) {
	var method Method
	var segments []EmissionSegment
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		method, err = s.method(tx, methodID)
		if err != nil {
			return err
		}
		return tx.Where("method_id = ?", methodID.String()).
			Order("segment_index ASC").
			Find(&segments).Error
	})
	if err != nil {
		return Method{}, nil, err
	}
	return method, segments, nil
}

// TransferVe always fails: the ve-balance is a non-transferable accounting
// figure, not a liquid asset.
func (s *Service) TransferVe(string, string, *big.Int) error {
	return ErrTransferDisabled
}

// ApproveVe always fails, for the same reason as TransferVe.
func (s *Service) ApproveVe(string, string, *big.Int) error {
	return ErrTransferDisabled
}
