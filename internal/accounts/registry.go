package accounts

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

const maxAddressLength = 190

var (
	// ErrInvalidAddress indicates an empty or oversized account address.
	ErrInvalidAddress = errors.New("accounts: invalid address")
)

// Address represents a validated, normalized account address.
type Address string

// NewAddress validates raw input and returns an Address.
func NewAddress(rawInput string) (Address, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if len(trimmed) > maxAddressLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidAddress, maxAddressLength)
	}
	return Address(trimmed), nil
}

// String returns the underlying address string.
func (a Address) String() string {
	return string(a)
}

// Membership records an account's presence in the active-staker set.
// Rows persist after deactivation; only the Active flag flips, so the
// first-staked time survives restaking.
type Membership struct {
	Account          string `gorm:"column:account;primaryKey;size:190;not null"`
	Active           bool   `gorm:"column:active;not null;default:false;index"`
	FirstStakedAtSec int64  `gorm:"column:first_staked_at_s;not null"`
	LastActiveAtSec  int64  `gorm:"column:last_active_at_s;not null"`
}

// TableName exposes the table backing the active-account set.
func (Membership) TableName() string {
	return "account_memberships"
}

// Registry maintains the active-account set with an O(1) in-process
// membership cache in front of the persisted rows. Writers invalidate the
// cache instead of populating it: the row mutation runs on a caller-owned
// transaction that may still roll back, so only reads fill the cache.
type Registry struct {
	clock func() time.Time
	cache sync.Map
}

// NewRegistry constructs the registry.
func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{clock: clock}
}

// Activate marks the account as an active staker, creating the membership
// row on first contact.
func (r *Registry) Activate(tx *gorm.DB, account Address) error {
	now := r.clock().UTC().Unix()
	var membership Membership
	err := tx.Where("account = ?", account.String()).Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		membership = Membership{
			Account:          account.String(),
			Active:           true,
			FirstStakedAtSec: now,
			LastActiveAtSec:  now,
		}
		if err := tx.Create(&membership).Error; err != nil {
			return err
		}
	} else if err != nil {
		return err
	} else if err := tx.Model(&Membership{}).
		Where("account = ?", account.String()).
		Updates(map[string]interface{}{"active": true, "last_active_at_s": now}).Error; err != nil {
		return err
	}
	r.cache.Delete(account.String())
	return nil
}

// Deactivate removes the account from the active set.
func (r *Registry) Deactivate(tx *gorm.DB, account Address) error {
	now := r.clock().UTC().Unix()
	if err := tx.Model(&Membership{}).
		Where("account = ?", account.String()).
		Updates(map[string]interface{}{"active": false, "last_active_at_s": now}).Error; err != nil {
		return err
	}
	r.cache.Delete(account.String())
	return nil
}

// IsActive reports whether the account currently holds any stake.
func (r *Registry) IsActive(tx *gorm.DB, account Address) (bool, error) {
	if cached, ok := r.cache.Load(account.String()); ok {
		if active, ok := cached.(bool); ok {
			return active, nil
		}
	}
	var membership Membership
	err := tx.Where("account = ?", account.String()).Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	r.cache.Store(account.String(), membership.Active)
	return membership.Active, nil
}

// ListActive returns every active account, ordered by first-staked time.
// Maintenance and migration tooling surface.
func (r *Registry) ListActive(tx *gorm.DB) ([]Membership, error) {
	var memberships []Membership
	if err := tx.Where("active = ?", true).
		Order("first_staked_at_s ASC").
		Find(&memberships).Error; err != nil {
		return nil, err
	}
	return memberships, nil
}
