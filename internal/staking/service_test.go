package staking

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vestake/internal/accounts"
	"github.com/MarcoPoloResearchLab/vestake/internal/emission"
	"github.com/MarcoPoloResearchLab/vestake/internal/token"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testBaseTime = int64(1_700_000_000)
	testDay      = int64(86400)
)

var (
	oneToken = big.NewInt(1_000_000)
	oneVe    = new(big.Int).Set(emission.RateScale)
)

type fakeClock struct {
	nowSec int64
}

func (c *fakeClock) now() time.Time {
	return time.Unix(c.nowSec, 0)
}

func (c *fakeClock) advance(seconds int64) {
	c.nowSec += seconds
}

type recordingSettler struct {
	id    string
	calls []string
}

func (r *recordingSettler) ID() string {
	return r.id
}

func (r *recordingSettler) SettleAccount(_ *gorm.DB, account string, nowSec int64) error {
	r.calls = append(r.calls, fmt.Sprintf("%s@%d", account, nowSec))
	return nil
}

var testDBSequence int

func newTestLedger(t *testing.T) (*Service, *gorm.DB, *fakeClock, *token.Service) {
	t.Helper()
	testDBSequence++
	dsn := fmt.Sprintf("file:staking-test-%d?mode=memory&cache=shared", testDBSequence)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&token.Asset{}, &token.Balance{}, &token.FeeExemption{},
		&accounts.Membership{},
		&Method{}, &EmissionSegment{}, &Position{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &fakeClock{nowSec: testBaseTime}
	tokens, err := token.NewService(token.ServiceConfig{Database: db, Clock: clock.now})
	if err != nil {
		t.Fatalf("failed to build token service: %v", err)
	}
	registry := accounts.NewRegistry(clock.now)
	service, err := NewService(ServiceConfig{
		Database: db,
		Tokens:   tokens,
		Registry: registry,
		Clock:    clock.now,
	})
	if err != nil {
		t.Fatalf("failed to build staking service: %v", err)
	}
	return service, db, clock, tokens
}

func mustMethodID(t *testing.T, value string) MethodID {
	t.Helper()
	id, err := NewMethodID(value)
	if err != nil {
		t.Fatalf("unexpected method id error: %v", err)
	}
	return id
}

func mustAddr(t *testing.T, value string) accounts.Address {
	t.Helper()
	address, err := accounts.NewAddress(value)
	if err != nil {
		t.Fatalf("unexpected address error: %v", err)
	}
	return address
}

func seedMethod(t *testing.T, service *Service, db *gorm.DB, tokens *token.Service, methodName string, ratePerDay int64) MethodID {
	t.Helper()
	symbol, err := token.NewSymbol("STK")
	if err != nil {
		t.Fatalf("symbol: %v", err)
	}
	var existing token.Asset
	if lookupErr := db.Where("symbol = ?", symbol.String()).Take(&existing).Error; lookupErr != nil {
		if err := tokens.Register(db, symbol, 6, 0, ""); err != nil {
			t.Fatalf("register asset: %v", err)
		}
	}
	methodID := mustMethodID(t, methodName)
	rate := new(big.Int).Mul(emission.RateScale, big.NewInt(ratePerDay))
	if err := service.RegisterMethod(methodID, symbol, rate, 0); err != nil {
		t.Fatalf("register method: %v", err)
	}
	return methodID
}

func fund(t *testing.T, tokens *token.Service, db *gorm.DB, account string, tokensWorth int64) {
	t.Helper()
	symbol, _ := token.NewSymbol("STK")
	amount := new(big.Int).Mul(oneToken, big.NewInt(tokensWorth))
	if err := tokens.Mint(db, symbol, account, amount); err != nil {
		t.Fatalf("mint: %v", err)
	}
}

func accountVeNow(t *testing.T, service *Service, account string, atSec int64) *big.Int {
	t.Helper()
	value, err := service.AccountVe(account, atSec)
	if err != nil {
		t.Fatalf("account ve: %v", err)
	}
	return value
}

func TestStakeValidation(t *testing.T) {
	service, db, _, tokens := newTestLedger(t)
	methodID := seedMethod(t, service, db, tokens, "flexible", 1)
	alice := mustAddr(t, "alice")

	if err := service.Stake(alice, alice, methodID, big.NewInt(0)); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}
	if err := service.Stake(alice, alice, mustMethodID(t, "missing"), oneToken); !errors.Is(err, ErrMethodNotFound) {
		t.Fatalf("expected ErrMethodNotFound, got %v", err)
	}
}

func TestAccrualMatchesRateSchedule(t *testing.T) {
	service, db, clock, tokens := newTestLedger(t)
	methodID := seedMethod(t, service, db, tokens, "flexible", 1)
	alice := mustAddr(t, "alice")
	fund(t, tokens, db, "alice", 10)

	if err := service.Stake(alice, alice, methodID, oneToken); err != nil {
		t.Fatalf("stake: %v", err)
	}

	if got := accountVeNow(t, service, "alice", testBaseTime); got.Sign() != 0 {
		t.Fatalf("expected zero ve immediately after stake, got %s", got)
	}
	if got := accountVeNow(t, service, "alice", testBaseTime+testDay); got.Cmp(oneVe) != 0 {
		t.Fatalf("expected 1 ve after one day, got %s", got)
	}

	// Rate triples effective one day in; projection at 1.5 days is 2.5 ve.
	tripled := new(big.Int).Mul(emission.RateScale, big.NewInt(3))
	if err := service.SetRate(methodID, tripled, testBaseTime+testDay); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	want := new(big.Int).Mul(oneVe, big.NewInt(5))
	want.Div(want, big.NewInt(2))
	if got := accountVeNow(t, service, "alice", testBaseTime+testDay+testDay/2); got.Cmp(want) != 0 {
		t.Fatalf("expected 2.5 ve at 1.5 days, got %s", got)
	}

	// Past-dated rate changes are rejected.
	clock.advance(2 * testDay)
	if err := service.SetRate(methodID, tripled, testBaseTime+testDay); !errors.Is(err, emission.ErrInvalidEffectiveTime) {
		t.Fatalf("expected ErrInvalidEffectiveTime, got %v", err)
	}
}

func TestFoldInPreservesAccruedBalance(t *testing.T) {
	service, db, clock, tokens := newTestLedger(t)
	methodID := seedMethod(t, service, db, tokens, "flexible", 1)
	alice := mustAddr(t, "alice")
	fund(t, tokens, db, "alice", 10)

	if err := service.Stake(alice, alice, methodID, oneToken); err != nil {
		t.Fatalf("stake: %v", err)
	}
	clock.advance(testDay)
	if err := service.Stake(alice, alice, methodID, oneToken); err != nil {
		t.Fatalf("second stake: %v", err)
	}

	// The first day's accrual survives the second stake as folded balance.
	if got := accountVeNow(t, service, "alice", clock.nowSec); got.Cmp(oneVe) != 0 {
		t.Fatalf("expected folded 1 ve after second stake, got %s", got)
	}
	// Two staked tokens accrue 2 ve over the next day.
	want := new(big.Int).Mul(oneVe, big.NewInt(3))
	if got := accountVeNow(t, service, "alice", clock.nowSec+testDay); got.Cmp(want) != 0 {
		t.Fatalf("expected 3 ve one day after second stake, got %s", got)
	}
}

func TestTotalVeEqualsSumOfAccountVe(t *testing.T) {
	service, db, clock, tokens := newTestLedger(t)
	methodID := seedMethod(t, service, db, tokens, "flexible", 1)
	second := seedMethod(t, service, db, tokens, "boosted", 4)
	alice := mustAddr(t, "alice")
	bob := mustAddr(t, "bob")
	fund(t, tokens, db, "alice", 10)
	fund(t, tokens, db, "bob", 10)

	if err := service.Stake(alice, alice, methodID, new(big.Int).Mul(oneToken, big.NewInt(2))); err != nil {
		t.Fatalf("stake alice: %v", err)
	}
	clock.advance(testDay)
	if err := service.Stake(bob, bob, methodID, oneToken); err != nil {
		t.Fatalf("stake bob: %v", err)
	}
	if err := service.Stake(bob, bob, second, new(big.Int).Mul(oneToken, big.NewInt(3))); err != nil {
		t.Fatalf("stake bob boosted: %v", err)
	}
	clock.advance(testDay)

	for _, horizon := range []int64{clock.nowSec, clock.nowSec + testDay, clock.nowSec + 10*testDay} {
		total, err := service.TotalVe(horizon)
		if err != nil {
			t.Fatalf("total ve: %v", err)
		}
		sum := new(big.Int).Add(
			accountVeNow(t, service, "alice", horizon),
			accountVeNow(t, service, "bob", horizon),
		)
		if total.Cmp(sum) != 0 {
			t.Fatalf("totalVe %s != sum of accounts %s at %d", total, sum, horizon)
		}
	}
}

func TestUnstakeResetsVeAcrossAllMethods(t *testing.T) {
	service, db, clock, tokens := newTestLedger(t)
	methodID := seedMethod(t, service, db, tokens, "flexible", 1)
	second := seedMethod(t, service, db, tokens, "boosted", 2)
	alice := mustAddr(t, "alice")
	fund(t, tokens, db, "alice", 10)

	if err := service.Stake(alice, alice, methodID, new(big.Int).Mul(oneToken, big.NewInt(2))); err != nil {
		t.Fatalf("stake flexible: %v", err)
	}
	if err := service.Stake(alice, alice, second, oneToken); err != nil {
		t.Fatalf("stake boosted: %v", err)
	}
	clock.advance(testDay)

	if got := accountVeNow(t, service, "alice", clock.nowSec); got.Sign() == 0 {
		t.Fatalf("expected accrued ve before unstake")
	}

	if err := service.Unstake(alice, methodID, oneToken); err != nil {
		t.Fatalf("unstake: %v", err)
	}
	// Withdrawal under one method zeroes the balance under every method.
	if got := accountVeNow(t, service, "alice", clock.nowSec); got.Sign() != 0 {
		t.Fatalf("expected zero ve after unstake, got %s", got)
	}
	// Remaining stake keeps accruing: 1 flexible + 1 boosted = 3 ve/day.
	want := new(big.Int).Mul(oneVe, big.NewInt(3))
	if got := accountVeNow(t, service, "alice", clock.nowSec+testDay); got.Cmp(want) != 0 {
		t.Fatalf("expected 3 ve a day after unstake, got %s", got)
	}
}

func TestUnstakeValidation(t *testing.T) {
	service, db, _, tokens := newTestLedger(t)
	methodID := seedMethod(t, service, db, tokens, "flexible", 1)
	alice := mustAddr(t, "alice")
	fund(t, tokens, db, "alice", 1)

	if err := service.Unstake(alice, methodID, big.NewInt(-5)); !errors.Is(err, ErrZeroAmount) {
		t.Fatalf("expected ErrZeroAmount, got %v", err)
	}
	if err := service.Unstake(alice, methodID, oneToken); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance for empty position, got %v", err)
	}
	if err := service.Stake(alice, alice, methodID, oneToken); err != nil {
		t.Fatalf("stake: %v", err)
	}
	tooMuch := new(big.Int).Add(oneToken, big.NewInt(1))
	if err := service.Unstake(alice, methodID, tooMuch); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestStakeFeeChargingAssetKeepsCustodyWhole(t *testing.T) {
	service, db, clock, tokens := newTestLedger(t)
	alice := mustAddr(t, "alice")

	// Fee-charging asset with the custody account exempted, as asset
	// registration does in production.
	symbol, _ := token.NewSymbol("FEE")
	if err := tokens.Register(db, symbol, 6, 250, "collector"); err != nil {
		t.Fatalf("register asset: %v", err)
	}
	if err := tokens.SetExempt(db, symbol, CustodyAccount, true); err != nil {
		t.Fatalf("exempt custody: %v", err)
	}
	methodID := mustMethodID(t, "fee-flex")
	if err := service.RegisterMethod(methodID, symbol, emission.RateScale, 0); err != nil {
		t.Fatalf("register method: %v", err)
	}
	if err := tokens.Mint(db, symbol, "alice", oneToken); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := service.Stake(alice, alice, methodID, oneToken); err != nil {
		t.Fatalf("stake: %v", err)
	}
	custody, err := tokens.BalanceOf(db, symbol, CustodyAccount)
	if err != nil {
		t.Fatalf("custody balance: %v", err)
	}
	if custody.Cmp(oneToken) != 0 {
		t.Fatalf("expected custody to hold the full deposit, got %s", custody)
	}
	collector, err := tokens.BalanceOf(db, symbol, "collector")
	if err != nil || collector.Sign() != 0 {
		t.Fatalf("expected no fee on the deposit leg, got %s (%v)", collector, err)
	}

	clock.advance(testDay)
	if err := service.Unstake(alice, methodID, oneToken); err != nil {
		t.Fatalf("unstake: %v", err)
	}
	balance, err := tokens.BalanceOf(db, symbol, "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(oneToken) != 0 {
		t.Fatalf("expected the full deposit back, got %s", balance)
	}
}

func TestUnstakeReturnsTokensAndTracksMembership(t *testing.T) {
	service, db, clock, tokens := newTestLedger(t)
	methodID := seedMethod(t, service, db, tokens, "flexible", 1)
	alice := mustAddr(t, "alice")
	fund(t, tokens, db, "alice", 2)
	symbol, _ := token.NewSymbol("STK")

	if err := service.Stake(alice, alice, methodID, new(big.Int).Mul(oneToken, big.NewInt(2))); err != nil {
		t.Fatalf("stake: %v", err)
	}
	memberships, err := service.ListActiveAccounts()
	if err != nil || len(memberships) != 1 {
		t.Fatalf("expected one active account, got %d (%v)", len(memberships), err)
	}

	clock.advance(testDay)
	if err := service.Unstake(alice, methodID, new(big.Int).Mul(oneToken, big.NewInt(2))); err != nil {
		t.Fatalf("unstake: %v", err)
	}

	balance, err := tokens.BalanceOf(db, symbol, "alice")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(new(big.Int).Mul(oneToken, big.NewInt(2))) != 0 {
		t.Fatalf("expected full return of staked tokens, got %s", balance)
	}

	memberships, err = service.ListActiveAccounts()
	if err != nil || len(memberships) != 0 {
		t.Fatalf("expected empty active set after full unstake, got %d (%v)", len(memberships), err)
	}

	// Position row survives at zero; restaking reactivates membership.
	positions, err := service.Positions("alice")
	if err != nil || len(positions) != 1 || positions[0].Amount != "0" {
		t.Fatalf("expected surviving zero position, got %+v (%v)", positions, err)
	}
	if err := service.Stake(alice, alice, methodID, oneToken); err != nil {
		t.Fatalf("restake: %v", err)
	}
	memberships, err = service.ListActiveAccounts()
	if err != nil || len(memberships) != 1 {
		t.Fatalf("expected membership restored, got %d (%v)", len(memberships), err)
	}
}

func TestStakeSettlesRewardsBeforeMutation(t *testing.T) {
	service, db, clock, tokens := newTestLedger(t)
	methodID := seedMethod(t, service, db, tokens, "flexible", 1)
	alice := mustAddr(t, "alice")
	fund(t, tokens, db, "alice", 10)

	settler := &recordingSettler{id: "engine-1"}
	if err := service.AddSettler(settler); err != nil {
		t.Fatalf("add settler: %v", err)
	}
	if err := service.AddSettler(settler); !errors.Is(err, ErrSettlerRegistered) {
		t.Fatalf("expected ErrSettlerRegistered, got %v", err)
	}

	if err := service.Stake(alice, alice, methodID, oneToken); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if len(settler.calls) != 1 {
		t.Fatalf("expected one settlement on first stake, got %d", len(settler.calls))
	}

	clock.advance(testDay)
	if err := service.Stake(alice, alice, methodID, oneToken); err != nil {
		t.Fatalf("second stake: %v", err)
	}
	// Pre-mutation settle plus re-settle after a nonzero fold-in.
	if len(settler.calls) != 3 {
		t.Fatalf("expected three settlements after fold-in, got %d", len(settler.calls))
	}

	if err := service.RemoveSettler("engine-1"); err != nil {
		t.Fatalf("remove settler: %v", err)
	}
	if err := service.RemoveSettler("engine-1"); !errors.Is(err, ErrSettlerNotRegistered) {
		t.Fatalf("expected ErrSettlerNotRegistered, got %v", err)
	}
}

func TestAggregateStakeMatchesPositions(t *testing.T) {
	service, db, clock, tokens := newTestLedger(t)
	methodID := seedMethod(t, service, db, tokens, "flexible", 1)
	alice := mustAddr(t, "alice")
	bob := mustAddr(t, "bob")
	fund(t, tokens, db, "alice", 5)
	fund(t, tokens, db, "bob", 5)

	if err := service.Stake(alice, alice, methodID, new(big.Int).Mul(oneToken, big.NewInt(3))); err != nil {
		t.Fatalf("stake alice: %v", err)
	}
	clock.advance(testDay / 2)
	if err := service.Stake(bob, bob, methodID, new(big.Int).Mul(oneToken, big.NewInt(2))); err != nil {
		t.Fatalf("stake bob: %v", err)
	}
	clock.advance(testDay)
	if err := service.Unstake(alice, methodID, oneToken); err != nil {
		t.Fatalf("unstake alice: %v", err)
	}

	var segments []EmissionSegment
	if err := db.Where("method_id = ?", methodID.String()).
		Order("segment_index ASC").Find(&segments).Error; err != nil {
		t.Fatalf("load segments: %v", err)
	}
	last := segments[len(segments)-1]
	want := new(big.Int).Mul(oneToken, big.NewInt(4))
	if parseAmount(last.TokenAmount).Cmp(want) != 0 {
		t.Fatalf("aggregate stake %s != sum of positions %s", last.TokenAmount, want)
	}
}

func TestVeBalanceIsNotTransferable(t *testing.T) {
	service, _, _, _ := newTestLedger(t)
	if err := service.TransferVe("alice", "bob", big.NewInt(1)); !errors.Is(err, ErrTransferDisabled) {
		t.Fatalf("expected ErrTransferDisabled, got %v", err)
	}
	if err := service.ApproveVe("alice", "bob", big.NewInt(1)); !errors.Is(err, ErrTransferDisabled) {
		t.Fatalf("expected ErrTransferDisabled, got %v", err)
	}
}
