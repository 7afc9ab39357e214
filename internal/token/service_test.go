package token

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testDBSequence int

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	testDBSequence++
	dsn := fmt.Sprintf("file:token-test-%d?mode=memory&cache=shared", testDBSequence)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Asset{}, &Balance{}, &FeeExemption{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to build token service: %v", err)
	}
	return service, db
}

func mustSymbol(t *testing.T, value string) Symbol {
	t.Helper()
	symbol, err := NewSymbol(value)
	if err != nil {
		t.Fatalf("unexpected symbol error: %v", err)
	}
	return symbol
}

func TestNewSymbolValidation(t *testing.T) {
	if _, err := NewSymbol("   "); !errors.Is(err, ErrInvalidSymbol) {
		t.Fatalf("expected ErrInvalidSymbol for blank input, got %v", err)
	}
	symbol, err := NewSymbol(" stk ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if symbol.String() != "STK" {
		t.Fatalf("expected normalized symbol STK, got %q", symbol)
	}
}

func TestRegisterRejectsDuplicatesAndBadFees(t *testing.T) {
	service, db := newTestService(t)
	symbol := mustSymbol(t, "STK")

	if err := service.Register(db, symbol, 6, 10_001, "collector"); !errors.Is(err, ErrInvalidFee) {
		t.Fatalf("expected ErrInvalidFee, got %v", err)
	}
	if err := service.Register(db, symbol, 6, 25, "collector"); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if err := service.Register(db, symbol, 6, 25, "collector"); !errors.Is(err, ErrAssetExists) {
		t.Fatalf("expected ErrAssetExists, got %v", err)
	}
}

func TestTransferAppliesFee(t *testing.T) {
	service, db := newTestService(t)
	symbol := mustSymbol(t, "STK")
	if err := service.Register(db, symbol, 6, 100, "collector"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := service.Mint(db, symbol, "alice", big.NewInt(1_000_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := service.Transfer(db, symbol, "alice", "bob", big.NewInt(10_000)); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	bob, err := service.BalanceOf(db, symbol, "bob")
	if err != nil {
		t.Fatalf("balance bob: %v", err)
	}
	if bob.Cmp(big.NewInt(9_900)) != 0 {
		t.Fatalf("expected bob to receive 9900 after 1%% fee, got %s", bob)
	}
	collector, err := service.BalanceOf(db, symbol, "collector")
	if err != nil {
		t.Fatalf("balance collector: %v", err)
	}
	if collector.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected collector fee 100, got %s", collector)
	}
}

func TestTransferSkipsFeeForExemptAccounts(t *testing.T) {
	service, db := newTestService(t)
	symbol := mustSymbol(t, "STK")
	if err := service.Register(db, symbol, 6, 100, "collector"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := service.Mint(db, symbol, "alice", big.NewInt(100_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := service.SetExempt(db, symbol, "custody", true); err != nil {
		t.Fatalf("set exempt: %v", err)
	}

	if err := service.Transfer(db, symbol, "alice", "custody", big.NewInt(10_000)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	custody, err := service.BalanceOf(db, symbol, "custody")
	if err != nil {
		t.Fatalf("balance custody: %v", err)
	}
	if custody.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("expected full 10000 to exempt recipient, got %s", custody)
	}
}

func TestTransferRejectsOverdraw(t *testing.T) {
	service, db := newTestService(t)
	symbol := mustSymbol(t, "STK")
	if err := service.Register(db, symbol, 6, 0, ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := service.Mint(db, symbol, "alice", big.NewInt(50)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := service.Transfer(db, symbol, "alice", "bob", big.NewInt(51)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := service.Transfer(db, symbol, "alice", "bob", big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestBalanceOfUnknownAsset(t *testing.T) {
	service, db := newTestService(t)
	if _, err := service.BalanceOf(db, Symbol("NOPE"), "alice"); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
}
