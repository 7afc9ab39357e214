package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vestake/internal/accounts"
	"github.com/MarcoPoloResearchLab/vestake/internal/auth"
	"github.com/MarcoPoloResearchLab/vestake/internal/database"
	"github.com/MarcoPoloResearchLab/vestake/internal/epoch"
	"github.com/MarcoPoloResearchLab/vestake/internal/events"
	"github.com/MarcoPoloResearchLab/vestake/internal/rewards"
	"github.com/MarcoPoloResearchLab/vestake/internal/server"
	"github.com/MarcoPoloResearchLab/vestake/internal/staking"
	"github.com/MarcoPoloResearchLab/vestake/internal/token"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	signingSecret   = "integration-secret"
	issuerName      = "vestake-api"
	baseTime        = int64(1_700_000_000)
	dayInSeconds    = int64(86400)
	jsonContentType = "application/json"
)

type manualClock struct {
	nowSec int64
}

func (c *manualClock) now() time.Time {
	return time.Unix(c.nowSec, 0)
}

// TestStakeDistributeClaimFlow drives the full ledger lifecycle over HTTP:
// asset and method administration, a stake, a funded reward schedule, the
// epoch rollover and the final claim.
func TestStakeDistributeClaimFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	databasePath := filepath.Join(testContext.TempDir(), "integration.db")
	db, err := database.OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	clock := &manualClock{nowSec: baseTime}
	tokens, err := token.NewService(token.ServiceConfig{Database: db, Clock: clock.now})
	if err != nil {
		testContext.Fatalf("failed to build token service: %v", err)
	}
	registry := accounts.NewRegistry(clock.now)
	dispatcher := events.NewDispatcher()
	ledger, err := staking.NewService(staking.ServiceConfig{
		Database: db,
		Tokens:   tokens,
		Registry: registry,
		Events:   dispatcher,
		Clock:    clock.now,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build staking service: %v", err)
	}

	epochClock, err := epoch.NewClock(baseTime, dayInSeconds)
	if err != nil {
		testContext.Fatalf("failed to build epoch clock: %v", err)
	}
	rewardSymbol, _ := token.NewSymbol("RWD")
	if err := tokens.Register(db, rewardSymbol, 6, 0, ""); err != nil {
		testContext.Fatalf("failed to register reward asset: %v", err)
	}
	engine, err := rewards.NewEngine(rewards.EngineConfig{
		EngineID:     "daily",
		Database:     db,
		Ledger:       ledger,
		Tokens:       tokens,
		RewardSymbol: rewardSymbol,
		Clock:        epochClock,
		Events:       dispatcher,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build engine: %v", err)
	}
	if err := ledger.AddSettler(engine); err != nil {
		testContext.Fatalf("failed to register settler: %v", err)
	}

	validator, err := auth.NewCallerValidator(auth.CallerValidatorConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        issuerName,
		Clock:         clock.now,
	})
	if err != nil {
		testContext.Fatalf("failed to build validator: %v", err)
	}
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		Issuer:        issuerName,
		Clock:         clock.now,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Staking:   ledger,
		Tokens:    tokens,
		Engines:   map[string]*rewards.Engine{"daily": engine},
		Validator: validator,
		Events:    dispatcher,
		Clock:     epochClock,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	adminToken := mustToken(testContext, issuer, "operator", auth.RoleAdmin)
	aliceToken := mustToken(testContext, issuer, "alice")
	treasuryToken := mustToken(testContext, issuer, "treasury")

	post := func(path, bearer string, body map[string]any) map[string]any {
		encoded, err := json.Marshal(body)
		if err != nil {
			testContext.Fatalf("failed to encode body: %v", err)
		}
		request, err := http.NewRequest(http.MethodPost, testServer.URL+path, bytes.NewReader(encoded))
		if err != nil {
			testContext.Fatalf("failed to build request: %v", err)
		}
		request.Header.Set("Content-Type", jsonContentType)
		request.Header.Set("Authorization", "Bearer "+bearer)
		response, err := testServer.Client().Do(request)
		if err != nil {
			testContext.Fatalf("request %s failed: %v", path, err)
		}
		defer response.Body.Close()
		payload := map[string]any{}
		if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
			testContext.Fatalf("failed to decode %s response: %v", path, err)
		}
		if response.StatusCode != http.StatusOK {
			testContext.Fatalf("%s returned %d: %v", path, response.StatusCode, payload)
		}
		return payload
	}
	get := func(path string) map[string]any {
		response, err := testServer.Client().Get(testServer.URL + path)
		if err != nil {
			testContext.Fatalf("get %s failed: %v", path, err)
		}
		defer response.Body.Close()
		if response.StatusCode != http.StatusOK {
			testContext.Fatalf("get %s returned %d", path, response.StatusCode)
		}
		payload := map[string]any{}
		if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
			testContext.Fatalf("failed to decode %s response: %v", path, err)
		}
		return payload
	}

	// Administration: stake asset, staking method, funding balances.
	post("/admin/assets", adminToken, map[string]any{"symbol": "STK", "decimals": 6})
	post("/admin/methods", adminToken, map[string]any{
		"method_id": "flexible",
		"symbol":    "STK",
		// 1 ve per token per day, in ve-wei.
		"ve_per_day": "1000000000000000000",
	})
	post("/admin/assets/STK/mint", adminToken, map[string]any{"account": "alice", "amount": "1000000"})
	post("/admin/assets/RWD/mint", adminToken, map[string]any{"account": "treasury", "amount": "500"})

	// Alice stakes one whole token.
	post("/stake", aliceToken, map[string]any{"method_id": "flexible", "amount": "1000000"})

	// The treasury funds 100 reward units across epochs 2 through 6.
	post("/engines/daily/distribute", treasuryToken, map[string]any{
		"amount":      "100",
		"epoch_start": 2,
		"epoch_num":   5,
	})

	// One day in, one ve has accrued and the clock sits in epoch 2.
	projected := get(fmt.Sprintf("/accounts/alice/ve?at=%d", baseTime+dayInSeconds))
	if projected["ve"] != "1000000000000000000" {
		testContext.Fatalf("expected 1 ve after one day, got %v", projected["ve"])
	}
	epochPayload := get(fmt.Sprintf("/epochs/at?ts=%d", baseTime+dayInSeconds))
	if epochPayload["epoch"] != float64(2) {
		testContext.Fatalf("expected epoch 2 one day in, got %v", epochPayload["epoch"])
	}

	// Past the schedule, the sole staker claims the full 100.
	clock.nowSec = baseTime + 6*dayInSeconds
	claim := post("/engines/daily/claim", aliceToken, map[string]any{})
	if claim["paid"] != "100" {
		testContext.Fatalf("expected full payout of 100, got %v", claim["paid"])
	}
	balance := get("/assets/RWD/accounts/alice/balance")
	if balance["balance"] != "100" {
		testContext.Fatalf("expected reward balance 100, got %v", balance["balance"])
	}

	// Unstaking returns the deposit and zeroes the ve projection.
	post("/unstake", aliceToken, map[string]any{"method_id": "flexible", "amount": "1000000"})
	stakeBalance := get("/assets/STK/accounts/alice/balance")
	if stakeBalance["balance"] != "1000000" {
		testContext.Fatalf("expected returned stake, got %v", stakeBalance["balance"])
	}
	zeroed := get(fmt.Sprintf("/accounts/alice/ve?at=%d", clock.nowSec))
	if zeroed["ve"] != "0" {
		testContext.Fatalf("expected zero ve after unstake, got %v", zeroed["ve"])
	}
}

func mustToken(testContext *testing.T, issuer *auth.TokenIssuer, account string, roles ...string) string {
	testContext.Helper()
	signed, _, err := issuer.IssueCallerToken(account, roles)
	if err != nil {
		testContext.Fatalf("failed to issue token for %s: %v", account, err)
	}
	return signed
}
