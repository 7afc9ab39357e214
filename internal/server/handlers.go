package server

import (
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/vestake/internal/accounts"
	"github.com/MarcoPoloResearchLab/vestake/internal/staking"
	"github.com/MarcoPoloResearchLab/vestake/internal/token"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type methodPayload struct {
	MethodID      string `json:"method_id"`
	TokenSymbol   string `json:"token_symbol"`
	TokenDecimals uint8  `json:"token_decimals"`
	TotalVe       string `json:"total_ve"`
	CreatedAtSec  int64  `json:"created_at_s"`
	UpdatedAtSec  int64  `json:"updated_at_s"`
}

type segmentPayload struct {
	EffectiveFromSec int64  `json:"effective_from_s"`
	VePerDay         string `json:"ve_per_day"`
	TokenAmount      string `json:"token_amount"`
}

type positionPayload struct {
	MethodID      string `json:"method_id"`
	Amount        string `json:"amount"`
	AmountVe      string `json:"amount_ve"`
	LastUpdateSec int64  `json:"last_update_s"`
}

func methodToPayload(method staking.Method) methodPayload {
	return methodPayload{
		MethodID:      method.MethodID,
		TokenSymbol:   method.TokenSymbol,
		TokenDecimals: method.TokenDecimals,
		TotalVe:       method.TotalVe,
		CreatedAtSec:  method.CreatedAtSec,
		UpdatedAtSec:  method.UpdatedAtSec,
	}
}

func (h *httpHandler) handleListMethods(c *gin.Context) {
	methods, err := h.staking.Methods()
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]methodPayload, 0, len(methods))
	for _, method := range methods {
		payload = append(payload, methodToPayload(method))
	}
	c.JSON(http.StatusOK, gin.H{"methods": payload})
}

func (h *httpHandler) handleMethodDetail(c *gin.Context) {
	methodID, err := staking.NewMethodID(c.Param("method"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	method, segments, err := h.staking.MethodDetail(methodID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	segmentPayloads := make([]segmentPayload, 0, len(segments))
	for _, segment := range segments {
		segmentPayloads = append(segmentPayloads, segmentPayload{
			EffectiveFromSec: segment.EffectiveFromSec,
			VePerDay:         segment.VePerDay,
			TokenAmount:      segment.TokenAmount,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"method":   methodToPayload(method),
		"segments": segmentPayloads,
	})
}

func (h *httpHandler) handleAccountPositions(c *gin.Context) {
	account, err := accounts.NewAddress(c.Param("account"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	positions, err := h.staking.Positions(account.String())
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := make([]positionPayload, 0, len(positions))
	for _, position := range positions {
		payload = append(payload, positionPayload{
			MethodID:      position.MethodID,
			Amount:        position.Amount,
			AmountVe:      position.AmountVe,
			LastUpdateSec: position.LastUpdateSec,
		})
	}
	c.JSON(http.StatusOK, gin.H{"account": account.String(), "positions": payload})
}

// atOrNow reads the optional ?at= query as unix seconds, defaulting to the
// ledger's current time.
func (h *httpHandler) atOrNow(c *gin.Context) (int64, bool) {
	raw := strings.TrimSpace(c.Query("at"))
	if raw == "" {
		return h.staking.NowSec(), true
	}
	at, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || at < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return 0, false
	}
	return at, true
}

func (h *httpHandler) handleAccountVe(c *gin.Context) {
	account, err := accounts.NewAddress(c.Param("account"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	at, ok := h.atOrNow(c)
	if !ok {
		return
	}
	balance, err := h.staking.AccountVe(account.String(), at)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account": account.String(),
		"at_s":    at,
		"ve":      balance.String(),
	})
}

func (h *httpHandler) handleTotalVe(c *gin.Context) {
	at, ok := h.atOrNow(c)
	if !ok {
		return
	}
	total, err := h.staking.TotalVe(at)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"at_s": at, "ve": total.String()})
}

func (h *httpHandler) handleEpochAt(c *gin.Context) {
	raw := strings.TrimSpace(c.Query("ts"))
	ts := h.staking.NowSec()
	if raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
			return
		}
		ts = parsed
	}
	c.JSON(http.StatusOK, gin.H{"ts_s": ts, "epoch": h.clock.EpochAt(ts)})
}

func (h *httpHandler) handleEpochStart(c *gin.Context) {
	epochIndex, err := strconv.ParseInt(c.Param("epoch"), 10, 64)
	if err != nil || epochIndex < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	c.JSON(http.StatusOK, gin.H{"epoch": epochIndex, "start_s": h.clock.StartOf(epochIndex)})
}

func (h *httpHandler) handleEngineState(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	state, err := engine.State()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"engine_id":     state.EngineID,
		"reward_symbol": state.RewardSymbol,
		"current_epoch": state.CurrentEpoch,
		"min_reward":    state.MinReward,
		"min_epochs":    state.MinEpochs,
		"max_epochs":    state.MaxEpochs,
	})
}

func (h *httpHandler) handleUnclaimedReward(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	account, err := accounts.NewAddress(c.Param("account"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	targetEpoch := h.clock.EpochAt(h.staking.NowSec())
	if raw := strings.TrimSpace(c.Query("epoch")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
			return
		}
		targetEpoch = parsed
	}
	unclaimed, err := engine.UnclaimedReward(account.String(), targetEpoch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account":   account.String(),
		"epoch":     targetEpoch,
		"unclaimed": unclaimed.String(),
	})
}

func (h *httpHandler) handleTokenBalance(c *gin.Context) {
	symbol, err := token.NewSymbol(c.Param("symbol"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	account, err := accounts.NewAddress(c.Param("account"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var balance *big.Int
	err = h.staking.Serialize(func(tx *gorm.DB) error {
		var err error
		balance, err = h.tokens.BalanceOf(tx, symbol, account.String())
		return err
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":  symbol.String(),
		"account": account.String(),
		"balance": balance.String(),
	})
}

type stakeRequestPayload struct {
	Account  string `json:"account"`
	MethodID string `json:"method_id"`
	Amount   string `json:"amount"`
}

func parsePositiveAmount(raw string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, false
	}
	return amount, true
}

func (h *httpHandler) handleStake(c *gin.Context) {
	claims, ok := h.caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	var request stakeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	caller, err := accounts.NewAddress(claims.Account())
	if err != nil {
		h.respondError(c, err)
		return
	}
	// Anyone may stake on behalf of any account; default to self.
	beneficiary := caller
	if strings.TrimSpace(request.Account) != "" {
		beneficiary, err = accounts.NewAddress(request.Account)
		if err != nil {
			h.respondError(c, err)
			return
		}
	}
	methodID, err := staking.NewMethodID(request.MethodID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	amount, ok := parsePositiveAmount(request.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	if err := h.staking.Stake(caller, beneficiary, methodID, amount); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "staked"})
}

type unstakeRequestPayload struct {
	MethodID string `json:"method_id"`
	Amount   string `json:"amount"`
}

// handleUnstake withdraws for the caller only. Unstaking zeroes the caller's
// ve-balance everywhere, so the account is always the token subject, never a
// request field.
func (h *httpHandler) handleUnstake(c *gin.Context) {
	claims, ok := h.caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	var request unstakeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	account, err := accounts.NewAddress(claims.Account())
	if err != nil {
		h.respondError(c, err)
		return
	}
	methodID, err := staking.NewMethodID(request.MethodID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	amount, ok := parsePositiveAmount(request.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	if err := h.staking.Unstake(account, methodID, amount); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unstaked"})
}

func (h *httpHandler) handleVeTransfer(c *gin.Context) {
	h.respondError(c, staking.ErrTransferDisabled)
}

type distributeRequestPayload struct {
	Amount     string `json:"amount"`
	EpochStart int64  `json:"epoch_start"`
	EpochNum   int64  `json:"epoch_num"`
}

func (h *httpHandler) handleDistribute(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	claims, ok := h.caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	var request distributeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	amount, ok := parsePositiveAmount(request.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	funder, err := accounts.NewAddress(claims.Account())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := engine.Distribute(funder.String(), amount, request.EpochStart, request.EpochNum); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "distributed"})
}

type claimRequestPayload struct {
	Account     string `json:"account"`
	TargetEpoch int64  `json:"target_epoch"`
}

func (h *httpHandler) handleClaim(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	claims, ok := h.caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	var request claimRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	// Anyone may trigger a claim; the payout always lands on the account.
	beneficiary := claims.Account()
	if strings.TrimSpace(request.Account) != "" {
		account, err := accounts.NewAddress(request.Account)
		if err != nil {
			h.respondError(c, err)
			return
		}
		beneficiary = account.String()
	}
	targetEpoch := request.TargetEpoch
	if targetEpoch <= 0 {
		targetEpoch = math.MaxInt64
	}
	paid, err := engine.Claim(beneficiary, targetEpoch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": beneficiary, "paid": paid.String()})
}

type updateEpochRequestPayload struct {
	TargetEpoch int64 `json:"target_epoch"`
}

func (h *httpHandler) handleUpdateEpoch(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	var request updateEpochRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	targetEpoch := request.TargetEpoch
	if targetEpoch <= 0 {
		targetEpoch = math.MaxInt64
	}
	if err := engine.UpdateEpoch(targetEpoch); err != nil {
		h.respondError(c, err)
		return
	}
	state, err := engine.State()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"current_epoch": state.CurrentEpoch})
}

type registerAssetRequestPayload struct {
	Symbol       string `json:"symbol"`
	Decimals     uint8  `json:"decimals"`
	FeeBps       int64  `json:"fee_bps"`
	FeeCollector string `json:"fee_collector"`
}

func (h *httpHandler) handleRegisterAsset(c *gin.Context) {
	var request registerAssetRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	symbol, err := token.NewSymbol(request.Symbol)
	if err != nil {
		h.respondError(c, err)
		return
	}
	err = h.staking.Serialize(func(tx *gorm.DB) error {
		if err := h.tokens.Register(tx, symbol, request.Decimals, request.FeeBps, request.FeeCollector); err != nil {
			return err
		}
		return h.exemptCustodyAccounts(tx, symbol)
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "registered", "symbol": symbol.String()})
}

// exemptCustodyAccounts marks the staking and reward custody accounts
// fee-exempt for the asset, inside the registration transaction. Custody
// legs must move exact amounts or deposits become unrecoverable on
// fee-charging assets.
func (h *httpHandler) exemptCustodyAccounts(tx *gorm.DB, symbol token.Symbol) error {
	if err := h.tokens.SetExempt(tx, symbol, staking.CustodyAccount, true); err != nil {
		return err
	}
	for _, engine := range h.engines {
		if err := h.tokens.SetExempt(tx, symbol, engine.CustodyAccount(), true); err != nil {
			return err
		}
	}
	return nil
}

type mintRequestPayload struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

func (h *httpHandler) handleMint(c *gin.Context) {
	symbol, err := token.NewSymbol(c.Param("symbol"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var request mintRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	account, err := accounts.NewAddress(request.Account)
	if err != nil {
		h.respondError(c, err)
		return
	}
	amount, ok := parsePositiveAmount(request.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	err = h.staking.Serialize(func(tx *gorm.DB) error {
		return h.tokens.Mint(tx, symbol, account.String(), amount)
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "minted"})
}

type exemptionRequestPayload struct {
	Account string `json:"account"`
	Exempt  bool   `json:"exempt"`
}

func (h *httpHandler) handleSetExemption(c *gin.Context) {
	symbol, err := token.NewSymbol(c.Param("symbol"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var request exemptionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	account, err := accounts.NewAddress(request.Account)
	if err != nil {
		h.respondError(c, err)
		return
	}
	err = h.staking.Serialize(func(tx *gorm.DB) error {
		return h.tokens.SetExempt(tx, symbol, account.String(), request.Exempt)
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

type registerMethodRequestPayload struct {
	MethodID         string `json:"method_id"`
	Symbol           string `json:"symbol"`
	VePerDay         string `json:"ve_per_day"`
	EffectiveFromSec int64  `json:"effective_from_s"`
}

func (h *httpHandler) handleRegisterMethod(c *gin.Context) {
	var request registerMethodRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	methodID, err := staking.NewMethodID(request.MethodID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	symbol, err := token.NewSymbol(request.Symbol)
	if err != nil {
		h.respondError(c, err)
		return
	}
	vePerDay, ok := new(big.Int).SetString(strings.TrimSpace(request.VePerDay), 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	if err := h.staking.RegisterMethod(methodID, symbol, vePerDay, request.EffectiveFromSec); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "registered", "method_id": methodID.String()})
}

type setRateRequestPayload struct {
	VePerDay         string `json:"ve_per_day"`
	EffectiveFromSec int64  `json:"effective_from_s"`
}

func (h *httpHandler) handleSetRate(c *gin.Context) {
	methodID, err := staking.NewMethodID(c.Param("method"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var request setRateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	vePerDay, ok := new(big.Int).SetString(strings.TrimSpace(request.VePerDay), 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	if err := h.staking.SetRate(methodID, vePerDay, request.EffectiveFromSec); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

type setBoundsRequestPayload struct {
	MinReward string `json:"min_reward"`
	MinEpochs int64  `json:"min_epochs"`
	MaxEpochs int64  `json:"max_epochs"`
}

func (h *httpHandler) handleSetBounds(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	var request setBoundsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	minReward, ok := new(big.Int).SetString(strings.TrimSpace(request.MinReward), 10)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCodeInvalidRequest})
		return
	}
	if err := engine.SetBounds(minReward, request.MinEpochs, request.MaxEpochs); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (h *httpHandler) handleEnableEngine(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	if err := h.staking.AddSettler(engine); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "enabled"})
}

func (h *httpHandler) handleDisableEngine(c *gin.Context) {
	engine, ok := h.engine(c)
	if !ok {
		return
	}
	if err := h.staking.RemoveSettler(engine.ID()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

func (h *httpHandler) handleActiveAccounts(c *gin.Context) {
	memberships, err := h.staking.ListActiveAccounts()
	if err != nil {
		h.respondError(c, err)
		return
	}
	active := make([]gin.H, 0, len(memberships))
	for _, membership := range memberships {
		active = append(active, gin.H{
			"account":           membership.Account,
			"first_staked_at_s": membership.FirstStakedAtSec,
			"last_active_at_s":  membership.LastActiveAtSec,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": active})
}
