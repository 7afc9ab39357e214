package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/vestake/internal/auth"
	"github.com/MarcoPoloResearchLab/vestake/internal/epoch"
	"github.com/MarcoPoloResearchLab/vestake/internal/events"
	"github.com/MarcoPoloResearchLab/vestake/internal/rewards"
	"github.com/MarcoPoloResearchLab/vestake/internal/staking"
	"github.com/MarcoPoloResearchLab/vestake/internal/token"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	callerContextKey = "vestake_caller"

	errorCodeInvalidRequest = "invalid_request"
	errorCodeUnauthorized   = "unauthorized"
	errorCodeForbidden      = "forbidden"
	errorCodeNotFound       = "not_found"
	errorCodeConflict       = "conflict"
	errorCodeInternal       = "internal_error"
)

var (
	errMissingStakingService = errors.New("staking service dependency required")
	errMissingTokenService   = errors.New("token service dependency required")
	errMissingValidator      = errors.New("caller validator dependency required")
	errUnknownEngine         = errors.New("unknown reward engine")
)

// Dependencies wires the HTTP surface to the ledger collaborators.
type Dependencies struct {
	Staking   *staking.Service
	Tokens    *token.Service
	Engines   map[string]*rewards.Engine
	Validator *auth.CallerValidator
	Events    *events.Dispatcher
	Clock     epoch.Clock
	Logger    *zap.Logger
}

// NewHTTPHandler assembles the gin router. Reads are public; mutations
// require a caller token and administration additionally requires the admin
// role.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Staking == nil {
		return nil, errMissingStakingService
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenService
	}
	if deps.Validator == nil {
		return nil, errMissingValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		staking:   deps.Staking,
		tokens:    deps.Tokens,
		engines:   deps.Engines,
		validator: deps.Validator,
		events:    deps.Events,
		clock:     deps.Clock,
		logger:    logger,
	}

	router.GET("/methods", handler.handleListMethods)
	router.GET("/methods/:method", handler.handleMethodDetail)
	router.GET("/accounts/:account/positions", handler.handleAccountPositions)
	router.GET("/accounts/:account/ve", handler.handleAccountVe)
	router.GET("/ve/total", handler.handleTotalVe)
	router.GET("/epochs/at", handler.handleEpochAt)
	router.GET("/epochs/:epoch/start", handler.handleEpochStart)
	router.GET("/engines/:engine", handler.handleEngineState)
	router.GET("/engines/:engine/accounts/:account/unclaimed", handler.handleUnclaimedReward)
	router.GET("/assets/:symbol/accounts/:account/balance", handler.handleTokenBalance)
	router.GET("/events", handler.handleEventStream)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/stake", handler.handleStake)
	protected.POST("/unstake", handler.handleUnstake)
	protected.POST("/ve/transfer", handler.handleVeTransfer)
	protected.POST("/ve/approve", handler.handleVeTransfer)
	protected.POST("/engines/:engine/distribute", handler.handleDistribute)
	protected.POST("/engines/:engine/claim", handler.handleClaim)
	protected.POST("/engines/:engine/update-epoch", handler.handleUpdateEpoch)

	admin := router.Group("/admin")
	admin.Use(handler.authorizeRequest, handler.requireAdmin)
	admin.POST("/assets", handler.handleRegisterAsset)
	admin.POST("/assets/:symbol/mint", handler.handleMint)
	admin.POST("/assets/:symbol/exemptions", handler.handleSetExemption)
	admin.POST("/methods", handler.handleRegisterMethod)
	admin.POST("/methods/:method/rate", handler.handleSetRate)
	admin.POST("/engines/:engine/bounds", handler.handleSetBounds)
	admin.POST("/engines/:engine/enable", handler.handleEnableEngine)
	admin.POST("/engines/:engine/disable", handler.handleDisableEngine)
	admin.GET("/accounts/active", handler.handleActiveAccounts)

	return router, nil
}

type httpHandler struct {
	staking   *staking.Service
	tokens    *token.Service
	engines   map[string]*rewards.Engine
	validator *auth.CallerValidator
	events    *events.Dispatcher
	clock     epoch.Clock
	logger    *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("caller token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errorCodeUnauthorized})
		return
	}
	c.Set(callerContextKey, claims)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	claims, ok := h.caller(c)
	if !ok || !claims.HasRole(auth.RoleAdmin) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": errorCodeForbidden})
		return
	}
	c.Next()
}

func (h *httpHandler) caller(c *gin.Context) (auth.CallerClaims, bool) {
	value, exists := c.Get(callerContextKey)
	if !exists {
		return auth.CallerClaims{}, false
	}
	claims, ok := value.(auth.CallerClaims)
	return claims, ok
}

func (h *httpHandler) engine(c *gin.Context) (*rewards.Engine, bool) {
	engine, ok := h.engines[c.Param("engine")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": errorCodeNotFound})
		return nil, false
	}
	return engine, true
}

// respondError maps domain sentinels onto HTTP statuses. Unrecognized
// failures stay opaque 500s; staking service codes ride along when present.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := errorCodeInternal

	switch {
	case errors.Is(err, staking.ErrMethodNotFound),
		errors.Is(err, token.ErrUnknownAsset),
		errors.Is(err, errUnknownEngine):
		status, code = http.StatusNotFound, errorCodeNotFound
	case errors.Is(err, staking.ErrTransferDisabled):
		status, code = http.StatusForbidden, "transfer_disabled"
	case errors.Is(err, staking.ErrZeroAmount),
		errors.Is(err, staking.ErrInvalidMethodID),
		errors.Is(err, token.ErrInvalidAmount),
		errors.Is(err, token.ErrInvalidSymbol),
		errors.Is(err, token.ErrInvalidFee),
		errors.Is(err, rewards.ErrInvalidAmount),
		errors.Is(err, rewards.ErrInvalidBounds),
		errors.Is(err, rewards.ErrEpochCountBelowMin),
		errors.Is(err, rewards.ErrEpochCountAboveMax),
		errors.Is(err, rewards.ErrRewardBelowMin):
		status, code = http.StatusBadRequest, errorCodeInvalidRequest
	case errors.Is(err, staking.ErrInsufficientBalance),
		errors.Is(err, token.ErrInsufficientFunds),
		errors.Is(err, token.ErrAssetExists),
		errors.Is(err, staking.ErrMethodExists),
		errors.Is(err, staking.ErrSettlerRegistered),
		errors.Is(err, staking.ErrSettlerNotRegistered),
		errors.Is(err, rewards.ErrEpochPassed):
		status, code = http.StatusConflict, errorCodeConflict
	}

	var serviceErr *staking.ServiceError
	if errors.As(err, &serviceErr) {
		c.JSON(status, gin.H{"error": code, "code": serviceErr.Code()})
		return
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(status, gin.H{"error": code})
		return
	}
	c.JSON(status, gin.H{"error": code, "detail": err.Error()})
}
