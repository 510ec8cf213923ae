package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/papertrade/papertrade/internal/engine"
	"github.com/papertrade/papertrade/internal/prices"
	"github.com/papertrade/papertrade/internal/rate"
	"github.com/papertrade/papertrade/internal/store"
	"github.com/shopspring/decimal"
)

// Handler owns the HTTP surface. It validates and normalizes inputs and maps
// domain rejections to status codes; settlement semantics live in the engine.
type Handler struct {
	Engine  *engine.Engine
	Store   store.Store
	Oracle  *prices.FixedOracle
	Logger  *slog.Logger
	Limiter rate.Limiter
}

func New(eng *engine.Engine, st store.Store, oracle *prices.FixedOracle, logger *slog.Logger, limiter rate.Limiter) *Handler {
	return &Handler{Engine: eng, Store: st, Oracle: oracle, Logger: logger, Limiter: limiter}
}

func (h *Handler) Register(r *gin.Engine) {
	api := r.Group("/api")
	api.POST("/users", h.CreateUser)
	api.GET("/users/by-phone", h.UserByPhone)
	api.GET("/users/:username", h.LookupUser)
	api.GET("/balance/:username", h.Balance)
	api.GET("/transactions/:username", h.Transactions)
	api.GET("/prices", h.Prices)
	api.POST("/trade/buy", h.Buy)
	api.POST("/trade/sell", h.Sell)
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type userResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Phone    string `json:"phone_number,omitempty"`
}

type createUserRequest struct {
	Username string `json:"username"`
	Phone    string `json:"phone_number"`
}

type createUserResponse struct {
	User            userResponse `json:"user"`
	USDBalanceCents int64        `json:"usd_balance_cents"`
}

func (h *Handler) CreateUser(c *gin.Context) {
	var req createUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "expected { username: string }"})
		return
	}
	username := normalizeUsername(req.Username)
	if username == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "username is required"})
		return
	}

	provisioned, err := h.Engine.EnsureProvisioned(c.Request.Context(), username, strings.TrimSpace(req.Phone))
	if err != nil {
		h.writeError(c, "provision user", err)
		return
	}

	c.JSON(http.StatusOK, createUserResponse{
		User:            toUserResponse(provisioned.User),
		USDBalanceCents: provisioned.BalanceCents,
	})
}

type lookupResponse struct {
	Exists bool          `json:"exists"`
	User   *userResponse `json:"user,omitempty"`
}

func (h *Handler) LookupUser(c *gin.Context) {
	username := normalizeUsername(c.Param("username"))

	user, err := h.Store.GetUser(c.Request.Context(), username)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusOK, lookupResponse{Exists: false})
			return
		}
		h.writeError(c, "lookup user", err)
		return
	}

	resp := toUserResponse(*user)
	c.JSON(http.StatusOK, lookupResponse{Exists: true, User: &resp})
}

func (h *Handler) UserByPhone(c *gin.Context) {
	phone := strings.TrimSpace(c.Query("phone"))
	if phone == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "query param 'phone' is required"})
		return
	}

	user, err := h.Store.GetUserByPhone(c.Request.Context(), phone)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusOK, lookupResponse{Exists: false})
			return
		}
		h.writeError(c, "lookup user by phone", err)
		return
	}

	resp := toUserResponse(*user)
	c.JSON(http.StatusOK, lookupResponse{Exists: true, User: &resp})
}

type holdingResponse struct {
	Symbol string `json:"symbol"`
	Amount string `json:"amount"`
}

type balanceResponse struct {
	Username            string            `json:"username"`
	USDBalanceCents     int64             `json:"usd_balance_cents"`
	Holdings            []holdingResponse `json:"holdings"`
	PortfolioValueCents int64             `json:"portfolio_value_cents"`
}

func (h *Handler) Balance(c *gin.Context) {
	username := normalizeUsername(c.Param("username"))

	balance, err := h.Engine.GetBalance(c.Request.Context(), username)
	if err != nil {
		h.writeError(c, "get balance", err)
		return
	}

	holdings := make([]holdingResponse, 0, len(balance.Holdings))
	for _, holding := range balance.Holdings {
		holdings = append(holdings, holdingResponse{
			Symbol: string(holding.Symbol),
			Amount: holding.Quantity.String(),
		})
	}

	c.JSON(http.StatusOK, balanceResponse{
		Username:            balance.Username,
		USDBalanceCents:     balance.BalanceCents,
		Holdings:            holdings,
		PortfolioValueCents: balance.PortfolioValueCents,
	})
}

type transactionResponse struct {
	ID        string `json:"id"`
	Direction string `json:"direction"`
	Symbol    string `json:"symbol"`
	PriceUSD  string `json:"price_usd"`
	Quantity  string `json:"qty"`
	USDAmount string `json:"usd_amount"`
	CreatedAt string `json:"created_at"`
}

func (h *Handler) Transactions(c *gin.Context) {
	username := normalizeUsername(c.Param("username"))

	txns, err := h.Engine.ListTransactions(c.Request.Context(), username)
	if err != nil {
		h.writeError(c, "list transactions", err)
		return
	}

	out := make([]transactionResponse, 0, len(txns))
	for _, txn := range txns {
		out = append(out, transactionResponse{
			ID:        txn.ID.String(),
			Direction: string(txn.Direction),
			Symbol:    string(txn.Symbol),
			PriceUSD:  txn.PriceUSD.String(),
			Quantity:  txn.Quantity.String(),
			USDAmount: txn.AmountUSD.String(),
			CreatedAt: txn.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, gin.H{"username": username, "transactions": out})
}

func (h *Handler) Prices(c *gin.Context) {
	quotes := map[string]string{}
	for _, q := range h.Oracle.All() {
		quotes[string(q.Symbol)] = q.PriceUSD.String()
	}
	c.JSON(http.StatusOK, gin.H{
		"prices":    quotes,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"is_fake":   true,
	})
}

type buyRequest struct {
	Username  string      `json:"username"`
	Symbol    string      `json:"symbol"`
	USDAmount json.Number `json:"usd_amount"`
}

type buyResponse struct {
	OK              bool   `json:"ok"`
	Symbol          string `json:"symbol"`
	PriceUSD        string `json:"price_usd"`
	Qty             string `json:"qty"`
	USDSpent        string `json:"usd_spent"`
	USDBalanceCents int64  `json:"usd_balance_cents"`
}

func (h *Handler) Buy(c *gin.Context) {
	var req buyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "expected { username: string, symbol: BTC|ETH|SOL, usd_amount: number }"})
		return
	}

	username := normalizeUsername(req.Username)
	if username == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "username is required"})
		return
	}
	symbol, err := prices.ParseSymbol(req.Symbol)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "symbol must be one of BTC, ETH, SOL"})
		return
	}
	// Decoded via json.Number to keep the caller's decimal literal exact.
	usdAmount, err := decimal.NewFromString(req.USDAmount.String())
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_AMOUNT", Message: "usd_amount must be a valid number"})
		return
	}

	if !h.allow(c, username) {
		return
	}

	result, err := h.Engine.Buy(c.Request.Context(), username, symbol, usdAmount)
	if err != nil {
		h.writeError(c, "buy", err)
		return
	}

	c.JSON(http.StatusOK, buyResponse{
		OK:              true,
		Symbol:          string(result.Symbol),
		PriceUSD:        result.PriceUSD.String(),
		Qty:             result.Quantity.String(),
		USDSpent:        result.USDSpent.String(),
		USDBalanceCents: result.NewBalanceCents,
	})
}

type sellRequest struct {
	Username string `json:"username"`
	Symbol   string `json:"symbol"`
	Qty      string `json:"qty"`
}

type sellResponse struct {
	OK              bool   `json:"ok"`
	Symbol          string `json:"symbol"`
	PriceUSD        string `json:"price_usd"`
	QtySold         string `json:"qty_sold"`
	USDReceived     string `json:"usd_received"`
	USDBalanceCents int64  `json:"usd_balance_cents"`
}

func (h *Handler) Sell(c *gin.Context) {
	var req sellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "expected { username: string, symbol: BTC|ETH|SOL, qty: string }"})
		return
	}

	username := normalizeUsername(req.Username)
	if username == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "username is required"})
		return
	}
	symbol, err := prices.ParseSymbol(req.Symbol)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "symbol must be one of BTC, ETH, SOL"})
		return
	}
	// Quantities arrive as decimal strings; a float literal would lose
	// precision before the engine ever sees it.
	qty, err := decimal.NewFromString(strings.TrimSpace(req.Qty))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_AMOUNT", Message: "qty must be a valid positive number"})
		return
	}

	if !h.allow(c, username) {
		return
	}

	result, err := h.Engine.Sell(c.Request.Context(), username, symbol, qty)
	if err != nil {
		h.writeError(c, "sell", err)
		return
	}

	c.JSON(http.StatusOK, sellResponse{
		OK:              true,
		Symbol:          string(result.Symbol),
		PriceUSD:        result.PriceUSD.String(),
		QtySold:         result.QuantitySold.String(),
		USDReceived:     result.USDReceived.String(),
		USDBalanceCents: result.NewBalanceCents,
	})
}

func (h *Handler) allow(c *gin.Context, username string) bool {
	if h.Limiter == nil {
		return true
	}
	allowed, retryAfter, err := h.Limiter.Allow(c.Request.Context(), username, time.Now())
	if err != nil {
		h.Logger.Error("rate limiter failed", "error", err)
		return true
	}
	if !allowed {
		c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
		c.JSON(http.StatusTooManyRequests, errorResponse{Code: "RATE_LIMITED", Message: "too many trades, slow down"})
		return false
	}
	return true
}

func (h *Handler) writeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, store.ErrUserNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Code: "USER_NOT_FOUND", Message: "user not found"})
	case errors.Is(err, store.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Code: "ACCOUNT_NOT_FOUND", Message: "account not found"})
	case errors.Is(err, engine.ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INSUFFICIENT_USD", Message: "insufficient usd balance"})
	case errors.Is(err, engine.ErrInsufficientHoldings):
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INSUFFICIENT_HOLDINGS", Message: "insufficient holdings"})
	case errors.Is(err, engine.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_AMOUNT", Message: "amount must be a positive number"})
	case errors.Is(err, store.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, errorResponse{Code: "STORE_UNAVAILABLE", Message: "ledger temporarily unavailable"})
	default:
		h.Logger.Error(op+" failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
	}
}

func toUserResponse(user store.User) userResponse {
	return userResponse{
		ID:       user.ID.String(),
		Username: user.Username,
		Phone:    user.Phone,
	}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
