package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/papertrade/papertrade/internal/engine"
	"github.com/papertrade/papertrade/internal/prices"
	"github.com/papertrade/papertrade/internal/rate"
	"github.com/papertrade/papertrade/internal/store"
)

func newTestRouter(t *testing.T, limiter rate.Limiter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemory()
	oracle := prices.NewFixedOracle()
	eng := engine.New(st, oracle, slog.Default(), nil)

	router := gin.New()
	New(eng, st, oracle, slog.Default(), limiter).Register(router)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func createUser(t *testing.T, router *gin.Engine, username string) {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/users", gin.H{"username": username})
	if rec.Code != http.StatusOK {
		t.Fatalf("create user: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestCreateUserReturnsStartingBalance(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/users", gin.H{"username": "  Alice ", "phone_number": "+15551234"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["usd_balance_cents"].(float64) != 1_000_000 {
		t.Fatalf("unexpected starting balance: %v", body["usd_balance_cents"])
	}
	user := body["user"].(map[string]any)
	if user["username"] != "alice" {
		t.Fatalf("username not normalized: %v", user["username"])
	}
	if user["phone_number"] != "+15551234" {
		t.Fatalf("phone not stored: %v", user["phone_number"])
	}
}

func TestCreateUserRequiresUsername(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/users", gin.H{"username": "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
	if decodeBody(t, rec)["code"] != "INVALID_REQUEST" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestLookupUser(t *testing.T) {
	router := newTestRouter(t, nil)
	createUser(t, router, "alice")

	rec := doJSON(t, router, http.MethodGet, "/api/users/alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if decodeBody(t, rec)["exists"] != true {
		t.Fatalf("expected exists=true: %s", rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/api/users/ghost", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if decodeBody(t, rec)["exists"] != false {
		t.Fatalf("expected exists=false: %s", rec.Body.String())
	}
}

func TestLookupUserByPhone(t *testing.T) {
	router := newTestRouter(t, nil)
	rec := doJSON(t, router, http.MethodPost, "/api/users", gin.H{"username": "alice", "phone_number": "+15551234"})
	if rec.Code != http.StatusOK {
		t.Fatalf("create user: %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/users/by-phone?phone=%2B15551234", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["exists"] != true {
		t.Fatalf("expected exists=true: %s", rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/api/users/by-phone", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing phone param: status %d", rec.Code)
	}
}

func TestBuyHappyPath(t *testing.T) {
	router := newTestRouter(t, nil)
	createUser(t, router, "alice")

	rec := doJSON(t, router, http.MethodPost, "/api/trade/buy", gin.H{
		"username":   "alice",
		"symbol":     "btc",
		"usd_amount": 100,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["qty"] != "0.002" {
		t.Fatalf("unexpected qty: %v", body["qty"])
	}
	if body["price_usd"] != "50000" {
		t.Fatalf("unexpected price: %v", body["price_usd"])
	}
	if body["usd_balance_cents"].(float64) != 990_000 {
		t.Fatalf("unexpected balance: %v", body["usd_balance_cents"])
	}
}

func TestBuyUnknownUserIs404(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doJSON(t, router, http.MethodPost, "/api/trade/buy", gin.H{
		"username":   "ghost",
		"symbol":     "BTC",
		"usd_amount": 100,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d body %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["code"] != "USER_NOT_FOUND" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestBuyRejectsBadSymbolAndAmount(t *testing.T) {
	router := newTestRouter(t, nil)
	createUser(t, router, "alice")

	rec := doJSON(t, router, http.MethodPost, "/api/trade/buy", gin.H{
		"username":   "alice",
		"symbol":     "DOGE",
		"usd_amount": 100,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad symbol: status %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/trade/buy", gin.H{
		"username":   "alice",
		"symbol":     "BTC",
		"usd_amount": -5,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative amount: status %d", rec.Code)
	}
	if decodeBody(t, rec)["code"] != "INVALID_AMOUNT" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/api/trade/buy", gin.H{
		"username":   "alice",
		"symbol":     "BTC",
		"usd_amount": 5_000_000,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("insufficient funds: status %d", rec.Code)
	}
	if decodeBody(t, rec)["code"] != "INSUFFICIENT_USD" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestSellRoundTrip(t *testing.T) {
	router := newTestRouter(t, nil)
	createUser(t, router, "alice")

	rec := doJSON(t, router, http.MethodPost, "/api/trade/buy", gin.H{
		"username":   "alice",
		"symbol":     "BTC",
		"usd_amount": 100,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("buy: status %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/trade/sell", gin.H{
		"username": "alice",
		"symbol":   "BTC",
		"qty":      "0.001",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("sell: status %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["usd_received"] != "50" {
		t.Fatalf("unexpected usd_received: %v", body["usd_received"])
	}
	if body["usd_balance_cents"].(float64) != 995_000 {
		t.Fatalf("unexpected balance: %v", body["usd_balance_cents"])
	}

	// Oversell.
	rec = doJSON(t, router, http.MethodPost, "/api/trade/sell", gin.H{
		"username": "alice",
		"symbol":   "BTC",
		"qty":      "5",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("oversell: status %d", rec.Code)
	}
	if decodeBody(t, rec)["code"] != "INSUFFICIENT_HOLDINGS" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestBalanceAndTransactions(t *testing.T) {
	router := newTestRouter(t, nil)
	createUser(t, router, "alice")

	rec := doJSON(t, router, http.MethodPost, "/api/trade/buy", gin.H{
		"username":   "alice",
		"symbol":     "ETH",
		"usd_amount": 250,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("buy: status %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/balance/alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance: status %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["usd_balance_cents"].(float64) != 975_000 {
		t.Fatalf("unexpected balance: %v", body["usd_balance_cents"])
	}
	holdings := body["holdings"].([]any)
	if len(holdings) != 1 {
		t.Fatalf("unexpected holdings: %v", holdings)
	}
	h := holdings[0].(map[string]any)
	if h["symbol"] != "ETH" || h["amount"] != "0.1" {
		t.Fatalf("unexpected holding: %v", h)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/transactions/alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("transactions: status %d", rec.Code)
	}
	txns := decodeBody(t, rec)["transactions"].([]any)
	if len(txns) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txns))
	}
	txn := txns[0].(map[string]any)
	if txn["direction"] != "BUY" || txn["symbol"] != "ETH" || txn["usd_amount"] != "250" {
		t.Fatalf("unexpected transaction: %v", txn)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/balance/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown user balance: status %d", rec.Code)
	}
}

func TestPrices(t *testing.T) {
	router := newTestRouter(t, nil)

	rec := doJSON(t, router, http.MethodGet, "/api/prices", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	body := decodeBody(t, rec)
	quotes := body["prices"].(map[string]any)
	if quotes["BTC"] != "50000" || quotes["ETH"] != "2500" || quotes["SOL"] != "120" {
		t.Fatalf("unexpected quotes: %v", quotes)
	}
	if body["is_fake"] != true {
		t.Fatalf("quotes not flagged as fake")
	}
}

func TestTradeRateLimited(t *testing.T) {
	router := newTestRouter(t, rate.NewMemory(1, time.Minute))
	createUser(t, router, "alice")

	rec := doJSON(t, router, http.MethodPost, "/api/trade/buy", gin.H{
		"username":   "alice",
		"symbol":     "BTC",
		"usd_amount": 10,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("first trade: status %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/trade/buy", gin.H{
		"username":   "alice",
		"symbol":     "BTC",
		"usd_amount": 10,
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second trade: status %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
	if decodeBody(t, rec)["code"] != "RATE_LIMITED" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}
