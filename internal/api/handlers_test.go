package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/leon-biju/trading-simulator/internal/calendar"
	"github.com/leon-biju/trading-simulator/internal/config"
	"github.com/leon-biju/trading-simulator/internal/engine"
	"github.com/leon-biju/trading-simulator/internal/fx"
	"github.com/leon-biju/trading-simulator/internal/ledger"
	"github.com/leon-biju/trading-simulator/internal/models"
	"github.com/leon-biju/trading-simulator/internal/portfolio"
	"github.com/leon-biju/trading-simulator/internal/simulation"
)

type unitRates struct{}

func (unitRates) Rate(from, to string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

var _ fx.RateSource = unitRates{}

type apiFixture struct {
	server *httptest.Server
	board  *simulation.Board
}

func setupAPI(t *testing.T) *apiFixture {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	err = db.AutoMigrate(&models.Exchange{}, &models.Asset{}, &models.Candle{},
		&models.Wallet{}, &models.Holding{}, &models.Order{}, &models.Fill{},
		&models.PortfolioSnapshot{})
	assert.NoError(t, err)

	assert.NoError(t, db.Create(&models.Exchange{
		Name: "Test Exchange", Code: "OPEN", Timezone: "UTC", Currency: "USD",
	}).Error)
	asset := models.Asset{Ticker: "AAPL", ExchangeCode: "OPEN", Currency: "USD", Active: true}
	assert.NoError(t, db.Create(&asset).Error)

	cal, err := calendar.New([]config.Exchange{{
		Code: "OPEN", Timezone: "UTC", Open: "00:00", Close: "23:59",
		Weekdays: []int{0, 1, 2, 3, 4, 5, 6}, Currency: "USD",
	}})
	assert.NoError(t, err)

	log := zap.NewNop()
	board := simulation.NewBoard()
	agg := simulation.NewAggregator(db, log)
	lgr := ledger.New(db, log, "USD", decimal.NewFromInt(1000))
	matcher, err := engine.NewMatcher(db, log, lgr, board, agg, cal,
		[]models.Asset{asset}, 0.001, 30)
	assert.NoError(t, err)
	pf := portfolio.NewService(db, log, board, unitRates{}, "USD")

	board.Publish("AAPL", decimal.NewFromInt(10), time.Now().UTC())

	srv := httptest.NewServer(NewServer(log, db, matcher, board, agg, cal, pf).Router())
	t.Cleanup(srv.Close)
	return &apiFixture{server: srv, board: board}
}

func postOrder(t *testing.T, f *apiFixture, body map[string]any) (*http.Response, OrderResponse) {
	raw, err := json.Marshal(body)
	assert.NoError(t, err)
	resp, err := http.Post(f.server.URL+"/api/orders", "application/json", bytes.NewReader(raw))
	assert.NoError(t, err)
	var out OrderResponse
	if resp.StatusCode == http.StatusCreated {
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	resp.Body.Close()
	return resp, out
}

func TestPlaceOrderEndpoint(t *testing.T) {
	f := setupAPI(t)

	resp, out := postOrder(t, f, map[string]any{
		"user_id": 1, "ticker": "AAPL", "side": "BUY", "type": "MARKET", "quantity": "5",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, models.OrderStatusFilled, out.Order.Status)
	assert.Len(t, out.Fills, 1)
}

func TestPlaceOrderEndpoint_Errors(t *testing.T) {
	f := setupAPI(t)

	// Malformed body.
	resp, err := http.Post(f.server.URL+"/api/orders", "application/json",
		bytes.NewReader([]byte("{")))
	assert.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Missing user.
	resp, _ = postOrder(t, f, map[string]any{
		"ticker": "AAPL", "side": "BUY", "type": "MARKET", "quantity": "5",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown asset.
	resp, _ = postOrder(t, f, map[string]any{
		"user_id": 1, "ticker": "NOPE", "side": "BUY", "type": "MARKET", "quantity": "5",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Zero quantity.
	resp, _ = postOrder(t, f, map[string]any{
		"user_id": 1, "ticker": "AAPL", "side": "BUY", "type": "LIMIT",
		"quantity": "0", "limit_price": "10",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Insufficient funds.
	resp, _ = postOrder(t, f, map[string]any{
		"user_id": 1, "ticker": "AAPL", "side": "BUY", "type": "LIMIT",
		"quantity": "1000", "limit_price": "10",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// Selling with no position.
	resp, _ = postOrder(t, f, map[string]any{
		"user_id": 1, "ticker": "AAPL", "side": "SELL", "type": "LIMIT",
		"quantity": "5", "limit_price": "10",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestCancelOrderEndpoint(t *testing.T) {
	f := setupAPI(t)

	_, out := postOrder(t, f, map[string]any{
		"user_id": 1, "ticker": "AAPL", "side": "BUY", "type": "LIMIT",
		"quantity": "5", "limit_price": "9",
	})
	assert.Equal(t, models.OrderStatusPending, out.Order.Status)

	req, _ := http.NewRequest(http.MethodDelete, f.server.URL+"/api/orders/"+out.Order.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	assert.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Cancelling again conflicts.
	resp, err = http.DefaultClient.Do(req)
	assert.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Unknown order.
	req, _ = http.NewRequest(http.MethodDelete, f.server.URL+"/api/orders/missing", nil)
	resp, err = http.DefaultClient.Do(req)
	assert.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetOrderEndpoint(t *testing.T) {
	f := setupAPI(t)

	_, out := postOrder(t, f, map[string]any{
		"user_id": 1, "ticker": "AAPL", "side": "BUY", "type": "MARKET", "quantity": "5",
	})

	resp, err := http.Get(f.server.URL + "/api/orders/" + out.Order.ID)
	assert.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got OrderResponse
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, out.Order.ID, got.Order.ID)
	assert.Len(t, got.Fills, 1)
}

func TestPriceEndpoint(t *testing.T) {
	f := setupAPI(t)

	resp, err := http.Get(f.server.URL + "/api/assets/AAPL/price")
	assert.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "AAPL", body["ticker"])

	resp, err = http.Get(f.server.URL + "/api/assets/MSFT/price")
	assert.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCandlesEndpoint_BadInterval(t *testing.T) {
	f := setupAPI(t)

	resp, err := http.Get(f.server.URL + "/api/assets/AAPL/candles?interval=7")
	assert.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/api/assets/AAPL/candles?interval=60")
	assert.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPortfolioEndpoint(t *testing.T) {
	f := setupAPI(t)

	// Buying creates the wallet and position the portfolio reports.
	postOrder(t, f, map[string]any{
		"user_id": 1, "ticker": "AAPL", "side": "BUY", "type": "MARKET", "quantity": "10",
	})

	resp, err := http.Get(f.server.URL + "/api/users/1/portfolio")
	assert.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var v portfolio.Valuation
	assert.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.Len(t, v.Positions, 1)
	assert.Equal(t, "AAPL", v.Positions[0].Ticker)

	resp, err = http.Get(f.server.URL + "/api/users/abc/portfolio")
	assert.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := setupAPI(t)

	resp, err := http.Get(f.server.URL + "/healthz")
	assert.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/metrics")
	assert.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
