package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/leon-biju/trading-simulator/internal/models"
)

// PlaceOrderRequest is the JSON body accepted by POST /api/orders.
type PlaceOrderRequest struct {
	UserID     uint            `json:"user_id"`
	Ticker     string          `json:"ticker"`
	Side       string          `json:"side"`
	Type       string          `json:"type"`
	Quantity   decimal.Decimal `json:"quantity"`
	LimitPrice decimal.Decimal `json:"limit_price"`
}

// OrderResponse is an order with its fills attached.
type OrderResponse struct {
	Order models.Order  `json:"order"`
	Fills []models.Fill `json:"fills,omitempty"`
}

// PlaceOrder handles POST /api/orders.
func (s *Server) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == 0 {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	order, err := s.matcher.PlaceOrder(
		req.UserID,
		req.Ticker,
		models.OrderSide(req.Side),
		models.OrderType(req.Type),
		req.Quantity,
		req.LimitPrice,
	)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	fills, err := s.matcher.Fills(order.ID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, OrderResponse{Order: *order, Fills: fills})
}

// GetOrder handles GET /api/orders/{orderID}.
func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	order, err := s.matcher.GetOrder(orderID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	fills, err := s.matcher.Fills(orderID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OrderResponse{Order: *order, Fills: fills})
}

// CancelOrder handles DELETE /api/orders/{orderID}.
func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	order, err := s.matcher.CancelOrder(orderID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OrderResponse{Order: *order})
}

// ListOrders handles GET /api/users/{userID}/orders.
func (s *Server) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	orders, err := s.matcher.Orders(userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// ListAssets handles GET /api/assets.
func (s *Server) ListAssets(w http.ResponseWriter, r *http.Request) {
	var assets []models.Asset
	if err := s.db.Where("active = ?", true).Order("ticker asc").Find(&assets).Error; err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

// ListExchanges handles GET /api/exchanges, reporting each exchange's
// open/closed state at request time.
func (s *Server) ListExchanges(w http.ResponseWriter, r *http.Request) {
	var exchanges []models.Exchange
	if err := s.db.Order("code asc").Find(&exchanges).Error; err != nil {
		s.writeDomainError(w, err)
		return
	}

	type exchangeStatus struct {
		models.Exchange
		Open bool `json:"open"`
	}
	now := time.Now().UTC()
	out := make([]exchangeStatus, 0, len(exchanges))
	for _, ex := range exchanges {
		out = append(out, exchangeStatus{Exchange: ex, Open: s.cal.IsOpen(ex.Code, now)})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPrice handles GET /api/assets/{ticker}/price.
func (s *Server) GetPrice(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")

	quote, ok := s.board.Get(ticker)
	if !ok {
		writeError(w, "no price published for "+ticker, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ticker": ticker,
		"price":  quote.Price,
		"seq":    quote.Seq,
		"at":     quote.At,
	})
}

// GetCandles handles GET /api/assets/{ticker}/candles. Query parameters:
// interval (minutes, default 5), from and to (RFC 3339, default last 24h).
func (s *Server) GetCandles(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")

	interval := models.Interval5Min
	if raw := r.URL.Query().Get("interval"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || !validInterval(parsed) {
			writeError(w, "interval must be one of 5, 60, 1440", http.StatusBadRequest)
			return
		}
		interval = parsed
	}

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, "from must be RFC 3339", http.StatusBadRequest)
			return
		}
		from = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, "to must be RFC 3339", http.StatusBadRequest)
			return
		}
		to = t
	}

	candles, err := s.agg.Candles(ticker, interval, from, to)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, candles)
}

// GetPortfolio handles GET /api/users/{userID}/portfolio.
func (s *Server) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	v, err := s.portfolio.Valuation(userID, time.Now().UTC())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GetSnapshots handles GET /api/users/{userID}/snapshots. Optional from
// and to query parameters filter by date ("YYYY-MM-DD").
func (s *Server) GetSnapshots(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	snaps, err := s.portfolio.History(userID, r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func parseUserID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	raw := chi.URLParam(r, "userID")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		writeError(w, "invalid user id", http.StatusBadRequest)
		return 0, false
	}
	return uint(id), true
}

func validInterval(minutes int) bool {
	for _, iv := range models.Intervals {
		if iv == minutes {
			return true
		}
	}
	return false
}
