package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/leon-biju/trading-simulator/internal/calendar"
	"github.com/leon-biju/trading-simulator/internal/engine"
	"github.com/leon-biju/trading-simulator/internal/metrics"
	"github.com/leon-biju/trading-simulator/internal/models"
	"github.com/leon-biju/trading-simulator/internal/portfolio"
	"github.com/leon-biju/trading-simulator/internal/simulation"
)

// Server exposes the simulator over HTTP.
type Server struct {
	log       *zap.Logger
	db        *gorm.DB
	matcher   *engine.Matcher
	board     *simulation.Board
	agg       *simulation.Aggregator
	cal       *calendar.Calendar
	portfolio *portfolio.Service
}

// NewServer creates the HTTP API server.
func NewServer(
	log *zap.Logger,
	db *gorm.DB,
	matcher *engine.Matcher,
	board *simulation.Board,
	agg *simulation.Aggregator,
	cal *calendar.Calendar,
	pf *portfolio.Service,
) *Server {
	return &Server{
		log:       log,
		db:        db,
		matcher:   matcher,
		board:     board,
		agg:       agg,
		cal:       cal,
		portfolio: pf,
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/orders", s.PlaceOrder)
		r.Get("/orders/{orderID}", s.GetOrder)
		r.Delete("/orders/{orderID}", s.CancelOrder)

		r.Get("/assets", s.ListAssets)
		r.Get("/assets/{ticker}/price", s.GetPrice)
		r.Get("/assets/{ticker}/candles", s.GetCandles)

		r.Get("/exchanges", s.ListExchanges)

		r.Get("/users/{userID}/orders", s.ListOrders)
		r.Get("/users/{userID}/portfolio", s.GetPortfolio)
		r.Get("/users/{userID}/snapshots", s.GetSnapshots)
	})

	return r
}

// ReadOnlyRouter builds a router exposing only the query endpoints. Used
// by the standalone server binary, which shares the simulator's database
// but not its live order engine.
func (s *Server) ReadOnlyRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/assets", s.ListAssets)
		r.Get("/assets/{ticker}/price", s.GetPrice)
		r.Get("/assets/{ticker}/candles", s.GetCandles)
		r.Get("/exchanges", s.ListExchanges)
		r.Get("/users/{userID}/portfolio", s.GetPortfolio)
		r.Get("/users/{userID}/snapshots", s.GetSnapshots)
	})

	return r
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps domain errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, verr.Message, http.StatusBadRequest)
	case errors.Is(err, models.ErrAssetNotFound),
		errors.Is(err, models.ErrOrderNotFound),
		errors.Is(err, models.ErrHoldingNotFound),
		errors.Is(err, models.ErrWalletNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrInsufficientFunds),
		errors.Is(err, models.ErrInsufficientHoldings),
		errors.Is(err, models.ErrPriceUnavailable),
		errors.Is(err, models.ErrRateUnavailable):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, models.ErrAlreadyTerminal):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		s.log.Error("Request failed", zap.Error(err))
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
