package portfolio

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/leon-biju/trading-simulator/internal/fx"
	"github.com/leon-biju/trading-simulator/internal/metrics"
	"github.com/leon-biju/trading-simulator/internal/models"
	"github.com/leon-biju/trading-simulator/internal/simulation"
)

// Position is one holding valued at the current market price, in the
// asset's own currency.
type Position struct {
	Ticker       string          `json:"ticker"`
	Currency     string          `json:"currency"`
	Quantity     decimal.Decimal `json:"quantity"`
	Reserved     decimal.Decimal `json:"reserved"`
	AvgCost      decimal.Decimal `json:"avg_cost"`
	MarketPrice  decimal.Decimal `json:"market_price"`
	MarketValue  decimal.Decimal `json:"market_value"`
	UnrealizedPL decimal.Decimal `json:"unrealized_pl"`
	RealizedPL   decimal.Decimal `json:"realized_pl"`
}

// CashBalance is one wallet with its value converted to the base currency.
type CashBalance struct {
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`
	Reserved  decimal.Decimal `json:"reserved"`
	Available decimal.Decimal `json:"available"`
	BaseValue decimal.Decimal `json:"base_value"`
}

// Valuation is a user's full portfolio picture. Aggregate figures are in
// the base currency; per-position figures stay in the asset's currency.
type Valuation struct {
	UserID       uint            `json:"user_id"`
	BaseCurrency string          `json:"base_currency"`
	AsOf         time.Time       `json:"as_of"`
	Positions    []Position      `json:"positions"`
	Cash         []CashBalance   `json:"cash"`
	CashValue    decimal.Decimal `json:"cash_value"`
	TotalValue   decimal.Decimal `json:"total_value"`
	RealizedPL   decimal.Decimal `json:"realized_pl"`
	UnrealizedPL decimal.Decimal `json:"unrealized_pl"`
}

// Service values portfolios and records daily snapshots. It only reads
// wallet and holding rows; every mutation goes through the ledger.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	board *simulation.Board
	rates fx.RateSource
	base  string
}

// NewService creates a portfolio valuation service.
func NewService(db *gorm.DB, log *zap.Logger, board *simulation.Board, rates fx.RateSource, baseCurrency string) *Service {
	return &Service{db: db, log: log, board: board, rates: rates, base: baseCurrency}
}

// Valuation values a user's portfolio at the current board prices, with
// aggregates converted to the base currency. A position with no quote yet
// is valued at its average cost, so a freshly restarted simulator reports
// a flat rather than empty portfolio.
func (s *Service) Valuation(userID uint, now time.Time) (*Valuation, error) {
	var holdings []models.Holding
	if err := s.db.Where("user_id = ?", userID).Order("ticker asc").Find(&holdings).Error; err != nil {
		return nil, fmt.Errorf("failed to load holdings: %w", err)
	}
	var wallets []models.Wallet
	if err := s.db.Where("user_id = ?", userID).Order("currency asc").Find(&wallets).Error; err != nil {
		return nil, fmt.Errorf("failed to load wallets: %w", err)
	}

	v := &Valuation{
		UserID:       userID,
		BaseCurrency: s.base,
		AsOf:         now,
		Positions:    make([]Position, 0, len(holdings)),
		Cash:         make([]CashBalance, 0, len(wallets)),
	}

	for _, h := range holdings {
		if h.Quantity.IsZero() && h.RealizedPL.IsZero() {
			continue
		}

		currency, err := s.assetCurrency(h.Ticker)
		if err != nil {
			return nil, err
		}

		price := h.AvgCost
		if quote, ok := s.board.Get(h.Ticker); ok {
			price = quote.Price
		}

		value := models.RoundMoney(h.Quantity.Mul(price))
		unrealized := models.RoundMoney(h.Quantity.Mul(price.Sub(h.AvgCost)))

		v.Positions = append(v.Positions, Position{
			Ticker:       h.Ticker,
			Currency:     currency,
			Quantity:     h.Quantity,
			Reserved:     h.Reserved,
			AvgCost:      h.AvgCost,
			MarketPrice:  price,
			MarketValue:  value,
			UnrealizedPL: unrealized,
			RealizedPL:   h.RealizedPL,
		})

		rate, err := s.rates.Rate(currency, s.base)
		if err != nil {
			return nil, fmt.Errorf("valuing %s position: %w", h.Ticker, err)
		}
		v.TotalValue = v.TotalValue.Add(value.Mul(rate))
		v.UnrealizedPL = v.UnrealizedPL.Add(unrealized.Mul(rate))
		v.RealizedPL = v.RealizedPL.Add(h.RealizedPL.Mul(rate))
	}

	for _, w := range wallets {
		rate, err := s.rates.Rate(w.Currency, s.base)
		if err != nil {
			return nil, fmt.Errorf("valuing %s wallet: %w", w.Currency, err)
		}
		baseValue := models.RoundMoney(w.Balance.Mul(rate))
		v.Cash = append(v.Cash, CashBalance{
			Currency:  w.Currency,
			Balance:   w.Balance,
			Reserved:  w.Reserved,
			Available: w.Available(),
			BaseValue: baseValue,
		})
		v.CashValue = v.CashValue.Add(baseValue)
	}

	v.TotalValue = models.RoundMoney(v.TotalValue.Add(v.CashValue))
	v.CashValue = models.RoundMoney(v.CashValue)
	v.RealizedPL = models.RoundMoney(v.RealizedPL)
	v.UnrealizedPL = models.RoundMoney(v.UnrealizedPL)
	return v, nil
}

func (s *Service) assetCurrency(ticker string) (string, error) {
	var asset models.Asset
	err := s.db.Where("ticker = ?", ticker).First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("ticker %s: %w", ticker, models.ErrAssetNotFound)
	}
	if err != nil {
		return "", err
	}
	return asset.Currency, nil
}

// Snapshot writes the user's snapshot row for now's UTC day, updating the
// existing row if the cycle already ran today.
func (s *Service) Snapshot(userID uint, now time.Time) (*models.PortfolioSnapshot, error) {
	v, err := s.Valuation(userID, now)
	if err != nil {
		return nil, err
	}

	date := now.UTC().Format("2006-01-02")
	snap := models.PortfolioSnapshot{
		UserID:       userID,
		Date:         date,
		TotalValue:   v.TotalValue,
		CashValue:    v.CashValue,
		RealizedPL:   v.RealizedPL,
		UnrealizedPL: v.UnrealizedPL,
	}
	err = s.db.Where("user_id = ? AND date = ?", userID, date).
		Assign(models.PortfolioSnapshot{
			TotalValue:   snap.TotalValue,
			CashValue:    snap.CashValue,
			RealizedPL:   snap.RealizedPL,
			UnrealizedPL: snap.UnrealizedPL,
		}).
		FirstOrCreate(&snap).Error
	if err != nil {
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}
	metrics.SnapshotsTotal.Inc()
	return &snap, nil
}

// SnapshotAll snapshots every user that has a wallet. One user's failure
// (typically a missing FX rate) is logged and skipped so the rest of the
// cycle completes.
func (s *Service) SnapshotAll(now time.Time) error {
	var userIDs []uint
	if err := s.db.Model(&models.Wallet{}).Distinct("user_id").Pluck("user_id", &userIDs).Error; err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	var failed int
	for _, id := range userIDs {
		if _, err := s.Snapshot(id, now); err != nil {
			failed++
			s.log.Error("Failed to snapshot portfolio",
				zap.Uint("user_id", id), zap.Error(err))
		}
	}

	s.log.Info("Snapshot cycle complete",
		zap.Int("users", len(userIDs)),
		zap.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("%d of %d snapshots failed", failed, len(userIDs))
	}
	return nil
}

// History returns a user's snapshots in date order.
func (s *Service) History(userID uint, from, to string) ([]models.PortfolioSnapshot, error) {
	q := s.db.Where("user_id = ?", userID)
	if from != "" {
		q = q.Where("date >= ?", from)
	}
	if to != "" {
		q = q.Where("date <= ?", to)
	}
	var snaps []models.PortfolioSnapshot
	err := q.Order("date asc").Find(&snaps).Error
	return snaps, err
}
