package portfolio

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/leon-biju/trading-simulator/internal/models"
	"github.com/leon-biju/trading-simulator/internal/simulation"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fixedRates serves a small static table of base->currency rates.
type fixedRates struct {
	base  string
	rates map[string]decimal.Decimal
}

func (r fixedRates) Rate(from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	lookup := func(c string) (decimal.Decimal, error) {
		if c == r.base {
			return decimal.NewFromInt(1), nil
		}
		v, ok := r.rates[c]
		if !ok {
			return decimal.Zero, models.ErrRateUnavailable
		}
		return v, nil
	}
	f, err := lookup(from)
	if err != nil {
		return decimal.Zero, err
	}
	t, err := lookup(to)
	if err != nil {
		return decimal.Zero, err
	}
	return t.Div(f), nil
}

func setupService(t *testing.T) (*Service, *gorm.DB, *simulation.Board) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	err = db.AutoMigrate(&models.Asset{}, &models.Wallet{}, &models.Holding{},
		&models.PortfolioSnapshot{})
	assert.NoError(t, err)

	assert.NoError(t, db.Create(&models.Asset{
		Ticker: "AAPL", ExchangeCode: "NYSE", Currency: "USD", Active: true,
	}).Error)
	assert.NoError(t, db.Create(&models.Asset{
		Ticker: "VOD", ExchangeCode: "LSE", Currency: "GBP", Active: true,
	}).Error)

	board := simulation.NewBoard()
	rates := fixedRates{base: "USD", rates: map[string]decimal.Decimal{
		"GBP": dec("0.8"), // 1 USD = 0.8 GBP
	}}
	svc := NewService(db, zap.NewNop(), board, rates, "USD")
	return svc, db, board
}

func TestValuation_CashOnly(t *testing.T) {
	svc, db, _ := setupService(t)

	assert.NoError(t, db.Create(&models.Wallet{
		UserID: 1, Currency: "USD", Balance: dec("1000"), Reserved: dec("100"),
	}).Error)

	v, err := svc.Valuation(1, time.Now().UTC())
	assert.NoError(t, err)
	assert.Empty(t, v.Positions)
	assert.Len(t, v.Cash, 1)
	assert.True(t, v.CashValue.Equal(dec("1000")))
	assert.True(t, v.TotalValue.Equal(dec("1000")))
	assert.True(t, v.Cash[0].Available.Equal(dec("900")))
}

func TestValuation_MarksPositionsToBoardPrice(t *testing.T) {
	svc, db, board := setupService(t)
	now := time.Now().UTC()

	assert.NoError(t, db.Create(&models.Wallet{
		UserID: 1, Currency: "USD", Balance: dec("500"), Reserved: decimal.Zero,
	}).Error)
	assert.NoError(t, db.Create(&models.Holding{
		UserID: 1, Ticker: "AAPL", Quantity: dec("10"), Reserved: decimal.Zero,
		AvgCost: dec("10"), RealizedPL: dec("5"),
	}).Error)
	board.Publish("AAPL", dec("12"), now)

	v, err := svc.Valuation(1, now)
	assert.NoError(t, err)
	assert.Len(t, v.Positions, 1)

	p := v.Positions[0]
	assert.True(t, p.MarketPrice.Equal(dec("12")))
	assert.True(t, p.MarketValue.Equal(dec("120")))
	assert.True(t, p.UnrealizedPL.Equal(dec("20")))

	// 500 cash + 120 position.
	assert.True(t, v.TotalValue.Equal(dec("620")), "total %s", v.TotalValue)
	assert.True(t, v.UnrealizedPL.Equal(dec("20")))
	assert.True(t, v.RealizedPL.Equal(dec("5")))
}

func TestValuation_FallsBackToAvgCostWithoutQuote(t *testing.T) {
	svc, db, _ := setupService(t)

	assert.NoError(t, db.Create(&models.Holding{
		UserID: 1, Ticker: "AAPL", Quantity: dec("10"), Reserved: decimal.Zero,
		AvgCost: dec("10"), RealizedPL: decimal.Zero,
	}).Error)

	v, err := svc.Valuation(1, time.Now().UTC())
	assert.NoError(t, err)
	assert.Len(t, v.Positions, 1)
	assert.True(t, v.Positions[0].MarketValue.Equal(dec("100")))
	assert.True(t, v.Positions[0].UnrealizedPL.IsZero())
}

func TestValuation_ConvertsForeignCurrency(t *testing.T) {
	svc, db, board := setupService(t)
	now := time.Now().UTC()

	assert.NoError(t, db.Create(&models.Wallet{
		UserID: 1, Currency: "GBP", Balance: dec("80"), Reserved: decimal.Zero,
	}).Error)
	assert.NoError(t, db.Create(&models.Holding{
		UserID: 1, Ticker: "VOD", Quantity: dec("10"), Reserved: decimal.Zero,
		AvgCost: dec("8"), RealizedPL: decimal.Zero,
	}).Error)
	board.Publish("VOD", dec("8"), now)

	v, err := svc.Valuation(1, now)
	assert.NoError(t, err)

	// 80 GBP cash is 100 USD; the 80 GBP position is another 100 USD.
	assert.True(t, v.CashValue.Equal(dec("100")), "cash %s", v.CashValue)
	assert.True(t, v.TotalValue.Equal(dec("200")), "total %s", v.TotalValue)
	// Per-position figures stay in the asset's currency.
	assert.True(t, v.Positions[0].MarketValue.Equal(dec("80")))
}

func TestValuation_MissingRateFails(t *testing.T) {
	svc, db, _ := setupService(t)

	assert.NoError(t, db.Create(&models.Wallet{
		UserID: 1, Currency: "JPY", Balance: dec("1000"), Reserved: decimal.Zero,
	}).Error)

	_, err := svc.Valuation(1, time.Now().UTC())
	assert.True(t, errors.Is(err, models.ErrRateUnavailable), "got %v", err)
}

func TestSnapshot_UpsertsWithinDay(t *testing.T) {
	svc, db, board := setupService(t)
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	assert.NoError(t, db.Create(&models.Wallet{
		UserID: 1, Currency: "USD", Balance: dec("1000"), Reserved: decimal.Zero,
	}).Error)
	assert.NoError(t, db.Create(&models.Holding{
		UserID: 1, Ticker: "AAPL", Quantity: dec("10"), Reserved: decimal.Zero,
		AvgCost: dec("10"), RealizedPL: decimal.Zero,
	}).Error)
	board.Publish("AAPL", dec("10"), now)

	snap, err := svc.Snapshot(1, now)
	assert.NoError(t, err)
	assert.Equal(t, "2026-06-01", snap.Date)
	assert.True(t, snap.TotalValue.Equal(dec("1100")))

	// Rerun later the same day with a new price: same row, new figures.
	board.Publish("AAPL", dec("20"), now.Add(time.Hour))
	snap2, err := svc.Snapshot(1, now.Add(6*time.Hour))
	assert.NoError(t, err)
	assert.True(t, snap2.TotalValue.Equal(dec("1200")))

	var count int64
	db.Model(&models.PortfolioSnapshot{}).Where("user_id = ?", 1).Count(&count)
	assert.EqualValues(t, 1, count)

	// A new day gets a new row.
	_, err = svc.Snapshot(1, now.AddDate(0, 0, 1))
	assert.NoError(t, err)
	db.Model(&models.PortfolioSnapshot{}).Where("user_id = ?", 1).Count(&count)
	assert.EqualValues(t, 2, count)
}

func TestSnapshotAllAndHistory(t *testing.T) {
	svc, db, _ := setupService(t)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	for _, id := range []uint{1, 2} {
		assert.NoError(t, db.Create(&models.Wallet{
			UserID: id, Currency: "USD", Balance: dec("1000"), Reserved: decimal.Zero,
		}).Error)
	}

	assert.NoError(t, svc.SnapshotAll(now))
	assert.NoError(t, svc.SnapshotAll(now.AddDate(0, 0, 1)))

	snaps, err := svc.History(1, "", "")
	assert.NoError(t, err)
	assert.Len(t, snaps, 2)
	assert.Equal(t, "2026-06-01", snaps[0].Date)
	assert.Equal(t, "2026-06-02", snaps[1].Date)

	snaps, err = svc.History(1, "2026-06-02", "")
	assert.NoError(t, err)
	assert.Len(t, snaps, 1)
}
