package simulation

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/leon-biju/trading-simulator/internal/models"
)

// Aggregator folds ticks into OHLC candle buckets and finalizes a bucket
// when a tick crosses its interval boundary. Finalized candles are never
// edited; a tick for an already-closed bucket is rejected with
// models.ErrStaleBucket.
type Aggregator struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewAggregator creates a candle aggregator persisting through db.
func NewAggregator(db *gorm.DB, log *zap.Logger) *Aggregator {
	return &Aggregator{db: db, log: log}
}

// BucketStart floors t to the start of its interval bucket in the given
// timezone and returns that instant in UTC. Daily buckets align to the
// exchange-local midnight, so they stay correct across DST transitions.
func BucketStart(t time.Time, intervalMinutes int, loc *time.Location) time.Time {
	local := t.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	totalMinutes := int(local.Sub(midnight).Minutes())
	bucketMinutes := (totalMinutes / intervalMinutes) * intervalMinutes
	return midnight.Add(time.Duration(bucketMinutes) * time.Minute).UTC()
}

// Record applies one tick's bar to the (ticker, interval) bucket containing t.
//
// Same bucket: high expands, low expands, close replaces, volume
// accumulates; open is never overwritten. New bucket: the previous open
// bucket is finalized and a new one starts from this bar's open.
func (a *Aggregator) Record(ticker string, intervalMinutes int, loc *time.Location, t time.Time, bar Bar, volume decimal.Decimal) error {
	start := BucketStart(t, intervalMinutes, loc)

	open := models.RoundPrice(decimal.NewFromFloat(bar.Open))
	high := models.RoundPrice(decimal.NewFromFloat(bar.High))
	low := models.RoundPrice(decimal.NewFromFloat(bar.Low))
	closePrice := models.RoundPrice(decimal.NewFromFloat(bar.Close))

	return a.db.Transaction(func(tx *gorm.DB) error {
		var candle models.Candle
		err := tx.Where("ticker = ? AND interval_minutes = ? AND start_at = ?",
			ticker, intervalMinutes, start).First(&candle).Error

		switch {
		case err == nil:
			if candle.Finalized {
				return fmt.Errorf("bucket %s/%dm at %s: %w",
					ticker, intervalMinutes, start.Format(time.RFC3339), models.ErrStaleBucket)
			}
			candle.High = decimal.Max(candle.High, high)
			candle.Low = decimal.Min(candle.Low, low)
			candle.Close = closePrice
			candle.Volume = candle.Volume.Add(volume)
			return tx.Save(&candle).Error

		case errors.Is(err, gorm.ErrRecordNotFound):
			// A tick that lands before the latest known bucket belongs to a
			// bucket that has already been closed out.
			var newer int64
			if err := tx.Model(&models.Candle{}).
				Where("ticker = ? AND interval_minutes = ? AND start_at > ?", ticker, intervalMinutes, start).
				Count(&newer).Error; err != nil {
				return err
			}
			if newer > 0 {
				return fmt.Errorf("bucket %s/%dm at %s: %w",
					ticker, intervalMinutes, start.Format(time.RFC3339), models.ErrStaleBucket)
			}

			if err := tx.Model(&models.Candle{}).
				Where("ticker = ? AND interval_minutes = ? AND finalized = ? AND start_at < ?",
					ticker, intervalMinutes, false, start).
				Update("finalized", true).Error; err != nil {
				return err
			}

			return tx.Create(&models.Candle{
				Ticker:          ticker,
				IntervalMinutes: intervalMinutes,
				StartAt:         start,
				Open:            open,
				High:            high,
				Low:             low,
				Close:           closePrice,
				Volume:          volume,
			}).Error

		default:
			return err
		}
	})
}

// AddVolume accumulates filled quantity into the currently open bucket of
// every interval. Fills between ticks (market orders) land in the bucket
// containing their execution time; a fill for a closed bucket is dropped.
func (a *Aggregator) AddVolume(ticker string, loc *time.Location, t time.Time, quantity decimal.Decimal) {
	for _, interval := range models.Intervals {
		start := BucketStart(t, interval, loc)
		res := a.db.Model(&models.Candle{}).
			Where("ticker = ? AND interval_minutes = ? AND start_at = ? AND finalized = ?",
				ticker, interval, start, false).
			Update("volume", gorm.Expr("volume + ?", quantity))
		if res.Error != nil {
			a.log.Warn("Failed to add fill volume to candle",
				zap.String("ticker", ticker),
				zap.Int("interval", interval),
				zap.Error(res.Error))
		}
	}
}

// Candles returns finalized-and-open candles for the asset and interval
// within [from, to], ordered by bucket start ascending.
func (a *Aggregator) Candles(ticker string, intervalMinutes int, from, to time.Time) ([]models.Candle, error) {
	var candles []models.Candle
	err := a.db.
		Where("ticker = ? AND interval_minutes = ? AND start_at >= ? AND start_at <= ?",
			ticker, intervalMinutes, from, to).
		Order("start_at asc").
		Find(&candles).Error
	return candles, err
}

// LatestClose returns the most recent candle close for the asset, checking
// the finest interval first. Used to prime the price board after a restart.
func (a *Aggregator) LatestClose(ticker string) (decimal.Decimal, time.Time, bool) {
	for _, interval := range models.Intervals {
		var candle models.Candle
		err := a.db.
			Where("ticker = ? AND interval_minutes = ?", ticker, interval).
			Order("start_at desc").
			First(&candle).Error
		if err == nil {
			return candle.Close, candle.StartAt, true
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			a.log.Warn("Failed to load latest candle", zap.String("ticker", ticker), zap.Error(err))
		}
	}
	return decimal.Zero, time.Time{}, false
}
