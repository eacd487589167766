package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Candle interval lengths in minutes.
const (
	Interval5Min  = 5
	Interval60Min = 60
	IntervalDaily = 1440
)

// Intervals lists every candle resolution maintained per asset.
var Intervals = []int{Interval5Min, Interval60Min, IntervalDaily}

// Candle stores one OHLC bar for an asset at a given interval. StartAt is
// the UTC instant of the bucket start, computed by flooring the tick time in
// the exchange's local timezone. Once Finalized is set the row is immutable;
// ticks arriving for a finalized bucket are rejected.
type Candle struct {
	gorm.Model
	Ticker          string          `gorm:"uniqueIndex:idx_candle_bucket;not null"`
	IntervalMinutes int             `gorm:"uniqueIndex:idx_candle_bucket;not null"`
	StartAt         time.Time       `gorm:"uniqueIndex:idx_candle_bucket;not null"`
	Open            decimal.Decimal `gorm:"type:numeric;not null"`
	High            decimal.Decimal `gorm:"type:numeric;not null"`
	Low             decimal.Decimal `gorm:"type:numeric;not null"`
	Close           decimal.Decimal `gorm:"type:numeric;not null"`
	Volume          decimal.Decimal `gorm:"type:numeric"`
	Finalized       bool            `gorm:"default:false"`
}
