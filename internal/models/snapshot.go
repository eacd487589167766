package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PortfolioSnapshot captures one user's portfolio value for one day, with
// everything converted to the base currency. Rows are append-only across
// days; re-running the snapshot cycle within the same day updates the
// existing row rather than creating a second one.
type PortfolioSnapshot struct {
	gorm.Model
	UserID       uint            `gorm:"uniqueIndex:idx_snapshot_day;not null"`
	Date         string          `gorm:"uniqueIndex:idx_snapshot_day;not null"` // YYYY-MM-DD, UTC
	TotalValue   decimal.Decimal `gorm:"type:numeric;not null"`                 // holdings + cash
	CashValue    decimal.Decimal `gorm:"type:numeric;not null"`
	RealizedPL   decimal.Decimal `gorm:"type:numeric;not null"`
	UnrealizedPL decimal.Decimal `gorm:"type:numeric;not null"`
}

// FXRate stores the last fetched conversion rate from the base currency to
// Target. Used to reload the last-known-good cache after a restart.
type FXRate struct {
	gorm.Model
	Base      string          `gorm:"uniqueIndex:idx_fx_pair;not null"`
	Target    string          `gorm:"uniqueIndex:idx_fx_pair;not null"`
	Rate      decimal.Decimal `gorm:"type:numeric;not null"`
	FetchedAt time.Time
}
