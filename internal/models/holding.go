package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Holding is one user's position in one asset. Reserved tracks shares
// locked against pending sell orders; Quantity >= Reserved >= 0 always.
// AvgCost is the weighted-average purchase price per unit and RealizedPL
// accumulates the profit locked in by sells.
type Holding struct {
	gorm.Model
	UserID     uint            `gorm:"uniqueIndex:idx_holding_owner;not null"`
	Ticker     string          `gorm:"uniqueIndex:idx_holding_owner;not null"`
	Quantity   decimal.Decimal `gorm:"type:numeric;not null"`
	Reserved   decimal.Decimal `gorm:"type:numeric;not null"`
	AvgCost    decimal.Decimal `gorm:"type:numeric;not null"`
	RealizedPL decimal.Decimal `gorm:"type:numeric;not null"`
}

// Available returns the quantity not locked by pending sell orders.
func (h *Holding) Available() decimal.Decimal {
	return h.Quantity.Sub(h.Reserved)
}
