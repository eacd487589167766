package models

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Wallet holds one user's cash in one currency. Balance is the total;
// Reserved is the slice of it locked against pending buy orders. The
// invariant Available() + Reserved == Balance holds by construction.
type Wallet struct {
	gorm.Model
	UserID   uint            `gorm:"uniqueIndex:idx_wallet_owner;not null"`
	Currency string          `gorm:"uniqueIndex:idx_wallet_owner;not null"`
	Balance  decimal.Decimal `gorm:"type:numeric;not null"`
	Reserved decimal.Decimal `gorm:"type:numeric;not null"`
}

// Available returns the balance not locked by pending orders.
func (w *Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.Reserved)
}
