package models

import "gorm.io/gorm"

// Asset represents a tradable security listed on an exchange. The current
// price is not stored here; the price board owns it and the candle history
// is the durable record.
type Asset struct {
	gorm.Model
	Ticker       string `gorm:"uniqueIndex;not null"`
	Name         string
	ExchangeCode string `gorm:"index;not null"`
	Currency     string `gorm:"not null"` // currency the asset is priced in
	Active       bool   `gorm:"default:true"`
}
