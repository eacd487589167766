package models

import "gorm.io/gorm"

// Exchange represents a financial exchange where assets are traded.
// Session hours and holidays live in the configuration-driven trading
// calendar; the row here carries the reference data other tables join on.
type Exchange struct {
	gorm.Model
	Name     string `gorm:"not null"`
	Code     string `gorm:"uniqueIndex;not null"` // e.g. "NYSE", "LSE"
	Timezone string `gorm:"not null"`             // e.g. "America/New_York"
	Currency string `gorm:"not null"`             // ISO code of the listing currency
}
