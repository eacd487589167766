package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether an order buys or sells the asset.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType distinguishes market orders from limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the lifecycle state of an order. Pending is the only
// non-terminal state; every transition out of it is one-way.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusExpired   OrderStatus = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s != OrderStatusPending
}

// Order is a user's instruction to trade an asset. Each order owns exactly
// one reservation for its lifetime: Reserved cash for buys, Quantity shares
// on the holding for sells. The reservation is released exactly once, on
// the terminal transition.
type Order struct {
	ID          string `gorm:"primaryKey"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	UserID      uint            `gorm:"index;not null"`
	Ticker      string          `gorm:"index;not null"`
	Side        OrderSide       `gorm:"not null"`
	Type        OrderType       `gorm:"not null"`
	Quantity    decimal.Decimal `gorm:"type:numeric;not null"`
	LimitPrice  decimal.Decimal `gorm:"type:numeric"` // zero for market orders
	Reserved    decimal.Decimal `gorm:"type:numeric"` // cash reserved, zero for sells
	Status      OrderStatus     `gorm:"index;not null"`
	ExpiresAt   time.Time       `gorm:"not null"`
	FilledAt    *time.Time
	CancelledAt *time.Time
	ExpiredAt   *time.Time
}

// Fill is the immutable record of an order's execution. One order produces
// at most one fill in this engine (full-quantity single-shot fills).
type Fill struct {
	ID         string `gorm:"primaryKey"`
	CreatedAt  time.Time
	OrderID    string          `gorm:"index;not null"`
	UserID     uint            `gorm:"index;not null"`
	Ticker     string          `gorm:"not null"`
	Side       OrderSide       `gorm:"not null"`
	Price      decimal.Decimal `gorm:"type:numeric;not null"`
	Quantity   decimal.Decimal `gorm:"type:numeric;not null"`
	Fee        decimal.Decimal `gorm:"type:numeric;not null"`
	ExecutedAt time.Time       `gorm:"not null"`
}
