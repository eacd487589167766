package models

import "github.com/shopspring/decimal"

// RoundMoney rounds a cash amount to 2 decimal places, half up.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// RoundPrice rounds an asset price to 4 decimal places, half up.
func RoundPrice(d decimal.Decimal) decimal.Decimal {
	return d.Round(4)
}
