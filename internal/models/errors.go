package models

import "errors"

// Sentinel errors shared across the engine. The API layer maps these to
// HTTP status codes; everything else matches with errors.Is.
var (
	ErrAssetNotFound        = errors.New("asset_not_found")
	ErrOrderNotFound        = errors.New("order_not_found")
	ErrWalletNotFound       = errors.New("wallet_not_found")
	ErrHoldingNotFound      = errors.New("holding_not_found")
	ErrInsufficientFunds    = errors.New("insufficient_funds")
	ErrInsufficientHoldings = errors.New("insufficient_holdings")
	ErrAlreadyTerminal      = errors.New("order_already_terminal")
	ErrStaleBucket          = errors.New("stale_candle_bucket")
	ErrPriceUnavailable     = errors.New("price_unavailable")
	ErrRateUnavailable      = errors.New("fx_rate_unavailable")
)

// ValidationError reports a malformed request before any state is touched.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
