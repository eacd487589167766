package fx

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/leon-biju/trading-simulator/internal/config"
	"github.com/leon-biju/trading-simulator/internal/models"
)

// RateSource provides conversion rates between currencies.
type RateSource interface {
	Rate(from, to string) (decimal.Decimal, error)
}

// Client fetches currency rates from an external quotes API and caches
// them. All cached rates are quoted against the base currency; arbitrary
// pairs are derived as cross rates. Cached rates survive restarts through
// the fx_rates table, so a dead upstream degrades to stale conversions
// rather than failed snapshots.
type Client struct {
	client  *resty.Client
	db      *gorm.DB
	logger  *zap.Logger
	limiter *rate.Limiter

	base      string
	accessKey string

	mu    sync.RWMutex
	rates map[string]decimal.Decimal // target currency -> rate vs base
	asOf  time.Time
}

var _ RateSource = (*Client)(nil)

// quotesResponse is the upstream payload. Quote keys concatenate the
// source and target codes, e.g. "USDGBP".
type quotesResponse struct {
	Success   bool               `json:"success"`
	Timestamp int64              `json:"timestamp"`
	Source    string             `json:"source"`
	Quotes    map[string]float64 `json:"quotes"`
	Error     *struct {
		Code int    `json:"code"`
		Info string `json:"info"`
	} `json:"error"`
}

// NewClient creates the rate client and primes the cache from the last
// rates persisted in the database.
func NewClient(cfg *config.FX, base string, db *gorm.DB, logger *zap.Logger) *Client {
	c := &Client{
		client:    resty.New().SetBaseURL(cfg.Endpoint),
		db:        db,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
		base:      base,
		accessKey: cfg.AccessKey,
		rates:     make(map[string]decimal.Decimal),
	}

	var stored []models.FXRate
	if err := db.Where("base = ?", base).Find(&stored).Error; err != nil {
		logger.Warn("Failed to load stored FX rates", zap.Error(err))
		return c
	}
	for _, r := range stored {
		c.rates[r.Target] = r.Rate
		if r.FetchedAt.After(c.asOf) {
			c.asOf = r.FetchedAt
		}
	}
	if len(stored) > 0 {
		logger.Info("Loaded stored FX rates",
			zap.Int("count", len(stored)),
			zap.Time("as_of", c.asOf))
	}
	return c
}

// Rate returns the conversion rate from one currency to another as a
// cross rate through the base currency. Identical currencies convert at
// exactly 1. Returns models.ErrRateUnavailable when either leg has never
// been fetched.
func (c *Client) Rate(from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	fromRate, err := c.rateVsBase(from)
	if err != nil {
		return decimal.Zero, err
	}
	toRate, err := c.rateVsBase(to)
	if err != nil {
		return decimal.Zero, err
	}
	return toRate.Div(fromRate), nil
}

// rateVsBase returns the cached base->currency rate. Caller holds c.mu.
func (c *Client) rateVsBase(currency string) (decimal.Decimal, error) {
	if currency == c.base {
		return decimal.NewFromInt(1), nil
	}
	r, ok := c.rates[currency]
	if !ok || r.IsZero() {
		return decimal.Zero, fmt.Errorf("no rate for %s vs %s: %w", currency, c.base, models.ErrRateUnavailable)
	}
	return r, nil
}

// Refresh fetches the latest rates for the given currencies and persists
// them. A failed fetch leaves the existing cache untouched.
func (c *Client) Refresh(ctx context.Context, currencies []string) error {
	targets := make([]string, 0, len(currencies))
	for _, cur := range currencies {
		if cur != c.base {
			targets = append(targets, cur)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	req := c.client.R().
		SetContext(ctx).
		SetQueryParam("access_key", c.accessKey).
		SetQueryParam("source", c.base).
		SetQueryParam("currencies", strings.Join(targets, ",")).
		SetResult(&quotesResponse{})

	resp, err := c.doRequest(ctx, http.MethodGet, "/live", req)
	if err != nil {
		return fmt.Errorf("failed to fetch FX rates: %w", err)
	}

	result := resp.Result().(*quotesResponse)
	if !result.Success {
		if result.Error != nil {
			return fmt.Errorf("FX API error %d: %s", result.Error.Code, result.Error.Info)
		}
		return fmt.Errorf("FX API returned unsuccessful response")
	}

	fetchedAt := time.Unix(result.Timestamp, 0).UTC()
	if result.Timestamp == 0 {
		fetchedAt = time.Now().UTC()
	}

	updated := make(map[string]decimal.Decimal, len(result.Quotes))
	for pair, value := range result.Quotes {
		target := strings.TrimPrefix(pair, c.base)
		if target == pair || value <= 0 {
			c.logger.Warn("Skipping malformed FX quote",
				zap.String("pair", pair), zap.Float64("value", value))
			continue
		}
		updated[target] = decimal.NewFromFloat(value)
	}
	if len(updated) == 0 {
		return fmt.Errorf("FX API returned no usable quotes")
	}

	c.mu.Lock()
	for target, r := range updated {
		c.rates[target] = r
	}
	c.asOf = fetchedAt
	c.mu.Unlock()

	for target, r := range updated {
		row := models.FXRate{Base: c.base, Target: target, Rate: r, FetchedAt: fetchedAt}
		err := c.db.Where("base = ? AND target = ?", c.base, target).
			Assign(models.FXRate{Rate: r, FetchedAt: fetchedAt}).
			FirstOrCreate(&row).Error
		if err != nil {
			c.logger.Error("Failed to persist FX rate",
				zap.String("target", target), zap.Error(err))
		}
	}

	c.logger.Info("Refreshed FX rates",
		zap.Int("count", len(updated)),
		zap.Time("as_of", fetchedAt))
	return nil
}

// Run refreshes rates immediately and then on the configured interval
// until the context is cancelled.
func (c *Client) Run(ctx context.Context, currencies []string, every time.Duration) {
	if err := c.Refresh(ctx, currencies); err != nil {
		c.logger.Warn("Initial FX refresh failed; using stored rates", zap.Error(err))
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx, currencies); err != nil {
				c.logger.Warn("FX refresh failed", zap.Error(err))
			}
		}
	}
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *Client) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		// Wait for the rate limiter
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil // Success
		}

		// Analyze error and decide whether to retry
		shouldRetry := false
		var retryAfter time.Duration

		if resp != nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				retryAfterHeader := resp.Header().Get("Retry-After")
				if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
					retryAfter = time.Duration(seconds) * time.Second
				}
			} else if statusCode >= 500 { // Server errors
				shouldRetry = true
			}
		} else { // Network or other client-side errors
			shouldRetry = true
		}

		if !shouldRetry {
			return nil, fmt.Errorf("request failed with status %s: %s", resp.Status(), resp.String())
		}

		// If we should retry, calculate wait time
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("wait", retryAfter))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryAfter):
		}
	}

	if err == nil && resp != nil {
		err = fmt.Errorf("status %s", resp.Status())
	}
	return nil, fmt.Errorf("request failed after %d retries: %w", maxRetries, err)
}
