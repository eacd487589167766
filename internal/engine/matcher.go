package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/leon-biju/trading-simulator/internal/calendar"
	"github.com/leon-biju/trading-simulator/internal/ledger"
	"github.com/leon-biju/trading-simulator/internal/metrics"
	"github.com/leon-biju/trading-simulator/internal/models"
	"github.com/leon-biju/trading-simulator/internal/simulation"
)

// assetInfo is the cached reference data the matcher needs per ticker.
type assetInfo struct {
	exchange string
	currency string
	loc      *time.Location
}

// Matcher is the order engine: it reserves resources on placement, matches
// market orders immediately and limit orders once per tick, expires stale
// orders, and settles fills through the ledger.
//
// Order state transitions happen under a per-asset mutex, so a cancel
// racing a fill resolves to whichever transition commits first; the loser
// observes a terminal order and is rejected with models.ErrAlreadyTerminal.
type Matcher struct {
	db      *gorm.DB
	log     *zap.Logger
	ledger  *ledger.Ledger
	board   *simulation.Board
	agg     *simulation.Aggregator
	cal     *calendar.Calendar
	pending *PendingIndex
	assets  map[string]assetInfo
	feeRate decimal.Decimal
	expiry  time.Duration
	now     func() time.Time

	mu          sync.Mutex
	tickerLocks map[string]*sync.Mutex
}

// NewMatcher builds the matcher and restores the pending-order index from
// the database. An asset whose exchange is missing from the calendar is a
// configuration error surfaced here, not a silent skip later.
func NewMatcher(
	db *gorm.DB,
	log *zap.Logger,
	lgr *ledger.Ledger,
	board *simulation.Board,
	agg *simulation.Aggregator,
	cal *calendar.Calendar,
	assets []models.Asset,
	feeRate float64,
	expiryDays int,
) (*Matcher, error) {
	m := &Matcher{
		db:          db,
		log:         log,
		ledger:      lgr,
		board:       board,
		agg:         agg,
		cal:         cal,
		pending:     NewPendingIndex(),
		assets:      make(map[string]assetInfo, len(assets)),
		feeRate:     decimal.NewFromFloat(feeRate),
		expiry:      time.Duration(expiryDays) * 24 * time.Hour,
		now:         time.Now,
		tickerLocks: make(map[string]*sync.Mutex),
	}

	for _, a := range assets {
		if !cal.Has(a.ExchangeCode) {
			return nil, fmt.Errorf("asset %s maps to unknown exchange %q", a.Ticker, a.ExchangeCode)
		}
		loc, err := cal.Location(a.ExchangeCode)
		if err != nil {
			return nil, err
		}
		m.assets[a.Ticker] = assetInfo{exchange: a.ExchangeCode, currency: a.Currency, loc: loc}
	}

	var open []models.Order
	if err := db.Where("status = ?", models.OrderStatusPending).Find(&open).Error; err != nil {
		return nil, fmt.Errorf("failed to restore pending orders: %w", err)
	}
	for i := range open {
		m.pending.Add(&open[i])
	}
	if len(open) > 0 {
		log.Info("Restored pending orders", zap.Int("count", len(open)))
	}
	return m, nil
}

// tickerLock returns the mutex serializing order transitions for one asset.
func (m *Matcher) tickerLock(ticker string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.tickerLocks[ticker]
	if !ok {
		l = &sync.Mutex{}
		m.tickerLocks[ticker] = l
	}
	return l
}

// PlaceOrder validates the request, atomically reserves the required
// resources, and creates the order. Market orders placed while the
// exchange is open execute immediately at the current board price; all
// other orders rest until tick evaluation. If the reservation fails the
// order is never created and no state changes.
func (m *Matcher) PlaceOrder(
	userID uint,
	ticker string,
	side models.OrderSide,
	orderType models.OrderType,
	quantity decimal.Decimal,
	limitPrice decimal.Decimal,
) (*models.Order, error) {
	if !quantity.IsPositive() {
		metrics.OrderRejections.WithLabelValues("validation").Inc()
		return nil, &models.ValidationError{Message: "quantity must be positive"}
	}
	switch orderType {
	case models.OrderTypeLimit:
		if !limitPrice.IsPositive() {
			metrics.OrderRejections.WithLabelValues("validation").Inc()
			return nil, &models.ValidationError{Message: "limit price must be positive"}
		}
	case models.OrderTypeMarket:
		limitPrice = decimal.Zero
	default:
		metrics.OrderRejections.WithLabelValues("validation").Inc()
		return nil, &models.ValidationError{Message: fmt.Sprintf("unknown order type %q", orderType)}
	}
	if side != models.OrderSideBuy && side != models.OrderSideSell {
		metrics.OrderRejections.WithLabelValues("validation").Inc()
		return nil, &models.ValidationError{Message: fmt.Sprintf("unknown order side %q", side)}
	}

	info, ok := m.assets[ticker]
	if !ok {
		metrics.OrderRejections.WithLabelValues("unknown_asset").Inc()
		return nil, fmt.Errorf("ticker %s: %w", ticker, models.ErrAssetNotFound)
	}

	// The reserve price is the limit price for limit orders and the current
	// board price for market orders.
	reservePrice := limitPrice
	quote, hasQuote := m.board.Get(ticker)
	if orderType == models.OrderTypeMarket {
		if !hasQuote {
			metrics.OrderRejections.WithLabelValues("price_unavailable").Inc()
			return nil, fmt.Errorf("ticker %s: %w", ticker, models.ErrPriceUnavailable)
		}
		reservePrice = quote.Price
	}

	now := m.now()
	order := &models.Order{
		ID:         uuid.New().String(),
		CreatedAt:  now,
		UserID:     userID,
		Ticker:     ticker,
		Side:       side,
		Type:       orderType,
		Quantity:   quantity,
		LimitPrice: limitPrice,
		Reserved:   decimal.Zero,
		Status:     models.OrderStatusPending,
		ExpiresAt:  now.Add(m.expiry),
	}

	// Check-and-reserve is atomic per wallet/holding inside the ledger.
	if side == models.OrderSideBuy {
		required := models.RoundMoney(quantity.Mul(reservePrice).Mul(decimal.NewFromInt(1).Add(m.feeRate)))
		if err := m.ledger.ReserveCash(userID, info.currency, required); err != nil {
			metrics.OrderRejections.WithLabelValues("insufficient_funds").Inc()
			return nil, err
		}
		order.Reserved = required
	} else {
		if err := m.ledger.ReserveShares(userID, ticker, quantity); err != nil {
			metrics.OrderRejections.WithLabelValues("insufficient_holdings").Inc()
			return nil, err
		}
	}

	if err := m.db.Create(order).Error; err != nil {
		m.releaseReservation(order)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	m.pending.Add(order)

	m.log.Info("Order placed",
		zap.String("order_id", order.ID),
		zap.Uint("user_id", userID),
		zap.String("ticker", ticker),
		zap.String("side", string(side)),
		zap.String("type", string(orderType)),
		zap.String("quantity", quantity.String()))

	if orderType == models.OrderTypeMarket && m.cal.IsOpen(info.exchange, now) {
		lock := m.tickerLock(ticker)
		lock.Lock()
		if err := m.execute(order.ID, quote.Price, now); err != nil {
			// The order stays pending and is retried on the next tick.
			m.log.Error("Immediate execution failed", zap.String("order_id", order.ID), zap.Error(err))
		}
		lock.Unlock()
	}

	return m.GetOrder(order.ID)
}

// releaseReservation undoes an order's reservation. Only called on the
// order's single terminal transition (or placement rollback), which is what
// keeps releases exactly-once.
func (m *Matcher) releaseReservation(order *models.Order) {
	info := m.assets[order.Ticker]
	var err error
	if order.Side == models.OrderSideBuy {
		err = m.ledger.ReleaseCash(order.UserID, info.currency, order.Reserved)
	} else {
		err = m.ledger.ReleaseShares(order.UserID, order.Ticker, order.Quantity)
	}
	if err != nil {
		m.log.Error("Failed to release reservation",
			zap.String("order_id", order.ID), zap.Error(err))
	}
}

// GetOrder returns an order by ID.
func (m *Matcher) GetOrder(orderID string) (*models.Order, error) {
	var order models.Order
	err := m.db.First(&order, "id = ?", orderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// Orders returns a user's orders, newest first.
func (m *Matcher) Orders(userID uint) ([]models.Order, error) {
	var orders []models.Order
	err := m.db.Where("user_id = ?", userID).Order("created_at desc").Find(&orders).Error
	return orders, err
}

// Fills returns the fills recorded for an order.
func (m *Matcher) Fills(orderID string) ([]models.Fill, error) {
	var fills []models.Fill
	err := m.db.Where("order_id = ?", orderID).Order("executed_at asc").Find(&fills).Error
	return fills, err
}

// CancelOrder transitions a pending order to cancelled and releases its
// full remaining reservation. A cancel losing the race against a
// concurrent fill (or expiry) returns models.ErrAlreadyTerminal.
func (m *Matcher) CancelOrder(orderID string) (*models.Order, error) {
	order, err := m.GetOrder(orderID)
	if err != nil {
		return nil, err
	}

	lock := m.tickerLock(order.Ticker)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: the matcher may have filled or expired the
	// order since the lookup above.
	order, err = m.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return nil, fmt.Errorf("order %s is %s: %w", orderID, order.Status, models.ErrAlreadyTerminal)
	}

	now := m.now()
	order.Status = models.OrderStatusCancelled
	order.CancelledAt = &now
	if err := m.db.Save(order).Error; err != nil {
		return nil, fmt.Errorf("failed to cancel order: %w", err)
	}
	m.pending.Remove(order.ID)
	m.releaseReservation(order)

	m.log.Info("Order cancelled", zap.String("order_id", order.ID))
	return order, nil
}

// EvaluateTick runs one matching pass against a completed tick snapshot.
// Quotes are the freshly published prices; the matcher never mixes them
// with older board state within the pass. Per asset, pending orders are
// visited oldest-first; expiry is applied before the limit condition is
// checked.
func (m *Matcher) EvaluateTick(quotes map[string]simulation.Quote, now time.Time) {
	for ticker, quote := range quotes {
		lock := m.tickerLock(ticker)
		lock.Lock()

		for _, orderID := range m.pending.OrderIDs(ticker) {
			order, err := m.GetOrder(orderID)
			if err != nil {
				m.log.Warn("Pending index entry without order row; dropping",
					zap.String("order_id", orderID), zap.Error(err))
				m.pending.Remove(orderID)
				continue
			}
			if order.Status.Terminal() {
				m.pending.Remove(orderID)
				continue
			}

			if now.After(order.ExpiresAt) {
				m.expireLocked(order, now)
				continue
			}

			if m.conditionMet(order, quote.Price) {
				if err := m.execute(orderID, quote.Price, now); err != nil {
					m.log.Error("Failed to execute order",
						zap.String("order_id", orderID), zap.Error(err))
				}
			}
		}

		lock.Unlock()
	}
}

// conditionMet reports whether the order executes at the given price.
// Market orders always do; a limit buy needs price <= limit, a limit sell
// price >= limit.
func (m *Matcher) conditionMet(order *models.Order, price decimal.Decimal) bool {
	if order.Type == models.OrderTypeMarket {
		return true
	}
	if order.Side == models.OrderSideBuy {
		return price.LessThanOrEqual(order.LimitPrice)
	}
	return price.GreaterThanOrEqual(order.LimitPrice)
}

// SweepExpired expires every pending order past the horizon, regardless of
// whether its exchange ticked. Orders share one horizon, so creation order
// is expiry order and each per-asset scan stops at the first live order.
func (m *Matcher) SweepExpired(now time.Time) {
	cutoff := now.Add(-m.expiry)
	for ticker, orderIDs := range m.pending.OrderIDsBefore(cutoff) {
		lock := m.tickerLock(ticker)
		lock.Lock()
		for _, orderID := range orderIDs {
			order, err := m.GetOrder(orderID)
			if err != nil || order.Status.Terminal() {
				m.pending.Remove(orderID)
				continue
			}
			if now.After(order.ExpiresAt) {
				m.expireLocked(order, now)
			}
		}
		lock.Unlock()
	}
}

// expireLocked transitions an order to expired and releases its full
// reservation. Caller holds the ticker lock; zero fills have been recorded
// for the order by construction (a filled order is terminal).
func (m *Matcher) expireLocked(order *models.Order, now time.Time) {
	order.Status = models.OrderStatusExpired
	order.ExpiredAt = &now
	if err := m.db.Save(order).Error; err != nil {
		m.log.Error("Failed to expire order", zap.String("order_id", order.ID), zap.Error(err))
		return
	}
	m.pending.Remove(order.ID)
	m.releaseReservation(order)
	metrics.OrdersExpired.Inc()
	m.log.Info("Order expired",
		zap.String("order_id", order.ID),
		zap.Time("created_at", order.CreatedAt))
}

// execute fills an order at the prevailing market price: one full-quantity
// fill, fee as a fixed percentage of notional, settled atomically through
// the ledger. The reported fill price is the tick's price, not the limit
// price. The caller holds the ticker lock.
func (m *Matcher) execute(orderID string, price decimal.Decimal, executedAt time.Time) error {
	order, err := m.GetOrder(orderID)
	if err != nil {
		return err
	}
	if order.Status.Terminal() {
		return fmt.Errorf("order %s is %s: %w", order.ID, order.Status, models.ErrAlreadyTerminal)
	}

	info := m.assets[order.Ticker]
	notional := models.RoundMoney(price.Mul(order.Quantity))
	fee := models.RoundMoney(notional.Mul(m.feeRate))

	if order.Side == models.OrderSideBuy {
		cost := notional.Add(fee)
		if cost.GreaterThan(order.Reserved) {
			// A market order that rested while the exchange was closed can
			// execute above its reserve price. Top the reservation up first
			// so no more than the reserved amount is ever debited; if the
			// user can no longer cover it, the order dies instead.
			diff := cost.Sub(order.Reserved)
			if err := m.ledger.ReserveCash(order.UserID, info.currency, diff); err != nil {
				m.log.Warn("Insufficient funds at execution; cancelling order",
					zap.String("order_id", order.ID),
					zap.String("shortfall", diff.String()))
				order.Status = models.OrderStatusCancelled
				now := m.now()
				order.CancelledAt = &now
				if saveErr := m.db.Save(order).Error; saveErr != nil {
					return saveErr
				}
				m.pending.Remove(order.ID)
				m.releaseReservation(order)
				return err
			}
			order.Reserved = cost
		}
	}

	fill := &models.Fill{
		ID:         uuid.New().String(),
		OrderID:    order.ID,
		UserID:     order.UserID,
		Ticker:     order.Ticker,
		Side:       order.Side,
		Price:      price,
		Quantity:   order.Quantity,
		Fee:        fee,
		ExecutedAt: executedAt,
	}

	order.Status = models.OrderStatusFilled
	order.FilledAt = &executedAt

	if order.Side == models.OrderSideBuy {
		err = m.ledger.SettleBuy(order, fill, info.currency)
	} else {
		err = m.ledger.SettleSell(order, fill, info.currency)
	}
	if err != nil {
		// Settlement rolled back whole; the order is still pending in the
		// database and will be retried on the next tick.
		return fmt.Errorf("failed to settle order %s: %w", order.ID, err)
	}

	m.pending.Remove(order.ID)
	m.agg.AddVolume(order.Ticker, info.loc, executedAt, order.Quantity)
	metrics.FillsTotal.WithLabelValues(string(order.Side)).Inc()

	m.log.Info("Order filled",
		zap.String("order_id", order.ID),
		zap.String("ticker", order.Ticker),
		zap.String("side", string(order.Side)),
		zap.String("price", price.String()),
		zap.String("quantity", order.Quantity.String()),
		zap.String("fee", fee.String()))
	return nil
}
