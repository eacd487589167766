// Package ledger owns all Wallet and Holding mutation: the atomic
// check-and-reserve on order placement, reservation release on terminal
// transitions, and fill settlement including weighted-average cost basis.
// Nothing else in the engine writes these rows.
package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/leon-biju/trading-simulator/internal/models"
)

// Ledger serializes mutations per (user, currency) wallet and per
// (user, ticker) holding with keyed mutexes, never a global lock. Each
// mutation commits in its own transaction, so a reservation is either fully
// applied or not at all.
type Ledger struct {
	db              *gorm.DB
	log             *zap.Logger
	baseCurrency    string
	startingBalance decimal.Decimal

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a ledger. New users get startingBalance in the base currency
// and empty wallets in anything else.
func New(db *gorm.DB, log *zap.Logger, baseCurrency string, startingBalance decimal.Decimal) *Ledger {
	return &Ledger{
		db:              db,
		log:             log,
		baseCurrency:    baseCurrency,
		startingBalance: startingBalance,
		locks:           make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex guarding one resource, creating it on first use.
func (l *Ledger) lockFor(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

func walletKey(userID uint, currency string) string {
	return fmt.Sprintf("w/%d/%s", userID, currency)
}

func holdingKey(userID uint, ticker string) string {
	return fmt.Sprintf("h/%d/%s", userID, ticker)
}

// loadOrCreateWallet fetches the wallet inside tx, creating it with the
// configured starting balance for the base currency.
func (l *Ledger) loadOrCreateWallet(tx *gorm.DB, userID uint, currency string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := tx.Where("user_id = ? AND currency = ?", userID, currency).First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		wallet = models.Wallet{
			UserID:   userID,
			Currency: currency,
			Balance:  decimal.Zero,
			Reserved: decimal.Zero,
		}
		if currency == l.baseCurrency {
			wallet.Balance = l.startingBalance
		}
		if err := tx.Create(&wallet).Error; err != nil {
			return nil, err
		}
		return &wallet, nil
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

// Wallet returns the user's wallet in the given currency, creating it on
// first use.
func (l *Ledger) Wallet(userID uint, currency string) (*models.Wallet, error) {
	lock := l.lockFor(walletKey(userID, currency))
	lock.Lock()
	defer lock.Unlock()

	var wallet *models.Wallet
	err := l.db.Transaction(func(tx *gorm.DB) error {
		var err error
		wallet, err = l.loadOrCreateWallet(tx, userID, currency)
		return err
	})
	return wallet, err
}

// Holding returns the user's holding for the ticker, if any.
func (l *Ledger) Holding(userID uint, ticker string) (*models.Holding, error) {
	var holding models.Holding
	err := l.db.Where("user_id = ? AND ticker = ?", userID, ticker).First(&holding).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrHoldingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &holding, nil
}

// Holdings returns every holding of the user.
func (l *Ledger) Holdings(userID uint) ([]models.Holding, error) {
	var holdings []models.Holding
	err := l.db.Where("user_id = ?", userID).Find(&holdings).Error
	return holdings, err
}

// Wallets returns every wallet of the user.
func (l *Ledger) Wallets(userID uint) ([]models.Wallet, error) {
	var wallets []models.Wallet
	err := l.db.Where("user_id = ?", userID).Find(&wallets).Error
	return wallets, err
}

// ReserveCash atomically checks the available balance and moves amount from
// available to reserved. Two concurrent reservations against the same
// wallet serialize on the wallet's mutex, so both can never pass the check
// against the same available balance.
func (l *Ledger) ReserveCash(userID uint, currency string, amount decimal.Decimal) error {
	lock := l.lockFor(walletKey(userID, currency))
	lock.Lock()
	defer lock.Unlock()

	return l.db.Transaction(func(tx *gorm.DB) error {
		wallet, err := l.loadOrCreateWallet(tx, userID, currency)
		if err != nil {
			return err
		}
		if wallet.Available().LessThan(amount) {
			return fmt.Errorf("need %s %s, available %s: %w",
				amount, currency, wallet.Available(), models.ErrInsufficientFunds)
		}
		wallet.Reserved = wallet.Reserved.Add(amount)
		return tx.Save(wallet).Error
	})
}

// ReleaseCash returns a reserved amount to available. Called exactly once
// per order, on its terminal transition.
func (l *Ledger) ReleaseCash(userID uint, currency string, amount decimal.Decimal) error {
	lock := l.lockFor(walletKey(userID, currency))
	lock.Lock()
	defer lock.Unlock()

	return l.db.Transaction(func(tx *gorm.DB) error {
		wallet, err := l.loadOrCreateWallet(tx, userID, currency)
		if err != nil {
			return err
		}
		wallet.Reserved = wallet.Reserved.Sub(amount)
		if wallet.Reserved.IsNegative() {
			l.log.Error("Reservation release drove reserved negative; clamping",
				zap.Uint("user_id", userID), zap.String("currency", currency))
			wallet.Reserved = decimal.Zero
		}
		return tx.Save(wallet).Error
	})
}

// ReserveShares atomically checks the available quantity on the holding and
// moves it to reserved.
func (l *Ledger) ReserveShares(userID uint, ticker string, quantity decimal.Decimal) error {
	lock := l.lockFor(holdingKey(userID, ticker))
	lock.Lock()
	defer lock.Unlock()

	return l.db.Transaction(func(tx *gorm.DB) error {
		var holding models.Holding
		err := tx.Where("user_id = ? AND ticker = ?", userID, ticker).First(&holding).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("no position in %s: %w", ticker, models.ErrInsufficientHoldings)
		}
		if err != nil {
			return err
		}
		if holding.Available().LessThan(quantity) {
			return fmt.Errorf("need %s %s, available %s: %w",
				quantity, ticker, holding.Available(), models.ErrInsufficientHoldings)
		}
		holding.Reserved = holding.Reserved.Add(quantity)
		return tx.Save(&holding).Error
	})
}

// ReleaseShares returns reserved shares to available.
func (l *Ledger) ReleaseShares(userID uint, ticker string, quantity decimal.Decimal) error {
	lock := l.lockFor(holdingKey(userID, ticker))
	lock.Lock()
	defer lock.Unlock()

	return l.db.Transaction(func(tx *gorm.DB) error {
		var holding models.Holding
		err := tx.Where("user_id = ? AND ticker = ?", userID, ticker).First(&holding).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ErrHoldingNotFound
		}
		if err != nil {
			return err
		}
		holding.Reserved = holding.Reserved.Sub(quantity)
		if holding.Reserved.IsNegative() {
			l.log.Error("Share release drove reserved negative; clamping",
				zap.Uint("user_id", userID), zap.String("ticker", ticker))
			holding.Reserved = decimal.Zero
		}
		return tx.Save(&holding).Error
	})
}

// SettleBuy consumes a buy order's reservation and applies the fill: the
// full reservation is released, exactly the cost (notional + fee) is
// debited, and the holding's quantity and weighted-average cost basis are
// updated. The fill record and the order's terminal state commit in the
// same transaction as the wallet and holding, so a crash can never leave a
// debited wallet without its fill or vice versa. cost never exceeds
// reserved; the matcher tops the reservation up first when a rested market
// order executes above its reserve price.
func (l *Ledger) SettleBuy(order *models.Order, fill *models.Fill, currency string) error {
	wLock := l.lockFor(walletKey(order.UserID, currency))
	hLock := l.lockFor(holdingKey(order.UserID, order.Ticker))
	wLock.Lock()
	defer wLock.Unlock()
	hLock.Lock()
	defer hLock.Unlock()

	cost := models.RoundMoney(fill.Price.Mul(fill.Quantity)).Add(fill.Fee)

	return l.db.Transaction(func(tx *gorm.DB) error {
		wallet, err := l.loadOrCreateWallet(tx, order.UserID, currency)
		if err != nil {
			return err
		}
		wallet.Reserved = wallet.Reserved.Sub(order.Reserved)
		wallet.Balance = wallet.Balance.Sub(cost)
		if wallet.Reserved.IsNegative() || wallet.Balance.IsNegative() {
			return fmt.Errorf("settling order %s would overdraw wallet: %w",
				order.ID, models.ErrInsufficientFunds)
		}
		if err := tx.Save(wallet).Error; err != nil {
			return err
		}

		var holding models.Holding
		err = tx.Where("user_id = ? AND ticker = ?", order.UserID, order.Ticker).First(&holding).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			holding = models.Holding{
				UserID:     order.UserID,
				Ticker:     order.Ticker,
				Quantity:   decimal.Zero,
				Reserved:   decimal.Zero,
				AvgCost:    decimal.Zero,
				RealizedPL: decimal.Zero,
			}
		} else if err != nil {
			return err
		}

		newQty := holding.Quantity.Add(fill.Quantity)
		// new_avg = (old_qty*old_avg + notional + fee) / new_qty
		holding.AvgCost = holding.Quantity.Mul(holding.AvgCost).Add(cost).Div(newQty)
		holding.Quantity = newQty
		if err := tx.Save(&holding).Error; err != nil {
			return err
		}

		if err := tx.Create(fill).Error; err != nil {
			return err
		}
		return tx.Save(order).Error
	})
}

// SettleSell consumes a sell order's share reservation and applies the
// fill: shares leave the holding, realized P&L of
// (price - avg_cost) * quantity - fee accumulates, the average cost of the
// remaining quantity is unchanged, and the proceeds net of fee are credited
// to the wallet. As with SettleBuy, the fill and the order's terminal state
// commit atomically with the wallet and holding.
func (l *Ledger) SettleSell(order *models.Order, fill *models.Fill, currency string) error {
	wLock := l.lockFor(walletKey(order.UserID, currency))
	hLock := l.lockFor(holdingKey(order.UserID, order.Ticker))
	wLock.Lock()
	defer wLock.Unlock()
	hLock.Lock()
	defer hLock.Unlock()

	proceeds := models.RoundMoney(fill.Price.Mul(fill.Quantity)).Sub(fill.Fee)

	return l.db.Transaction(func(tx *gorm.DB) error {
		var holding models.Holding
		err := tx.Where("user_id = ? AND ticker = ?", order.UserID, order.Ticker).First(&holding).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.ErrHoldingNotFound
		}
		if err != nil {
			return err
		}

		holding.Quantity = holding.Quantity.Sub(fill.Quantity)
		holding.Reserved = holding.Reserved.Sub(fill.Quantity)
		if holding.Quantity.IsNegative() || holding.Reserved.IsNegative() {
			return fmt.Errorf("settling order %s would oversell %s: %w",
				order.ID, order.Ticker, models.ErrInsufficientHoldings)
		}
		realized := fill.Price.Sub(holding.AvgCost).Mul(fill.Quantity).Sub(fill.Fee)
		holding.RealizedPL = holding.RealizedPL.Add(models.RoundMoney(realized))
		if holding.Quantity.IsZero() {
			holding.AvgCost = decimal.Zero
		}
		if err := tx.Save(&holding).Error; err != nil {
			return err
		}

		wallet, err := l.loadOrCreateWallet(tx, order.UserID, currency)
		if err != nil {
			return err
		}
		wallet.Balance = wallet.Balance.Add(proceeds)
		if err := tx.Save(wallet).Error; err != nil {
			return err
		}

		if err := tx.Create(fill).Error; err != nil {
			return err
		}
		return tx.Save(order).Error
	})
}
