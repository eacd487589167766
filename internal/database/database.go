package database

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/leon-biju/trading-simulator/internal/config"
	"github.com/leon-biju/trading-simulator/internal/models"
)

// NewDatabase opens the database connection and performs auto-migration.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// AutoMigrate creates or updates the schema. Existing data is preserved;
// the simulator keeps its history across restarts.
func AutoMigrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Exchange{},
		&models.Asset{},
		&models.Candle{},
		&models.Wallet{},
		&models.Holding{},
		&models.Order{},
		&models.Fill{},
		&models.PortfolioSnapshot{},
		&models.FXRate{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}

// Seed populates the exchange and asset reference tables from the config.
// Rows are created once and updated in place on subsequent starts, so
// config edits (a renamed exchange, a recurrency) take effect on restart.
func Seed(db *gorm.DB, cfg *config.Config) error {
	for _, ex := range cfg.Market.Exchanges {
		row := models.Exchange{
			Name:     ex.Name,
			Code:     ex.Code,
			Timezone: ex.Timezone,
			Currency: ex.Currency,
		}
		var existing models.Exchange
		err := db.Where("code = ?", ex.Code).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := db.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to seed exchange %q: %w", ex.Code, err)
			}
		case err != nil:
			return fmt.Errorf("failed to look up exchange %q: %w", ex.Code, err)
		default:
			existing.Name = row.Name
			existing.Timezone = row.Timezone
			existing.Currency = row.Currency
			if err := db.Save(&existing).Error; err != nil {
				return fmt.Errorf("failed to update exchange %q: %w", ex.Code, err)
			}
		}
	}

	configured := make(map[string]struct{}, len(cfg.Market.Assets))
	for _, a := range cfg.Market.Assets {
		configured[a.Ticker] = struct{}{}
		row := models.Asset{
			Ticker:       a.Ticker,
			Name:         a.Name,
			ExchangeCode: a.Exchange,
			Currency:     a.Currency,
			Active:       true,
		}
		var existing models.Asset
		err := db.Where("ticker = ?", a.Ticker).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := db.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to seed asset %q: %w", a.Ticker, err)
			}
		case err != nil:
			return fmt.Errorf("failed to look up asset %q: %w", a.Ticker, err)
		default:
			existing.Name = row.Name
			existing.ExchangeCode = row.ExchangeCode
			existing.Currency = row.Currency
			existing.Active = true
			if err := db.Save(&existing).Error; err != nil {
				return fmt.Errorf("failed to update asset %q: %w", a.Ticker, err)
			}
		}
	}

	// Assets removed from the config stop trading but keep their history.
	var known []models.Asset
	if err := db.Find(&known).Error; err != nil {
		return fmt.Errorf("failed to list assets: %w", err)
	}
	for _, a := range known {
		if _, ok := configured[a.Ticker]; !ok && a.Active {
			if err := db.Model(&a).Update("active", false).Error; err != nil {
				return fmt.Errorf("failed to deactivate asset %q: %w", a.Ticker, err)
			}
		}
	}

	return nil
}

// Reconcile recomputes every wallet and holding reservation from the set
// of pending orders. Run at startup: a crash between an order's terminal
// transition and its reservation release leaves reserved amounts that no
// live order backs, and this pass removes them.
func Reconcile(db *gorm.DB, log *zap.Logger) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var pending []models.Order
		if err := tx.Where("status = ?", models.OrderStatusPending).Find(&pending).Error; err != nil {
			return fmt.Errorf("failed to load pending orders: %w", err)
		}

		type walletRef struct {
			userID   uint
			currency string
		}
		type holdingRef struct {
			userID uint
			ticker string
		}
		cash := make(map[walletRef]decimal.Decimal)
		shares := make(map[holdingRef]decimal.Decimal)

		assetCurrency := make(map[string]string)
		var assets []models.Asset
		if err := tx.Find(&assets).Error; err != nil {
			return fmt.Errorf("failed to load assets: %w", err)
		}
		for _, a := range assets {
			assetCurrency[a.Ticker] = a.Currency
		}

		for _, o := range pending {
			if o.Side == models.OrderSideBuy {
				ref := walletRef{o.UserID, assetCurrency[o.Ticker]}
				cash[ref] = cash[ref].Add(o.Reserved)
			} else {
				ref := holdingRef{o.UserID, o.Ticker}
				shares[ref] = shares[ref].Add(o.Quantity)
			}
		}

		var wallets []models.Wallet
		if err := tx.Find(&wallets).Error; err != nil {
			return fmt.Errorf("failed to load wallets: %w", err)
		}
		for _, w := range wallets {
			want := cash[walletRef{w.UserID, w.Currency}]
			if !w.Reserved.Equal(want) {
				log.Warn("Reconciling wallet reservation",
					zap.Uint("user_id", w.UserID),
					zap.String("currency", w.Currency),
					zap.String("stored", w.Reserved.String()),
					zap.String("recomputed", want.String()))
				if err := tx.Model(&w).Update("reserved", want).Error; err != nil {
					return fmt.Errorf("failed to reconcile wallet: %w", err)
				}
			}
		}

		var holdings []models.Holding
		if err := tx.Find(&holdings).Error; err != nil {
			return fmt.Errorf("failed to load holdings: %w", err)
		}
		for _, h := range holdings {
			want := shares[holdingRef{h.UserID, h.Ticker}]
			if !h.Reserved.Equal(want) {
				log.Warn("Reconciling holding reservation",
					zap.Uint("user_id", h.UserID),
					zap.String("ticker", h.Ticker),
					zap.String("stored", h.Reserved.String()),
					zap.String("recomputed", want.String()))
				if err := tx.Model(&h).Update("reserved", want).Error; err != nil {
					return fmt.Errorf("failed to reconcile holding: %w", err)
				}
			}
		}

		return nil
	})
}
