package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Market   Market   `mapstructure:"market"`
	Trading  Trading  `mapstructure:"trading"`
	FX       FX       `mapstructure:"fx"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Server holds the configuration for the web server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Exchange describes one exchange's reference data and trading calendar.
// Weekdays use 0=Sunday..6=Saturday; Open/Close are local "HH:MM" session
// bounds; Holidays are exchange-local "YYYY-MM-DD" dates on which the
// exchange is closed all day.
type Exchange struct {
	Name     string   `mapstructure:"name"`
	Code     string   `mapstructure:"code"`
	Timezone string   `mapstructure:"timezone"`
	Open     string   `mapstructure:"open"`
	Close    string   `mapstructure:"close"`
	Weekdays []int    `mapstructure:"weekdays"`
	Holidays []string `mapstructure:"holidays"`
	Currency string   `mapstructure:"currency"`
}

// Asset describes one tradable security.
type Asset struct {
	Ticker   string `mapstructure:"ticker"`
	Name     string `mapstructure:"name"`
	Exchange string `mapstructure:"exchange"`
	Currency string `mapstructure:"currency"`
}

// Market holds the simulated-market reference data and cadences.
type Market struct {
	BaseCurrency        string     `mapstructure:"base_currency"`
	TickIntervalMinutes int        `mapstructure:"tick_interval_minutes"`
	SnapshotHourUTC     int        `mapstructure:"snapshot_hour_utc"`
	InitialPriceMin     float64    `mapstructure:"initial_price_min"`
	InitialPriceMax     float64    `mapstructure:"initial_price_max"`
	Currencies          []string   `mapstructure:"currencies"`
	Exchanges           []Exchange `mapstructure:"exchanges"`
	Assets              []Asset    `mapstructure:"assets"`
}

// Trading holds the order-engine and simulation parameters.
type Trading struct {
	StartingBalance float64 `mapstructure:"starting_balance"`
	FeeRate         float64 `mapstructure:"fee_rate"`
	OrderExpiryDays int     `mapstructure:"order_expiry_days"`
	Mu              float64 `mapstructure:"mu"`
	Sigma           float64 `mapstructure:"sigma"`
}

// FX holds the configuration for the external rate API client.
type FX struct {
	Endpoint       string  `mapstructure:"endpoint"`
	AccessKey      string  `mapstructure:"access_key"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	RefreshHours   int     `mapstructure:"refresh_hours"`
}

// LoadConfig reads configuration from file or environment variables and
// validates the simulation parameters. Bad parameters are a startup error,
// never silently defaulted.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")
	viper.SetDefault("market.tick_interval_minutes", 5)
	viper.SetDefault("market.snapshot_hour_utc", 0)
	viper.SetDefault("market.initial_price_min", 50)
	viper.SetDefault("market.initial_price_max", 250)
	viper.SetDefault("trading.order_expiry_days", 30)
	viper.SetDefault("fx.rate_limit", 1) // requests per second
	viper.SetDefault("fx.rate_limit_burst", 1)
	viper.SetDefault("fx.refresh_hours", 24)

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	err = config.Validate()
	return
}

// Validate checks the parameters the engine cannot run with.
func (c *Config) Validate() error {
	if c.Trading.Sigma < 0 {
		return fmt.Errorf("trading.sigma must be non-negative, got %v", c.Trading.Sigma)
	}
	if math.IsNaN(c.Trading.Mu) || math.IsInf(c.Trading.Mu, 0) {
		return fmt.Errorf("trading.mu must be finite, got %v", c.Trading.Mu)
	}
	if c.Trading.FeeRate < 0 {
		return fmt.Errorf("trading.fee_rate must be non-negative, got %v", c.Trading.FeeRate)
	}
	if c.Market.TickIntervalMinutes <= 0 {
		return fmt.Errorf("market.tick_interval_minutes must be positive, got %d", c.Market.TickIntervalMinutes)
	}
	if c.Trading.OrderExpiryDays <= 0 {
		return fmt.Errorf("trading.order_expiry_days must be positive, got %d", c.Trading.OrderExpiryDays)
	}
	if c.Market.InitialPriceMin <= 0 || c.Market.InitialPriceMax < c.Market.InitialPriceMin {
		return fmt.Errorf("market.initial_price range [%v, %v] is invalid",
			c.Market.InitialPriceMin, c.Market.InitialPriceMax)
	}
	if c.Market.BaseCurrency == "" {
		return fmt.Errorf("market.base_currency is required")
	}

	exchanges := make(map[string]struct{}, len(c.Market.Exchanges))
	for _, ex := range c.Market.Exchanges {
		exchanges[ex.Code] = struct{}{}
	}
	for _, a := range c.Market.Assets {
		if _, ok := exchanges[a.Exchange]; !ok {
			return fmt.Errorf("asset %s references unknown exchange %q", a.Ticker, a.Exchange)
		}
	}
	return nil
}
