package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/leon-biju/trading-simulator/internal/api"
	"github.com/leon-biju/trading-simulator/internal/calendar"
	"github.com/leon-biju/trading-simulator/internal/config"
	"github.com/leon-biju/trading-simulator/internal/database"
	"github.com/leon-biju/trading-simulator/internal/engine"
	"github.com/leon-biju/trading-simulator/internal/fx"
	"github.com/leon-biju/trading-simulator/internal/ledger"
	"github.com/leon-biju/trading-simulator/internal/logger"
	"github.com/leon-biju/trading-simulator/internal/models"
	"github.com/leon-biju/trading-simulator/internal/portfolio"
	"github.com/leon-biju/trading-simulator/internal/scheduler"
	"github.com/leon-biju/trading-simulator/internal/simulation"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := database.Seed(db, &cfg); err != nil {
		log.Fatal("Failed to seed reference data", zap.Error(err))
	}
	if err := database.Reconcile(db, log); err != nil {
		log.Fatal("Failed to reconcile reservations", zap.Error(err))
	}
	log.Info("Database ready")

	// Trading calendar from configured exchange schedules
	cal, err := calendar.New(cfg.Market.Exchanges)
	if err != nil {
		log.Fatal("Invalid exchange calendar", zap.Error(err))
	}

	// Price generation
	gen, err := simulation.NewGenerator(simulation.Params{
		Mu:              cfg.Trading.Mu,
		Sigma:           cfg.Trading.Sigma,
		InitialPriceMin: cfg.Market.InitialPriceMin,
		InitialPriceMax: cfg.Market.InitialPriceMax,
	}, time.Now().UnixNano())
	if err != nil {
		log.Fatal("Invalid simulation parameters", zap.Error(err))
	}
	board := simulation.NewBoard()
	agg := simulation.NewAggregator(db, log)

	// FX rates for cross-currency valuation
	fxClient := fx.NewClient(&cfg.FX, cfg.Market.BaseCurrency, db, log)

	// Ledger and order engine
	lgr := ledger.New(db, log, cfg.Market.BaseCurrency, decimal.NewFromFloat(cfg.Trading.StartingBalance))

	var assets []models.Asset
	if err := db.Where("active = ?", true).Find(&assets).Error; err != nil {
		log.Fatal("Failed to load assets", zap.Error(err))
	}
	matcher, err := engine.NewMatcher(db, log, lgr, board, agg, cal, assets,
		cfg.Trading.FeeRate, cfg.Trading.OrderExpiryDays)
	if err != nil {
		log.Fatal("Failed to initialize order engine", zap.Error(err))
	}

	pf := portfolio.NewService(db, log, board, fxClient, cfg.Market.BaseCurrency)

	sched := scheduler.New(db, log, cal, gen, board, agg, matcher, pf,
		cfg.Market.TickIntervalMinutes, cfg.Market.SnapshotHourUTC)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		fxClient.Run(ctx, cfg.Market.Currencies, time.Duration(cfg.FX.RefreshHours)*time.Hour)
	}()
	go func() {
		defer wg.Done()
		sched.RunSnapshots(ctx)
	}()
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	// HTTP API
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewServer(log, db, matcher, board, agg, cal, pf).Router(),
	}
	go func() {
		log.Info("Starting HTTP API", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", zap.Error(err))
	}
	wg.Wait()

	log.Info("Simulator has been shut down.")
}
