package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/leon-biju/trading-simulator/internal/api"
	"github.com/leon-biju/trading-simulator/internal/calendar"
	"github.com/leon-biju/trading-simulator/internal/config"
	"github.com/leon-biju/trading-simulator/internal/database"
	"github.com/leon-biju/trading-simulator/internal/fx"
	"github.com/leon-biju/trading-simulator/internal/logger"
	"github.com/leon-biju/trading-simulator/internal/models"
	"github.com/leon-biju/trading-simulator/internal/portfolio"
	"github.com/leon-biju/trading-simulator/internal/simulation"
)

// Read-only query server over the simulator's database. Prices come from
// the latest finalized candle close, so valuations lag the live engine by
// at most one tick.
func main() {
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}

	cal, err := calendar.New(cfg.Market.Exchanges)
	if err != nil {
		log.Fatal("Invalid exchange calendar", zap.Error(err))
	}

	board := simulation.NewBoard()
	agg := simulation.NewAggregator(db, log)

	var assets []models.Asset
	if err := db.Where("active = ?", true).Find(&assets).Error; err != nil {
		log.Fatal("Failed to load assets", zap.Error(err))
	}
	for _, a := range assets {
		if px, at, ok := agg.LatestClose(a.Ticker); ok {
			board.Prime(a.Ticker, px, at)
		}
	}

	fxClient := fx.NewClient(&cfg.FX, cfg.Market.BaseCurrency, db, log)
	pf := portfolio.NewService(db, log, board, fxClient, cfg.Market.BaseCurrency)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewServer(log, db, nil, board, agg, cal, pf).ReadOnlyRouter(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	go func() {
		log.Info("Starting query server", zap.Int("port", cfg.Server.Port))
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

	log.Info("Server has been shut down.")
}
