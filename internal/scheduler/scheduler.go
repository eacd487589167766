package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/leon-biju/trading-simulator/internal/calendar"
	"github.com/leon-biju/trading-simulator/internal/engine"
	"github.com/leon-biju/trading-simulator/internal/metrics"
	"github.com/leon-biju/trading-simulator/internal/models"
	"github.com/leon-biju/trading-simulator/internal/portfolio"
	"github.com/leon-biju/trading-simulator/internal/simulation"
)

// Scheduler drives the simulation clock. Each tick it generates prices for
// every asset whose exchange is open, folds the results into the candle
// history, publishes the new quotes, and hands the tick to the order
// engine for matching and expiry.
type Scheduler struct {
	db        *gorm.DB
	log       *zap.Logger
	cal       *calendar.Calendar
	gen       *simulation.Generator
	board     *simulation.Board
	agg       *simulation.Aggregator
	matcher   *engine.Matcher
	portfolio *portfolio.Service

	tickInterval    time.Duration
	snapshotHourUTC int

	mu       sync.Mutex
	lastTick map[string]time.Time // per-ticker time of the last generated price
}

// New creates a scheduler.
func New(
	db *gorm.DB,
	log *zap.Logger,
	cal *calendar.Calendar,
	gen *simulation.Generator,
	board *simulation.Board,
	agg *simulation.Aggregator,
	matcher *engine.Matcher,
	pf *portfolio.Service,
	tickIntervalMinutes int,
	snapshotHourUTC int,
) *Scheduler {
	return &Scheduler{
		db:              db,
		log:             log,
		cal:             cal,
		gen:             gen,
		board:           board,
		agg:             agg,
		matcher:         matcher,
		portfolio:       pf,
		tickInterval:    time.Duration(tickIntervalMinutes) * time.Minute,
		snapshotHourUTC: snapshotHourUTC,
		lastTick:        make(map[string]time.Time),
	}
}

// Run primes the price board from the candle history and then runs the
// tick loop until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.PrimeBoard(); err != nil {
		s.log.Error("Failed to prime price board", zap.Error(err))
	}

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.log.Info("Starting tick loop", zap.Duration("interval", s.tickInterval))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Stopping scheduler...")
			return
		case now := <-ticker.C:
			s.Tick(now.UTC())
		}
	}
}

// PrimeBoard seeds the board with each asset's latest candle close, so
// market orders can reserve against a price before the first tick.
func (s *Scheduler) PrimeBoard() error {
	var assets []models.Asset
	if err := s.db.Where("active = ?", true).Find(&assets).Error; err != nil {
		return err
	}
	primed := 0
	for _, a := range assets {
		if px, at, ok := s.agg.LatestClose(a.Ticker); ok {
			s.board.Prime(a.Ticker, px, at)
			s.mu.Lock()
			s.lastTick[a.Ticker] = at
			s.mu.Unlock()
			primed++
		}
	}
	s.log.Info("Primed price board",
		zap.Int("assets", len(assets)),
		zap.Int("primed", primed))
	return nil
}

// stepResult carries one asset's generated tick back to the serializing
// goroutine.
type stepResult struct {
	asset models.Asset
	loc   *time.Location
	tick  simulation.Tick
}

// Tick runs one simulation cycle at the given instant. Assets on closed
// exchanges are untouched: no price movement, no candles, no matching for
// their orders. Expiry still runs for everything.
func (s *Scheduler) Tick(now time.Time) {
	started := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(started).Seconds())
	}()

	open := s.cal.OpenExchanges(now)
	metrics.OpenExchanges.Set(float64(len(open)))

	// Stale orders expire on every cycle, open markets or not.
	s.matcher.SweepExpired(now)

	if len(open) == 0 {
		metrics.TicksTotal.WithLabelValues("skipped").Inc()
		return
	}

	var assets []models.Asset
	err := s.db.Where("active = ? AND exchange_code IN ?", true, open).Find(&assets).Error
	if err != nil {
		s.log.Error("Failed to load assets for tick", zap.Error(err))
		metrics.TicksTotal.WithLabelValues("error").Inc()
		return
	}
	if len(assets) == 0 {
		metrics.TicksTotal.WithLabelValues("skipped").Inc()
		return
	}

	// Price generation fans out per asset; candle writes and board
	// publishes are serialized below so the tick commits in one place.
	results := make(chan stepResult, len(assets))
	var wg sync.WaitGroup
	for _, a := range assets {
		loc, err := s.cal.Location(a.ExchangeCode)
		if err != nil {
			s.log.Error("Asset on unknown exchange",
				zap.String("ticker", a.Ticker), zap.Error(err))
			continue
		}

		prev := 0.0
		if quote, ok := s.board.Get(a.Ticker); ok {
			prev, _ = quote.Price.Float64()
		}
		elapsed := s.tickInterval
		s.mu.Lock()
		if last, ok := s.lastTick[a.Ticker]; ok && now.After(last) {
			elapsed = now.Sub(last)
		}
		s.mu.Unlock()

		wg.Add(1)
		go func(a models.Asset, loc *time.Location, prev float64, elapsed time.Duration) {
			defer wg.Done()
			results <- stepResult{asset: a, loc: loc, tick: s.gen.Step(prev, elapsed)}
		}(a, loc, prev, elapsed)
	}
	wg.Wait()
	close(results)

	quotes := make(map[string]simulation.Quote, len(assets))
	for r := range results {
		price := models.RoundPrice(decimal.NewFromFloat(r.tick.Price))

		failed := false
		for interval, bar := range r.tick.Bars {
			err := s.agg.Record(r.asset.Ticker, interval, r.loc, now, bar, decimal.Zero)
			if err != nil {
				if !errors.Is(err, models.ErrStaleBucket) {
					s.log.Error("Failed to record candle",
						zap.String("ticker", r.asset.Ticker),
						zap.Int("interval", interval),
						zap.Error(err))
					failed = true
				}
			}
		}
		if failed {
			continue
		}

		quotes[r.asset.Ticker] = s.board.Publish(r.asset.Ticker, price, now)
		s.mu.Lock()
		s.lastTick[r.asset.Ticker] = now
		s.mu.Unlock()
		metrics.AssetsUpdated.Inc()
	}

	s.matcher.EvaluateTick(quotes, now)
	metrics.TicksTotal.WithLabelValues("ok").Inc()

	s.log.Debug("Tick complete",
		zap.Int("exchanges_open", len(open)),
		zap.Int("assets_updated", len(quotes)),
		zap.Duration("took", time.Since(started)))
}

// RunSnapshots runs the daily portfolio snapshot cycle at the configured
// UTC hour until the context is cancelled.
func (s *Scheduler) RunSnapshots(ctx context.Context) {
	for {
		next := s.nextSnapshot(time.Now().UTC())
		s.log.Info("Next snapshot cycle scheduled", zap.Time("at", next))

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			if err := s.portfolio.SnapshotAll(time.Now().UTC()); err != nil {
				s.log.Error("Snapshot cycle had failures", zap.Error(err))
			}
		}
	}
}

// nextSnapshot returns the next instant the snapshot cycle should run.
func (s *Scheduler) nextSnapshot(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.snapshotHourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
