package simulation

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/leon-biju/trading-simulator/internal/models"
)

const minutesPerYear = 365 * 24 * 60

// Params are the stochastic-model parameters for geometric Brownian motion.
type Params struct {
	Mu              float64 // annual drift
	Sigma           float64 // annual volatility
	InitialPriceMin float64 // starting-price range for assets with no history
	InitialPriceMax float64
}

// Bar is one tick's contribution to a candle bucket. The four points are
// sampled independently and reordered so Low <= {Open, Close} <= High.
type Bar struct {
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// Tick is the result of advancing one asset by one step: the new price and
// one sampled bar per candle interval.
type Tick struct {
	Price float64
	Bars  map[int]Bar // keyed by interval minutes
}

// Generator advances asset prices with GBM steps. It is safe for concurrent
// use; the shared RNG is guarded so parallel per-asset steps do not race.
type Generator struct {
	params Params

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator validates the simulation parameters and builds a generator.
// A negative volatility or a non-finite drift is a configuration error.
func NewGenerator(p Params, seed int64) (*Generator, error) {
	if p.Sigma < 0 {
		return nil, fmt.Errorf("sigma must be non-negative, got %v", p.Sigma)
	}
	if math.IsNaN(p.Mu) || math.IsInf(p.Mu, 0) {
		return nil, fmt.Errorf("mu must be finite, got %v", p.Mu)
	}
	if p.InitialPriceMin <= 0 || p.InitialPriceMax < p.InitialPriceMin {
		return nil, fmt.Errorf("initial price range [%v, %v] is invalid", p.InitialPriceMin, p.InitialPriceMax)
	}
	return &Generator{
		params: p,
		rng:    rand.New(rand.NewSource(seed)),
	}, nil
}

// gbmFactor is the multiplicative GBM step exp((mu - sigma^2/2)dt + sigma sqrt(dt) z).
// Strictly positive for any finite inputs.
func gbmFactor(mu, sigma, dt, z float64) float64 {
	drift := (mu - 0.5*sigma*sigma) * dt
	shock := sigma * math.Sqrt(dt) * z
	return math.Exp(drift + shock)
}

// Step advances a price by one tick covering the given real elapsed time.
// A non-positive prev means the asset has no price history yet and gets a
// uniform random starting price from the configured range.
//
// The candle points are four independent draws anchored on prev, not a path
// maximum/minimum, reordered so Low <= {Open, Close} <= High.
func (g *Generator) Step(prev float64, elapsed time.Duration) Tick {
	dt := elapsed.Minutes() / minutesPerYear

	g.mu.Lock()
	defer g.mu.Unlock()

	if prev <= 0 {
		prev = g.params.InitialPriceMin +
			g.rng.Float64()*(g.params.InitialPriceMax-g.params.InitialPriceMin)
	}

	price := prev * gbmFactor(g.params.Mu, g.params.Sigma, dt, g.rng.NormFloat64())

	bars := make(map[int]Bar, len(models.Intervals))
	for _, interval := range models.Intervals {
		o := prev * gbmFactor(g.params.Mu, g.params.Sigma, dt, g.rng.NormFloat64())
		h := prev * gbmFactor(g.params.Mu, g.params.Sigma, dt, g.rng.NormFloat64())
		l := prev * gbmFactor(g.params.Mu, g.params.Sigma, dt, g.rng.NormFloat64())
		c := prev * gbmFactor(g.params.Mu, g.params.Sigma, dt, g.rng.NormFloat64())
		bars[interval] = reorderBar(o, h, l, c)
	}

	return Tick{Price: price, Bars: bars}
}

// reorderBar assigns the extremes of the four samples to high and low while
// keeping the open and close draws in place.
func reorderBar(o, h, l, c float64) Bar {
	high := math.Max(math.Max(o, h), math.Max(l, c))
	low := math.Min(math.Min(o, h), math.Min(l, c))
	return Bar{Open: o, High: high, Low: low, Close: c}
}
