package simulation

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the versioned latest price of one asset. Seq increases by one on
// every published tick, so a reader can tell two quotes at the same price
// apart and the matching engine can pin a whole evaluation pass to one
// snapshot.
type Quote struct {
	Price decimal.Decimal
	Seq   uint64
	At    time.Time
}

// Board holds the current quote per asset. The price generator is the only
// writer; the matching engine and the API read from it.
type Board struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewBoard creates an empty price board.
func NewBoard() *Board {
	return &Board{quotes: make(map[string]Quote)}
}

// Publish replaces the asset's quote, bumping its sequence number, and
// returns the new quote.
func (b *Board) Publish(ticker string, price decimal.Decimal, at time.Time) Quote {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := Quote{Price: price, Seq: b.quotes[ticker].Seq + 1, At: at}
	b.quotes[ticker] = q
	return q
}

// Prime seeds a quote for an asset that has none yet, typically from the
// last persisted candle close after a restart. It never overwrites a live
// quote.
func (b *Board) Prime(ticker string, price decimal.Decimal, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.quotes[ticker]; !ok {
		b.quotes[ticker] = Quote{Price: price, Seq: 1, At: at}
	}
}

// Get returns the asset's current quote, if any.
func (b *Board) Get(ticker string) (Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[ticker]
	return q, ok
}
