package engine

import (
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/leon-biju/trading-simulator/internal/models"
)

// pendingEntry locates one pending order in the per-asset queue.
type pendingEntry struct {
	createdAt time.Time
	orderID   string
}

// pendingLess orders entries oldest-created-first, order ID as tie-break.
// Min() is therefore the next order to evaluate under the FIFO fairness
// policy.
func pendingLess(a, b pendingEntry) bool {
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.orderID < b.orderID
}

// PendingIndex is the in-memory queue of pending orders per asset, ordered
// by creation time. The database stays the system of record; the index only
// spares the matcher a table scan per tick and gives the expiry sweep an
// early-exit iteration order.
type PendingIndex struct {
	mu       sync.RWMutex
	byTicker map[string]*btree.BTreeG[pendingEntry]
	index    map[string]indexRef // order ID -> location
}

type indexRef struct {
	ticker string
	entry  pendingEntry
}

// NewPendingIndex creates an empty index.
func NewPendingIndex() *PendingIndex {
	return &PendingIndex{
		byTicker: make(map[string]*btree.BTreeG[pendingEntry]),
		index:    make(map[string]indexRef),
	}
}

// Add registers a pending order.
func (p *PendingIndex) Add(order *models.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tree, ok := p.byTicker[order.Ticker]
	if !ok {
		const degree = 32
		tree = btree.NewG[pendingEntry](degree, pendingLess)
		p.byTicker[order.Ticker] = tree
	}
	entry := pendingEntry{createdAt: order.CreatedAt, orderID: order.ID}
	tree.ReplaceOrInsert(entry)
	p.index[order.ID] = indexRef{ticker: order.Ticker, entry: entry}
}

// Remove drops an order from the queue. Removing an unknown ID is a no-op,
// so terminal transitions can call it unconditionally.
func (p *PendingIndex) Remove(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ref, ok := p.index[orderID]
	if !ok {
		return
	}
	delete(p.index, orderID)
	if tree, ok := p.byTicker[ref.ticker]; ok {
		tree.Delete(ref.entry)
	}
}

// OrderIDs returns the pending order IDs for one asset in FIFO order.
func (p *PendingIndex) OrderIDs(ticker string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tree, ok := p.byTicker[ticker]
	if !ok {
		return nil
	}
	ids := make([]string, 0, tree.Len())
	tree.Ascend(func(e pendingEntry) bool {
		ids = append(ids, e.orderID)
		return true
	})
	return ids
}

// OrderIDsBefore returns, per asset, the pending order IDs created at or
// before the cutoff, in FIFO order. Because the trees are ordered by
// creation time the scan stops at the first younger order.
func (p *PendingIndex) OrderIDsBefore(cutoff time.Time) map[string][]string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string][]string)
	for ticker, tree := range p.byTicker {
		tree.Ascend(func(e pendingEntry) bool {
			if e.createdAt.After(cutoff) {
				return false
			}
			out[ticker] = append(out[ticker], e.orderID)
			return true
		})
	}
	return out
}

// Len returns the total number of pending orders tracked.
func (p *PendingIndex) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.index)
}
