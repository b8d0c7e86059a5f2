// Package orderbook keeps a local copy of an exchange order book in step with
// a diff stream and periodic snapshots.
package orderbook

import (
	"sort"
	"sync"

	"depthflow/models"

	"github.com/shopspring/decimal"
)

// Levels maps a canonical price key to its level. Zero quantities are never
// stored.
type Levels map[string]models.PriceLevel

func priceKey(p decimal.Decimal) string {
	return p.String()
}

// Apply inserts, overwrites or, for a zero quantity, removes the level at
// price. Removing an absent level is a no-op.
func (l Levels) Apply(price, quantity decimal.Decimal) {
	key := priceKey(price)
	if quantity.IsZero() {
		delete(l, key)
		return
	}
	l[key] = models.PriceLevel{Price: price, Quantity: quantity}
}

func (l Levels) Get(price decimal.Decimal) (decimal.Decimal, bool) {
	lvl, ok := l[priceKey(price)]
	return lvl.Quantity, ok
}

// sorted returns the levels ordered by price, highest first when desc.
func (l Levels) sorted(desc bool) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(l))
	for _, lvl := range l {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

func (l Levels) clone() Levels {
	out := make(Levels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}

type OrderBook struct {
	LastUpdateID uint64
	Bids         Levels
	Asks         Levels
}

func NewOrderBook() *OrderBook {
	return &OrderBook{Bids: Levels{}, Asks: Levels{}}
}

// FromSnapshot builds a book holding exactly the snapshot's levels.
func FromSnapshot(snap *models.DepthSnapshot) *OrderBook {
	ob := NewOrderBook()
	ob.LastUpdateID = snap.LastUpdateID
	for _, lvl := range snap.Bids {
		ob.Bids.Apply(lvl.Price, lvl.Quantity)
	}
	for _, lvl := range snap.Asks {
		ob.Asks.Apply(lvl.Price, lvl.Quantity)
	}
	return ob
}

// ApplyChanges applies every bid and ask change of u and advances
// LastUpdateID to u's final update id. Sequencing is the caller's concern.
func (ob *OrderBook) ApplyChanges(u *models.DepthUpdate) {
	for _, lvl := range u.Bids {
		ob.Bids.Apply(lvl.Price, lvl.Quantity)
	}
	for _, lvl := range u.Asks {
		ob.Asks.Apply(lvl.Price, lvl.Quantity)
	}
	ob.LastUpdateID = u.FinalUpdateID
}

func (ob *OrderBook) BestBid() (models.PriceLevel, bool) {
	return best(ob.Bids, func(a, b decimal.Decimal) bool { return a.GreaterThan(b) })
}

func (ob *OrderBook) BestAsk() (models.PriceLevel, bool) {
	return best(ob.Asks, func(a, b decimal.Decimal) bool { return a.LessThan(b) })
}

func best(l Levels, better func(a, b decimal.Decimal) bool) (models.PriceLevel, bool) {
	var (
		top   models.PriceLevel
		found bool
	)
	for _, lvl := range l {
		if !found || better(lvl.Price, top.Price) {
			top, found = lvl, true
		}
	}
	return top, found
}

// Depth is a point-in-time copy of the top of a book.
type Depth struct {
	LastUpdateID uint64
	Bids         []models.PriceLevel
	Asks         []models.PriceLevel
}

// Depth returns up to n levels per side, best first. n <= 0 returns all.
func (ob *OrderBook) Depth(n int) Depth {
	bids, asks := ob.Bids.sorted(true), ob.Asks.sorted(false)
	if n > 0 {
		if len(bids) > n {
			bids = bids[:n]
		}
		if len(asks) > n {
			asks = asks[:n]
		}
	}
	return Depth{LastUpdateID: ob.LastUpdateID, Bids: bids, Asks: asks}
}

func (ob *OrderBook) Clone() *OrderBook {
	return &OrderBook{LastUpdateID: ob.LastUpdateID, Bids: ob.Bids.clone(), Asks: ob.Asks.clone()}
}

// Book is the shared, lock-guarded home of one symbol's OrderBook. Writers
// hold the lock for their whole read-modify-write so readers never see a
// partially replaced book.
type Book struct {
	mu     sync.RWMutex
	symbol string
	ob     *OrderBook
}

func NewBook(symbol string) *Book {
	return &Book{symbol: symbol, ob: NewOrderBook()}
}

func (b *Book) Symbol() string {
	return b.symbol
}

// Update runs fn with exclusive access to the book.
func (b *Book) Update(fn func(ob *OrderBook) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fn(b.ob)
}

// View runs fn with shared access. fn must not retain or modify ob.
func (b *Book) View(fn func(ob *OrderBook)) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn(b.ob)
}

func (b *Book) Replace(ob *OrderBook) {
	b.mu.Lock()
	b.ob = ob
	b.mu.Unlock()
}

func (b *Book) LastUpdateID() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ob.LastUpdateID
}

func (b *Book) Depth(n int) Depth {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ob.Depth(n)
}

func (b *Book) Snapshot() *OrderBook {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ob.Clone()
}
