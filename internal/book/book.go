package book

import (
	"sort"
	"sync"
	"time"

	"venueflow/logger"
	"venueflow/models"
)

// Side selects one half of the book for side-specific queries.
type Side int

const (
	Bid Side = iota
	Ask
)

// SpreadChange is emitted when the spread moves more than the configured
// threshold since the last emitted value.
type SpreadChange struct {
	Exchange string
	Symbol   string
	Spread   float64
	Previous float64
	At       time.Time
}

// Book is the maintained order book for a single market. Bids are kept
// in descending price order, asks ascending. Writes come from the single
// stream consumer; queries may run concurrently.
type Book struct {
	exchange string
	symbol   string

	mu           sync.RWMutex
	bids         []models.PriceLevel
	asks         []models.PriceLevel
	lastUpdateID int64
	staleDeltas  uint64

	spreadThreshold float64
	lastSpread      float64
	spreadEmitted   bool
	spreadCh        chan SpreadChange

	log *logger.Entry
}

func New(exchange, symbol string, spreadThreshold float64, log *logger.Log) *Book {
	return &Book{
		exchange:        exchange,
		symbol:          symbol,
		spreadThreshold: spreadThreshold,
		spreadCh:        make(chan SpreadChange, 16),
		log: log.WithComponent("book").WithFields(logger.Fields{
			"exchange": exchange,
			"symbol":   symbol,
		}),
	}
}

func (b *Book) Exchange() string { return b.exchange }
func (b *Book) Symbol() string   { return b.symbol }

// SpreadChanges is the spread notification channel. Notifications are
// dropped if the observer falls behind.
func (b *Book) SpreadChanges() <-chan SpreadChange {
	return b.spreadCh
}

// ApplySnapshot replaces both sides wholesale and resets the update id.
func (b *Book) ApplySnapshot(snap models.BookSnapshot) {
	bids := append([]models.PriceLevel(nil), snap.Bids...)
	asks := append([]models.PriceLevel(nil), snap.Asks...)
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	b.mu.Lock()
	b.bids = bids
	b.asks = asks
	b.lastUpdateID = snap.UpdateID
	b.mu.Unlock()

	b.log.WithFields(logger.Fields{
		"update_id": snap.UpdateID,
		"bids":      len(bids),
		"asks":      len(asks),
	}).Debug("snapshot applied")
	b.checkSpread()
}

// ApplyDelta upserts and removes levels atomically. The whole delta is
// discarded when its update id is not newer than the last applied one;
// it returns false in that case.
func (b *Book) ApplyDelta(delta models.BookDelta) bool {
	b.mu.Lock()
	if delta.UpdateID <= b.lastUpdateID {
		b.staleDeltas++
		b.mu.Unlock()
		logger.IncrementStaleDelta()
		b.log.WithField("update_id", delta.UpdateID).Debug("stale delta discarded")
		return false
	}
	for _, lvl := range delta.Bids {
		b.bids = upsertLevel(b.bids, lvl, func(a, c float64) bool { return a > c })
	}
	for _, lvl := range delta.Asks {
		b.asks = upsertLevel(b.asks, lvl, func(a, c float64) bool { return a < c })
	}
	b.lastUpdateID = delta.UpdateID
	b.mu.Unlock()

	b.checkSpread()
	return true
}

// upsertLevel keeps the side sorted by "before". Quantity 0 removes the
// level when present.
func upsertLevel(side []models.PriceLevel, lvl models.PriceLevel, before func(a, b float64) bool) []models.PriceLevel {
	i := sort.Search(len(side), func(i int) bool {
		return !before(side[i].Price, lvl.Price)
	})
	found := i < len(side) && side[i].Price == lvl.Price

	if lvl.Quantity == 0 {
		if found {
			return append(side[:i], side[i+1:]...)
		}
		return side
	}
	if found {
		side[i].Quantity = lvl.Quantity
		return side
	}
	side = append(side, models.PriceLevel{})
	copy(side[i+1:], side[i:])
	side[i] = lvl
	return side
}

func (b *Book) LastUpdateID() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdateID
}

// StaleDeltas reports how many deltas were discarded as stale.
func (b *Book) StaleDeltas() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.staleDeltas
}

func (b *Book) BestBid() (models.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 {
		return models.PriceLevel{}, false
	}
	return b.bids[0], true
}

func (b *Book) BestAsk() (models.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.asks) == 0 {
		return models.PriceLevel{}, false
	}
	return b.asks[0], true
}

// Spread is bestAsk - bestBid. The second return is false when either
// side is empty.
func (b *Book) Spread() (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.spreadLocked()
}

// spreadLocked requires at least a read lock.
func (b *Book) spreadLocked() (float64, bool) {
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return 0, false
	}
	return b.asks[0].Price - b.bids[0].Price, true
}

func (b *Book) MidPrice() (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return 0, false
	}
	return (b.asks[0].Price + b.bids[0].Price) / 2, true
}

// VWAP is the volume-weighted average price over the top n levels of one
// side. The second return is false when the side is empty or total
// quantity is zero.
func (b *Book) VWAP(side Side, n int) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	levels := b.sideLocked(side)
	if n > len(levels) {
		n = len(levels)
	}
	var notional, qty float64
	for _, lvl := range levels[:n] {
		notional += lvl.Price * lvl.Quantity
		qty += lvl.Quantity
	}
	if qty == 0 {
		return 0, false
	}
	return notional / qty, true
}

// Imbalance is bidVolume / (bidVolume + askVolume) over the top n levels
// of each side. 0.5 means balanced; the second return is false when both
// sides are empty over the window.
func (b *Book) Imbalance(n int) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bidQty := topQuantity(b.bids, n)
	askQty := topQuantity(b.asks, n)
	if bidQty+askQty == 0 {
		return 0, false
	}
	return bidQty / (bidQty + askQty), true
}

func topQuantity(side []models.PriceLevel, n int) float64 {
	if n > len(side) {
		n = len(side)
	}
	var qty float64
	for _, lvl := range side[:n] {
		qty += lvl.Quantity
	}
	return qty
}

// sideLocked requires at least a read lock.
func (b *Book) sideLocked(side Side) []models.PriceLevel {
	if side == Bid {
		return b.bids
	}
	return b.asks
}

// TopLevels copies the top n levels of both sides for callers that need
// a stable view, like the recorder.
func (b *Book) TopLevels(n int) (bids, asks []models.PriceLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	nb, na := n, n
	if nb > len(b.bids) {
		nb = len(b.bids)
	}
	if na > len(b.asks) {
		na = len(b.asks)
	}
	bids = append([]models.PriceLevel(nil), b.bids[:nb]...)
	asks = append([]models.PriceLevel(nil), b.asks[:na]...)
	return bids, asks
}

func (b *Book) checkSpread() {
	b.mu.Lock()
	spread, ok := b.spreadLocked()
	if !ok {
		b.mu.Unlock()
		return
	}
	if b.spreadEmitted && abs(spread-b.lastSpread) <= b.spreadThreshold {
		b.mu.Unlock()
		return
	}
	prev := b.lastSpread
	b.lastSpread = spread
	b.spreadEmitted = true
	b.mu.Unlock()

	change := SpreadChange{
		Exchange: b.exchange,
		Symbol:   b.symbol,
		Spread:   spread,
		Previous: prev,
		At:       time.Now(),
	}
	select {
	case b.spreadCh <- change:
	default:
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
