// Package book maintains a checksum-validated local mirror of the
// top-of-book price ladder fed by the public session's book channel.
//
// Every update is validated against the exchange-supplied CRC-32. After
// a run of consecutive mismatches the mirror declares itself invalid,
// drops its state and asks the owning session for a fresh snapshot, so a
// silently stale book can never keep driving decisions.
package book

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridflow/logger"
	"gridflow/models"
)

type level struct {
	price decimal.Decimal
	qty   decimal.Decimal
}

// Mirror is the local order-book state for a single symbol.
type Mirror struct {
	mu sync.Mutex

	symbol string
	// asks ascending, bids descending; the checksum depends on this order.
	asks []level
	bids []level

	valid       bool
	failures    int
	maxFailures int
	lastApplied time.Time

	resyncSubs []func()
	log        *logger.Entry
}

// NewMirror creates an empty, invalid mirror. It becomes valid once the
// first snapshot applies cleanly. maxFailures is the consecutive
// checksum-mismatch threshold that triggers a resync (0 means 3).
func NewMirror(symbol string, maxFailures int) *Mirror {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	return &Mirror{
		symbol:      symbol,
		maxFailures: maxFailures,
		log:         logger.GetLogger().WithComponent("book_mirror").WithFields(logger.Fields{"symbol": symbol}),
	}
}

// OnResync registers a callback fired when the mirror has discarded its
// state and needs a fresh snapshot.
func (m *Mirror) OnResync(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resyncSubs = append(m.resyncSubs, fn)
}

// ApplySnapshot replaces both sides with the snapshot contents. A
// supplied checksum that does not match the repopulated book rejects the
// snapshot and leaves the mirror invalid.
func (m *Mirror) ApplySnapshot(data models.BookData) error {
	asks, err := parseLevels(data.Asks)
	if err != nil {
		return fmt.Errorf("snapshot asks: %w", err)
	}
	bids, err := parseLevels(data.Bids)
	if err != nil {
		return fmt.Errorf("snapshot bids: %w", err)
	}
	sortAsks(asks)
	sortBids(bids)

	m.mu.Lock()
	defer m.mu.Unlock()

	if data.Checksum != nil {
		if got := checksum(asks, bids); got != *data.Checksum {
			m.asks, m.bids = nil, nil
			m.valid = false
			m.log.WithFields(logger.Fields{"local": got, "remote": *data.Checksum}).Warn("snapshot checksum mismatch, book invalid")
			logger.IncrementChecksumFailure()
			return fmt.Errorf("snapshot checksum mismatch: local %d remote %d", got, *data.Checksum)
		}
	}

	m.asks, m.bids = asks, bids
	m.valid = true
	m.failures = 0
	m.lastApplied = time.Now()
	m.log.WithFields(logger.Fields{"asks": len(asks), "bids": len(bids)}).Debug("snapshot applied")
	return nil
}

// ApplyUpdate applies level deltas. A quantity of zero removes the
// level, anything else upserts it. Updates are dropped entirely while
// the mirror is invalid (awaiting resync). Must be called in the order
// frames arrive: an out-of-order update desynchronizes the checksum and
// counts toward the resync threshold like any corrupted update.
func (m *Mirror) ApplyUpdate(data models.BookData) error {
	asks, err := parseLevels(data.Asks)
	if err != nil {
		return fmt.Errorf("update asks: %w", err)
	}
	bids, err := parseLevels(data.Bids)
	if err != nil {
		return fmt.Errorf("update bids: %w", err)
	}

	m.mu.Lock()
	if !m.valid {
		m.mu.Unlock()
		return nil
	}

	for _, lv := range asks {
		m.asks = upsert(m.asks, lv, false)
	}
	for _, lv := range bids {
		m.bids = upsert(m.bids, lv, true)
	}
	m.lastApplied = time.Now()

	if data.Checksum != nil {
		if got := checksum(m.asks, m.bids); got != *data.Checksum {
			m.failures++
			m.log.WithFields(logger.Fields{
				"local":    got,
				"remote":   *data.Checksum,
				"failures": m.failures,
			}).Warn("book checksum mismatch")
			logger.IncrementChecksumFailure()
			if m.failures >= m.maxFailures {
				m.asks, m.bids = nil, nil
				m.valid = false
				m.failures = 0
				subs := append([]func(){}, m.resyncSubs...)
				m.mu.Unlock()
				m.log.Warn("book invalid after repeated checksum mismatches, requesting resync")
				for _, fn := range subs {
					fn()
				}
				return nil
			}
		} else {
			m.failures = 0
		}
	}
	m.mu.Unlock()
	return nil
}

// Valid reports whether the mirror currently reflects the exchange book.
func (m *Mirror) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid
}

// LastApplied returns the time the last snapshot or update was applied.
func (m *Mirror) LastApplied() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastApplied
}

// Checksum computes the CRC-32 of the current top levels. Pure with
// respect to mirror state.
func (m *Mirror) Checksum() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return checksum(m.asks, m.bids)
}

// BestBid returns the highest bid, or zero decimals when the side is empty.
func (m *Mirror) BestBid() (price, qty decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.bids) == 0 {
		return decimal.Zero, decimal.Zero
	}
	return m.bids[0].price, m.bids[0].qty
}

// BestAsk returns the lowest ask, or zero decimals when the side is empty.
func (m *Mirror) BestAsk() (price, qty decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.asks) == 0 {
		return decimal.Zero, decimal.Zero
	}
	return m.asks[0].price, m.asks[0].qty
}

// MidPrice returns the average of best bid and best ask, or zero when
// either side is empty.
func (m *Mirror) MidPrice() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.bids) == 0 || len(m.asks) == 0 {
		return decimal.Zero
	}
	return m.bids[0].price.Add(m.asks[0].price).Div(decimal.NewFromInt(2))
}

// SpreadBps returns the bid/ask spread in basis points of the mid price,
// or zero when either side is empty.
func (m *Mirror) SpreadBps() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.bids) == 0 || len(m.asks) == 0 {
		return 0
	}
	bid := m.bids[0].price
	ask := m.asks[0].price
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))
	if mid.IsZero() {
		return 0
	}
	spread, _ := ask.Sub(bid).Div(mid).Float64()
	return spread * 10000
}

// Imbalance returns (bidQty-askQty)/(bidQty+askQty) over the top n
// levels per side; the construction bounds it to [-1, 1]. Zero when the
// book is empty.
func (m *Mirror) Imbalance(n int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	bidQty := sumQty(m.bids, n)
	askQty := sumQty(m.asks, n)
	total := bidQty.Add(askQty)
	if total.IsZero() {
		return 0
	}
	imb, _ := bidQty.Sub(askQty).Div(total).Float64()
	return imb
}

func sumQty(side []level, n int) decimal.Decimal {
	total := decimal.Zero
	for i := 0; i < len(side) && i < n; i++ {
		total = total.Add(side[i].qty)
	}
	return total
}

func parseLevels(entries []models.BookLevel) ([]level, error) {
	levels := make([]level, 0, len(entries))
	for _, e := range entries {
		price, err := decimal.NewFromString(e.Price)
		if err != nil {
			return nil, fmt.Errorf("parse price %q: %w", e.Price, err)
		}
		qty, err := decimal.NewFromString(e.Qty)
		if err != nil {
			return nil, fmt.Errorf("parse qty %q: %w", e.Qty, err)
		}
		levels = append(levels, level{price: price, qty: qty})
	}
	return levels, nil
}

func sortAsks(levels []level) {
	sortLevels(levels, func(a, b level) bool { return a.price.Cmp(b.price) < 0 })
}

func sortBids(levels []level) {
	sortLevels(levels, func(a, b level) bool { return a.price.Cmp(b.price) > 0 })
}

func sortLevels(levels []level, less func(a, b level) bool) {
	// insertion sort; snapshots arrive nearly sorted and sides are shallow
	for i := 1; i < len(levels); i++ {
		for j := i; j > 0 && less(levels[j], levels[j-1]); j-- {
			levels[j], levels[j-1] = levels[j-1], levels[j]
		}
	}
}

// upsert inserts or replaces lv in a sorted side, or removes the level
// when the new quantity is zero. desc selects bid ordering.
func upsert(side []level, lv level, desc bool) []level {
	idx := -1
	insertAt := len(side)
	for i, existing := range side {
		cmp := existing.price.Cmp(lv.price)
		if cmp == 0 {
			idx = i
			break
		}
		after := cmp > 0
		if desc {
			after = cmp < 0
		}
		if after {
			insertAt = i
			break
		}
	}

	if lv.qty.IsZero() {
		if idx >= 0 {
			return append(side[:idx], side[idx+1:]...)
		}
		return side
	}
	if idx >= 0 {
		side[idx] = lv
		return side
	}
	side = append(side, level{})
	copy(side[insertAt+1:], side[insertAt:])
	side[insertAt] = lv
	return side
}
