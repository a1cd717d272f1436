package book

import "sync"

// Tape is an in-memory trade log. It backs price-history queries and is
// snapshotted to the store at shutdown.
type Tape struct {
	mu     sync.Mutex
	trades []Trade
}

func NewTape() *Tape {
	return &Tape{}
}

func (t *Tape) OnTrade(trade Trade) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.trades = append(t.trades, trade)
}

// LastPrices returns the prices of the most recent n trades, oldest first.
func (t *Tape) LastPrices(n int) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n < 0 {
		n = 0
	}
	if n > len(t.trades) {
		n = len(t.trades)
	}
	prices := make([]uint64, 0, n)
	for _, trade := range t.trades[len(t.trades)-n:] {
		prices = append(prices, trade.Price)
	}
	return prices
}

// Snapshot copies out the full trade history.
func (t *Tape) Snapshot() []Trade {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Trade, len(t.trades))
	copy(out, t.trades)
	return out
}

func (t *Tape) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.trades)
}
