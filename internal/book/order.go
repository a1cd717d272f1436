package book

import "time"

type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	}
	return "unknown"
}

// Opposite returns the side an aggressive order matches against.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

type Kind int

const (
	// Limit orders are an order to buy or sell at a specified price or
	// better. Limit orders may rest on the book until filled.
	Limit Kind = iota
	// Market orders are instructions to buy or sell immediately, with no
	// guarantee on the execution price. Whatever cannot be filled right
	// away is discarded, never rested.
	Market
	// Stop orders park off-book and convert to market orders once the
	// last traded price crosses the stop price.
	Stop
)

func (k Kind) String() string {
	switch k {
	case Limit:
		return "limit"
	case Market:
		return "market"
	case Stop:
		return "stop"
	}
	return "unknown"
}

// Order is a single tagged variant covering all three kinds. Price is only
// meaningful for Limit, StopPrice only for Stop. Owner is the username that
// submitted the order, carried for identity lookups and trade reports only.
type Order struct {
	ID        int64
	Side      Side
	Kind      Kind
	Remaining uint64
	Price     uint64
	StopPrice uint64
	Timestamp time.Time
	Owner     string
}

// lessAsk orders the ask side best-first: lowest price, then earliest
// arrival, then lowest id.
func lessAsk(a, b *Order) bool {
	if a.Price != b.Price {
		return a.Price < b.Price
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

// lessBid orders the bid side best-first: highest price, then earliest
// arrival, then lowest id.
func lessBid(a, b *Order) bool {
	if a.Price != b.Price {
		return a.Price > b.Price
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}
