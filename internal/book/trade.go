package book

import "time"

// Trade records the two parties of one match. The taker is the order whose
// submission triggered the fill; the maker was resting.
type Trade struct {
	TakerID   int64     `json:"takerId"`
	MakerID   int64     `json:"makerId"`
	Taker     string    `json:"taker"`
	Maker     string    `json:"maker"`
	TakerSide Side      `json:"takerSide"`
	Price     uint64    `json:"price"`
	Size      uint64    `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

// TradeLog receives every fill the book produces. Implementations are called
// synchronously under the book locks and must not call back into the book.
type TradeLog interface {
	OnTrade(Trade)
}
