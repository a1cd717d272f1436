package book

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/btree"
)

// RejectedID is reported to the client when an order is rejected outright or
// a market order finds no liquidity at all.
const RejectedID int64 = -1

type sideTree = btree.BTreeG[*Order]

// Book holds the two resting sides plus parked stop orders. Each side is one
// exclusive region held for the full duration of a submit or cancel, so the
// book is never observed half-mutated. Operations touching both sides always
// take the ask region before the bid region.
type Book struct {
	askMu sync.Mutex
	bidMu sync.Mutex

	asks *sideTree
	bids *sideTree

	// Stop orders wait off-book until the last traded price crosses their
	// stop price, in park order per side.
	stopBids []*Order
	stopAsks []*Order

	// Every live order (resting or parked) by id, for cancellation.
	orders map[int64]*Order

	nextID    atomic.Int64
	lastPrice uint64

	trades TradeLog
}

// New builds an empty book. trades may be nil to discard fill reports.
func New(trades TradeLog) *Book {
	return &Book{
		asks:   btree.NewBTreeG(lessAsk),
		bids:   btree.NewBTreeG(lessBid),
		orders: make(map[int64]*Order),
		trades: trades,
	}
}

func (b *Book) lock() {
	b.askMu.Lock()
	b.bidMu.Lock()
}

func (b *Book) unlock() {
	b.bidMu.Unlock()
	b.askMu.Unlock()
}

func (b *Book) tree(side Side) *sideTree {
	if side == Bid {
		return b.bids
	}
	return b.asks
}

// SubmitLimit crosses the order against the opposite side as far as its
// price allows, then rests any remainder on its own side. Returns the
// assigned order id and the resting remainder (zero when fully filled).
func (b *Book) SubmitLimit(owner string, side Side, size, price uint64) (int64, uint64) {
	if size == 0 || price == 0 {
		return RejectedID, 0
	}

	b.lock()
	defer b.unlock()

	o := &Order{
		ID:        b.nextID.Add(1),
		Side:      side,
		Kind:      Limit,
		Remaining: size,
		Price:     price,
		Timestamp: time.Now(),
		Owner:     owner,
	}

	traded := b.cross(o)
	if o.Remaining > 0 {
		b.tree(side).Set(o)
		b.orders[o.ID] = o
	}
	if traded {
		b.triggerStops()
	}
	return o.ID, o.Remaining
}

// SubmitMarket drains the opposite side in price/time priority until the
// requested size is filled or the side is empty. No resting leftover is
// created; the unfilled remainder is simply not executed. A zero fill
// reports RejectedID.
func (b *Book) SubmitMarket(owner string, side Side, size uint64) (int64, uint64, uint64) {
	if size == 0 {
		return RejectedID, 0, 0
	}

	b.lock()
	defer b.unlock()

	o := &Order{
		ID:        b.nextID.Add(1),
		Side:      side,
		Kind:      Market,
		Remaining: size,
		Timestamp: time.Now(),
		Owner:     owner,
	}

	filled := b.fillMarket(o)
	if filled == 0 {
		return RejectedID, 0, size
	}
	b.triggerStops()
	return o.ID, filled, size - filled
}

// SubmitStop parks a stop order until the last traded price crosses its stop
// price, at which point it is replayed as a market order.
func (b *Book) SubmitStop(owner string, side Side, size, stopPrice uint64) int64 {
	if size == 0 || stopPrice == 0 {
		return RejectedID
	}

	b.lock()
	defer b.unlock()

	o := &Order{
		ID:        b.nextID.Add(1),
		Side:      side,
		Kind:      Stop,
		Remaining: size,
		StopPrice: stopPrice,
		Timestamp: time.Now(),
		Owner:     owner,
	}
	if side == Bid {
		b.stopBids = append(b.stopBids, o)
	} else {
		b.stopAsks = append(b.stopAsks, o)
	}
	b.orders[o.ID] = o
	return o.ID
}

// Cancel removes a resting or parked order. Unknown ids are a no-op.
func (b *Book) Cancel(id int64) bool {
	b.lock()
	defer b.unlock()

	o, ok := b.orders[id]
	if !ok {
		return false
	}
	if o.Kind == Stop {
		b.unpark(o)
	} else {
		b.tree(o.Side).Delete(o)
	}
	delete(b.orders, id)
	return true
}

// Spread is best bid minus best ask, a missing side counting as price 0.
func (b *Book) Spread() int64 {
	b.lock()
	defer b.unlock()

	var bid, ask uint64
	if best, ok := b.bids.Min(); ok {
		bid = best.Price
	}
	if best, ok := b.asks.Min(); ok {
		ask = best.Price
	}
	return int64(bid) - int64(ask)
}

// LastPrice is the price of the most recent fill, zero before any trade.
func (b *Book) LastPrice() uint64 {
	b.lock()
	defer b.unlock()
	return b.lastPrice
}

// Resting returns a best-first snapshot of one side's resting orders.
func (b *Book) Resting(side Side) []Order {
	b.lock()
	defer b.unlock()

	var out []Order
	b.tree(side).Scan(func(o *Order) bool {
		out = append(out, *o)
		return true
	})
	return out
}

// cross consumes crossing resting orders on the opposite side in price/time
// priority. Both locks are held. Reports whether any fill happened.
func (b *Book) cross(o *Order) bool {
	opp := b.tree(o.Side.Opposite())
	traded := false
	for o.Remaining > 0 {
		best, ok := opp.Min()
		if !ok || !crosses(o, best) {
			break
		}

		size := min(o.Remaining, best.Remaining)
		o.Remaining -= size
		best.Remaining -= size
		b.report(o, best, size, best.Price)
		traded = true

		if best.Remaining == 0 {
			opp.Delete(best)
			delete(b.orders, best.ID)
		}
	}
	return traded
}

// crosses reports whether an aggressive limit order matches the best resting
// counter-order. Exactly-touching prices do cross; the boundary excluded is
// bid < ask.
func crosses(o, resting *Order) bool {
	if o.Side == Bid {
		return o.Price >= resting.Price
	}
	return o.Price <= resting.Price
}

// fillMarket drains the opposite side at whatever price each resting order
// carries, accumulating fills in a cart and reporting them once the sweep is
// done. Both locks are held. Returns the filled size.
func (b *Book) fillMarket(o *Order) uint64 {
	cart := newCart(o.Remaining)
	opp := b.tree(o.Side.Opposite())
	for !cart.full() {
		best, ok := opp.Min()
		if !ok {
			break
		}

		size := min(cart.unfilled(), best.Remaining)
		best.Remaining -= size
		cart.add(best, size, best.Price)

		if best.Remaining == 0 {
			opp.Delete(best)
			delete(b.orders, best.ID)
		}
	}

	for _, fill := range cart.fills {
		b.report(o, fill.Counter, fill.Size, fill.Price)
	}
	o.Remaining -= cart.filled
	return cart.filled
}

// triggerStops replays parked stops whose stop price the last traded price
// has crossed, as market orders in park order. A triggered stop may move the
// last price and wake further stops, so the scan repeats until quiet. Both
// locks are held.
func (b *Book) triggerStops() {
	for {
		o := b.popTriggered()
		if o == nil {
			return
		}
		delete(b.orders, o.ID)
		b.fillMarket(o)
	}
}

func (b *Book) popTriggered() *Order {
	if b.lastPrice == 0 {
		return nil
	}
	for _, o := range b.stopBids {
		if b.lastPrice >= o.StopPrice {
			b.unpark(o)
			return o
		}
	}
	for _, o := range b.stopAsks {
		if b.lastPrice <= o.StopPrice {
			b.unpark(o)
			return o
		}
	}
	return nil
}

func (b *Book) unpark(o *Order) {
	parked := &b.stopBids
	if o.Side == Ask {
		parked = &b.stopAsks
	}
	for i, p := range *parked {
		if p.ID == o.ID {
			*parked = append((*parked)[:i], (*parked)[i+1:]...)
			return
		}
	}
}

func (b *Book) report(taker, maker *Order, size, price uint64) {
	b.lastPrice = price
	if b.trades == nil {
		return
	}
	b.trades.OnTrade(Trade{
		TakerID:   taker.ID,
		MakerID:   maker.ID,
		Taker:     taker.Owner,
		Maker:     maker.Owner,
		TakerSide: taker.Side,
		Price:     price,
		Size:      size,
		Timestamp: time.Now(),
	})
}
