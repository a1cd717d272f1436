package book

// Fill is one slice of a market execution: a resting counter-order matched
// for size at the counter-order's price.
type Fill struct {
	Counter *Order
	Size    uint64
	Price   uint64
}

// Cart accumulates fills while a single market order drains the opposite
// side. It lives only for the duration of that one submission and is never
// persisted.
type Cart struct {
	target uint64
	filled uint64
	fills  []Fill
}

func newCart(target uint64) *Cart {
	return &Cart{target: target}
}

func (c *Cart) add(counter *Order, size, price uint64) {
	c.fills = append(c.fills, Fill{Counter: counter, Size: size, Price: price})
	c.filled += size
}

func (c *Cart) full() bool {
	return c.filled >= c.target
}

// unfilled is the size still wanted by the market order.
func (c *Cart) unfilled() uint64 {
	return c.target - c.filled
}
