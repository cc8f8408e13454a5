package orderbook

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// PriceLevel is one aggregated row of book depth
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

type levelRef struct {
	side Side
	key  string
}

// Book holds the resting orders of a single symbol.
//
// Orders are grouped into FIFO queues per price level; best-price lookup
// goes through max/min heaps holding one entry per live level (O(1) peek).
// Priority within a level is by ascending sequence, which FIFO
// append preserves because orders are only inserted in sequence order.
// Partially filled orders keep their original queue position.
type Book struct {
	mu sync.RWMutex

	symbol string

	bidHeap *MaxPriceHeap
	askHeap *MinPriceHeap

	// price key (canonical decimal string) -> FIFO queue
	bids map[string][]*Order
	asks map[string][]*Order

	// order ID -> side + price key, for O(1) cancellation
	index map[string]levelRef
}

// NewBook creates an empty book for a symbol
func NewBook(symbol string) *Book {
	bidHeap := &MaxPriceHeap{}
	askHeap := &MinPriceHeap{}
	heap.Init(bidHeap)
	heap.Init(askHeap)

	return &Book{
		symbol:  symbol,
		bidHeap: bidHeap,
		askHeap: askHeap,
		bids:    make(map[string][]*Order),
		asks:    make(map[string][]*Order),
		index:   make(map[string]levelRef),
	}
}

// Symbol returns the symbol this book serves
func (b *Book) Symbol() string { return b.symbol }

func priceKey(p decimal.Decimal) string { return p.String() }

// Insert adds a resting order at the tail of its price level.
// Callers must insert orders in ascending sequence order; startup
// rebuild feeds persisted open orders sorted by sequence for this reason.
func (b *Book) Insert(o *Order) error {
	if !o.Price.IsPositive() {
		return fmt.Errorf("cannot rest order %s without a positive price", o.ID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.index[o.ID]; exists {
		return fmt.Errorf("order %s already in book", o.ID)
	}

	key := priceKey(o.Price)
	if o.Side == Buy {
		if len(b.bids[key]) == 0 {
			heap.Push(b.bidHeap, o.Price)
		}
		b.bids[key] = append(b.bids[key], o)
	} else {
		if len(b.asks[key]) == 0 {
			heap.Push(b.askHeap, o.Price)
		}
		b.asks[key] = append(b.asks[key], o)
	}
	b.index[o.ID] = levelRef{side: o.Side, key: key}
	return nil
}

// Remove takes an order out of the book (cancel or full fill).
// Returns the removed order, or nil if it is not resting.
func (b *Book) Remove(id string) *Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(id)
}

func (b *Book) removeLocked(id string) *Order {
	ref, ok := b.index[id]
	if !ok {
		return nil
	}

	levels := b.bids
	if ref.side == Sell {
		levels = b.asks
	}

	arr := levels[ref.key]
	for i, o := range arr {
		if o.ID != id {
			continue
		}
		levels[ref.key] = append(arr[:i], arr[i+1:]...)
		if len(levels[ref.key]) == 0 {
			delete(levels, ref.key)
			b.removeFromHeap(ref.side, o.Price)
		}
		delete(b.index, id)
		return o
	}
	return nil
}

// removeFromHeap removes a price level from the side's heap (O(N) worst case, but rare)
func (b *Book) removeFromHeap(side Side, price decimal.Decimal) {
	if side == Buy {
		for i := 0; i < b.bidHeap.Len(); i++ {
			if (*b.bidHeap)[i].Equal(price) {
				heap.Remove(b.bidHeap, i)
				return
			}
		}
		return
	}
	for i := 0; i < b.askHeap.Len(); i++ {
		if (*b.askHeap)[i].Equal(price) {
			heap.Remove(b.askHeap, i)
			return
		}
	}
}

// Get returns a resting order by ID, or nil
func (b *Book) Get(id string) *Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ref, ok := b.index[id]
	if !ok {
		return nil
	}
	levels := b.bids
	if ref.side == Sell {
		levels = b.asks
	}
	for _, o := range levels[ref.key] {
		if o.ID == id {
			return o
		}
	}
	return nil
}

// BestBid returns the highest bid price (O(1) with heap)
func (b *Book) BestBid() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.bidHeap.Len() == 0 {
		return decimal.Zero, false
	}
	return b.bidHeap.Peek(), true
}

// BestAsk returns the lowest ask price (O(1) with heap)
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.askHeap.Len() == 0 {
		return decimal.Zero, false
	}
	return b.askHeap.Peek(), true
}

// ApplyFill records qty filled against a resting order and removes it
// from the book when fully filled. Returns the remaining amount.
func (b *Book) ApplyFill(id string, qty decimal.Decimal, now int64) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ref, ok := b.index[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("order %s not in book", id)
	}
	levels := b.bids
	if ref.side == Sell {
		levels = b.asks
	}

	for _, o := range levels[ref.key] {
		if o.ID != id {
			continue
		}
		if qty.GreaterThan(o.Remaining()) {
			return decimal.Zero, fmt.Errorf("fill %s exceeds remaining %s on order %s", qty, o.Remaining(), id)
		}
		o.Filled = o.Filled.Add(qty)
		o.UpdatedAt = now
		remaining := o.Remaining()
		if remaining.IsZero() {
			o.Status = OrderFilled
			b.removeLocked(id)
		} else {
			o.Status = OrderPartiallyFilled
		}
		return remaining, nil
	}
	return decimal.Zero, fmt.Errorf("order %s not in book", id)
}

// MatchingSide returns the orders a taker of the given side would walk,
// in match priority: bids descending price (taker sells), asks ascending
// price (taker buys), FIFO within each level. A nil limit means the whole
// side (market order); otherwise iteration stops at the first level whose
// price no longer crosses the limit.
func (b *Book) MatchingSide(takerSide Side, limit *decimal.Decimal) []*Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*Order
	if takerSide == Buy {
		// walk asks, cheapest first
		prices := make(MinPriceHeap, len(*b.askHeap))
		copy(prices, *b.askHeap)
		heap.Init(&prices)
		for prices.Len() > 0 {
			p := heap.Pop(&prices).(decimal.Decimal)
			if limit != nil && p.GreaterThan(*limit) {
				break
			}
			out = append(out, b.asks[priceKey(p)]...)
		}
		return out
	}

	// walk bids, highest first
	prices := make(MaxPriceHeap, len(*b.bidHeap))
	copy(prices, *b.bidHeap)
	heap.Init(&prices)
	for prices.Len() > 0 {
		p := heap.Pop(&prices).(decimal.Decimal)
		if limit != nil && p.LessThan(*limit) {
			break
		}
		out = append(out, b.bids[priceKey(p)]...)
	}
	return out
}

// Depth returns aggregated bid and ask levels, best first, at most n each.
// n <= 0 means all levels.
func (b *Book) Depth(n int) (bids, asks []PriceLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bidPrices := make(MaxPriceHeap, len(*b.bidHeap))
	copy(bidPrices, *b.bidHeap)
	heap.Init(&bidPrices)
	for bidPrices.Len() > 0 && (n <= 0 || len(bids) < n) {
		p := heap.Pop(&bidPrices).(decimal.Decimal)
		total := decimal.Zero
		for _, o := range b.bids[priceKey(p)] {
			total = total.Add(o.Remaining())
		}
		bids = append(bids, PriceLevel{Price: p, Amount: total})
	}

	askPrices := make(MinPriceHeap, len(*b.askHeap))
	copy(askPrices, *b.askHeap)
	heap.Init(&askPrices)
	for askPrices.Len() > 0 && (n <= 0 || len(asks) < n) {
		p := heap.Pop(&askPrices).(decimal.Decimal)
		total := decimal.Zero
		for _, o := range b.asks[priceKey(p)] {
			total = total.Add(o.Remaining())
		}
		asks = append(asks, PriceLevel{Price: p, Amount: total})
	}

	return bids, asks
}

// Len returns the number of resting orders
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.index)
}
