package engine

import (
	"github.com/openclob/spotcore/pkg/exchange/orderbook"
	"github.com/openclob/spotcore/pkg/exchange/pair"
)

// Stop orders wait off-book until the last trade price crosses their
// stop price, then normalize into plain limit orders and go through the
// same match path as a fresh submission. Their balance was frozen at
// admission, so triggering never re-checks funds.

// addStop parks an untriggered stop order. Caller holds the symbol lock.
func (e *Engine) addStop(o *orderbook.Order) {
	e.mu.Lock()
	e.stops[o.Symbol] = append(e.stops[o.Symbol], o)
	e.mu.Unlock()
}

// removeStop takes a stop order off the watch list. Caller holds the
// symbol lock.
func (e *Engine) removeStop(o *orderbook.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()

	list := e.stops[o.Symbol]
	for i, s := range list {
		if s.ID == o.ID {
			e.stops[o.Symbol] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// popTriggered removes and returns the stops the current last price has
// triggered, in sequence order. A buy stop fires when the price rises to
// or through its stop price, a sell stop when the price falls to or
// through it. Caller holds the symbol lock.
func (e *Engine) popTriggered(symbol string) []*orderbook.Order {
	e.mu.Lock()
	defer e.mu.Unlock()

	last, ok := e.lastPrice[symbol]
	if !ok {
		return nil
	}

	var fired []*orderbook.Order
	kept := e.stops[symbol][:0]
	for _, o := range e.stops[symbol] {
		trig := false
		if o.Side == orderbook.Buy {
			trig = last.GreaterThanOrEqual(o.StopPrice)
		} else {
			trig = last.LessThanOrEqual(o.StopPrice)
		}
		if trig {
			fired = append(fired, o)
		} else {
			kept = append(kept, o)
		}
	}
	e.stops[symbol] = kept
	return fired
}

// fireTriggered normalizes triggered stops into limit orders and runs
// each through matching, oldest first. Matching can move the price and
// trigger further stops, so the cascade drains until quiet. Caller must
// NOT hold the symbol lock.
func (e *Engine) fireTriggered(p *pair.Pair, book *orderbook.Book, triggered []*orderbook.Order) {
	slock := e.symLock(p.Symbol)

	for len(triggered) > 0 {
		slock.Lock()
		var next []*orderbook.Order
		for _, o := range triggered {
			if o.IsClosed() {
				continue
			}
			o.Type = orderbook.Limit
			o.UpdatedAt = e.clock.Now().UnixMilli()
			e.log.Infow("stop_triggered",
				"order_id", o.ID, "symbol", o.Symbol, "stop_price", o.StopPrice, "limit_price", o.Price)
			e.match(p, book, o)
			next = append(next, e.popTriggered(p.Symbol)...)
		}
		slock.Unlock()
		triggered = next
	}
}
