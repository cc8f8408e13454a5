package engine

import (
	"fmt"
	"time"

	"github.com/openclob/spotcore/pkg/exchange/orderbook"
)

// recoverSymbol rebuilds one symbol's in-memory state from the store:
// open orders back into the book (or the stop watch list) in persisted
// sequence order so original price-time priority is reproduced exactly,
// open-order counters re-derived, and the breaker reference re-seeded
// from the last persisted trade. Balances need no replay: every
// mutation committed atomically and in mutation order (the ledger's
// persist section), so the stored rows are final.
func (e *Engine) recoverSymbol(symbol string) error {
	orders, err := e.store.LoadOpenOrders(symbol)
	if err != nil {
		return fmt.Errorf("failed to load open orders: %w", err)
	}

	book := e.books[symbol]
	for _, o := range orders {
		if o.Type == orderbook.StopLimit {
			e.stops[symbol] = append(e.stops[symbol], o)
		} else {
			if err := book.Insert(o); err != nil {
				return fmt.Errorf("failed to rebuild book: %w", err)
			}
		}
		e.orders[o.ID] = o
		e.gate.OrderOpened(o.UserID)
	}

	last, err := e.store.LoadLastTrade(symbol)
	if err != nil {
		return fmt.Errorf("failed to load last trade: %w", err)
	}
	if last != nil {
		e.brk.Seed(symbol, last.Price, time.UnixMilli(last.Timestamp))
		e.lastPrice[symbol] = last.Price
	}

	if e.log != nil {
		e.log.Infow("symbol_recovered",
			"symbol", symbol, "open_orders", len(orders), "book_orders", book.Len())
	}
	return nil
}
