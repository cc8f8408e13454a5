package engine

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/openclob/spotcore/pkg/exchange/breaker"
	"github.com/openclob/spotcore/pkg/exchange/orderbook"
	"github.com/openclob/spotcore/pkg/exchange/pair"
	"github.com/openclob/spotcore/pkg/ledger"
)

// match walks the opposite side of the book for one taker, executes
// every crossing trade at the maker's price, and finalizes the taker
// (rest, cancel remainder, or fill). Caller holds the symbol lock.
func (e *Engine) match(p *pair.Pair, book *orderbook.Book, taker *orderbook.Order) []*orderbook.Trade {
	var limit *decimal.Decimal
	if taker.Type != orderbook.Market {
		limit = &taker.Price
	}

	if taker.TIF == orderbook.FOK && !e.fillableFOK(p, book, taker, limit) {
		e.finalize(p, book, taker, false)
		return nil
	}

	makers := book.MatchingSide(taker.Side, limit)
	var trades []*orderbook.Trade
	halted := false

	for _, maker := range makers {
		if taker.Remaining().IsZero() {
			break
		}
		if maker.IsClosed() || maker.Remaining().IsZero() {
			continue
		}
		if maker.UserID == taker.UserID {
			// self-trade prevention: skip own resting orders
			continue
		}
		if e.brk.Check(p.Symbol, maker.Price, p.MaxDeviationBps) == breaker.Halt {
			e.log.Warnw("breaker_halt",
				"symbol", p.Symbol, "candidate_price", maker.Price, "taker_id", taker.ID)
			halted = true
			break
		}

		qty := taker.Remaining()
		if maker.Remaining().LessThan(qty) {
			qty = maker.Remaining()
		}
		if taker.Side == orderbook.Buy && taker.Type == orderbook.Market {
			// a market buy can only spend what it froze; truncation
			// rounds down so cost never exceeds the lock
			affordable := taker.Frozen.Div(maker.Price).Truncate(p.AmountPrecision)
			if affordable.LessThan(qty) {
				qty = affordable
			}
			if !qty.IsPositive() {
				break
			}
		}

		t := e.executeTrade(p, book, taker, maker, qty)
		trades = append(trades, t)
	}

	e.finalize(p, book, taker, halted)
	return trades
}

// fillableFOK reports whether the book can fully fill the taker right
// now, under the same skip rules the match loop applies. A breaker halt
// inside the crossing range counts as unfillable.
func (e *Engine) fillableFOK(p *pair.Pair, book *orderbook.Book, taker *orderbook.Order, limit *decimal.Decimal) bool {
	need := taker.Remaining()
	for _, maker := range book.MatchingSide(taker.Side, limit) {
		if maker.IsClosed() || maker.Remaining().IsZero() || maker.UserID == taker.UserID {
			continue
		}
		if e.brk.Check(p.Symbol, maker.Price, p.MaxDeviationBps) == breaker.Halt {
			return false
		}
		need = need.Sub(maker.Remaining())
		if !need.IsPositive() {
			return true
		}
	}
	return false
}

// executeTrade settles one (taker, maker, qty) execution: mutates both
// orders and four balances, journals everything, and commits the trade
// row, order rows, balance rows and sequence mark as one atomic batch.
// Caller holds the symbol lock.
func (e *Engine) executeTrade(p *pair.Pair, book *orderbook.Book, taker, maker *orderbook.Order, qty decimal.Decimal) *orderbook.Trade {
	now := e.clock.Now().UnixMilli()
	price := maker.Price
	quoteConsumed := price.Mul(qty)

	var buyer, seller *orderbook.Order
	var buyerFee, sellerFee decimal.Decimal
	if taker.Side == orderbook.Buy {
		buyer, seller = taker, maker
		buyerFee = p.TakerFee(qty)            // buyer receives base
		sellerFee = p.MakerFee(quoteConsumed) // seller receives quote
	} else {
		buyer, seller = maker, taker
		buyerFee = p.MakerFee(qty)
		sellerFee = p.TakerFee(quoteConsumed)
	}

	// Price improvement: a limit buyer froze limit × qty but pays
	// maker price × qty; the difference unfreezes back to available.
	quoteRefund := decimal.Zero
	if buyer.Type != orderbook.Market && buyer.Price.GreaterThan(price) {
		quoteRefund = buyer.Price.Sub(price).Mul(qty)
	}

	t := &orderbook.Trade{
		ID:           uuid.NewString(),
		Symbol:       p.Symbol,
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		MakerUserID:  maker.UserID,
		TakerUserID:  taker.UserID,
		TakerSide:    taker.Side,
		Price:        price,
		Amount:       qty,
		MakerFee:     makerSideFee(taker.Side, buyerFee, sellerFee),
		TakerFee:     takerSideFee(taker.Side, buyerFee, sellerFee),
		Sequence:     e.seq.Next(),
		Timestamp:    now,
	}

	// Maker is resting: the book updates its fill state and evicts it
	// when fully filled. The taker is filled in place.
	if _, err := book.ApplyFill(maker.ID, qty, now); err != nil {
		e.fatal("maker_fill_failed", err, "maker_id", maker.ID, "trade_id", t.ID)
	}
	taker.Filled = taker.Filled.Add(qty)
	taker.UpdatedAt = now
	if taker.Remaining().IsZero() {
		taker.Status = orderbook.OrderFilled
	} else {
		taker.Status = orderbook.OrderPartiallyFilled
	}

	// Consumed frozen funds leave the orders' remaining locks.
	buyer.Frozen = buyer.Frozen.Sub(quoteConsumed).Sub(quoteRefund)
	seller.Frozen = seller.Frozen.Sub(qty)

	batch := e.store.NewBatch()
	st := ledger.TradeSettlement{
		TradeID:       t.ID,
		Sequence:      t.Sequence,
		Timestamp:     now,
		BaseCurrency:  p.BaseCurrency,
		QuoteCurrency: p.QuoteCurrency,
		BuyUserID:     buyer.UserID,
		SellUserID:    seller.UserID,
		QuoteConsumed: quoteConsumed,
		QuoteRefund:   quoteRefund,
		BaseConsumed:  qty,
		BuyerFee:      buyerFee,
		SellerFee:     sellerFee,
	}
	// Stage and commit inside the persist section so the four balance
	// rows and the sequence mark land on disk in mutation order.
	err := e.ledger.WithPersist(func() error {
		if err := e.ledger.SettleTrade(batch, st); err != nil {
			return fmt.Errorf("settlement: %w", err)
		}
		if err := batch.SaveTrade(t); err != nil {
			return fmt.Errorf("trade row: %w", err)
		}
		if err := batch.SaveOrder(maker); err != nil {
			return fmt.Errorf("maker row: %w", err)
		}
		if err := batch.SaveOrder(taker); err != nil {
			return fmt.Errorf("taker row: %w", err)
		}
		if err := batch.SetSequence(e.seq.Current()); err != nil {
			return fmt.Errorf("sequence mark: %w", err)
		}
		return batch.Commit()
	})
	if err != nil {
		e.fatal("settlement_commit_failed", err, "trade_id", t.ID)
	}

	if maker.IsClosed() {
		e.untrackOrder(maker)
		e.gate.OrderClosed(maker.UserID)
	}

	e.brk.RecordTrade(p.Symbol, price)
	e.setLastPrice(p.Symbol, price)

	e.log.Infow("trade_executed",
		"trade_id", t.ID, "symbol", p.Symbol, "price", price, "amount", qty,
		"maker_id", maker.ID, "taker_id", taker.ID, "seq", t.Sequence)

	if e.OnTrade != nil {
		e.OnTrade(t)
	}
	return t
}

func makerSideFee(takerSide orderbook.Side, buyerFee, sellerFee decimal.Decimal) decimal.Decimal {
	if takerSide == orderbook.Buy {
		return sellerFee // maker is the seller
	}
	return buyerFee
}

func takerSideFee(takerSide orderbook.Side, buyerFee, sellerFee decimal.Decimal) decimal.Decimal {
	if takerSide == orderbook.Buy {
		return buyerFee
	}
	return sellerFee
}

// finalize disposes of the taker's remainder after the match loop:
// fully filled orders close and release residual locks, GTC limit
// remainders rest in the book, everything else cancels with its
// remaining frozen funds released. Caller holds the symbol lock.
func (e *Engine) finalize(p *pair.Pair, book *orderbook.Book, taker *orderbook.Order, halted bool) {
	now := e.clock.Now().UnixMilli()

	rests := taker.Type == orderbook.Limit &&
		taker.TIF == orderbook.GTC &&
		taker.Remaining().IsPositive() &&
		!taker.IsClosed()
	if halted && taker.Type == orderbook.Market {
		rests = false
	}

	if rests {
		if err := book.Insert(taker); err != nil {
			e.fatal("rest_failed", err, "order_id", taker.ID)
		}
		if err := e.store.SaveOrder(taker); err != nil {
			e.fatal("persist_resting_failed", err, "order_id", taker.ID)
		}
		return
	}

	if !taker.IsClosed() {
		taker.Status = orderbook.OrderCancelled
		taker.UpdatedAt = now
	}

	batch := e.store.NewBatch()
	err := e.ledger.WithPersist(func() error {
		if taker.Frozen.IsPositive() {
			// leftover lock: unfilled remainder, or a market buy that
			// could not spend everything it froze
			if err := e.ledger.Unfreeze(batch, taker.UserID, taker.FrozenCurrency, taker.Frozen, taker.ID); err != nil {
				return fmt.Errorf("unfreeze: %w", err)
			}
			taker.Frozen = decimal.Zero
		}
		if err := batch.SaveOrder(taker); err != nil {
			return fmt.Errorf("order row: %w", err)
		}
		return batch.Commit()
	})
	if err != nil {
		e.fatal("finalize_commit_failed", err, "order_id", taker.ID)
	}

	e.untrackOrder(taker)
	e.gate.OrderClosed(taker.UserID)
}
