package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openclob/spotcore/pkg/exchange/breaker"
	"github.com/openclob/spotcore/pkg/exchange/orderbook"
	"github.com/openclob/spotcore/pkg/exchange/pair"
	"github.com/openclob/spotcore/pkg/exchange/risk"
	"github.com/openclob/spotcore/pkg/ledger"
	"github.com/openclob/spotcore/pkg/storage"
	"github.com/openclob/spotcore/pkg/util"
)

// Cancel path errors
var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotCancellable = errors.New("order not cancellable")
	ErrForbidden           = errors.New("order belongs to another user")
)

// SubmitRequest is one incoming order intent. Stop-limit intents carry
// a StopPrice and are normalized into plain limit orders when triggered;
// the matcher itself only ever sees limit and market semantics.
type SubmitRequest struct {
	UserID string
	Symbol string
	Side   orderbook.Side
	Type   orderbook.OrderType
	TIF    orderbook.TimeInForce

	Price     decimal.Decimal // required for limit and stop_limit
	Amount    decimal.Decimal
	StopPrice decimal.Decimal // stop_limit only
}

// OrderResult is the synchronous outcome of a submission
type OrderResult struct {
	Order  orderbook.Order
	Trades []*orderbook.Trade
}

// Engine drives the admit → sequence → match → settle pipeline.
//
// One mutex per symbol makes matching single-writer: only one order is
// inside the pipeline for a symbol at any instant, while different
// symbols process concurrently. The ledger and the risk gate have their
// own lock domains (see their packages).
type Engine struct {
	log    *zap.SugaredLogger
	pairs  *pair.Registry
	gate   *risk.Gate
	ledger *ledger.Ledger
	store  *storage.Store
	brk    *breaker.Breaker
	seq    *Sequencer
	clock  util.Clock

	books    map[string]*orderbook.Book
	symLocks map[string]*sync.Mutex

	mu        sync.RWMutex
	orders    map[string]*orderbook.Order   // open orders by ID (resting + untriggered stops)
	stops     map[string][]*orderbook.Order // symbol -> untriggered stop orders, sequence order
	lastPrice map[string]decimal.Decimal    // symbol -> last executed trade price

	// OnTrade, if set, is invoked once per executed trade in sequence
	// order. Consumers (tickers, candle builders, the websocket hub)
	// hang off this hook.
	OnTrade func(*orderbook.Trade)
}

// Options bundles the engine's collaborators
type Options struct {
	Logger  *zap.SugaredLogger
	Pairs   *pair.Registry
	Gate    *risk.Gate
	Ledger  *ledger.Ledger
	Store   *storage.Store
	Breaker *breaker.Breaker
	Clock   util.Clock
}

// New builds an engine and recovers in-memory state from the store:
// the sequence high-water mark, every open order (rebuilt into the
// books in persisted sequence order, preserving original priority),
// and the breaker reference prices from the last persisted trades.
// Symbols accept no orders until their book rebuild completes.
func New(opts Options) (*Engine, error) {
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}

	last, err := opts.Store.LastSequence()
	if err != nil {
		return nil, fmt.Errorf("failed to read sequence mark: %w", err)
	}

	e := &Engine{
		log:       opts.Logger,
		pairs:     opts.Pairs,
		gate:      opts.Gate,
		ledger:    opts.Ledger,
		store:     opts.Store,
		brk:       opts.Breaker,
		seq:       NewSequencer(last),
		clock:     opts.Clock,
		books:     make(map[string]*orderbook.Book),
		symLocks:  make(map[string]*sync.Mutex),
		orders:    make(map[string]*orderbook.Order),
		stops:     make(map[string][]*orderbook.Order),
		lastPrice: make(map[string]decimal.Decimal),
	}

	for _, p := range opts.Pairs.List() {
		e.books[p.Symbol] = orderbook.NewBook(p.Symbol)
		e.symLocks[p.Symbol] = &sync.Mutex{}
		if err := e.recoverSymbol(p.Symbol); err != nil {
			return nil, fmt.Errorf("failed to recover %s: %w", p.Symbol, err)
		}
	}

	return e, nil
}

func (e *Engine) symLock(symbol string) *sync.Mutex {
	return e.symLocks[symbol]
}

// SubmitOrder validates, admits, sequences and matches one order,
// synchronously. The returned result carries the order's final state
// for this call and every trade it produced.
func (e *Engine) SubmitOrder(req SubmitRequest) (*OrderResult, error) {
	p, err := e.pairs.Get(req.Symbol)
	if err != nil {
		return nil, risk.Validationf("unknown symbol %s", req.Symbol)
	}
	// Pairs registered after startup have no book or lock yet.
	book, ok := e.books[req.Symbol]
	if !ok {
		return nil, risk.Validationf("symbol %s is not served by this engine", req.Symbol)
	}

	// Best opposite price feeds the notional check for market orders.
	var refPrice decimal.Decimal
	if req.Type == orderbook.Market {
		if req.Side == orderbook.Buy {
			if bp, ok := book.BestAsk(); ok {
				refPrice = bp
			}
		} else {
			if bp, ok := book.BestBid(); ok {
				refPrice = bp
			}
		}
	}

	// Admission is serialized per user: rate window, open-order count
	// and the balance freeze observe a consistent view even under
	// concurrent submissions from the same user. The lock is held
	// until the admission batch is durable.
	ulock := e.gate.UserLock(req.UserID)
	ulock.Lock()

	if err := e.admitChecks(p, req, refPrice); err != nil {
		ulock.Unlock()
		return nil, err
	}

	o := &orderbook.Order{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		TIF:       req.TIF,
		Price:     req.Price,
		Amount:    req.Amount,
		Filled:    decimal.Zero,
		StopPrice: req.StopPrice,
		Status:    orderbook.OrderNew,
	}

	slock := e.symLock(req.Symbol)
	slock.Lock()

	now := e.clock.Now().UnixMilli()
	o.Sequence = e.seq.Next()
	o.CreatedAt = now
	o.UpdatedAt = now

	// Admission commits before matching, and inside the ledger's
	// persist section: the frozen balance and the sequence mark reach
	// disk in the same order memory applied them. A crash from here on
	// recovers the order as open with its freeze intact.
	batch := e.store.NewBatch()
	err = e.ledger.WithPersist(func() error {
		if err := e.freezeForOrder(batch, p, o); err != nil {
			return err
		}
		if err := batch.SaveOrder(o); err != nil {
			e.fatal("persist_order_failed", err, "order_id", o.ID)
		}
		if err := batch.SetSequence(e.seq.Current()); err != nil {
			e.fatal("persist_sequence_failed", err, "order_id", o.ID)
		}
		if err := batch.Commit(); err != nil {
			e.fatal("admission_commit_failed", err, "order_id", o.ID)
		}
		return nil
	})
	if err != nil {
		batch.Close()
		slock.Unlock()
		ulock.Unlock()
		return nil, err
	}

	e.gate.RecordSubmission(req.UserID)
	e.gate.OrderOpened(req.UserID)
	ulock.Unlock()

	e.trackOrder(o)

	var trades []*orderbook.Trade
	if o.Type == orderbook.StopLimit {
		e.addStop(o)
		e.log.Infow("stop_order_admitted",
			"order_id", o.ID, "symbol", o.Symbol, "stop_price", o.StopPrice, "seq", o.Sequence)
	} else {
		trades = e.match(p, book, o)
	}

	result := &OrderResult{Order: *o, Trades: trades}
	triggered := e.popTriggered(req.Symbol)
	slock.Unlock()

	e.fireTriggered(p, book, triggered)
	return result, nil
}

// admitChecks runs the static and policy checks in admission order.
// Caller holds the user's admission lock.
func (e *Engine) admitChecks(p *pair.Pair, req SubmitRequest, refPrice decimal.Decimal) error {
	typ := req.Type
	if typ == orderbook.StopLimit {
		if err := p.ValidatePrice(req.StopPrice); err != nil {
			return risk.Validationf("stop price: %v", err)
		}
		typ = orderbook.Limit // stop carries limit semantics once triggered
	}
	if err := e.gate.Validate(p, typ, req.Price, req.Amount, refPrice); err != nil {
		return err
	}
	if err := e.gate.CheckRate(req.UserID); err != nil {
		return err
	}
	return e.gate.CheckOpenOrders(req.UserID)
}

// freezeForOrder locks the balance backing an order: quote for buys
// (price × amount for limits, the entire available balance for market
// buys), base for sells. Caller holds the user's admission lock.
func (e *Engine) freezeForOrder(bw ledger.BatchWriter, p *pair.Pair, o *orderbook.Order) error {
	var currency string
	var amount decimal.Decimal

	switch {
	case o.Side == orderbook.Sell:
		currency = p.BaseCurrency
		amount = o.Amount
	case o.Type == orderbook.Market:
		currency = p.QuoteCurrency
		amount = e.ledger.GetBalance(o.UserID, currency).Available
		if !amount.IsPositive() {
			return risk.NewInsufficientBalance(ledger.ErrInsufficientBalance)
		}
	default: // limit or stop-limit buy
		currency = p.QuoteCurrency
		amount = o.Price.Mul(o.Amount)
	}

	if err := e.ledger.Freeze(bw, o.UserID, currency, amount, o.ID); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return risk.NewInsufficientBalance(err)
		}
		return err
	}
	o.Frozen = amount
	o.FrozenCurrency = currency
	return nil
}

// CancelOrder removes a still-open order, releasing its remaining
// frozen balance. Fails with ErrOrderNotFound, ErrForbidden or
// ErrOrderNotCancellable.
func (e *Engine) CancelOrder(userID, orderID string) (*orderbook.Order, error) {
	e.mu.RLock()
	o, open := e.orders[orderID]
	e.mu.RUnlock()

	if !open {
		// Not open in memory: consult the store to distinguish
		// "never existed" from "already completed".
		stored, err := e.store.LoadOrder(orderID)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, ErrOrderNotFound
		}
		if stored.UserID != userID {
			return nil, ErrForbidden
		}
		return nil, fmt.Errorf("%w: status %s", ErrOrderNotCancellable, stored.Status)
	}
	if o.UserID != userID {
		return nil, ErrForbidden
	}

	slock := e.symLock(o.Symbol)
	slock.Lock()
	defer slock.Unlock()
	return e.cancelLocked(o)
}

// cancelLocked finalizes a cancellation. Caller holds the symbol lock.
func (e *Engine) cancelLocked(o *orderbook.Order) (*orderbook.Order, error) {
	if o.IsClosed() {
		return nil, fmt.Errorf("%w: status %s", ErrOrderNotCancellable, o.Status)
	}

	book := e.books[o.Symbol]
	if o.Type == orderbook.StopLimit {
		e.removeStop(o)
	} else {
		book.Remove(o.ID)
	}

	o.Status = orderbook.OrderCancelled
	o.UpdatedAt = e.clock.Now().UnixMilli()

	batch := e.store.NewBatch()
	err := e.ledger.WithPersist(func() error {
		if o.Frozen.IsPositive() {
			if err := e.ledger.Unfreeze(batch, o.UserID, o.FrozenCurrency, o.Frozen, o.ID); err != nil {
				return fmt.Errorf("unfreeze: %w", err)
			}
			o.Frozen = decimal.Zero
		}
		if err := batch.SaveOrder(o); err != nil {
			return fmt.Errorf("order row: %w", err)
		}
		return batch.Commit()
	})
	if err != nil {
		e.fatal("cancel_commit_failed", err, "order_id", o.ID)
	}

	e.untrackOrder(o)
	e.gate.OrderClosed(o.UserID)
	e.log.Infow("order_cancelled", "order_id", o.ID, "symbol", o.Symbol, "user_id", o.UserID)

	cp := *o
	return &cp, nil
}

// CancelAll cancels every open order of a user on a symbol and returns
// how many were cancelled
func (e *Engine) CancelAll(userID, symbol string) int {
	e.mu.RLock()
	var targets []*orderbook.Order
	for _, o := range e.orders {
		if o.UserID == userID && o.Symbol == symbol {
			targets = append(targets, o)
		}
	}
	e.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].Sequence < targets[j].Sequence })

	slock := e.symLock(symbol)
	if slock == nil {
		return 0
	}
	slock.Lock()
	defer slock.Unlock()

	count := 0
	for _, o := range targets {
		if _, err := e.cancelLocked(o); err == nil {
			count++
		}
	}
	return count
}

// Depth returns aggregated book depth for a symbol, best levels first
func (e *Engine) Depth(symbol string, levels int) (bids, asks []orderbook.PriceLevel, err error) {
	book, ok := e.books[symbol]
	if !ok {
		return nil, nil, fmt.Errorf("unknown symbol %s", symbol)
	}
	bids, asks = book.Depth(levels)
	return bids, asks, nil
}

// GetOrder returns an order by ID, open or completed
func (e *Engine) GetOrder(orderID string) (*orderbook.Order, error) {
	e.mu.RLock()
	o, ok := e.orders[orderID]
	e.mu.RUnlock()
	if ok {
		cp := *o
		return &cp, nil
	}
	return e.store.LoadOrder(orderID)
}

// OpenOrders returns a user's open orders in sequence order
func (e *Engine) OpenOrders(userID string) []orderbook.Order {
	e.mu.RLock()
	var out []orderbook.Order
	for _, o := range e.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// LastPrice returns the most recent executed trade price for a symbol
func (e *Engine) LastPrice(symbol string) (decimal.Decimal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.lastPrice[symbol]
	return p, ok
}

func (e *Engine) trackOrder(o *orderbook.Order) {
	e.mu.Lock()
	e.orders[o.ID] = o
	e.mu.Unlock()
}

func (e *Engine) untrackOrder(o *orderbook.Order) {
	e.mu.Lock()
	delete(e.orders, o.ID)
	e.mu.Unlock()
}

func (e *Engine) setLastPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	e.lastPrice[symbol] = price
	e.mu.Unlock()
}

// fatal logs and panics: a persistence failure mid-pipeline must halt
// the process rather than let memory and disk diverge. On restart the
// committed state is the source of truth.
func (e *Engine) fatal(msg string, err error, kv ...interface{}) {
	e.log.Errorw(msg, append([]interface{}{"err", err}, kv...)...)
	panic(fmt.Sprintf("%s: %v", msg, err))
}
