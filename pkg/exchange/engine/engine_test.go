package engine

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openclob/spotcore/params"
	"github.com/openclob/spotcore/pkg/exchange/breaker"
	"github.com/openclob/spotcore/pkg/exchange/orderbook"
	"github.com/openclob/spotcore/pkg/exchange/pair"
	"github.com/openclob/spotcore/pkg/exchange/risk"
	"github.com/openclob/spotcore/pkg/ledger"
	"github.com/openclob/spotcore/pkg/storage"
	"github.com/openclob/spotcore/pkg/util"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testExchange struct {
	eng   *Engine
	ldg   *ledger.Ledger
	store *storage.Store
	clock *util.ManualClock
	pairs *pair.Registry
}

func defaultRisk() params.Risk {
	// rate limit high enough to stay out of the way unless a test
	// configures otherwise
	return params.Risk{
		RateLimitPerWindow: 1000,
		RateLimitWindow:    time.Second,
		MaxOpenOrders:      200,
	}
}

func newTestExchange(t *testing.T, dir string, riskCfg params.Risk) *testExchange {
	t.Helper()
	if dir == "" {
		dir = t.TempDir() + "/db"
	}

	store, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := pair.NewRegistry()
	for _, def := range []struct {
		symbol, base string
		minAmount    string
	}{
		{"BTC-USDT", "BTC", "0.0001"},
		{"ETH-USDT", "ETH", "0.001"},
	} {
		p, err := pair.New(def.symbol, def.base, "USDT", pair.Params{
			PricePrecision:  2,
			AmountPrecision: 8,
			MinAmount:       d(def.minAmount),
			MinNotional:     d("10"),
			MakerFeeBps:     10,
			TakerFeeBps:     20,
			MaxDeviationBps: 1500,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := registry.Register(p); err != nil {
			t.Fatal(err)
		}
	}

	clock := util.NewManualClock(time.Unix(1_700_000_000, 0))
	ldg := ledger.New(store)
	eng, err := New(Options{
		Logger:  zap.NewNop().Sugar(),
		Pairs:   registry,
		Gate:    risk.NewGate(riskCfg, clock),
		Ledger:  ldg,
		Store:   store,
		Breaker: breaker.New(time.Minute, clock),
		Clock:   clock,
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	return &testExchange{eng: eng, ldg: ldg, store: store, clock: clock, pairs: registry}
}

func (x *testExchange) deposit(t *testing.T, user, currency, amount string) {
	t.Helper()
	if err := x.ldg.Deposit(user, currency, d(amount)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
}

func (x *testExchange) submit(t *testing.T, req SubmitRequest) *OrderResult {
	t.Helper()
	res, err := x.eng.SubmitOrder(req)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	return res
}

func limitBuy(user, price, amount string) SubmitRequest {
	return SubmitRequest{
		UserID: user, Symbol: "BTC-USDT",
		Side: orderbook.Buy, Type: orderbook.Limit, TIF: orderbook.GTC,
		Price: d(price), Amount: d(amount),
	}
}

func limitSell(user, price, amount string) SubmitRequest {
	return SubmitRequest{
		UserID: user, Symbol: "BTC-USDT",
		Side: orderbook.Sell, Type: orderbook.Limit, TIF: orderbook.GTC,
		Price: d(price), Amount: d(amount),
	}
}

func TestLimitOrderRests(t *testing.T) {
	x := newTestExchange(t, "", defaultRisk())
	x.deposit(t, "alice", "USDT", "100000")

	res := x.submit(t, limitBuy("alice", "50000", "1"))
	if len(res.Trades) != 0 {
		t.Fatalf("empty book produced %d trades", len(res.Trades))
	}
	if res.Order.Status != orderbook.OrderNew {
		t.Errorf("status = %s, want new", res.Order.Status)
	}

	bids, asks, err := x.eng.Depth("BTC-USDT", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(bids) != 1 || len(asks) != 0 {
		t.Fatalf("depth = %d/%d, want 1/0", len(bids), len(asks))
	}

	b := x.ldg.GetBalance("alice", "USDT")
	if !b.Frozen.Equal(d("50000")) || !b.Available.Equal(d("50000")) {
		t.Errorf("balance = %s/%s, want 50000/50000", b.Available, b.Frozen)
	}

	open := x.eng.OpenOrders("alice")
	if len(open) != 1 || open[0].ID != res.Order.ID {
		t.Errorf("open orders = %d", len(open))
	}
}

func TestTradesAtMakerPriceWithImprovementRefund(t *testing.T) {
	x := newTestExchange(t, "", defaultRisk())
	x.deposit(t, "bob", "BTC", "1")
	x.deposit(t, "alice", "USDT", "25000")

	x.submit(t, limitSell("bob", "49900", "0.5"))
	res := x.submit(t, limitBuy("alice", "50000", "0.5"))

	if len(res.Trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if !tr.Price.Equal(d("49900")) {
		t.Errorf("trade price = %s, want maker price 49900", tr.Price)
	}
	if res.Order.Status != orderbook.OrderFilled {
		t.Errorf("taker status = %s, want filled", res.Order.Status)
	}

	// Buyer froze 25000, paid 24950, improvement 50 comes back.
	aq := x.ldg.GetBalance("alice", "USDT")
	if !aq.Available.Equal(d("50")) || !aq.Frozen.IsZero() {
		t.Errorf("alice USDT = %s/%s, want 50/0", aq.Available, aq.Frozen)
	}
	// Buyer receives 0.5 BTC minus 20 bps taker fee (0.001).
	ab := x.ldg.GetBalance("alice", "BTC")
	if !ab.Available.Equal(d("0.499")) {
		t.Errorf("alice BTC = %s, want 0.499", ab.Available)
	}
	// Seller receives 24950 minus 10 bps maker fee (24.95).
	bq := x.ldg.GetBalance("bob", "USDT")
	if !bq.Available.Equal(d("24925.05")) {
		t.Errorf("bob USDT = %s, want 24925.05", bq.Available)
	}
	bb := x.ldg.GetBalance("bob", "BTC")
	if !bb.Available.Equal(d("0.5")) || !bb.Frozen.IsZero() {
		t.Errorf("bob BTC = %s/%s, want 0.5/0", bb.Available, bb.Frozen)
	}
}

func TestPriceTimePriority(t *testing.T) {
	x := newTestExchange(t, "", defaultRisk())
	x.deposit(t, "bob", "BTC", "1")
	x.deposit(t, "carol", "BTC", "1")
	x.deposit(t, "dave", "BTC", "1")
	x.deposit(t, "alice", "USDT", "100000")

	a := x.submit(t, limitSell("bob", "50000", "1"))
	b := x.submit(t, limitSell("carol", "50000", "1"))
	c := x.submit(t, limitSell("dave", "49999", "1"))

	res := x.submit(t, limitBuy("alice", "50000", "1.5"))
	if len(res.Trades) != 2 {
		t.Fatalf("got %d trades, want 2", len(res.Trades))
	}

	// Better price first, then earliest arrival at the tied level.
	if res.Trades[0].MakerOrderID != c.Order.ID || !res.Trades[0].Price.Equal(d("49999")) {
		t.Errorf("first trade: maker %s at %s, want %s at 49999",
			res.Trades[0].MakerOrderID, res.Trades[0].Price, c.Order.ID)
	}
	if res.Trades[1].MakerOrderID != a.Order.ID {
		t.Errorf("second trade: maker %s, want first-arrived %s", res.Trades[1].MakerOrderID, a.Order.ID)
	}

	// carol's later order at the tied price is untouched
	later, err := x.eng.GetOrder(b.Order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !later.Filled.IsZero() {
		t.Errorf("later order at tied price was filled: %s", later.Filled)
	}
}

func TestSelfTradePrevention(t *testing.T) {
	x := newTestExchange(t, "", defaultRisk())
	x.deposit(t, "alice", "BTC", "1")
	x.deposit(t, "alice", "USDT", "200000")
	x.deposit(t, "bob", "BTC", "1")

	own := x.submit(t, limitSell("alice", "50000", "1"))
	other := x.submit(t, limitSell("bob", "50000", "1"))

	res := x.submit(t, limitBuy("alice", "50000", "2"))
	if len(res.Trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(res.Trades))
	}
	if res.Trades[0].MakerOrderID != other.Order.ID {
		t.Errorf("matched own order %s", res.Trades[0].MakerOrderID)
	}

	// alice's resting ask survives untouched
	o, err := x.eng.GetOrder(own.Order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !o.Filled.IsZero() || o.IsClosed() {
		t.Errorf("own resting order touched: filled=%s status=%s", o.Filled, o.Status)
	}
}

func TestIOCCancelsRemainder(t *testing.T) {
	x := newTestExchange(t, "", defaultRisk())
	x.deposit(t, "bob", "BTC", "1")
	x.deposit(t, "alice", "USDT", "100000")

	x.submit(t, limitSell("bob", "50000", "0.5"))

	req := limitBuy("alice", "50000", "1")
	req.TIF = orderbook.IOC
	res := x.submit(t, req)

	if len(res.Trades) != 1 || !res.Trades[0].Amount.Equal(d("0.5")) {
		t.Fatalf("IOC should fill the available 0.5")
	}
	if res.Order.Status != orderbook.OrderCancelled {
		t.Errorf("remainder status = %s, want cancelled", res.Order.Status)
	}

	// remainder's frozen quote released: only 25000 was consumed
	b := x.ldg.GetBalance("alice", "USDT")
	if !b.Frozen.IsZero() || !b.Available.Equal(d("75000")) {
		t.Errorf("alice USDT = %s/%s, want 75000/0", b.Available, b.Frozen)
	}
	if len(x.eng.OpenOrders("alice")) != 0 {
		t.Error("IOC left an open order")
	}
}

func TestFOKAllOrNothing(t *testing.T) {
	x := newTestExchange(t, "", defaultRisk())
	x.deposit(t, "bob", "BTC", "1")
	x.deposit(t, "alice", "USDT", "200000")

	x.submit(t, limitSell("bob", "50000", "0.5"))

	req := limitBuy("alice", "50000", "1")
	req.TIF = orderbook.FOK
	res := x.submit(t, req)

	if len(res.Trades) != 0 {
		t.Fatalf("unfillable FOK traded %d times", len(res.Trades))
	}
	if res.Order.Status != orderbook.OrderCancelled {
		t.Errorf("status = %s, want cancelled", res.Order.Status)
	}
	// maker untouched
	bids, asks, _ := x.eng.Depth("BTC-USDT", 0)
	if len(bids) != 0 || len(asks) != 1 {
		t.Errorf("depth = %d/%d, want 0/1", len(bids), len(asks))
	}

	// a fillable FOK executes completely
	req.Amount = d("0.5")
	res = x.submit(t, req)
	if len(res.Trades) != 1 || res.Order.Status != orderbook.OrderFilled {
		t.Errorf("fillable FOK: %d trades, status %s", len(res.Trades), res.Order.Status)
	}
}

func TestMarketBuy(t *testing.T) {
	x := newTestExchange(t, "", defaultRisk())
	x.deposit(t, "bob", "BTC", "1")
	x.deposit(t, "alice", "USDT", "60000")

	x.submit(t, limitSell("bob", "50000", "1"))

	res := x.submit(t, SubmitRequest{
		UserID: "alice", Symbol: "BTC-USDT",
		Side: orderbook.Buy, Type: orderbook.Market,
		Amount: d("0.5"),
	})
	if len(res.Trades) != 1 || !res.Trades[0].Amount.Equal(d("0.5")) {
		t.Fatalf("market buy: %d trades", len(res.Trades))
	}
	if res.Order.Status != orderbook.OrderFilled {
		t.Errorf("status = %s, want filled", res.Order.Status)
	}

	// whole quote balance was locked, unspent part comes back
	b := x.ldg.GetBalance("alice", "USDT")
	if !b.Available.Equal(d("35000")) || !b.Frozen.IsZero() {
		t.Errorf("alice USDT = %s/%s, want 35000/0", b.Available, b.Frozen)
	}
}

func TestMarketBuyLimitedByFunds(t *testing.T) {
	x := newTestExchange(t, "", defaultRisk())
	x.deposit(t, "bob", "BTC", "1")
	x.deposit(t, "alice", "USDT", "10000")

	x.submit(t, limitSell("bob", "50000", "1"))

	res := x.submit(t, SubmitRequest{
		UserID: "alice", Symbol: "BTC-USDT",
		Side: orderbook.Buy, Type: orderbook.Market,
		Amount: d("0.5"),
	})
	// 10000 quote buys exactly 0.2 at 50000, then the order cancels
	if len(res.Trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(res.Trades))
	}
	if !res.Trades[0].Amount.Equal(d("0.2")) {
		t.Fatalf("trade amount = %s, want 0.2", res.Trades[0].Amount)
	}
	if res.Order.Status != orderbook.OrderCancelled {
		t.Errorf("status = %s, want cancelled", res.Order.Status)
	}
	b := x.ldg.GetBalance("alice", "USDT")
	if !b.Available.IsZero() || !b.Frozen.IsZero() {
		t.Errorf("alice USDT = %s/%s, want 0/0", b.Available, b.Frozen)
	}
}

func TestInsufficientBalanceRejected(t *testing.T) {
	x := newTestExchange(t, "", defaultRisk())
	x.deposit(t, "alice", "USDT", "100")

	_, err := x.eng.SubmitOrder(limitBuy("alice", "50000", "1"))
	var pe *risk.PolicyError
	if !errors.As(err, &pe) || pe.Reason != risk.ReasonInsufficientBalance {
		t.Fatalf("expected INSUFFICIENT_BALANCE, got %v", err)
	}
	// the failed admission locked nothing
	b := x.ldg.GetBalance("alice", "USDT")
	if !b.Available.Equal(d("100")) || !b.Frozen.IsZero() {
		t.Errorf("balance mutated by rejected order: %s/%s", b.Available, b.Frozen)
	}
}

func TestRateLimitAtSubmission(t *testing.T) {
	cfg := defaultRisk()
	cfg.RateLimitPerWindow = 5
	x := newTestExchange(t, "", cfg)
	x.deposit(t, "alice", "USDT", "1000000")

	for i := 0; i < 5; i++ {
		x.submit(t, limitBuy("alice", "49000", "0.01"))
	}

	_, err := x.eng.SubmitOrder(limitBuy("alice", "49000", "0.01"))
	var pe *risk.PolicyError
	if !errors.As(err, &pe) || pe.Reason != risk.ReasonRateLimited {
		t.Fatalf("sixth submission: expected RATE_LIMITED, got %v", err)
	}

	x.clock.Advance(1100 * time.Millisecond)
	x.submit(t, limitBuy("alice", "49000", "0.01"))
}

func TestOpenOrderCapAtSubmission(t *testing.T) {
	cfg := defaultRisk()
	cfg.MaxOpenOrders = 3
	x := newTestExchange(t, "", cfg)
	x.deposit(t, "alice", "USDT", "1000000")

	var first *OrderResult
	for i := 0; i < 3; i++ {
		res := x.submit(t, limitBuy("alice", "49000", "0.01"))
		if first == nil {
			first = res
		}
	}

	_, err := x.eng.SubmitOrder(limitBuy("alice", "49000", "0.01"))
	var pe *risk.PolicyError
	if !errors.As(err, &pe) || pe.Reason != risk.ReasonMaxOpenOrders {
		t.Fatalf("expected MAX_OPEN_ORDERS, got %v", err)
	}

	if _, err := x.eng.CancelOrder("alice", first.Order.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	x.submit(t, limitBuy("alice", "49000", "0.01"))
}

func TestBreakerHaltsOutlierMatch(t *testing.T) {
	x := newTestExchange(t, "", defaultRisk())
	x.deposit(t, "bob", "BTC", "2")
	x.deposit(t, "alice", "USDT", "100000")
	x.deposit(t, "carol", "BTC", "1")
	x.deposit(t, "dave", "USDT", "100000")

	// establish the reference at 50000
	x.submit(t, limitSell("bob", "50000", "0.01"))
	x.submit(t, limitBuy("alice", "50000", "0.01"))

	// a 16% jump must not execute
	x.submit(t, limitSell("carol", "58000", "0.01"))
	res := x.submit(t, limitBuy("dave", "58000", "0.01"))
	if len(res.Trades) != 0 {
		t.Fatalf("halted match executed %d trades", len(res.Trades))
	}
	// the taker's remainder still rests
	if res.Order.Status != orderbook.OrderNew {
		t.Errorf("status = %s, want new", res.Order.Status)
	}

	// a 0.2% move is fine
	x.submit(t, limitSell("bob", "50100", "0.01"))
	res = x.submit(t, limitBuy("alice", "50100", "0.01"))
	if len(res.Trades) != 1 {
		t.Errorf("0.2%% move: got %d trades, want 1", len(res.Trades))
	}
}

func TestCancelOrder(t *testing.T) {
	x := newTestExchange(t, "", defaultRisk())
	x.deposit(t, "alice", "USDT", "100000")

	res := x.submit(t, limitBuy("alice", "50000", "1"))

	if _, err := x.eng.CancelOrder("mallory", res.Order.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("wrong owner: expected ErrForbidden, got %v", err)
	}
	if _, err := x.eng.CancelOrder("alice", "no-such-order"); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("unknown id: expected ErrOrderNotFound, got %v", err)
	}

	cancelled, err := x.eng.CancelOrder("alice", res.Order.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != orderbook.OrderCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}

	// frozen quote fully released
	b := x.ldg.GetBalance("alice", "USDT")
	if !b.Available.Equal(d("100000")) || !b.Frozen.IsZero() {
		t.Errorf("balance = %s/%s, want 100000/0", b.Available, b.Frozen)
	}

	if _, err := x.eng.CancelOrder("alice", res.Order.ID); !errors.Is(err, ErrOrderNotCancellable) {
		t.Errorf("double cancel: expected ErrOrderNotCancellable, got %v", err)
	}
}

func TestCancelAll(t *testing.T) {
	x := newTestExchange(t, "", defaultRisk())
	x.deposit(t, "alice", "USDT", "100000")
	x.deposit(t, "bob", "USDT", "100000")

	x.submit(t, limitBuy("alice", "49000", "0.1"))
	x.submit(t, limitBuy("alice", "48000", "0.1"))
	x.submit(t, limitBuy("bob", "47000", "0.1"))

	if n := x.eng.CancelAll("alice", "BTC-USDT"); n != 2 {
		t.Errorf("cancelled %d, want 2", n)
	}
	if len(x.eng.OpenOrders("alice")) != 0 {
		t.Error("alice still has open orders")
	}
	if len(x.eng.OpenOrders("bob")) != 1 {
		t.Error("bob's order should survive")
	}
}

func TestStopLimitTriggersOnLastPrice(t *testing.T) {
	x := newTestExchange(t, "", defaultRisk())
	x.deposit(t, "bob", "BTC", "2")
	x.deposit(t, "alice", "USDT", "100000")
	x.deposit(t, "carol", "USDT", "100000")

	x.submit(t, limitSell("bob", "50500", "1"))

	// stop buy: fires when the last price reaches 50400
	stop := x.submit(t, SubmitRequest{
		UserID: "alice", Symbol: "BTC-USDT",
		Side: orderbook.Buy, Type: orderbook.StopLimit, TIF: orderbook.GTC,
		Price: d("50600"), StopPrice: d("50400"), Amount: d("0.1"),
	})
	if len(x.eng.OpenOrders("alice")) != 1 {
		t.Fatal("stop order should be open while untriggered")
	}

	// no trade yet, nothing to trigger on
	o, _ := x.eng.GetOrder(stop.Order.ID)
	if o.Status != orderbook.OrderNew || !o.Filled.IsZero() {
		t.Fatalf("untriggered stop mutated: %s", o.Status)
	}

	// carol lifts bob's ask, printing 50500 and firing the stop
	x.submit(t, limitBuy("carol", "50500", "0.2"))

	o, err := x.eng.GetOrder(stop.Order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != orderbook.OrderFilled {
		t.Errorf("stop order status = %s, want filled", o.Status)
	}
	if !o.Filled.Equal(d("0.1")) {
		t.Errorf("stop filled = %s, want 0.1", o.Filled)
	}
}

func TestCrashRecovery(t *testing.T) {
	dir := t.TempDir() + "/db"

	x := newTestExchange(t, dir, defaultRisk())
	x.deposit(t, "bob", "BTC", "2")
	x.deposit(t, "alice", "USDT", "200000")

	// one executed trade and two resting orders survive the restart
	x.submit(t, limitSell("bob", "50000", "1"))
	x.submit(t, limitBuy("alice", "50000", "0.2"))
	x.submit(t, limitSell("bob", "50100", "0.5"))
	x.submit(t, limitBuy("alice", "49000", "0.3"))

	bidsBefore, asksBefore, _ := x.eng.Depth("BTC-USDT", 0)
	seqBefore := x.eng.seq.Current()
	x.store.Close()

	y := newTestExchange(t, dir, defaultRisk())

	bids, asks, _ := y.eng.Depth("BTC-USDT", 0)
	if len(bids) != len(bidsBefore) || len(asks) != len(asksBefore) {
		t.Fatalf("depth after restart = %d/%d, want %d/%d",
			len(bids), len(asks), len(bidsBefore), len(asksBefore))
	}
	for i := range bids {
		if !bids[i].Price.Equal(bidsBefore[i].Price) || !bids[i].Amount.Equal(bidsBefore[i].Amount) {
			t.Errorf("bid level %d differs after restart", i)
		}
	}
	for i := range asks {
		if !asks[i].Price.Equal(asksBefore[i].Price) || !asks[i].Amount.Equal(asksBefore[i].Amount) {
			t.Errorf("ask level %d differs after restart", i)
		}
	}

	if y.eng.seq.Current() != seqBefore {
		t.Errorf("sequence after restart = %d, want %d", y.eng.seq.Current(), seqBefore)
	}
	if lp, ok := y.eng.LastPrice("BTC-USDT"); !ok || !lp.Equal(d("50000")) {
		t.Errorf("last price after restart = %s, want 50000", lp)
	}

	// balances read back from the store, frozen funds intact
	bq := y.ldg.GetBalance("alice", "USDT")
	if bq.Frozen.IsZero() {
		t.Error("alice's resting bid lost its frozen quote")
	}

	// matching picks up where it left off: the recovered ask partially
	// filled at 50000 still has 0.8 remaining
	y.deposit(t, "carol", "USDT", "100000")
	res := y.submit(t, limitBuy("carol", "50000", "0.8"))
	if len(res.Trades) != 1 || !res.Trades[0].Amount.Equal(d("0.8")) {
		t.Fatalf("post-restart match: %d trades", len(res.Trades))
	}
	if !res.Trades[0].Price.Equal(d("50000")) {
		t.Errorf("post-restart trade price = %s, want 50000", res.Trades[0].Price)
	}
	if res.Trades[0].Sequence <= seqBefore {
		t.Errorf("post-restart sequence %d not above %d", res.Trades[0].Sequence, seqBefore)
	}
}

func TestDurableBalancesFollowMemoryAcrossSymbols(t *testing.T) {
	dir := t.TempDir() + "/db"
	x := newTestExchange(t, dir, defaultRisk())
	x.deposit(t, "alice", "USDT", "100000")

	// one user submitting on two symbols concurrently: every freeze
	// commits on a different symbol's pipeline, but the durable USDT
	// row must always end up at the in-memory value
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, sym := range []string{"BTC-USDT", "ETH-USDT"} {
			wg.Add(1)
			go func(sym string) {
				defer wg.Done()
				_, err := x.eng.SubmitOrder(SubmitRequest{
					UserID: "alice", Symbol: sym,
					Side: orderbook.Buy, Type: orderbook.Limit, TIF: orderbook.GTC,
					Price: d("100"), Amount: d("1"),
				})
				if err != nil {
					t.Errorf("submit on %s failed: %v", sym, err)
				}
			}(sym)
		}
	}
	wg.Wait()

	mem := x.ldg.GetBalance("alice", "USDT")
	if !mem.Frozen.Equal(d("2000")) || !mem.Available.Equal(d("98000")) {
		t.Fatalf("memory balance = %s/%s, want 98000/2000", mem.Available, mem.Frozen)
	}
	disk, err := x.store.LoadBalance("alice", "USDT")
	if err != nil || disk == nil {
		t.Fatalf("load balance: %v", err)
	}
	if !disk.Available.Equal(mem.Available) || !disk.Frozen.Equal(mem.Frozen) {
		t.Fatalf("disk balance %s/%s diverged from memory %s/%s",
			disk.Available, disk.Frozen, mem.Available, mem.Frozen)
	}

	// the persisted sequence mark matches the issued counter
	last, err := x.store.LastSequence()
	if err != nil {
		t.Fatal(err)
	}
	if last != x.eng.seq.Current() {
		t.Errorf("persisted sequence mark %d, counter at %d", last, x.eng.seq.Current())
	}

	// a restart sees the same funds locked and never reissues a
	// sequence number already assigned to a persisted order
	x.store.Close()
	y := newTestExchange(t, dir, defaultRisk())

	rec := y.ldg.GetBalance("alice", "USDT")
	if !rec.Available.Equal(mem.Available) || !rec.Frozen.Equal(mem.Frozen) {
		t.Errorf("recovered balance %s/%s, want %s/%s",
			rec.Available, rec.Frozen, mem.Available, mem.Frozen)
	}

	recovered := y.eng.OpenOrders("alice")
	if len(recovered) != 20 {
		t.Fatalf("recovered %d open orders, want 20", len(recovered))
	}
	var maxSeq uint64
	for _, o := range recovered {
		if o.Sequence > maxSeq {
			maxSeq = o.Sequence
		}
	}
	y.deposit(t, "bob", "BTC", "1")
	res := y.submit(t, limitSell("bob", "50000", "1"))
	if res.Order.Sequence <= maxSeq {
		t.Errorf("post-restart sequence %d reissued at or below %d", res.Order.Sequence, maxSeq)
	}
}

func TestSubmitUnservedSymbolRejected(t *testing.T) {
	x := newTestExchange(t, "", defaultRisk())
	x.deposit(t, "alice", "USDT", "1000")

	// registered after the engine was built: known to the registry but
	// without a book or pipeline
	late, err := pair.New("DOGE-USDT", "DOGE", "USDT", pair.Params{
		PricePrecision:  5,
		AmountPrecision: 2,
		MinAmount:       d("1"),
		MinNotional:     d("1"),
		MakerFeeBps:     10,
		TakerFeeBps:     20,
		MaxDeviationBps: 1500,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := x.pairs.Register(late); err != nil {
		t.Fatal(err)
	}

	_, err = x.eng.SubmitOrder(SubmitRequest{
		UserID: "alice", Symbol: "DOGE-USDT",
		Side: orderbook.Buy, Type: orderbook.Limit, TIF: orderbook.GTC,
		Price: d("0.1"), Amount: d("100"),
	})
	var ve *risk.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for unserved symbol, got %v", err)
	}
}
