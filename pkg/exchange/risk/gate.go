package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openclob/spotcore/params"
	"github.com/openclob/spotcore/pkg/exchange/orderbook"
	"github.com/openclob/spotcore/pkg/exchange/pair"
	"github.com/openclob/spotcore/pkg/util"
)

// Gate is the admission control in front of the matching engine:
// static order validation, a per-user sliding-window rate limit, and a
// per-user open-order cap.
//
// Two lock domains: each user has an admission mutex (UserLock) the
// engine holds across check → freeze → record, serializing submissions
// from one user so they cannot double-spend; the gate's own mutex
// guards the counters, which fills and cancels also touch from outside
// the admission path (a maker's open count drops while someone else's
// taker is being matched).
type Gate struct {
	cfg   params.Risk
	clock util.Clock

	mu    sync.Mutex
	users map[string]*userState
}

type userState struct {
	admit       sync.Mutex
	submissions []time.Time // accepted submissions inside the rolling window
	open        int         // orders with status new/partially_filled
}

// NewGate creates a gate with the given limits
func NewGate(cfg params.Risk, clock util.Clock) *Gate {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Gate{
		cfg:   cfg,
		clock: clock,
		users: make(map[string]*userState),
	}
}

func (g *Gate) user(userID string) *userState {
	g.mu.Lock()
	defer g.mu.Unlock()

	u, ok := g.users[userID]
	if !ok {
		u = &userState{}
		g.users[userID] = u
	}
	return u
}

// UserLock returns the per-user admission mutex. The engine locks it
// for the whole admit sequence of one submission.
func (g *Gate) UserLock(userID string) *sync.Mutex {
	return &g.user(userID).admit
}

// Validate runs the static order checks in admission order: symbol
// status, then price and amount precision, minimum amount, minimum
// notional, and strict positivity last. A multiply-invalid order
// always reports the earliest failing check. refPrice supplies the
// best available price for market orders; zero means no resting
// liquidity, in which case the notional check is deferred to matching
// (where the order cancels for lack of liquidity anyway).
func (g *Gate) Validate(p *pair.Pair, typ orderbook.OrderType, price, amount, refPrice decimal.Decimal) error {
	if p.Status != pair.Active {
		return Validationf("pair %s is not active (status: %s)", p.Symbol, p.Status)
	}

	if typ != orderbook.Market && !pair.ConformsPrecision(price, p.PricePrecision) {
		return Validationf("price %s exceeds precision of %d decimals", price, p.PricePrecision)
	}
	if !pair.ConformsPrecision(amount, p.AmountPrecision) {
		return Validationf("amount %s exceeds precision of %d decimals", amount, p.AmountPrecision)
	}
	if amount.LessThan(p.MinAmount) {
		return Validationf("amount %s below minimum %s", amount, p.MinAmount)
	}

	notionalPrice := price
	if typ == orderbook.Market {
		notionalPrice = refPrice
	}
	if notionalPrice.IsPositive() {
		if err := p.ValidateNotional(notionalPrice, amount); err != nil {
			return &ValidationError{msg: err.Error()}
		}
	}

	if typ != orderbook.Market && !price.IsPositive() {
		return Validationf("price must be positive")
	}
	if !amount.IsPositive() {
		return Validationf("amount must be positive")
	}
	return nil
}

// CheckRate rejects the submission when the user already has
// cfg.RateLimitPerWindow accepted submissions inside the rolling window
func (g *Gate) CheckRate(userID string) error {
	u := g.user(userID)
	now := g.clock.Now()
	cutoff := now.Add(-g.cfg.RateLimitWindow)

	g.mu.Lock()
	defer g.mu.Unlock()

	// prune expired entries
	kept := u.submissions[:0]
	for _, t := range u.submissions {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	u.submissions = kept

	if len(u.submissions) >= g.cfg.RateLimitPerWindow {
		return policyf(ReasonRateLimited, "rate limit exceeded: %d submissions within %s",
			len(u.submissions), g.cfg.RateLimitWindow)
	}
	return nil
}

// RecordSubmission counts an accepted submission against the window.
// Only accepted orders consume rate budget; rejections are free.
func (g *Gate) RecordSubmission(userID string) {
	u := g.user(userID)
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	u.submissions = append(u.submissions, now)
}

// CheckOpenOrders rejects the submission when the user is at the
// open-order cap
func (g *Gate) CheckOpenOrders(userID string) error {
	u := g.user(userID)

	g.mu.Lock()
	defer g.mu.Unlock()
	if u.open >= g.cfg.MaxOpenOrders {
		return policyf(ReasonMaxOpenOrders, "open order limit reached: %d", u.open)
	}
	return nil
}

// OrderOpened increments the user's open-order count
func (g *Gate) OrderOpened(userID string) {
	u := g.user(userID)

	g.mu.Lock()
	defer g.mu.Unlock()
	u.open++
}

// OrderClosed decrements the user's open-order count when an order
// reaches filled or cancelled
func (g *Gate) OrderClosed(userID string) {
	u := g.user(userID)

	g.mu.Lock()
	defer g.mu.Unlock()
	if u.open > 0 {
		u.open--
	}
}

// OpenOrders returns the user's current open-order count
func (g *Gate) OpenOrders(userID string) int {
	u := g.user(userID)

	g.mu.Lock()
	defer g.mu.Unlock()
	return u.open
}
