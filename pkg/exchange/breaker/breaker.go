package breaker

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openclob/spotcore/pkg/util"
)

// Decision is the outcome of a pre-match price check
type Decision int8

const (
	Allow Decision = iota
	Halt
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "ALLOW"
	case Halt:
		return "HALT"
	default:
		return "UNKNOWN"
	}
}

type reference struct {
	price decimal.Decimal
	at    time.Time
}

// Breaker tracks a rolling reference price per symbol and halts matches
// that would move the price beyond a configured deviation bound while
// the reference is still fresh. Thread-safe for concurrent use.
//
// The reference only advances on executed trades (RecordTrade); a Halt
// never updates it, so a burst of outlier orders cannot walk the bound.
type Breaker struct {
	mu     sync.RWMutex
	window time.Duration
	clock  util.Clock
	refs   map[string]*reference
}

// New creates a breaker. window is how long a reference price stays
// authoritative; once it ages out, any price is allowed again.
func New(window time.Duration, clock util.Clock) *Breaker {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Breaker{
		window: window,
		clock:  clock,
		refs:   make(map[string]*reference),
	}
}

// Check decides whether a candidate trade price is allowed.
// maxDeviationBps is the pair's configured bound in basis points.
// Allowed when there is no reference yet, the reference has aged out
// of the window, or the deviation stays within the bound.
func (b *Breaker) Check(symbol string, price decimal.Decimal, maxDeviationBps int64) Decision {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ref, ok := b.refs[symbol]
	if !ok {
		return Allow
	}
	if b.clock.Now().Sub(ref.at) > b.window {
		return Allow
	}

	diff := price.Sub(ref.price).Abs()
	// diff/ref > maxDev/10000, compared multiplicatively to stay exact
	if diff.Mul(decimal.NewFromInt(10000)).GreaterThan(ref.price.Mul(decimal.NewFromInt(maxDeviationBps))) {
		return Halt
	}
	return Allow
}

// RecordTrade advances the reference price after an executed trade
func (b *Breaker) RecordTrade(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs[symbol] = &reference{price: price, at: b.clock.Now()}
}

// Seed installs a reference price with an explicit timestamp.
// Used at startup to restore the reference from the last persisted trade.
func (b *Breaker) Seed(symbol string, price decimal.Decimal, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs[symbol] = &reference{price: price, at: at}
}

// Reference returns the current reference price for a symbol
func (b *Breaker) Reference(symbol string) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ref, ok := b.refs[symbol]
	if !ok {
		return decimal.Zero, false
	}
	return ref.price, true
}
