package pair

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Status defines the trading status of a pair
type Status int8

const (
	Active    Status = iota // Trading enabled
	Suspended               // Trading halted (admin or emergency)
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Suspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Pair defines all parameters for a trading pair (e.g. BTC-USDT spot)
type Pair struct {
	// Identity
	Symbol        string // "BTC-USDT"
	BaseCurrency  string // "BTC"
	QuoteCurrency string // "USDT"
	Status        Status

	// Precision: maximum number of fractional digits accepted on
	// prices and amounts. Orders with excess digits are rejected,
	// never silently rounded.
	PricePrecision  int32
	AmountPrecision int32

	// MinAmount: smallest accepted order amount in base currency
	MinAmount decimal.Decimal

	// MinNotional: smallest accepted order value (price × amount)
	// in quote currency. Prevents dust orders.
	MinNotional decimal.Decimal

	// Fees in basis points, charged in the currency each party receives
	MakerFeeBps int64
	TakerFeeBps int64

	// MaxDeviationBps: circuit breaker bound, allowed move from the
	// reference trade price in basis points (1500 = 15%)
	MaxDeviationBps int64
}

// New creates a pair with validation
func New(symbol, base, quote string, p Params) (*Pair, error) {
	pr := &Pair{
		Symbol:          symbol,
		BaseCurrency:    base,
		QuoteCurrency:   quote,
		Status:          Active,
		PricePrecision:  p.PricePrecision,
		AmountPrecision: p.AmountPrecision,
		MinAmount:       p.MinAmount,
		MinNotional:     p.MinNotional,
		MakerFeeBps:     p.MakerFeeBps,
		TakerFeeBps:     p.TakerFeeBps,
		MaxDeviationBps: p.MaxDeviationBps,
	}

	if err := pr.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pair params: %w", err)
	}

	return pr, nil
}

// Params holds the tunable parameters for New
type Params struct {
	PricePrecision  int32
	AmountPrecision int32
	MinAmount       decimal.Decimal
	MinNotional     decimal.Decimal
	MakerFeeBps     int64
	TakerFeeBps     int64
	MaxDeviationBps int64
}

// Validate checks pair parameter sanity
func (p *Pair) Validate() error {
	if p.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if p.BaseCurrency == "" || p.QuoteCurrency == "" {
		return fmt.Errorf("base and quote currencies must be specified")
	}
	if p.BaseCurrency == p.QuoteCurrency {
		return fmt.Errorf("base and quote currencies must differ")
	}
	if p.PricePrecision < 0 {
		return fmt.Errorf("price precision cannot be negative")
	}
	if p.AmountPrecision < 0 {
		return fmt.Errorf("amount precision cannot be negative")
	}
	if p.MinAmount.IsNegative() {
		return fmt.Errorf("min amount cannot be negative")
	}
	if p.MinNotional.IsNegative() {
		return fmt.Errorf("min notional cannot be negative")
	}
	if p.TakerFeeBps < 0 {
		return fmt.Errorf("taker fee cannot be negative")
	}
	if p.MakerFeeBps < 0 {
		return fmt.Errorf("maker fee cannot be negative")
	}
	if p.MaxDeviationBps <= 0 {
		return fmt.Errorf("max deviation must be positive")
	}
	return nil
}

// ConformsPrecision reports whether v has at most prec fractional digits.
// "1.230" conforms to prec=2: the value, not the textual form, is checked.
func ConformsPrecision(v decimal.Decimal, prec int32) bool {
	return v.Equal(v.Truncate(prec))
}

// ValidatePrice checks price positivity and precision
func (p *Pair) ValidatePrice(price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("price must be positive")
	}
	if !ConformsPrecision(price, p.PricePrecision) {
		return fmt.Errorf("price %s exceeds precision of %d decimals", price, p.PricePrecision)
	}
	return nil
}

// ValidateAmount checks amount positivity, precision and minimum size
func (p *Pair) ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("amount must be positive")
	}
	if !ConformsPrecision(amount, p.AmountPrecision) {
		return fmt.Errorf("amount %s exceeds precision of %d decimals", amount, p.AmountPrecision)
	}
	if amount.LessThan(p.MinAmount) {
		return fmt.Errorf("amount %s below minimum %s", amount, p.MinAmount)
	}
	return nil
}

// ValidateNotional checks that price × amount meets the pair minimum
func (p *Pair) ValidateNotional(price, amount decimal.Decimal) error {
	notional := price.Mul(amount)
	if notional.LessThan(p.MinNotional) {
		return fmt.Errorf("notional %s below minimum %s", notional, p.MinNotional)
	}
	return nil
}

// MakerFee returns the maker fee on a received amount.
// Basis-point scaling is a pure decimal shift, so no rounding occurs.
func (p *Pair) MakerFee(received decimal.Decimal) decimal.Decimal {
	return received.Mul(decimal.NewFromInt(p.MakerFeeBps)).Shift(-4)
}

// TakerFee returns the taker fee on a received amount
func (p *Pair) TakerFee(received decimal.Decimal) decimal.Decimal {
	return received.Mul(decimal.NewFromInt(p.TakerFeeBps)).Shift(-4)
}
