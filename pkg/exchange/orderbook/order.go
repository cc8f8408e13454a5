package orderbook

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Side of an order
type Side int8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the matching side for a taker of side s
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ParseSide converts the wire representation ("buy"/"sell")
func ParseSide(s string) (Side, error) {
	switch s {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	default:
		return 0, fmt.Errorf("invalid side: %q", s)
	}
}

// OrderType distinguishes the primitive order kinds the matcher understands.
// Richer intents (stop-limit) are normalized into these at admission.
type OrderType int8

const (
	Limit OrderType = iota
	Market
	StopLimit
)

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "limit"
	case Market:
		return "market"
	case StopLimit:
		return "stop_limit"
	default:
		return "unknown"
	}
}

// ParseOrderType converts the wire representation
func ParseOrderType(s string) (OrderType, error) {
	switch s {
	case "limit":
		return Limit, nil
	case "market":
		return Market, nil
	case "stop_limit":
		return StopLimit, nil
	default:
		return 0, fmt.Errorf("invalid order type: %q", s)
	}
}

// TimeInForce controls what happens to an unfilled remainder
type TimeInForce int8

const (
	GTC TimeInForce = iota // rest on the book
	IOC                    // cancel remainder immediately
	FOK                    // fill completely or cancel without trading
)

func (t TimeInForce) String() string {
	switch t {
	case GTC:
		return "GTC"
	case IOC:
		return "IOC"
	case FOK:
		return "FOK"
	default:
		return "unknown"
	}
}

// ParseTimeInForce converts the wire representation; empty means GTC
func ParseTimeInForce(s string) (TimeInForce, error) {
	switch s {
	case "", "GTC":
		return GTC, nil
	case "IOC":
		return IOC, nil
	case "FOK":
		return FOK, nil
	default:
		return 0, fmt.Errorf("invalid time in force: %q", s)
	}
}

// OrderStatus represents the lifecycle state of an order.
// Transitions are monotonic: a filled or cancelled order never reopens.
type OrderStatus int8

const (
	OrderNew OrderStatus = iota
	OrderPartiallyFilled
	OrderFilled
	OrderCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderNew:
		return "new"
	case OrderPartiallyFilled:
		return "partially_filled"
	case OrderFilled:
		return "filled"
	case OrderCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Order is a resting or incoming order. Prices and amounts are exact
// decimals; the matcher never touches binary floats.
type Order struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Symbol string `json:"symbol"`

	Side Side        `json:"side"`
	Type OrderType   `json:"type"`
	TIF  TimeInForce `json:"tif"`

	Price  decimal.Decimal `json:"price"`  // zero for market orders
	Amount decimal.Decimal `json:"amount"` // original amount
	Filled decimal.Decimal `json:"filled"`

	// StopPrice triggers normalization of a stop_limit intent.
	// Zero for plain limit/market orders.
	StopPrice decimal.Decimal `json:"stop_price,omitempty"`

	// Frozen is the balance still locked for this order, in FrozenCurrency.
	// Settlement consumes it trade by trade; cancel releases the rest.
	Frozen         decimal.Decimal `json:"frozen"`
	FrozenCurrency string          `json:"frozen_currency"`

	Status   OrderStatus `json:"status"`
	Sequence uint64      `json:"sequence"`

	CreatedAt int64 `json:"created_at"` // Unix milliseconds
	UpdatedAt int64 `json:"updated_at"`
}

// Remaining returns the unfilled amount
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

// IsClosed returns true if the order is no longer active
func (o *Order) IsClosed() bool {
	return o.Status == OrderFilled || o.Status == OrderCancelled
}

// Trade is an executed match between a maker and a taker order.
// Immutable once created. Price is always the maker's price.
// Fees are denominated in the currency the respective party receives.
type Trade struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`

	MakerOrderID string `json:"maker_order_id"`
	TakerOrderID string `json:"taker_order_id"`
	MakerUserID  string `json:"maker_user_id"`
	TakerUserID  string `json:"taker_user_id"`

	// TakerSide is the side of the incoming order
	TakerSide Side `json:"taker_side"`

	Price    decimal.Decimal `json:"price"`
	Amount   decimal.Decimal `json:"amount"`
	MakerFee decimal.Decimal `json:"maker_fee"`
	TakerFee decimal.Decimal `json:"taker_fee"`

	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}
