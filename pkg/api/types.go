package api

import "github.com/shopspring/decimal"

// REST and WebSocket payload types. Decimal fields serialize as JSON
// strings so clients never see float artifacts.

// PairInfo is a trading pair's static configuration
type PairInfo struct {
	Symbol          string          `json:"symbol"`
	BaseCurrency    string          `json:"baseCurrency"`
	QuoteCurrency   string          `json:"quoteCurrency"`
	Status          string          `json:"status"`
	PricePrecision  int32           `json:"pricePrecision"`
	AmountPrecision int32           `json:"amountPrecision"`
	MinAmount       decimal.Decimal `json:"minAmount"`
	MinNotional     decimal.Decimal `json:"minNotional"`
	MakerFeeBps     int64           `json:"makerFeeBps"`
	TakerFeeBps     int64           `json:"takerFeeBps"`
}

// PriceLevel is one aggregated depth row
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// DepthSnapshot is the current book state of a symbol
type DepthSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"` // sorted high to low
	Asks      []PriceLevel `json:"asks"` // sorted low to high
	Timestamp int64        `json:"timestamp"`
}

// TradeInfo is one executed trade
type TradeInfo struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	TakerSide string          `json:"takerSide"`
	Sequence  uint64          `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
}

// OrderInfo is an order's externally visible state
type OrderInfo struct {
	ID        string          `json:"id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Type      string          `json:"type"`
	TIF       string          `json:"timeInForce"`
	Price     decimal.Decimal `json:"price"`
	StopPrice decimal.Decimal `json:"stopPrice,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Filled    decimal.Decimal `json:"filled"`
	Remaining decimal.Decimal `json:"remaining"`
	Status    string          `json:"status"`
	Sequence  uint64          `json:"sequence"`
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
}

// BalanceInfo is one (currency, wallet) row
type BalanceInfo struct {
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
}

// TransactionInfo is one balance journal entry
type TransactionInfo struct {
	ID        string          `json:"id"`
	Currency  string          `json:"currency"`
	Kind      string          `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	RefID     string          `json:"refId,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// SubmitOrderRequest is the payload for POST /api/v1/orders
type SubmitOrderRequest struct {
	UserID    string `json:"userId"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`        // "buy" | "sell"
	Type      string `json:"type"`        // "limit" | "market" | "stop_limit"
	TIF       string `json:"timeInForce"` // "GTC" | "IOC" | "FOK", defaults to GTC
	Price     string `json:"price"`
	StopPrice string `json:"stopPrice"`
	Amount    string `json:"amount"`
}

// SubmitOrderResponse carries the synchronous submission outcome
type SubmitOrderResponse struct {
	Order  OrderInfo   `json:"order"`
	Trades []TradeInfo `json:"trades"`
}

// CancelOrderRequest is the payload for POST /api/v1/orders/cancel
type CancelOrderRequest struct {
	UserID  string `json:"userId"`
	OrderID string `json:"orderId"`
}

// CancelAllRequest is the payload for POST /api/v1/orders/cancel_all
type CancelAllRequest struct {
	UserID string `json:"userId"`
	Symbol string `json:"symbol"`
}

// TransferRequest is the payload for deposits and withdrawals
type TransferRequest struct {
	UserID   string `json:"userId"`
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"` // machine-readable policy code
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest is sent by a client to manage channel subscriptions
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" | "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["trades:BTC-USDT", "depth:BTC-USDT"]
}

// TradeUpdate is broadcast on channel "trades:{symbol}"
type TradeUpdate struct {
	Type      string          `json:"type"` // "trade"
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	TakerSide string          `json:"takerSide"`
	Sequence  uint64          `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
}

// DepthUpdate is broadcast on channel "depth:{symbol}" after matching
type DepthUpdate struct {
	Type      string       `json:"type"` // "depth"
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}
