package ledger

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Balance is one (user, currency) wallet row.
// Invariant: Available >= 0 and Frozen >= 0 at every observable instant.
// The sum only changes through deposit, withdrawal or trade settlement;
// freeze/unfreeze move value between the two fields.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Frozen    decimal.Decimal `json:"frozen"`
}

// TxKind classifies a journal entry
type TxKind string

const (
	TxDeposit  TxKind = "deposit"
	TxWithdraw TxKind = "withdraw"
	TxFreeze   TxKind = "freeze"
	TxUnfreeze TxKind = "unfreeze"
	TxTradeIn  TxKind = "trade_in"  // currency received from a trade, net of fee
	TxTradeOut TxKind = "trade_out" // frozen currency consumed by a trade
	TxFee      TxKind = "fee"
)

// Transaction is one journal entry. Every balance mutation writes one.
type Transaction struct {
	ID       string          `json:"id"`
	UserID   string          `json:"user_id"`
	Currency string          `json:"currency"`
	Kind     TxKind          `json:"kind"`
	Amount   decimal.Decimal `json:"amount"`

	// RefID links the entry to its cause: an order ID for freezes and
	// unfreezes, a trade ID for settlement legs, empty for deposits.
	RefID string `json:"ref_id,omitempty"`

	Sequence  uint64 `json:"sequence,omitempty"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds
}

// Store persists balances; implementations must make each call atomic.
type Store interface {
	LoadBalance(userID, currency string) (*Balance, error)
	SaveBalanceWithTx(userID, currency string, b Balance, tx Transaction) error
}

// BatchWriter collects balance writes that commit atomically with the
// rest of a settlement or admission batch.
type BatchWriter interface {
	SetBalance(userID, currency string, b Balance) error
	AppendTransaction(tx Transaction) error
}

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientFrozen  = errors.New("insufficient frozen balance")
)
