package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger manages all wallet balances in a thread-safe manner.
// Handles deposits, withdrawals, freezing for open orders, and trade
// settlement. Uses an in-memory cache + durable store for persistence.
//
// All conditional decrements (withdraw, freeze) check-and-mutate under
// one lock, so two concurrent withdrawals racing for the same funds can
// never both succeed and Available never goes negative.
//
// Durable writes are ordered separately by persistMu: balance rows are
// snapshots, so a batch staged earlier but committed later would
// overwrite a newer row on disk. Every batch that stages balance rows
// is staged and committed inside one WithPersist section, and the
// standalone mutations (deposit, withdraw) take the same lock, which
// makes disk order equal mutation order.
type Ledger struct {
	mu        sync.RWMutex
	persistMu sync.Mutex
	balances  map[string]map[string]*Balance // user -> currency -> balance
	store     Store                          // may be nil (volatile mode, tests)
}

// New creates a ledger backed by the given store
func New(store Store) *Ledger {
	return &Ledger{
		balances: make(map[string]map[string]*Balance),
		store:    store,
	}
}

// getLocked returns the cached balance, loading from the store on miss
// and creating a zero row if none exists. Assumes the lock is held.
func (l *Ledger) getLocked(userID, currency string) *Balance {
	byCur, ok := l.balances[userID]
	if !ok {
		byCur = make(map[string]*Balance)
		l.balances[userID] = byCur
	}
	if b, ok := byCur[currency]; ok {
		return b
	}

	b := &Balance{Available: decimal.Zero, Frozen: decimal.Zero}
	if l.store != nil {
		loaded, err := l.store.LoadBalance(userID, currency)
		if err == nil && loaded != nil {
			b = loaded
		}
	}
	byCur[currency] = b
	return b
}

func newTx(userID, currency string, kind TxKind, amount decimal.Decimal, refID string) Transaction {
	return Transaction{
		ID:        uuid.NewString(),
		UserID:    userID,
		Currency:  currency,
		Kind:      kind,
		Amount:    amount,
		RefID:     refID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// WithPersist runs fn while holding the persistence order lock.
// Callers staging balance rows into a batch (Freeze, Unfreeze,
// SettleTrade) must stage and commit inside one WithPersist section;
// two sections never interleave, so a stale balance snapshot cannot
// land on disk after a newer one.
func (l *Ledger) WithPersist(fn func() error) error {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	return fn()
}

// GetBalance returns a copy of the (user, currency) balance.
// A never-touched wallet reads as zero.
func (l *Ledger) GetBalance(userID, currency string) Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.getLocked(userID, currency)
}

// Deposit credits available balance. Creates the wallet row lazily.
func (l *Ledger) Deposit(userID, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("deposit amount must be positive: %s", amount)
	}

	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.getLocked(userID, currency)
	b.Available = b.Available.Add(amount)

	return l.persistLocked(userID, currency, *b, newTx(userID, currency, TxDeposit, amount, ""))
}

// Withdraw debits available balance. The decrement is conditional:
// it succeeds iff available >= amount, so overlapping withdrawals can
// never drive the balance negative.
func (l *Ledger) Withdraw(userID, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("withdraw amount must be positive: %s", amount)
	}

	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.getLocked(userID, currency)
	if b.Available.LessThan(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, b.Available, amount)
	}
	b.Available = b.Available.Sub(amount)

	return l.persistLocked(userID, currency, *b, newTx(userID, currency, TxWithdraw, amount, ""))
}

// Freeze moves amount from available to frozen iff available >= amount,
// else mutates nothing and returns ErrInsufficientBalance. The balance
// row and journal entry are written into bw so the freeze commits
// atomically with the order row it backs.
func (l *Ledger) Freeze(bw BatchWriter, userID, currency string, amount decimal.Decimal, refID string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("freeze amount must be positive: %s", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.getLocked(userID, currency)
	if b.Available.LessThan(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, b.Available, amount)
	}
	b.Available = b.Available.Sub(amount)
	b.Frozen = b.Frozen.Add(amount)

	return l.writeLocked(bw, userID, currency, *b, newTx(userID, currency, TxFreeze, amount, refID))
}

// Unfreeze moves amount from frozen back to available, clamped at zero.
// Used on cancel and when releasing an unconsumed market-buy lock.
func (l *Ledger) Unfreeze(bw BatchWriter, userID, currency string, amount decimal.Decimal, refID string) error {
	if amount.IsNegative() {
		return fmt.Errorf("unfreeze amount cannot be negative: %s", amount)
	}
	if amount.IsZero() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.getLocked(userID, currency)
	release := amount
	if release.GreaterThan(b.Frozen) {
		release = b.Frozen
	}
	b.Frozen = b.Frozen.Sub(release)
	b.Available = b.Available.Add(release)

	return l.writeLocked(bw, userID, currency, *b, newTx(userID, currency, TxUnfreeze, release, refID))
}

// TradeSettlement describes the balance movements of one executed trade.
// All amounts are exact decimals computed by the matching engine.
type TradeSettlement struct {
	TradeID   string
	Sequence  uint64
	Timestamp int64

	BaseCurrency  string
	QuoteCurrency string

	BuyUserID  string
	SellUserID string

	// QuoteConsumed is removed from the buyer's frozen quote (price × amount).
	QuoteConsumed decimal.Decimal
	// QuoteRefund moves from the buyer's frozen quote back to available:
	// the price improvement when the maker price beats the buyer's limit.
	QuoteRefund decimal.Decimal
	// BaseConsumed is removed from the seller's frozen base (the trade amount).
	BaseConsumed decimal.Decimal

	// BuyerFee is charged in base (the currency the buyer receives),
	// SellerFee in quote.
	BuyerFee  decimal.Decimal
	SellerFee decimal.Decimal
}

// SettleTrade applies one trade's balance movements as a single atomic
// unit: consume the frozen funds of both parties, refund the buyer's
// price improvement, credit each party the currency it receives net of
// its fee, and journal every mutation. All writes land in bw; the
// caller commits them together with the trade and order rows.
func (l *Ledger) SettleTrade(bw BatchWriter, st TradeSettlement) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	buyerQuote := l.getLocked(st.BuyUserID, st.QuoteCurrency)
	sellerBase := l.getLocked(st.SellUserID, st.BaseCurrency)

	// Validate before any mutation so a failure leaves balances intact.
	buyerOut := st.QuoteConsumed.Add(st.QuoteRefund)
	if buyerQuote.Frozen.LessThan(buyerOut) {
		return fmt.Errorf("%w: buyer %s frozen %s, need %s",
			ErrInsufficientFrozen, st.BuyUserID, buyerQuote.Frozen, buyerOut)
	}
	if sellerBase.Frozen.LessThan(st.BaseConsumed) {
		return fmt.Errorf("%w: seller %s frozen %s, need %s",
			ErrInsufficientFrozen, st.SellUserID, sellerBase.Frozen, st.BaseConsumed)
	}

	buyerBase := l.getLocked(st.BuyUserID, st.BaseCurrency)
	sellerQuote := l.getLocked(st.SellUserID, st.QuoteCurrency)

	// Buyer: frozen quote pays the seller, refund returns to available.
	buyerQuote.Frozen = buyerQuote.Frozen.Sub(buyerOut)
	buyerQuote.Available = buyerQuote.Available.Add(st.QuoteRefund)

	// Seller: frozen base pays the buyer.
	sellerBase.Frozen = sellerBase.Frozen.Sub(st.BaseConsumed)

	// Credits, net of each party's fee.
	buyerIn := st.BaseConsumed.Sub(st.BuyerFee)
	sellerIn := st.QuoteConsumed.Sub(st.SellerFee)
	buyerBase.Available = buyerBase.Available.Add(buyerIn)
	sellerQuote.Available = sellerQuote.Available.Add(sellerIn)

	txs := []Transaction{
		tradeTx(st, st.BuyUserID, st.QuoteCurrency, TxTradeOut, st.QuoteConsumed),
		tradeTx(st, st.SellUserID, st.BaseCurrency, TxTradeOut, st.BaseConsumed),
		tradeTx(st, st.BuyUserID, st.BaseCurrency, TxTradeIn, buyerIn),
		tradeTx(st, st.SellUserID, st.QuoteCurrency, TxTradeIn, sellerIn),
	}
	if st.QuoteRefund.IsPositive() {
		txs = append(txs, tradeTx(st, st.BuyUserID, st.QuoteCurrency, TxUnfreeze, st.QuoteRefund))
	}
	if st.BuyerFee.IsPositive() {
		txs = append(txs, tradeTx(st, st.BuyUserID, st.BaseCurrency, TxFee, st.BuyerFee))
	}
	if st.SellerFee.IsPositive() {
		txs = append(txs, tradeTx(st, st.SellUserID, st.QuoteCurrency, TxFee, st.SellerFee))
	}

	if bw == nil {
		return nil
	}
	if err := bw.SetBalance(st.BuyUserID, st.QuoteCurrency, *buyerQuote); err != nil {
		return err
	}
	if err := bw.SetBalance(st.BuyUserID, st.BaseCurrency, *buyerBase); err != nil {
		return err
	}
	if err := bw.SetBalance(st.SellUserID, st.BaseCurrency, *sellerBase); err != nil {
		return err
	}
	if err := bw.SetBalance(st.SellUserID, st.QuoteCurrency, *sellerQuote); err != nil {
		return err
	}
	for _, tx := range txs {
		if err := bw.AppendTransaction(tx); err != nil {
			return err
		}
	}
	return nil
}

func tradeTx(st TradeSettlement, userID, currency string, kind TxKind, amount decimal.Decimal) Transaction {
	return Transaction{
		ID:        uuid.NewString(),
		UserID:    userID,
		Currency:  currency,
		Kind:      kind,
		Amount:    amount,
		RefID:     st.TradeID,
		Sequence:  st.Sequence,
		Timestamp: st.Timestamp,
	}
}

// persistLocked writes a standalone mutation (deposit/withdraw) through
// the store; the in-memory state is already updated.
func (l *Ledger) persistLocked(userID, currency string, b Balance, tx Transaction) error {
	if l.store == nil {
		return nil
	}
	return l.store.SaveBalanceWithTx(userID, currency, b, tx)
}

// writeLocked routes a mutation either into a batch (commits with the
// caller's other writes) or through the store when no batch is given.
func (l *Ledger) writeLocked(bw BatchWriter, userID, currency string, b Balance, tx Transaction) error {
	if bw != nil {
		if err := bw.SetBalance(userID, currency, b); err != nil {
			return err
		}
		return bw.AppendTransaction(tx)
	}
	return l.persistLocked(userID, currency, b, tx)
}
