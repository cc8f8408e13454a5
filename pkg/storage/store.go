package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/openclob/spotcore/pkg/exchange/orderbook"
	"github.com/openclob/spotcore/pkg/ledger"
)

// Store provides Pebble-based persistence for orders, trades, balances,
// the balance mutation journal and the sequence high-water mark.
//
// Matching state is in memory; this store is the audit/recovery substrate.
// Anything the engine decides is made durable here before it is observable,
// and settlement always goes through a single atomic Batch.
type Store struct {
	db        *pebble.DB
	closeOnce sync.Once
	closeErr  error
}

// Open opens a Pebble database at the given path
func Open(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(128 << 20), // 128MB cache
		MemTableSize:             64 << 20,                   // 64MB memtable
		MaxConcurrentCompactions: func() int { return 3 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}

	return &Store{db: db}, nil
}

// Close closes the database. Safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.db.Close() })
	return s.closeErr
}

type orderRef struct {
	Symbol   string `json:"symbol"`
	Sequence uint64 `json:"sequence"`
}

// SaveOrder persists an order row and its ID index entry
func (s *Store) SaveOrder(o *orderbook.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(o.Symbol, o.Sequence), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	ref, _ := json.Marshal(orderRef{Symbol: o.Symbol, Sequence: o.Sequence})
	if err := s.db.Set(orderIndexKey(o.ID), ref, pebble.Sync); err != nil {
		return fmt.Errorf("failed to index order: %w", err)
	}
	return nil
}

// LoadOrder loads an order by ID
// Returns nil if the order doesn't exist
func (s *Store) LoadOrder(orderID string) (*orderbook.Order, error) {
	data, closer, err := s.db.Get(orderIndexKey(orderID))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order index: %w", err)
	}
	var ref orderRef
	uerr := json.Unmarshal(data, &ref)
	closer.Close()
	if uerr != nil {
		return nil, fmt.Errorf("failed to unmarshal order index: %w", uerr)
	}

	data, closer, err = s.db.Get(orderKey(ref.Symbol, ref.Sequence))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()

	var o orderbook.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &o, nil
}

// LoadOpenOrders loads all orders of a symbol with status new or
// partially_filled, in ascending sequence order (the key encodes the
// sequence, so the scan order is the admission order).
func (s *Store) LoadOpenOrders(symbol string) ([]*orderbook.Order, error) {
	prefix := orderPrefix(symbol)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var orders []*orderbook.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o orderbook.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			continue // Skip invalid entries
		}
		if !o.IsClosed() {
			orders = append(orders, &o)
		}
	}

	return orders, nil
}

// SaveTrade persists a trade row
func (s *Store) SaveTrade(t *orderbook.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal trade: %w", err)
	}
	if err := s.db.Set(tradeKey(t.Symbol, t.Sequence), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// LoadRecentTrades loads the most recent N trades for a symbol,
// newest first
func (s *Store) LoadRecentTrades(symbol string, limit int) ([]*orderbook.Trade, error) {
	prefix := tradePrefix(symbol)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var trades []*orderbook.Trade
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var t orderbook.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue
		}
		trades = append(trades, &t)
	}

	return trades, nil
}

// LoadLastTrade returns the most recent trade for a symbol, or nil
func (s *Store) LoadLastTrade(symbol string) (*orderbook.Trade, error) {
	trades, err := s.LoadRecentTrades(symbol, 1)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, nil
	}
	return trades[0], nil
}

// SaveBalance persists a wallet balance
func (s *Store) SaveBalance(userID, currency string, b ledger.Balance) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal balance: %w", err)
	}
	if err := s.db.Set(balanceKey(userID, currency), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}

// LoadBalance loads a wallet balance
// Returns nil if the balance row doesn't exist yet
func (s *Store) LoadBalance(userID, currency string) (*ledger.Balance, error) {
	data, closer, err := s.db.Get(balanceKey(userID, currency))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	defer closer.Close()

	var b ledger.Balance
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal balance: %w", err)
	}
	return &b, nil
}

// AppendTransaction persists one journal entry
func (s *Store) AppendTransaction(tx ledger.Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}
	if err := s.db.Set(txLogKey(tx.UserID, tx.Timestamp, tx.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// SaveBalanceWithTx persists a balance and its journal entry as one
// atomic write. Used by standalone ledger operations (deposit, withdraw).
func (s *Store) SaveBalanceWithTx(userID, currency string, b ledger.Balance, tx ledger.Transaction) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	bData, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal balance: %w", err)
	}
	if err := batch.Set(balanceKey(userID, currency), bData, nil); err != nil {
		return err
	}
	tData, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}
	if err := batch.Set(txLogKey(userID, tx.Timestamp, tx.ID), tData, nil); err != nil {
		return err
	}

	return batch.Commit(pebble.Sync)
}

// LoadTransactions loads the most recent N journal entries for a user,
// newest first
func (s *Store) LoadTransactions(userID string, limit int) ([]ledger.Transaction, error) {
	prefix := txLogPrefix(userID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var txs []ledger.Transaction
	for iter.Last(); iter.Valid() && len(txs) < limit; iter.Prev() {
		var tx ledger.Transaction
		if err := json.Unmarshal(iter.Value(), &tx); err != nil {
			continue
		}
		txs = append(txs, tx)
	}

	return txs, nil
}

// LastSequence returns the persisted sequence high-water mark, 0 if none
func (s *Store) LastSequence() (uint64, error) {
	data, closer, err := s.db.Get([]byte(keySequence))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get sequence: %w", err)
	}
	defer closer.Close()

	seq, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt sequence value %q: %w", data, err)
	}
	return seq, nil
}

// Batch collects writes that commit atomically as one unit.
// A trade settlement puts the trade row, both order rows, up to four
// balance rows, the journal entries and the sequence mark into one
// batch; either all of it becomes durable or none of it does.
type Batch struct {
	batch *pebble.Batch
}

// NewBatch creates a new atomic write batch
func (s *Store) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

// SaveOrder adds an order row + index entry to the batch
func (b *Batch) SaveOrder(o *orderbook.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	if err := b.batch.Set(orderKey(o.Symbol, o.Sequence), data, nil); err != nil {
		return err
	}
	ref, _ := json.Marshal(orderRef{Symbol: o.Symbol, Sequence: o.Sequence})
	return b.batch.Set(orderIndexKey(o.ID), ref, nil)
}

// SaveTrade adds a trade row to the batch
func (b *Batch) SaveTrade(t *orderbook.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return b.batch.Set(tradeKey(t.Symbol, t.Sequence), data, nil)
}

// SetBalance adds a balance row to the batch
func (b *Batch) SetBalance(userID, currency string, bal ledger.Balance) error {
	data, err := json.Marshal(bal)
	if err != nil {
		return err
	}
	return b.batch.Set(balanceKey(userID, currency), data, nil)
}

// AppendTransaction adds a journal entry to the batch
func (b *Batch) AppendTransaction(tx ledger.Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	return b.batch.Set(txLogKey(tx.UserID, tx.Timestamp, tx.ID), data, nil)
}

// SetSequence records the sequence high-water mark in the batch.
// The mark is a plain last-write-wins row: callers must commit marks
// in non-decreasing order (the engine does so by staging and
// committing under the ledger's persist section).
func (b *Batch) SetSequence(seq uint64) error {
	return b.batch.Set([]byte(keySequence), []byte(strconv.FormatUint(seq, 10)), nil)
}

// Commit writes the batch to Pebble atomically and durably
func (b *Batch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

// Close discards the batch without committing
func (b *Batch) Close() error {
	return b.batch.Close()
}
