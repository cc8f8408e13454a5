package storage

import "fmt"

// Pebble key schema
// Design principles:
// 1. Prefix-based for range scans (open orders per symbol, trades per symbol)
// 2. Zero-padded sequence numbers for lexicographic == numeric ordering
// 3. Order rows keyed by symbol+sequence so a prefix scan replays them in
//    original admission order (book rebuild depends on this)

const (
	prefixOrder      = "ord:"  // order rows, symbol+sequence keyed
	prefixOrderIndex = "ordi:" // order ID -> symbol+sequence
	prefixTrade      = "trd:"  // trade rows, symbol+sequence keyed
	prefixBalance    = "bal:"  // wallet balances, user+currency keyed
	prefixTxLog      = "txl:"  // balance mutation journal
	keySequence      = "seq"   // sequencer high-water mark
)

// orderKey returns the key for an order row
// Format: "ord:{symbol}:{sequence:020d}"
func orderKey(symbol string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixOrder, symbol, seq))
}

// orderPrefix returns the prefix for all orders of a symbol
func orderPrefix(symbol string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrder, symbol))
}

// orderIndexKey returns the key mapping an order ID to its row
// Format: "ordi:{orderID}"
func orderIndexKey(orderID string) []byte {
	return []byte(prefixOrderIndex + orderID)
}

// tradeKey returns the key for a trade row
// Format: "trd:{symbol}:{sequence:020d}"
func tradeKey(symbol string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixTrade, symbol, seq))
}

// tradePrefix returns the prefix for all trades of a symbol
func tradePrefix(symbol string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, symbol))
}

// balanceKey returns the key for a wallet balance
// Format: "bal:{userID}:{currency}"
func balanceKey(userID, currency string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, userID, currency))
}

// txLogKey returns the key for a journal entry
// Format: "txl:{userID}:{timestamp:020d}:{txID}"
// Timestamp is zero-padded for chronological range scans; the entry ID
// disambiguates entries landing on the same millisecond.
func txLogKey(userID string, timestamp int64, txID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixTxLog, userID, timestamp, txID))
}

// txLogPrefix returns the prefix for all journal entries of a user
func txLogPrefix(userID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTxLog, userID))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
