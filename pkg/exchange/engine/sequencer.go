package engine

import "sync/atomic"

// Sequencer issues the single global, strictly increasing sequence used
// to total-order orders and trades. Ties in price are broken by
// ascending sequence, so the counter is the process-wide arbiter of
// time priority and of replay order.
//
// The raw counter is never exposed for mutation; Next is the only way
// to advance it. Gaplessness is not guaranteed (a crash between issue
// and persist may skip numbers), monotonicity and uniqueness are.
type Sequencer struct {
	n atomic.Uint64
}

// NewSequencer creates a sequencer starting after the given high-water
// mark (0 for a fresh database)
func NewSequencer(last uint64) *Sequencer {
	s := &Sequencer{}
	s.n.Store(last)
	return s
}

// Next returns the next sequence number
func (s *Sequencer) Next() uint64 {
	return s.n.Add(1)
}

// Current returns the most recently issued sequence number
func (s *Sequencer) Current() uint64 {
	return s.n.Load()
}
