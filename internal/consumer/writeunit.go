// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

package consumer

// WriteUnit is the granularity at which a Consumer writes to its shape's
// storage log. It is fixed for the lifetime of the consumer process;
// changing it requires a consumer restart (§3 invariant).
type WriteUnit int

const (
	// Txn buffers an entire transaction in memory and writes it as one
	// atomic append+commit when the commit marker arrives.
	Txn WriteUnit = iota
	// TxnFragment appends each fragment immediately, advancing only
	// latest_offset, and advances latest_committed_offset separately when
	// the commit marker arrives.
	TxnFragment
)

func (w WriteUnit) String() string {
	if w == Txn {
		return "txn"
	}
	return "txn_fragment"
}
