// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

package shape

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pglogrepl"
)

// ChangeKind identifies the kind of row-level operation a Change carries.
type ChangeKind int

// The five kinds of change the replication stream can produce.
const (
	ChangeInsert ChangeKind = iota
	ChangeUpdate
	ChangeDelete
	ChangeTruncate
	ChangeRelation
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	case ChangeTruncate:
		return "truncate"
	case ChangeRelation:
		return "relation"
	default:
		return "unknown"
	}
}

// Change is one row-level operation produced by the replication stream.
// Old is populated for update/delete when the publication uses REPLICA
// IDENTITY FULL; New is populated for insert/update.
type Change struct {
	Kind     ChangeKind
	Relation Relation
	Old      map[string]any
	New      map[string]any
	OpIndex  uint32
}

// Transaction is an ordered, nonempty list of Changes sharing one commit
// LSN.
type Transaction struct {
	CommitLSN pglogrepl.LSN
	Changes   []Change
}

// Offset totally orders the changes written to a single shape's log.
type Offset struct {
	TxnLSN  pglogrepl.LSN
	OpIndex uint32
}

// Less reports whether o sorts strictly before other.
func (o Offset) Less(other Offset) bool {
	if o.TxnLSN != other.TxnLSN {
		return o.TxnLSN < other.TxnLSN
	}
	return o.OpIndex < other.OpIndex
}

// Zero is the offset before which no change has ever been written.
var Zero = Offset{}

// String renders the offset in the wire form from the HTTP shape API:
// a 16-digit zero-padded hex LSN, an underscore, and a decimal op index.
func (o Offset) String() string {
	return fmt.Sprintf("%016x_%d", uint64(o.TxnLSN), o.OpIndex)
}

// ParseOffset parses the "<txn_lsn>_<op_index>" wire form produced by
// String.
func ParseOffset(s string) (Offset, error) {
	parts := strings.SplitN(s, "_", 2)
	if len(parts) != 2 {
		return Offset{}, fmt.Errorf("shape: malformed offset %q", s)
	}
	lsn, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("shape: malformed offset lsn %q: %w", s, err)
	}
	idx, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return Offset{}, fmt.Errorf("shape: malformed offset index %q: %w", s, err)
	}
	return Offset{TxnLSN: pglogrepl.LSN(lsn), OpIndex: uint32(idx)}, nil
}
