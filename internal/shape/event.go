// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

package shape

import "github.com/jackc/pglogrepl"

// EventKind identifies which of the four upstream event shapes (§6) an
// Event carries.
type EventKind int

const (
	// EventTransactionStart announces the LSN of a new transaction. It
	// carries no changes. The LogCollector never emits it (it folds the
	// pgoutput Begin marker into the LSN of the events that follow), and
	// the Dispatcher has no special handling for it.
	EventTransactionStart EventKind = iota
	// EventChanges carries one fragment's worth of changes. The
	// LogCollector emits one per decoded insert, update, delete or
	// truncate message, whatever the consumers' write_unit; zero or more
	// of them precede the EventCommit that closes the transaction.
	EventChanges
	// EventCommit marks the end of the current transaction at a given LSN.
	EventCommit
	// EventRelation announces a schema change, possibly a partition
	// attachment (ParentRelation set).
	EventRelation
)

func (k EventKind) String() string {
	switch k {
	case EventTransactionStart:
		return "transaction_start"
	case EventChanges:
		return "changes"
	case EventCommit:
		return "commit"
	case EventRelation:
		return "relation"
	default:
		return "unknown"
	}
}

// Event is one unit handed from the replication producer to the
// Dispatcher.
type Event struct {
	Kind    EventKind
	LSN     pglogrepl.LSN
	Changes []Change // EventChanges only
	IsFinal bool     // true iff this event ends the transaction; the LogCollector sets it on EventCommit, never on EventChanges

	Relation       Relation // EventRelation only
	ParentRelation Relation // EventRelation only; zero value means "not a partition"
}

// Relations returns the set of distinct relations touched by the event,
// after any partition rewriting has already been applied to its changes.
func (e Event) Relations() []Relation {
	seen := make(map[Relation]bool)
	var out []Relation
	for _, c := range e.Changes {
		if !seen[c.Relation] {
			seen[c.Relation] = true
			out = append(out, c.Relation)
		}
	}
	if e.Kind == EventRelation && !seen[e.Relation] {
		out = append(out, e.Relation)
	}
	return out
}
