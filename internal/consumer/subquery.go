// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

package consumer

import (
	"github.com/shapesync/shapesync/internal/materializer"
	"github.com/shapesync/shapesync/internal/shape"
)

// OuterRowLookup resolves rows of the outer shape's own relation that
// match a given inner-shape join value. It exists for the case where an
// inner-shape-only change (no corresponding write to the outer relation in
// the same transaction) causes existing outer rows to start or stop
// matching the subquery predicate: finding those rows requires reading the
// outer relation's current state, which is Postgres connection management
// and therefore out of this core's scope (§1). Consumer carries this named
// external collaborator interface in its Config but never calls it:
// convertChangesForSubqueryShape only classifies changes to the outer
// relation itself, so existing outer rows that start or stop matching
// because of an inner-only change produce no insert or delete, whether or
// not a lookup is supplied.
type OuterRowLookup interface {
	RowsForJoinValue(joinValue string) ([]map[string]any, error)
}

// convertChangesForSubqueryShape implements §4.4's
// convert_changes_for_subquery_shape: for each inbound change on an outer
// subquery shape, consult the inner shape's materialized join-value set as
// of this transaction's commit to decide whether the row enters, leaves,
// stays inside, or stays outside the outer shape, and emit the
// corresponding derived op.
//
// joinColumn is the column of the outer relation compared against the
// inner shape's subquery column (e.g. "y_id" in
// "y_id IN (SELECT x_id FROM inner_shape)").
func convertChangesForSubqueryShape(changes []shape.Change, joinColumn string, inner materializer.Snapshot) []shape.Change {
	var out []shape.Change
	for _, c := range changes {
		switch c.Kind {
		case shape.ChangeInsert:
			if inner.JoinValues[joinValueOf(c.New, joinColumn)] {
				out = append(out, c) // outside -> inside: full new tuple
			}
		case shape.ChangeDelete:
			if inner.JoinValues[joinValueOf(c.Old, joinColumn)] {
				out = append(out, c) // inside -> outside
			}
		case shape.ChangeUpdate:
			wasInside := inner.JoinValues[joinValueOf(c.Old, joinColumn)]
			nowInside := inner.JoinValues[joinValueOf(c.New, joinColumn)]
			switch {
			case !wasInside && nowInside:
				out = append(out, shape.Change{Kind: shape.ChangeInsert, Relation: c.Relation, New: c.New, OpIndex: c.OpIndex})
			case wasInside && !nowInside:
				out = append(out, shape.Change{Kind: shape.ChangeDelete, Relation: c.Relation, Old: c.Old, OpIndex: c.OpIndex})
			case wasInside && nowInside:
				out = append(out, c) // stays inside, columns changed: pass update through
			default:
				// stays outside: dropped
			}
		case shape.ChangeTruncate, shape.ChangeRelation:
			out = append(out, c)
		}
	}
	return out
}

func joinValueOf(tuple map[string]any, column string) string {
	if tuple == nil {
		return ""
	}
	v, ok := tuple[column]
	if !ok {
		return ""
	}
	return stringifyJoinValue(v)
}
