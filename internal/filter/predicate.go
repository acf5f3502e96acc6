// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

package filter

import (
	"strconv"
	"strings"

	"github.com/shapesync/shapesync/internal/shape"
)

// equalityPredicate is the one predicate shape the Filter can evaluate
// precisely: "<column> = <literal>". Every other predicate form
// (subqueries, ranges, OR/AND, etc.) is evaluated conservatively as
// "always matches" — a false positive only costs the affected consumer an
// extra look at a change it will itself discard; a false negative would
// silently drop a change the consumer needed, which §4.1 forbids.
type equalityPredicate struct {
	column string
	value  string
}

func parsePredicate(predicate string) (equalityPredicate, bool) {
	predicate = strings.TrimSpace(predicate)
	if predicate == "" {
		return equalityPredicate{}, false
	}
	idx := strings.Index(predicate, "=")
	if idx < 0 {
		return equalityPredicate{}, false
	}
	col := strings.TrimSpace(predicate[:idx])
	val := strings.TrimSpace(predicate[idx+1:])
	if col == "" || val == "" || strings.ContainsAny(col, " ()") {
		return equalityPredicate{}, false
	}
	// Only a single bare comparison is supported; anything with additional
	// boolean structure falls back to conservative matching.
	if strings.ContainsAny(val, "()") || strings.Contains(strings.ToUpper(val), " AND ") ||
		strings.Contains(strings.ToUpper(val), " OR ") || strings.Contains(strings.ToUpper(val), "SELECT") {
		return equalityPredicate{}, false
	}
	val = strings.Trim(val, "'\"")
	return equalityPredicate{column: col, value: val}, true
}

func (p equalityPredicate) matches(tuple map[string]any) bool {
	v, ok := tuple[p.column]
	if !ok {
		// The column isn't present in this tuple (e.g. a narrower REPLICA
		// IDENTITY) — matching can't be ruled out, so stay conservative.
		return true
	}
	switch v.(type) {
	case string, []byte, int64, int, float64, bool:
		return stringifyTupleValue(v) == p.value
	default:
		// NULL, or a value type stringifyTupleValue has no exact rendering
		// for (int32, numeric, timestamps, ...): matching can't be ruled
		// out either, so stay conservative.
		return true
	}
}

func stringifyTupleValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// predicateMatchesChange reports whether predicate could be satisfied by
// change, per the conservative contract above.
func predicateMatchesChange(predicate string, c shape.Change) bool {
	switch c.Kind {
	case shape.ChangeTruncate, shape.ChangeRelation:
		// Structural events always affect every subscriber on the relation.
		return true
	}

	eq, ok := parsePredicate(predicate)
	if !ok {
		return true
	}

	switch c.Kind {
	case shape.ChangeInsert:
		return eq.matches(c.New)
	case shape.ChangeDelete:
		return eq.matches(c.Old)
	case shape.ChangeUpdate:
		return eq.matches(c.Old) || eq.matches(c.New)
	default:
		return true
	}
}
