// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

// Package shape defines the data model shared by every component of the
// shape dispatch and consumption core: relations, shapes, changes,
// transactions and the offsets that totally order a shape's log.
package shape

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Relation identifies a Postgres relation by schema and table name. It is
// stable for the lifetime of a run.
type Relation struct {
	Schema string
	Table  string
}

func (r Relation) String() string {
	return r.Schema + "." + r.Table
}

// Handle is a stable, content-addressed identifier for a Shape. Two shapes
// with identical relation, predicate and dependency set always produce the
// same handle, which is what lets State reuse an existing consumer/log
// across a restart instead of minting a new one.
type Handle string

// Shape is the immutable definition of a client-visible materialized view:
// an origin relation, an optional WHERE predicate, and zero or more
// dependencies on other shapes referenced from an IN (SELECT ...) clause in
// the predicate.
type Shape struct {
	Handle       Handle
	Relation     Relation
	Predicate    string // empty means "no filter"
	Dependencies []Handle
}

// IsSubqueryShape reports whether the shape's predicate has an
// "IN (SELECT ...)" form referring to another shape.
func (s Shape) IsSubqueryShape() bool {
	return len(s.Dependencies) > 0 && strings.Contains(strings.ToUpper(s.Predicate), " IN (SELECT")
}

// HasDependencies reports whether the shape depends on any other shape's
// contents, directly or through its predicate subquery.
func (s Shape) HasDependencies() bool {
	return len(s.Dependencies) > 0
}

// ComputeHandle derives the content-addressed Handle for a shape definition.
// Dependency handles are sorted before hashing so that dependency order
// never affects the resulting handle.
func ComputeHandle(relation Relation, predicate string, deps []Handle) Handle {
	sorted := append([]Handle(nil), deps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00", relation.String(), predicate)
	for _, d := range sorted {
		fmt.Fprintf(h, "%s\x00", d)
	}
	return Handle(hex.EncodeToString(h.Sum(nil)))
}

// SubscriberToken is the opaque (consumer_pid, ref) pair the Dispatcher uses
// to identify a subscriber. PID is a logical process identity (the shape
// handle a consumer owns is a convenient stand-in since at most one
// consumer subscribes per shape); Ref disambiguates repeated subscriptions
// from the same logical process across restarts.
type SubscriberToken struct {
	PID string
	Ref uint64
}

func (t SubscriberToken) String() string {
	return fmt.Sprintf("%s#%d", t.PID, t.Ref)
}
