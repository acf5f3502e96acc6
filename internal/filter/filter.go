// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

// Package filter indexes shapes by affected relation and predicate so that,
// for any incoming change, it can return the set of subscribers whose
// shape could be affected. Predicate evaluation is conservative: it may
// return false positives but must never return a false negative (§4.1).
package filter

import (
	"sync"

	"github.com/shapesync/shapesync/internal/shape"
)

type entry struct {
	token shape.SubscriberToken
	shape shape.Shape
}

// Filter is safe for concurrent use; the Dispatcher is its only caller but
// AddShape/RemoveShape may race with AffectedShapes during a live
// subscribe/cancel, so reads and writes are both guarded.
type Filter struct {
	mu         sync.RWMutex
	byRelation map[shape.Relation][]entry
	relationOf map[shape.SubscriberToken]shape.Relation
}

// New returns an empty Filter.
func New() *Filter {
	return &Filter{
		byRelation: make(map[shape.Relation][]entry),
		relationOf: make(map[shape.SubscriberToken]shape.Relation),
	}
}

// AddShape registers subscriber as interested in shape's relation and
// predicate.
func (f *Filter) AddShape(subscriber shape.SubscriberToken, s shape.Shape) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byRelation[s.Relation] = append(f.byRelation[s.Relation], entry{token: subscriber, shape: s})
	f.relationOf[subscriber] = s.Relation
}

// RemoveShape removes subscriber's registration, if any.
func (f *Filter) RemoveShape(subscriber shape.SubscriberToken) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rel, ok := f.relationOf[subscriber]
	if !ok {
		return
	}
	delete(f.relationOf, subscriber)

	entries := f.byRelation[rel]
	for i, e := range entries {
		if e.token == subscriber {
			f.byRelation[rel] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(f.byRelation[rel]) == 0 {
		delete(f.byRelation, rel)
	}
}

// AffectedShapes returns every subscriber whose shape could be affected by
// ev. The returned set has no ordering guarantee.
func (f *Filter) AffectedShapes(ev shape.Event) []shape.SubscriberToken {
	f.mu.RLock()
	defer f.mu.RUnlock()

	seen := make(map[shape.SubscriberToken]bool)
	var out []shape.SubscriberToken

	add := func(rel shape.Relation, matches func(shape.Shape) bool) {
		for _, e := range f.byRelation[rel] {
			if seen[e.token] {
				continue
			}
			if matches(e.shape) {
				seen[e.token] = true
				out = append(out, e.token)
			}
		}
	}

	switch ev.Kind {
	case shape.EventChanges:
		for _, c := range ev.Changes {
			add(c.Relation, func(s shape.Shape) bool {
				return predicateMatchesChange(s.Predicate, c)
			})
		}
	case shape.EventRelation:
		add(ev.Relation, func(shape.Shape) bool { return true })
	}

	return out
}

// MatchesChange reports whether c belongs to shape s: same relation and a
// (conservative) predicate match. A dispatched event may carry changes
// from several relations in one transaction, since Dispatch routes on the
// whole event; Consumer uses MatchesChange to pick out the subset it
// should actually write to its own log.
func MatchesChange(s shape.Shape, c shape.Change) bool {
	return c.Relation == s.Relation && predicateMatchesChange(s.Predicate, c)
}
