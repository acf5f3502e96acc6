// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

// Package partitions maintains the mapping from a partitioned table to its
// logical parent and rewrites incoming events so that a change on a
// partition is relabelled as a change on the parent before it ever reaches
// the Filter.
package partitions

import (
	"sync"

	"github.com/shapesync/shapesync/internal/shape"
)

// Partitions is a pure function of the currently known partition map: the
// same event rewrites the same way regardless of when it is processed,
// except that the map itself is updated by relation events observed along
// the way.
type Partitions struct {
	mu     sync.RWMutex
	parent map[shape.Relation]shape.Relation
}

// New returns an empty partition index.
func New() *Partitions {
	return &Partitions{parent: make(map[shape.Relation]shape.Relation)}
}

// Observe records (or clears) a partition -> parent mapping learned from a
// schema-change event. A zero-value parent removes any existing mapping
// for relation.
func (p *Partitions) Observe(relation, parent shape.Relation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if parent == (shape.Relation{}) {
		delete(p.parent, relation)
		return
	}
	p.parent[relation] = parent
}

// AddShape and RemoveShape exist so State can keep relation bookkeeping in
// lock-step with Filter without Partitions needing to track shapes itself;
// the partition map is populated purely from relation events, not from
// shape registration, so these are no-ops kept for symmetry with Filter's
// interface.
func (p *Partitions) AddShape(shape.SubscriberToken, shape.Shape) {}

// RemoveShape is the symmetric no-op; see AddShape.
func (p *Partitions) RemoveShape(shape.SubscriberToken) {}

// HandleEvent returns ev with every relation rewritten to its logical
// parent where one is known. The input is never mutated.
func (p *Partitions) HandleEvent(ev shape.Event) shape.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.parent) == 0 {
		return ev
	}

	out := ev
	if len(ev.Changes) > 0 {
		out.Changes = make([]shape.Change, len(ev.Changes))
		for i, c := range ev.Changes {
			if parent, ok := p.parent[c.Relation]; ok {
				c.Relation = parent
			}
			out.Changes[i] = c
		}
	}
	if ev.Kind == shape.EventRelation {
		if parent, ok := p.parent[ev.Relation]; ok {
			out.Relation = parent
		}
	}
	return out
}

// Rewrite returns the logical parent of relation, or relation unchanged if
// it is not a known partition.
func (p *Partitions) Rewrite(relation shape.Relation) shape.Relation {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if parent, ok := p.parent[relation]; ok {
		return parent
	}
	return relation
}
