// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

// Package materializer holds the in-memory, commit-consistent row-set of
// one inner subquery shape and notifies dependent outer consumers of
// move-in/move-out transitions in the subquery's join column.
//
// Subscribers never observe fragment-interleaved state: handle_changes
// buffers fragments in pending_events and only folds them into the
// authoritative row-set (and emits notifications) at a commit boundary
// (§4.5).
package materializer

import (
	"context"
	"errors"
	"sync"

	"github.com/shapesync/shapesync/internal/shape"
)

// ErrOffsetNotCommitted is returned by Subscribe when fromOffset is ahead
// of the materializer's last committed offset.
var ErrOffsetNotCommitted = errors.New("materializer: offset not committed")

// PrimaryKeyFunc derives a stable string key for a tuple.
type PrimaryKeyFunc func(tuple map[string]any) string

// Delta describes how the set of distinct join-column values present in
// the inner shape changed across one commit.
type Delta struct {
	Entered []string // join values that went from absent to present
	Left    []string // join values that went from present to absent
}

// Subscription is handed to an outer consumer by Subscribe.
type Subscription struct {
	Token  shape.SubscriberToken
	Deltas chan Delta
}

// Snapshot is the row-set as of Materializer's last applied commit.
type Snapshot struct {
	JoinValues      map[string]bool
	CommittedOffset shape.Offset
}

// Materializer is safe for concurrent use by its owning inner consumer
// (writer) and any number of outer-shape subscribers (readers).
type Materializer struct {
	pkOf       PrimaryKeyFunc
	joinColumn string

	mu              sync.Mutex
	rows            map[string]map[string]any
	pending         []shape.Change
	committedOffset shape.Offset
	haveCommitted   bool
	subs            map[shape.SubscriberToken]*Subscription
	lastDelta       Delta

	advanced chan struct{} // closed and replaced on every commit, to wake WaitCommitted
}

// New returns a Materializer for an inner shape whose rows are keyed by
// pkOf and whose subquery join predicate reads joinColumn.
func New(pkOf PrimaryKeyFunc, joinColumn string) *Materializer {
	return &Materializer{
		pkOf:       pkOf,
		joinColumn: joinColumn,
		rows:       make(map[string]map[string]any),
		subs:       make(map[shape.SubscriberToken]*Subscription),
		advanced:   make(chan struct{}),
	}
}

// Subscribe registers an outer consumer and returns the materializer's
// current commit-time snapshot. fromOffset must be a committed offset of
// the inner shape (per §9's resolved open question, callers must pass
// fetch_latest_committed_offset(), never latest_offset); the zero Offset
// means "no specific floor, just the current snapshot".
func (m *Materializer) Subscribe(token shape.SubscriberToken, fromOffset shape.Offset) (Snapshot, *Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fromOffset != (shape.Offset{}) {
		if !m.haveCommitted || m.committedOffset.Less(fromOffset) {
			return Snapshot{}, nil, ErrOffsetNotCommitted
		}
	}

	sub := &Subscription{Token: token, Deltas: make(chan Delta, 16)}
	m.subs[token] = sub
	return m.snapshotLocked(), sub, nil
}

// Unsubscribe removes an outer consumer's subscription.
func (m *Materializer) Unsubscribe(token shape.SubscriberToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, token)
}

func (m *Materializer) snapshotLocked() Snapshot {
	values := make(map[string]bool, len(m.rows))
	for _, tuple := range m.rows {
		if v, ok := tuple[m.joinColumn]; ok {
			values[stringify(v)] = true
		}
	}
	return Snapshot{JoinValues: values, CommittedOffset: m.committedOffset}
}

// HandleChanges is the inner consumer's feed into the materializer. With
// commit=false, changes are journaled but never applied or observed by
// subscribers. With commit=true, all journaled and newly-arrived changes
// are applied atomically, the resulting join-value delta (if any) is sent
// to every subscriber, and the pending journal is cleared.
func (m *Materializer) HandleChanges(changes []shape.Change, commit bool, commitOffset shape.Offset) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !commit {
		m.pending = append(m.pending, changes...)
		return
	}

	before := m.joinValuesLocked()

	all := append(m.pending, changes...)
	m.pending = nil
	for _, c := range all {
		m.applyLocked(c)
	}

	after := m.joinValuesLocked()
	m.committedOffset = commitOffset
	m.haveCommitted = true

	delta := diff(before, after)
	m.lastDelta = delta

	close(m.advanced)
	m.advanced = make(chan struct{})

	if len(delta.Entered) == 0 && len(delta.Left) == 0 {
		return
	}
	for _, sub := range m.subs {
		sub.Deltas <- delta
	}
}

// WaitCommitted blocks until the materializer has committed at an offset
// no earlier than atLeast (same txn LSN, any op_index, or later), then
// returns the resulting snapshot together with the delta produced by the
// commit that satisfied the wait. This is how an outer subquery consumer
// establishes §9's cross-shape ordering guarantee before converting
// changes for its own commit at the same LSN.
func (m *Materializer) WaitCommitted(ctx context.Context, atLeast shape.Offset) (Snapshot, Delta, error) {
	for {
		m.mu.Lock()
		if m.haveCommitted && !m.committedOffset.Less(atLeast) {
			snap := m.snapshotLocked()
			delta := m.lastDelta
			m.mu.Unlock()
			return snap, delta, nil
		}
		wake := m.advanced
		m.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return Snapshot{}, Delta{}, ctx.Err()
		}
	}
}

func (m *Materializer) applyLocked(c shape.Change) {
	switch c.Kind {
	case shape.ChangeInsert:
		m.rows[m.pkOf(c.New)] = c.New
	case shape.ChangeUpdate:
		newPK := m.pkOf(c.New)
		if c.Old != nil {
			if oldPK := m.pkOf(c.Old); oldPK != newPK {
				delete(m.rows, oldPK)
			}
		}
		m.rows[newPK] = c.New
	case shape.ChangeDelete:
		delete(m.rows, m.pkOf(c.Old))
	case shape.ChangeTruncate:
		m.rows = make(map[string]map[string]any)
	}
}

func (m *Materializer) joinValuesLocked() map[string]bool {
	out := make(map[string]bool, len(m.rows))
	for _, tuple := range m.rows {
		if v, ok := tuple[m.joinColumn]; ok {
			out[stringify(v)] = true
		}
	}
	return out
}

func diff(before, after map[string]bool) Delta {
	var d Delta
	for v := range after {
		if !before[v] {
			d.Entered = append(d.Entered, v)
		}
	}
	for v := range before {
		if !after[v] {
			d.Left = append(d.Left, v)
		}
	}
	return d
}
