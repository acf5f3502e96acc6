// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

// Package dispatcher implements the demand-coupled, filter-aware fan-out
// node (§4.3) that sits between the single replication producer and the
// shape consumers. Its one invariant: the producer is asked for the next
// event only after every consumer that received the current event has
// acknowledged it.
package dispatcher

import (
	"errors"
	"sync"

	"github.com/shapesync/shapesync/internal/filter"
	"github.com/shapesync/shapesync/internal/partitions"
	"github.com/shapesync/shapesync/internal/shape"
)

// ErrAlreadySubscribed is returned by Subscribe when the calling process
// (identified by SubscriberToken.PID) already has a live subscription.
var ErrAlreadySubscribed = errors.New("dispatcher: already subscribed")

// ErrDispatchBeforeAcked is returned by Dispatch when called while a prior
// event still has outstanding acks, violating the dispatcher's core
// invariant.
var ErrDispatchBeforeAcked = errors.New("dispatcher: dispatch called before prior event fully acked")

// Subscription is what Subscribe hands back: a capacity-1 channel the
// Dispatcher delivers events on. A consumer reads Events in a loop, and
// after durably processing what it read, calls Ask to request the next
// one.
type Subscription struct {
	Token  shape.SubscriberToken
	Events chan shape.Event
}

// Dispatcher is safe for concurrent use by many consumers and the one
// upstream producer.
type Dispatcher struct {
	filter     *filter.Filter
	partitions *partitions.Partitions

	mu      sync.Mutex
	subs    map[shape.SubscriberToken]*Subscription
	pids    map[string]bool
	waiting int
	pending map[shape.SubscriberToken]bool

	// txnLive is the union of subscribers handed at least one EventChanges
	// since the last EventCommit. The Filter has no relation to key a
	// commit marker off, so the paired EventCommit is delivered to exactly
	// this remembered set instead of being routed through the Filter; it
	// is cleared every time a commit is dispatched.
	txnLive map[shape.SubscriberToken]bool

	demand chan struct{}

	// initialDemandGranted is set by the first Subscribe ever made, so a
	// later Subscribe into an emptied subscriber set grants nothing extra.
	initialDemandGranted bool

	// zeroMatchDispatches counts how many Dispatch calls hit the
	// zero-subscriber-matched path; exported via ZeroMatchDispatches for
	// the §8 property that every dispatch yields exactly one renewed
	// demand unit even when nothing matched.
	zeroMatchDispatches int
}

// New returns a Dispatcher with no subscribers.
func New(f *filter.Filter, p *partitions.Partitions) *Dispatcher {
	return &Dispatcher{
		filter:     f,
		partitions: p,
		subs:       make(map[shape.SubscriberToken]*Subscription),
		pids:       make(map[string]bool),
		pending:    make(map[shape.SubscriberToken]bool),
		demand:     make(chan struct{}, 1),
	}
}

// Demand is read by the upstream producer: one value arrives for every
// unit of demand the Dispatcher grants.
func (d *Dispatcher) Demand() <-chan struct{} {
	return d.demand
}

// ZeroMatchDispatches reports how many Dispatch calls had no affected
// subscriber.
func (d *Dispatcher) ZeroMatchDispatches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.zeroMatchDispatches
}

// Partitions returns the partition index this Dispatcher rewrites events
// through, so the upstream producer can feed it schema-change discoveries
// without the Dispatcher needing to expose a setter.
func (d *Dispatcher) Partitions() *partitions.Partitions {
	return d.partitions
}

// Subscribe registers a subscriber for shape and grants one unit of
// initial demand to the upstream producer iff this is the first
// subscriber ever registered.
func (d *Dispatcher) Subscribe(token shape.SubscriberToken, s shape.Shape) (*Subscription, error) {
	d.mu.Lock()
	if d.pids[token.PID] {
		d.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}

	sub := &Subscription{Token: token, Events: make(chan shape.Event, 1)}
	first := !d.initialDemandGranted
	d.initialDemandGranted = true
	d.subs[token] = sub
	d.pids[token.PID] = true
	d.mu.Unlock()

	d.filter.AddShape(token, s)

	if first {
		d.sendDemand()
	}
	return sub, nil
}

// Cancel removes a subscriber. If it was in the pending set for the
// in-flight event, this may close the demand loop.
func (d *Dispatcher) Cancel(token shape.SubscriberToken) {
	d.mu.Lock()
	if _, ok := d.subs[token]; !ok {
		d.mu.Unlock()
		return
	}
	delete(d.subs, token)
	delete(d.pids, token.PID)
	delete(d.txnLive, token)

	grant := false
	if d.pending[token] {
		delete(d.pending, token)
		d.waiting--
		grant = d.waiting == 0
	}
	d.mu.Unlock()

	d.filter.RemoveShape(token)

	if grant {
		d.sendDemand()
	}
}

// Ask is the acknowledgement from a consumer that it has durably processed
// the event it was last handed.
func (d *Dispatcher) Ask(from shape.SubscriberToken) {
	d.mu.Lock()
	if d.waiting == 0 {
		d.mu.Unlock() // duplicate or premature ack: ignored
		return
	}
	if !d.pending[from] {
		d.mu.Unlock() // not part of the current pending set: ignored
		return
	}
	delete(d.pending, from)
	d.waiting--
	grant := d.waiting == 0
	d.mu.Unlock()

	if grant {
		d.sendDemand()
	}
}

// Dispatch hands ev (after partition rewriting) to every subscriber whose
// shape Filter says could be affected, and arms the ack bookkeeping for
// it. It is an error to call Dispatch while a previous event still has
// outstanding acks.
//
// EventCommit is the one exception: a commit marker carries no relation or
// predicate for the Filter to key off, so it is instead delivered to the
// set of subscribers this Dispatcher remembers as "live" for the
// transaction just ended — the union of everyone handed at least one
// EventChanges since the previous commit (see txnLive).
//
// When no subscriber is affected, the demand loop is still closed: an
// arbitrary subscriber is chosen and immediately "self-acks", guaranteeing
// the producer is asked for the next event exactly once.
func (d *Dispatcher) Dispatch(ev shape.Event) error {
	d.mu.Lock()
	if d.waiting != 0 {
		d.mu.Unlock()
		return ErrDispatchBeforeAcked
	}

	rewritten := d.partitions.HandleEvent(ev)

	var affected []shape.SubscriberToken
	if rewritten.Kind == shape.EventCommit {
		affected = make([]shape.SubscriberToken, 0, len(d.txnLive))
		for token := range d.txnLive {
			affected = append(affected, token)
		}
		d.txnLive = nil
	} else {
		affected = d.filter.AffectedShapes(rewritten)
		if rewritten.Kind == shape.EventChanges && len(affected) > 0 {
			if d.txnLive == nil {
				d.txnLive = make(map[shape.SubscriberToken]bool, len(affected))
			}
			for _, token := range affected {
				d.txnLive[token] = true
			}
		}
	}

	if len(affected) == 0 {
		d.zeroMatchDispatches++
		chosen, any := d.anySubscriberLocked()
		if !any {
			d.mu.Unlock()
			d.sendDemand()
			return nil
		}
		d.waiting = 1
		d.pending = map[shape.SubscriberToken]bool{chosen: true}
		d.mu.Unlock()
		// The synthetic self-ack "arrives" immediately: no subscriber
		// actually observed ev, so there is nothing to wait on.
		d.Ask(chosen)
		return nil
	}

	d.waiting = len(affected)
	d.pending = make(map[shape.SubscriberToken]bool, len(affected))
	subs := make([]*Subscription, 0, len(affected))
	for _, token := range affected {
		d.pending[token] = true
		subs = append(subs, d.subs[token])
	}
	d.mu.Unlock()

	for _, sub := range subs {
		sub.Events <- rewritten
	}
	return nil
}

func (d *Dispatcher) anySubscriberLocked() (shape.SubscriberToken, bool) {
	for token := range d.subs {
		return token, true
	}
	return shape.SubscriberToken{}, false
}

func (d *Dispatcher) sendDemand() {
	d.demand <- struct{}{}
}
