// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

// Package consumer implements the per-shape process (§4.4): it holds a
// Dispatcher subscription, writes the shape's durable log at the
// configured write_unit granularity, feeds its own Materializer when it is
// itself an inner subquery shape, and converts raw changes against its
// dependencies' materialized join-value sets when it is an outer subquery
// shape.
package consumer

import (
	"context"
	"fmt"

	"github.com/jackc/pglogrepl"
	"go.uber.org/zap"

	"github.com/shapesync/shapesync/internal/dispatcher"
	"github.com/shapesync/shapesync/internal/filter"
	"github.com/shapesync/shapesync/internal/materializer"
	"github.com/shapesync/shapesync/internal/shape"
	"github.com/shapesync/shapesync/internal/storagelog"
)

// Dependency is one inner shape an outer subquery shape's predicate reads
// from, paired with the outer relation's column compared against the
// inner shape's join column.
type Dependency struct {
	Handle       shape.Handle
	Materializer *materializer.Materializer
	JoinColumn   string
}

// Config wires one Consumer to its shape, storage, dispatcher
// subscription, and (if any) subquery dependencies.
type Config struct {
	Token shape.SubscriberToken
	Shape shape.Shape

	WriteUnit WriteUnit
	Store     *storagelog.Store

	Dispatcher *dispatcher.Dispatcher
	Sub        *dispatcher.Subscription

	// Materializer is non-nil when this shape is itself an inner shape
	// feeding one or more outer subquery shapes.
	Materializer *materializer.Materializer

	// Dependencies is non-empty when this shape is an outer subquery
	// shape; Consumer waits for each dependency's materializer to reach
	// the current transaction's commit LSN before converting changes.
	Dependencies []Dependency

	// OuterLookup is carried for pure inner-side move-in/move-out
	// transitions. May be nil; Consumer does not call it (see subquery.go).
	OuterLookup OuterRowLookup

	Logger *zap.Logger
}

// Consumer is the per-shape process described by §4.4. It is not safe for
// concurrent use: Run owns it for the duration of one subscription.
type Consumer struct {
	cfg Config
	log *zap.Logger

	buffer      []shape.Change
	currentLSN  pglogrepl.LSN
	nextOpIndex uint32
}

// New returns a Consumer ready to Run. cfg.Sub must already be a live
// Dispatcher subscription for cfg.Shape.
func New(cfg Config) *Consumer {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		cfg: cfg,
		log: log.With(zap.String("shape", string(cfg.Shape.Handle)), zap.String("write_unit", cfg.WriteUnit.String())),
	}
}

// Run processes events from the Dispatcher subscription until ctx is
// cancelled or the subscription channel is closed. Every returned error is
// fatal to this consumer: per §7, the caller (State's supervisor) restarts
// it from the shape's durable offsets, which is why Run never attempts its
// own partial recovery.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-c.cfg.Sub.Events:
			if !ok {
				return nil
			}
			if err := c.handle(ctx, ev); err != nil {
				return fmt.Errorf("consumer %s: %w", c.cfg.Shape.Handle, err)
			}
			c.cfg.Dispatcher.Ask(c.cfg.Token)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, ev shape.Event) error {
	c.log.Debug("handling event", zap.Stringer("kind", ev.Kind), zap.Uint64("lsn", uint64(ev.LSN)))

	switch ev.Kind {
	case shape.EventChanges:
		return c.handleChanges(ev)
	case shape.EventCommit:
		return c.handleCommit(ctx, ev)
	default:
		// EventTransactionStart is never dispatched; EventRelation needs
		// no action here (Partitions and Filter already routed on it).
		return nil
	}
}

func (c *Consumer) handleChanges(ev shape.Event) error {
	c.currentLSN = ev.LSN

	// A dispatched event may carry changes from several relations in the
	// same transaction, since Dispatch routes on the whole event; keep
	// only the subset this shape's own relation and predicate select.
	own := c.ownChanges(ev.Changes)

	switch c.cfg.WriteUnit {
	case Txn:
		// Whole-transaction buffering: nothing durable happens until the
		// paired commit.
		c.buffer = append(c.buffer, own...)
		return nil
	case TxnFragment:
		entries := c.assignOffsets(own)
		if _, err := c.cfg.Store.Append(c.cfg.Shape.Handle, entries); err != nil {
			return err
		}
		if c.cfg.Materializer != nil {
			c.cfg.Materializer.HandleChanges(own, false, shape.Offset{})
		}
		return nil
	default:
		return fmt.Errorf("consumer: unknown write_unit %d", c.cfg.WriteUnit)
	}
}

func (c *Consumer) handleCommit(ctx context.Context, ev shape.Event) error {
	c.currentLSN = ev.LSN

	switch c.cfg.WriteUnit {
	case Txn:
		changes := c.buffer
		c.buffer = nil

		if c.cfg.Shape.IsSubqueryShape() {
			converted, err := c.convertForCommit(ctx, changes, ev.LSN)
			if err != nil {
				return err
			}
			changes = converted
		}

		entries := c.assignOffsets(changes)
		if _, err := c.cfg.Store.AppendAndCommit(c.cfg.Shape.Handle, entries); err != nil {
			return err
		}
		if c.cfg.Materializer != nil {
			commitOffset := shape.Offset{TxnLSN: ev.LSN}
			if len(entries) > 0 {
				commitOffset = entries[len(entries)-1].Offset
			}
			c.cfg.Materializer.HandleChanges(changes, true, commitOffset)
		}

	case TxnFragment:
		latest, ok, err := c.cfg.Store.FetchLatestOffset(c.cfg.Shape.Handle)
		if err != nil {
			return err
		}
		commitOffset := shape.Offset{TxnLSN: ev.LSN}
		if ok && latest.TxnLSN == ev.LSN {
			commitOffset = latest
		}
		if err := c.cfg.Store.Commit(c.cfg.Shape.Handle, commitOffset); err != nil {
			return err
		}
		if c.cfg.Materializer != nil {
			c.cfg.Materializer.HandleChanges(nil, true, commitOffset)
		}
	}

	c.nextOpIndex = 0
	return nil
}

// convertForCommit implements the outer side of §4.4's
// convert_changes_for_subquery_shape: it first waits for every dependency
// to have materialized this transaction's LSN (§9's cross-shape ordering
// guarantee), then converts changes against each dependency's join-value
// snapshot in turn.
func (c *Consumer) convertForCommit(ctx context.Context, changes []shape.Change, commitLSN pglogrepl.LSN) ([]shape.Change, error) {
	if len(c.cfg.Dependencies) == 0 {
		return changes, nil
	}

	result := changes
	for _, dep := range c.cfg.Dependencies {
		snap, _, err := dep.Materializer.WaitCommitted(ctx, shape.Offset{TxnLSN: commitLSN})
		if err != nil {
			return nil, fmt.Errorf("waiting for dependency %s: %w", dep.Handle, err)
		}
		result = convertChangesForSubqueryShape(result, dep.JoinColumn, snap)
	}
	return result, nil
}

func (c *Consumer) ownChanges(changes []shape.Change) []shape.Change {
	var out []shape.Change
	for _, ch := range changes {
		if filter.MatchesChange(c.cfg.Shape, ch) {
			out = append(out, ch)
		}
	}
	return out
}

func (c *Consumer) assignOffsets(changes []shape.Change) []storagelog.Entry {
	entries := make([]storagelog.Entry, 0, len(changes))
	for _, ch := range changes {
		off := shape.Offset{TxnLSN: c.currentLSN, OpIndex: c.nextOpIndex}
		c.nextOpIndex++
		entries = append(entries, storagelog.Entry{Offset: off, Change: ch})
	}
	return entries
}
