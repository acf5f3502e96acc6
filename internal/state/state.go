// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

// Package state implements the registry and supervisor described in §4.6:
// it resolves a shape's dependency graph, rejects cycles, starts inner
// consumers and their materializers before outer consumers, injects each
// shape's write_unit, and subscribes outer consumers to inner
// materializers using fetch_latest_committed_offset (never latest_offset,
// per the open question this corpus flags and resolves).
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shapesync/shapesync/internal/consumer"
	"github.com/shapesync/shapesync/internal/dispatcher"
	"github.com/shapesync/shapesync/internal/materializer"
	"github.com/shapesync/shapesync/internal/shape"
	"github.com/shapesync/shapesync/internal/storagelog"
	"github.com/shapesync/shapesync/internal/super"
)

// ErrDependencyCycle is returned by InitializeShapes when the shape set's
// dependency graph is not acyclic.
var ErrDependencyCycle = errors.New("state: dependency cycle")

// ErrUnknownDependency is returned when a shape names a dependency handle
// not present in the shape set being initialized.
var ErrUnknownDependency = errors.New("state: unknown dependency")

// ErrMissingPrimaryKeyFunc is returned when a shape has dependents but no
// PKOf was supplied to materialize it.
var ErrMissingPrimaryKeyFunc = errors.New("state: shape has dependents but no primary key function")

// ErrMissingJoinColumn is returned when an outer shape names a dependency
// without a corresponding join column.
var ErrMissingJoinColumn = errors.New("state: outer shape missing join column for dependency")

// ErrAlreadyInitialized is returned by InitializeShapes for a handle
// already registered in a previous call.
var ErrAlreadyInitialized = errors.New("state: shape already initialized")

// ShapeDef is everything State needs to start one shape's consumer beyond
// the shape's own content-addressed definition.
type ShapeDef struct {
	Shape shape.Shape

	// PKOf is required iff other shapes in the set depend on this one; it
	// drives this shape's own Materializer.
	PKOf materializer.PrimaryKeyFunc

	// InnerJoinColumn is the column of this shape's own rows that
	// dependent outer shapes select in their IN (SELECT ...) predicate
	// (e.g. "x_id"). Required iff other shapes depend on this one.
	InnerJoinColumn string

	// JoinColumn maps each entry of Shape.Dependencies to the column of
	// THIS (outer) shape's relation compared against that dependency's
	// InnerJoinColumn (e.g. {innerHandle: "y_id"}). Required iff
	// Shape.Dependencies is non-empty.
	JoinColumn map[shape.Handle]string

	// OuterLookup is optional; see consumer.OuterRowLookup.
	OuterLookup consumer.OuterRowLookup
}

// Option configures optional State behavior not carried by its required
// constructor arguments.
type Option func(*State)

// WithDefaultWriteUnit sets the write_unit State.selectWriteUnit assigns
// to shapes with no dependencies. It has no effect on shapes that have
// dependencies, which always run in Txn mode (§4.4).
func WithDefaultWriteUnit(w consumer.WriteUnit) Option {
	return func(st *State) { st.defaultWriteUnit = w }
}

// State is the live registry of started shapes. It is safe for concurrent
// use.
type State struct {
	logger     *zap.Logger
	store      *storagelog.Store
	dispatcher *dispatcher.Dispatcher
	supervisor *super.Supervisor

	defaultWriteUnit consumer.WriteUnit

	mu            sync.Mutex
	defs          map[shape.Handle]ShapeDef
	materializers map[shape.Handle]*materializer.Materializer
	tokens        map[shape.Handle]shape.SubscriberToken
	cancels       map[shape.Handle]context.CancelFunc
	refCounter    uint64
}

// New returns a State with no shapes registered yet.
func New(logger *zap.Logger, store *storagelog.Store, d *dispatcher.Dispatcher, opts ...Option) *State {
	if logger == nil {
		logger = zap.NewNop()
	}
	st := &State{
		logger:           logger,
		store:            store,
		dispatcher:       d,
		supervisor:       super.New(logger, 0, 500*time.Millisecond),
		defaultWriteUnit: consumer.TxnFragment,
		defs:             make(map[shape.Handle]ShapeDef),
		materializers:    make(map[shape.Handle]*materializer.Materializer),
		tokens:           make(map[shape.Handle]shape.SubscriberToken),
		cancels:          make(map[shape.Handle]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// InitializeShapes resolves defs' dependency graph, rejects cycles and
// unknown dependencies, then starts one supervised Consumer per shape in
// dependency order (every shape a def depends on is started and is a live
// Dispatcher subscriber before the def depending on it is started; it does
// not wait for a dependency's first commit, which an outer consumer instead
// waits for per transaction via Materializer.WaitCommitted).
func (st *State) InitializeShapes(ctx context.Context, defs []ShapeDef) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	byHandle := make(map[shape.Handle]ShapeDef, len(defs))
	for _, d := range defs {
		if _, exists := st.defs[d.Shape.Handle]; exists {
			return fmt.Errorf("%w: %s", ErrAlreadyInitialized, d.Shape.Handle)
		}
		byHandle[d.Shape.Handle] = d
	}

	order, err := topoSort(byHandle)
	if err != nil {
		return err
	}

	dependedUpon := make(map[shape.Handle]bool)
	for _, d := range byHandle {
		for _, dep := range d.Shape.Dependencies {
			dependedUpon[dep] = true
		}
	}

	for _, handle := range order {
		def := byHandle[handle]
		if err := st.startShapeLocked(ctx, def, dependedUpon[handle]); err != nil {
			return fmt.Errorf("state: starting shape %s: %w", handle, err)
		}
		st.defs[handle] = def
	}
	return nil
}

func (st *State) startShapeLocked(ctx context.Context, def ShapeDef, hasDependents bool) error {
	if hasDependents && def.PKOf == nil {
		return ErrMissingPrimaryKeyFunc
	}

	var mat *materializer.Materializer
	if hasDependents {
		mat = materializer.New(def.PKOf, def.InnerJoinColumn)
		st.materializers[def.Shape.Handle] = mat
	}

	depMaterializers := make(map[shape.Handle]*materializer.Materializer, len(def.Shape.Dependencies))
	for _, depHandle := range def.Shape.Dependencies {
		innerMat, ok := st.materializers[depHandle]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDependency, depHandle)
		}
		if _, ok := def.JoinColumn[depHandle]; !ok {
			return fmt.Errorf("%w: %s depends on %s", ErrMissingJoinColumn, def.Shape.Handle, depHandle)
		}
		depMaterializers[depHandle] = innerMat
	}

	handle := def.Shape.Handle

	// subscribeFresh cancels whatever subscription the previous attempt
	// held — both on the Dispatcher and on every dependency's
	// Materializer — mints a new SubscriberToken, and subscribes again.
	// startShapeLocked calls this once synchronously below, so that by the
	// time InitializeShapes returns every shape is already a live
	// Dispatcher subscriber in dependency order; the supervisor's task
	// calls it again on every restart (§5), which is what keeps a crashed
	// consumer from leaving the Dispatcher wedged waiting on an ack
	// nobody will ever send.
	//
	// subscribe_materializer (§4.5/§9) is resumed from this shape's own
	// latest_committed_offset, never from scratch: a zero Offset (nothing
	// committed yet, or a fresh start) imposes no floor, but a resuming
	// consumer is rejected with ErrOffsetNotCommitted until its dependency
	// has materialized at least as far as it had already converted
	// changes against.
	// subscribeFresh's caller tells it whether st.mu is already held:
	// startShapeLocked calls it directly (InitializeShapes holds st.mu for
	// the whole dependency-ordered startup loop), while the supervisor's
	// task runs in its own goroutine with no lock held and must take it.
	subscribeFresh := func(alreadyLocked bool) (shape.SubscriberToken, *dispatcher.Subscription, []consumer.Dependency, error) {
		rotate := func() shape.SubscriberToken {
			if oldToken, ok := st.tokens[handle]; ok {
				st.dispatcher.Cancel(oldToken)
				for _, innerMat := range depMaterializers {
					innerMat.Unsubscribe(oldToken)
				}
			}
			token := shape.SubscriberToken{PID: string(handle), Ref: st.refCounter}
			st.refCounter++
			st.tokens[handle] = token
			return token
		}

		var token shape.SubscriberToken
		if alreadyLocked {
			token = rotate()
		} else {
			st.mu.Lock()
			token = rotate()
			st.mu.Unlock()
		}

		var deps []consumer.Dependency
		for _, depHandle := range def.Shape.Dependencies {
			innerMat := depMaterializers[depHandle]
			fromOffset, _, err := st.store.FetchLatestCommittedOffset(handle)
			if err != nil {
				return shape.SubscriberToken{}, nil, nil, err
			}
			// Subscribe's only job here is registering this token and
			// validating fromOffset against the dependency's committed
			// watermark (ErrOffsetNotCommitted); the ongoing per-commit sync
			// this consumer actually uses is Materializer.WaitCommitted, not
			// the Deltas channel Subscribe hands back, so it is released
			// immediately rather than left to fill its buffer unread.
			if _, _, err := innerMat.Subscribe(token, fromOffset); err != nil {
				return shape.SubscriberToken{}, nil, nil, fmt.Errorf("subscribing to dependency %s: %w", depHandle, err)
			}
			innerMat.Unsubscribe(token)
			deps = append(deps, consumer.Dependency{
				Handle:       depHandle,
				Materializer: innerMat,
				JoinColumn:   def.JoinColumn[depHandle],
			})
		}

		sub, err := st.dispatcher.Subscribe(token, def.Shape)
		if err != nil {
			return shape.SubscriberToken{}, nil, nil, err
		}
		return token, sub, deps, nil
	}

	token, sub, deps, err := subscribeFresh(true)
	if err != nil {
		return err
	}

	first := true
	task := func(taskCtx context.Context) error {
		if !first {
			var err error
			token, sub, deps, err = subscribeFresh(false)
			if err != nil {
				return err
			}
		}
		first = false

		c := consumer.New(consumer.Config{
			Token:        token,
			Shape:        def.Shape,
			WriteUnit:    st.selectWriteUnit(def.Shape),
			Store:        st.store,
			Dispatcher:   st.dispatcher,
			Sub:          sub,
			Materializer: mat,
			Dependencies: deps,
			OuterLookup:  def.OuterLookup,
			Logger:       st.logger,
		})
		return c.Run(taskCtx)
	}

	runCtx, cancel := context.WithCancel(ctx)
	st.cancels[handle] = cancel
	st.supervisor.Run(runCtx, string(handle), task)
	return nil
}

// StopShape cancels the consumer for handle and removes it from the
// subscriber set, leaving its durable log and, if present, any row-set it
// has already materialized, intact.
func (st *State) StopShape(handle shape.Handle) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if cancel, ok := st.cancels[handle]; ok {
		cancel()
		delete(st.cancels, handle)
	}
	token, ok := st.tokens[handle]
	if !ok {
		token = shape.SubscriberToken{PID: string(handle)}
	}
	st.dispatcher.Cancel(token)
	if def, ok := st.defs[handle]; ok {
		for _, depHandle := range def.Shape.Dependencies {
			if innerMat, ok := st.materializers[depHandle]; ok {
				innerMat.Unsubscribe(token)
			}
		}
	}
	delete(st.tokens, handle)
	delete(st.defs, handle)
	delete(st.materializers, handle)
}

// selectWriteUnit implements §4.4's "Selection of write_unit". Any shape
// with dependencies runs Txn unconditionally, per the spec's closing note
// ("outer shapes default to write_unit=txn ... until outer-shape
// move-in/move-out conversion is available in the fragment path"); every
// other shape runs the configured default (see WithDefaultWriteUnit). See
// DESIGN.md for why the literal three-way rule in §4.4 collapses to this
// two-way one under this shape model.
func (st *State) selectWriteUnit(s shape.Shape) consumer.WriteUnit {
	if s.HasDependencies() {
		return consumer.Txn
	}
	return st.defaultWriteUnit
}

func topoSort(defs map[shape.Handle]ShapeDef) ([]shape.Handle, error) {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[shape.Handle]int, len(defs))
	order := make([]shape.Handle, 0, len(defs))

	var visit func(h shape.Handle) error
	visit = func(h shape.Handle) error {
		switch state[h] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("%w: %s", ErrDependencyCycle, h)
		}
		def, ok := defs[h]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDependency, h)
		}
		state[h] = visiting
		for _, dep := range def.Shape.Dependencies {
			if _, ok := defs[dep]; !ok {
				return fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[h] = visited
		order = append(order, h)
		return nil
	}

	handles := make([]shape.Handle, 0, len(defs))
	for h := range defs {
		handles = append(handles, h)
	}
	// Deterministic traversal order so error messages and (when there is
	// no dependency constraint between two shapes) startup order are
	// stable across runs.
	sortHandles(handles)

	for _, h := range handles {
		if err := visit(h); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func sortHandles(hs []shape.Handle) {
	for i := 1; i < len(hs); i++ {
		for j := i; j > 0 && hs[j-1] > hs[j]; j-- {
			hs[j-1], hs[j] = hs[j], hs[j-1]
		}
	}
}
