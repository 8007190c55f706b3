// Package engine assembles the graph store, invalidator, and evaluator into
// the public facade: invalidate/invalidate_errors/
// delete/inject, update, introspection, and dump.
//
// The constructor takes functional options, the same options idiom
// aws-karpenter-provider-aws's reconciler
// constructors use for an API with more than one or two optional
// collaborators.
package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/weavegraph/weave/builder"
	"github.com/weavegraph/weave/internal/entry"
	"github.com/weavegraph/weave/internal/graphstore"
	"github.com/weavegraph/weave/internal/invalidate"
	"github.com/weavegraph/weave/internal/observability"
	"github.com/weavegraph/weave/internal/scheduler"
	"github.com/weavegraph/weave/nodekey"
)

// UpdateResult re-exports the evaluator's result shape at the engine
// boundary, so callers only ever need to import this package.
type UpdateResult = scheduler.UpdateResult

// Outcome re-exports a single root's outcome.
type Outcome = scheduler.Outcome

// Engine is the incremental evaluation engine. The zero value is
// not usable; construct with New.
type Engine struct {
	store       *graphstore.Store
	registry    *builder.Registry
	obs         *observability.Fanout
	invalidator *invalidate.Invalidator
	evaluator   *scheduler.Evaluator
	log         observability.Logger

	mu      sync.Mutex
	version nodekey.IntVersion

	// updateMu serializes Update passes: each call establishes a total
	// order, and the evaluator's stale-state recovery assumes no other pass
	// is mid-flight.
	updateMu sync.Mutex
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger sets the structured logging handle the evaluator reports
// through, which is also what every builder's Environment.Listener returns.
// Defaults to a discard logger. Panics recovered from observers are not
// logged through it.
func WithLogger(log observability.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithObservers registers progress observers
// at construction time. Additional observers can be added later via
// AddObserver.
func WithObservers(observers ...observability.Observer) Option {
	return func(e *Engine) {
		for _, o := range observers {
			e.obs.Add(o)
		}
	}
}

// New builds an Engine dispatching builds through registry.
func New(registry *builder.Registry, opts ...Option) *Engine {
	log := observability.NewDiscardLogger()
	store := graphstore.New()
	obs := observability.NewFanout(log)

	e := &Engine{
		store:       store,
		registry:    registry,
		obs:         obs,
		invalidator: invalidate.New(store, obs),
		log:         log,
	}

	for _, opt := range opts {
		opt(e)
	}
	e.evaluator = scheduler.New(store, registry, obs, e.log)
	return e
}

// AddObserver registers an additional progress observer at runtime.
func (e *Engine) AddObserver(o observability.Observer) { e.obs.Add(o) }

// Invalidate marks keys, and the transitive closure of their rdeps, DIRTY.
// Takes effect for the next Update call.
func (e *Engine) Invalidate(keys []nodekey.Key) { e.invalidator.Invalidate(keys) }

// InvalidateErrors marks every currently-erroneous node DIRTY.
func (e *Engine) InvalidateErrors() { e.invalidator.InvalidateErrors() }

// Delete deep-deletes every node matching predicate, the transitive closure
// of its rdeps, and every node already DIRTY.
func (e *Engine) Delete(predicate func(nodekey.Key) bool) { e.invalidator.Delete(predicate) }

// Inject installs caller-supplied values, bypassing builders. The entries
// are DONE immediately; they are stamped with the version the next Update
// pass will run at, so dependents evaluated earlier see the overwrite as a
// change.
func (e *Engine) Inject(values map[nodekey.Key]any) error {
	e.mu.Lock()
	v := e.version.Next()
	e.mu.Unlock()
	return e.invalidator.Inject(values, v)
}

// Update advances the graph version and runs the evaluator to quiescence
// over roots.
func (e *Engine) Update(ctx context.Context, roots []nodekey.Key, keepGoing bool, parallelism int) (*UpdateResult, error) {
	e.updateMu.Lock()
	defer e.updateMu.Unlock()

	e.mu.Lock()
	e.version = e.version.Next()
	v := e.version
	e.mu.Unlock()

	return e.evaluator.Update(ctx, roots, keepGoing, parallelism, v)
}

// GetNodes returns every key currently tracked by the graph store.
func (e *Engine) GetNodes() []nodekey.Key {
	snap := e.store.Snapshot()
	out := make([]nodekey.Key, len(snap))
	for i, en := range snap {
		out[i] = en.Key
	}
	return out
}

// GetDoneNodes returns every key currently in the DONE state.
func (e *Engine) GetDoneNodes() []nodekey.Key {
	var out []nodekey.Key
	for _, en := range e.store.Snapshot() {
		en.Mu.Lock()
		done := en.State == entry.Done
		en.Mu.Unlock()
		if done {
			out = append(out, en.Key)
		}
	}
	return out
}

// Dump writes a human-readable snapshot of every node to w. Dump is not
// thread-safe against concurrent Update calls — callers must quiesce the
// engine first.
func (e *Engine) Dump(w io.Writer) error {
	for _, en := range e.store.Snapshot() {
		en.Mu.Lock()
		state := en.State
		value := en.Value
		errInfo := en.Err
		deps := en.Deps.Flatten()
		rdeps := en.RDepKeys()
		lastChanged := en.LastChangedVersion
		lastEvaluated := en.LastEvaluatedVersion
		en.Mu.Unlock()
		sort.Slice(rdeps, func(i, j int) bool { return rdeps[i].String() < rdeps[j].String() })

		line := fmt.Sprintf("%s state=%s changed=%v evaluated=%v deps=%v rdeps=%v",
			en.Key, state, lastChanged, lastEvaluated, deps, rdeps)
		if errInfo != nil {
			line += fmt.Sprintf(" error=%v", errInfo)
		} else {
			line += fmt.Sprintf(" value=%v", value)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
