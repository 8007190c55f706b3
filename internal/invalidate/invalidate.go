// Package invalidate implements the Invalidator: diff
// invalidation (invalidate/invalidate_errors), deep deletion
// (delete(predicate)), and injection (inject(map)).
//
// The traversal and reporting style here is deterministic and idempotent,
// tolerant of being re-run from any starting set, generalized to weave's
// dynamically discovered rdeps graph instead of a statically parsed one.
package invalidate

import (
	"reflect"

	"github.com/samber/lo"

	"github.com/weavegraph/weave/internal/entry"
	"github.com/weavegraph/weave/internal/evalerrors"
	"github.com/weavegraph/weave/internal/graphstore"
	"github.com/weavegraph/weave/internal/observability"
	"github.com/weavegraph/weave/nodekey"
)

// Invalidator mutates entries in store and reports every transition to obs.
// Multi-threaded callers must only ever invalidate between update() passes —
// the engine facade is responsible for serializing that — but Invalidator
// itself synchronizes per-entry via each entry's own lock, so concurrent
// Invalidate/Delete/Inject calls never corrupt an entry.
type Invalidator struct {
	store *graphstore.Store
	obs   *observability.Fanout
}

// New builds an Invalidator over store, reporting transitions to obs.
func New(store *graphstore.Store, obs *observability.Fanout) *Invalidator {
	return &Invalidator{store: store, obs: obs}
}

// Invalidate marks each listed key, and the transitive closure of its
// rdeps, DIRTY. Values are retained so revalidation can short-circuit.
func (inv *Invalidator) Invalidate(keys []nodekey.Key) {
	inv.diffInvalidate(keys, observability.ReasonDirectInvalidate)
}

// InvalidateErrors marks every node currently carrying an error DIRTY, and
// eagerly clears the error field rather than deferring the clear to the
// next update, so an entry is never simultaneously DIRTY and errored.
func (inv *Invalidator) InvalidateErrors() {
	var errored []nodekey.Key
	for _, e := range inv.store.Snapshot() {
		e.Mu.Lock()
		if e.State == entry.Done && e.Err != nil {
			errored = append(errored, e.Key)
			e.Err = nil
		}
		e.Mu.Unlock()
	}
	inv.diffInvalidate(errored, observability.ReasonErrorInvalidate)
}

// diffInvalidate walks the transitive rdeps closure of roots and marks each
// reached entry DIRTY, reporting the direct roots with directReason and any
// transitively-reached node as ReasonDependencyInvalidated.
func (inv *Invalidator) diffInvalidate(roots []nodekey.Key, directReason observability.InvalidationReasonKind) {
	visited := make(map[nodekey.Key]bool)
	queue := append([]nodekey.Key(nil), roots...)
	rootSet := make(map[nodekey.Key]bool, len(roots))
	// origin maps each reached key to the root whose invalidation reached it.
	origin := make(map[nodekey.Key]nodekey.Key, len(roots))
	for _, r := range roots {
		rootSet[r] = true
		origin[r] = r
	}

	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		if visited[k] {
			continue
		}
		visited[k] = true

		e, ok := inv.store.Get(k)
		if !ok {
			continue
		}

		e.Mu.Lock()
		alreadyDirty := e.State == entry.Dirty
		e.State = entry.Dirty
		rdeps := e.RDepKeys()
		e.Mu.Unlock()

		reason := observability.ReasonDependencyInvalidated
		if rootSet[k] {
			reason = directReason
		}
		if !alreadyDirty || rootSet[k] {
			inv.obs.Invalidated(k, entry.Dirty, observability.InvalidationReason{Kind: reason, Source: origin[k]})
		}

		for _, r := range rdeps {
			if !visited[r] {
				if _, ok := origin[r]; !ok {
					origin[r] = origin[k]
				}
				queue = append(queue, r)
			}
		}
	}
}

// Delete marks every node satisfying predicate, plus the transitive closure
// of its rdeps, plus every node that was already DIRTY at the moment of
// deletion, as DELETED. Their value/error/deps/rdeps are cleared, and the
// entries are removed from the store once every reached node has been
// marked.
func (inv *Invalidator) Delete(predicate func(nodekey.Key) bool) {
	snap := inv.store.Snapshot()

	var roots []nodekey.Key
	for _, e := range snap {
		e.Mu.Lock()
		dirty := e.State == entry.Dirty
		e.Mu.Unlock()
		if dirty || predicate(e.Key) {
			roots = append(roots, e.Key)
		}
	}
	roots = lo.Uniq(roots)
	if len(roots) == 0 {
		return
	}

	rootSet := make(map[nodekey.Key]bool, len(roots))
	for _, r := range roots {
		rootSet[r] = true
	}

	visited := make(map[nodekey.Key]bool)
	queue := append([]nodekey.Key(nil), roots...)
	var marked []nodekey.Key

	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		if visited[k] {
			continue
		}
		visited[k] = true

		e, ok := inv.store.Get(k)
		if !ok {
			continue
		}

		e.Mu.Lock()
		wasDirtyAlready := e.State == entry.Dirty && !rootSet[k]
		e.State = entry.Deleted
		e.Value = nil
		e.Err = nil
		deps := e.Deps
		e.Deps = nil
		rdeps := e.RDepKeys()
		e.RDeps = nil
		e.Mu.Unlock()

		marked = append(marked, k)

		reason := observability.ReasonDeleteTransitive
		switch {
		case predicate(k):
			reason = observability.ReasonDeletePredicate
		case wasDirtyAlready:
			reason = observability.ReasonDeleteWasDirty
		}
		inv.obs.Invalidated(k, entry.Deleted, observability.InvalidationReason{Kind: reason, Source: k})

		// Deleting n removes n as a dependent: every dep of n loses n from
		// its rdeps set (the reverse of the invariant maintained at DONE).
		for _, group := range deps {
			for _, d := range group {
				if de, ok := inv.store.Get(d); ok {
					de.Mu.Lock()
					de.RemoveRDep(k)
					de.Mu.Unlock()
				}
			}
		}

		for _, r := range rdeps {
			if !visited[r] {
				queue = append(queue, r)
			}
		}
	}

	// Only now that every transitively-reached node has been marked DELETED
	// do we drop them from the store.
	for _, k := range marked {
		inv.store.Remove(k)
	}
}

// Inject installs caller-supplied values, bypassing builders. version stamps LastChangedVersion/LastEvaluatedVersion on the
// injected entries; callers pass the version the next update() pass will
// run at, so any dependent evaluated before the injection observes the
// overwrite as a change. The entry itself is DONE immediately — a
// post-inject update() returns the value without invoking a builder.
//
// Injecting over a node with non-empty recorded deps fails with
// INJECT_CONFLICT for that key; other keys in the same call still succeed
// (each key is independent). The aggregate error, if any, bundles every
// conflicting key.
func (inv *Invalidator) Inject(values map[nodekey.Key]any, version nodekey.Version) error {
	bundle := evalerrors.NewBundle()

	for k, v := range values {
		e := inv.store.GetOrCreate(k)

		e.Mu.Lock()
		if len(e.Deps) > 0 {
			e.Mu.Unlock()
			bundle.Add(&evalerrors.InjectConflictError{Key: k})
			continue
		}

		rdeps := e.RDepKeys()
		changed := e.State != entry.Done || e.Err != nil || !reflect.DeepEqual(e.Value, v)
		e.Value = v
		e.Err = nil
		e.Deps = nil
		e.State = entry.Done
		if changed || e.LastChangedVersion == nil {
			e.LastChangedVersion = version
		}
		e.LastEvaluatedVersion = version
		e.Mu.Unlock()

		inv.obs.Evaluated(k, entry.Done)

		// Overwriting an existing injected/derived value invalidates every
		// rdep that had observed the old one.
		if len(rdeps) > 0 {
			inv.diffInvalidate(rdeps, observability.ReasonInjectOverwrite)
		}
	}

	return bundle.ErrorOrNil()
}
