// Package scheduler implements the evaluator: a worker pool
// that drives the NEW→REBUILDING→DONE and DIRTY→CHECK_DEPENDENCIES→
// DONE|REBUILDING state machines, resolves dependencies on demand, applies
// the fail-fast/keep-going error policy, and triggers lazy cycle detection
// on quiescence.
//
// The worker-pool shape — buffered workCh/doneCh, a coordinator loop that
// dispatches while under capacity and otherwise waits on a completion or
// cancellation, a stopWorkers that closes workCh and waits out in-flight
// sends against an equally-buffered doneCh — is a plain FIFO dispatcher with
// no staging by topological depth. The ready set is discovered dynamically
// as builders declare dependencies, so the queue is fed continuously from
// both the coordinator and the workers themselves.
package scheduler

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/weavegraph/weave/internal/cycle"
	"github.com/weavegraph/weave/internal/depgroup"
	"github.com/weavegraph/weave/internal/entry"
	"github.com/weavegraph/weave/internal/evalerrors"
	"github.com/weavegraph/weave/internal/graphstore"
	"github.com/weavegraph/weave/internal/observability"
	"github.com/weavegraph/weave/nodekey"

	"github.com/weavegraph/weave/builder"
)

// Outcome is one root's result from an update pass.
type Outcome struct {
	Value  any
	Err    *evalerrors.ErrorInfo
	Cycles []evalerrors.CycleInfo
}

// UpdateResult is the aggregate result of one update() call.
type UpdateResult struct {
	Outcomes map[nodekey.Key]Outcome
	HasError bool
	// Bundle aggregates independent per-root failures in keep-going mode.
	// Always nil in fail-fast mode, where the first failure is returned
	// directly as update()'s error instead.
	Bundle error
}

// Evaluator runs update passes over store using registry to build nodes not
// already DONE, reporting progress to obs.
type Evaluator struct {
	store    *graphstore.Store
	registry *builder.Registry
	obs      *observability.Fanout
	log      observability.Logger
}

// New builds an Evaluator.
func New(store *graphstore.Store, registry *builder.Registry, obs *observability.Fanout, log observability.Logger) *Evaluator {
	return &Evaluator{store: store, registry: registry, obs: obs, log: log}
}

// Update runs the evaluator to quiescence over roots.
func (ev *Evaluator) Update(
	ctx context.Context,
	roots []nodekey.Key,
	keepGoing bool,
	parallelism int,
	version nodekey.Version,
) (*UpdateResult, error) {
	if parallelism <= 0 {
		parallelism = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// updateID correlates every log line this pass emits — the only thing
	// that distinguishes two concurrent Update() calls' output from one
	// another in a shared log stream.
	updateID := uuid.NewString()

	r := &run{
		ev:          ev,
		ctx:         runCtx,
		cancel:      cancel,
		version:     version,
		keepGoing:   keepGoing,
		parallelism: parallelism,
		log:         ev.log.WithValues("update_id", updateID),
		queued:      make(map[nodekey.Key]bool),
	}

	return r.execute(roots)
}

type run struct {
	ev          *Evaluator
	ctx         context.Context
	cancel      context.CancelFunc
	version     nodekey.Version
	keepGoing   bool
	parallelism int
	log         observability.Logger

	mu       sync.Mutex
	queue    []nodekey.Key
	queued   map[nodekey.Key]bool
	inFlight int
	aborted  bool
	abortErr error
}

type attemptResult struct {
	key         nodekey.Key
	reachedDone bool
	builderErr  bool
}

func (r *run) enqueue(key nodekey.Key) {
	r.mu.Lock()
	if r.queued[key] {
		r.mu.Unlock()
		return
	}
	r.queued[key] = true
	r.queue = append(r.queue, key)
	r.mu.Unlock()
	r.ev.obs.Enqueueing(key)
}

// ensureScheduled enqueues key if it needs building and isn't already
// queued or in flight.
func (r *run) ensureScheduled(key nodekey.Key) {
	e := r.ev.store.GetOrCreate(key)
	e.Mu.Lock()
	st := e.State
	e.Mu.Unlock()
	if st == entry.New || st == entry.Dirty {
		r.enqueue(key)
	}
}

func (r *run) execute(roots []nodekey.Key) (*UpdateResult, error) {
	// An interrupted or fail-fast-aborted earlier pass can leave entries
	// stranded mid-flight. Update passes never overlap, so anything still in
	// an in-progress state is stale: demote it to DIRTY and let the normal
	// revalidate/rebuild path take it from the top.
	for _, e := range r.ev.store.Snapshot() {
		e.Mu.Lock()
		if e.State == entry.Rebuilding || e.State == entry.CheckDependencies {
			e.State = entry.Dirty
			e.ResetForRebuild()
		}
		e.Mu.Unlock()
	}

	for _, k := range roots {
		r.ensureScheduled(k)
	}

	workCh := make(chan nodekey.Key, r.parallelism)
	doneCh := make(chan attemptResult, r.parallelism)

	var wg sync.WaitGroup
	var stopOnce sync.Once
	stopWorkers := func() {
		stopOnce.Do(func() {
			close(workCh)
			wg.Wait()
		})
	}
	for i := 0; i < r.parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := range workCh {
				doneCh <- r.attempt(k)
			}
		}()
	}
	defer stopWorkers()

	for {
		r.mu.Lock()
		for r.inFlight < r.parallelism && len(r.queue) > 0 {
			k := r.queue[0]
			r.queue = r.queue[1:]
			delete(r.queued, k)
			r.inFlight++
			r.mu.Unlock()
			workCh <- k
			r.mu.Lock()
		}
		quiesced := r.inFlight == 0 && len(r.queue) == 0
		aborted := r.aborted
		abortErr := r.abortErr
		r.mu.Unlock()

		if aborted {
			stopWorkers()
			return nil, abortErr
		}
		if quiesced {
			stopWorkers()
			return r.finish(roots)
		}

		select {
		case <-r.ctx.Done():
			r.mu.Lock()
			r.aborted = true
			r.abortErr = &evalerrors.InterruptedError{Cause: r.ctx.Err()}
			abortErr = r.abortErr
			r.mu.Unlock()
			stopWorkers()
			return nil, abortErr
		case res := <-doneCh:
			r.handleResult(res)
		}
	}
}

func (r *run) handleResult(res attemptResult) {
	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()

	if res.builderErr && !r.keepGoing {
		e, ok := r.ev.store.Get(res.key)
		var errInfo *evalerrors.ErrorInfo
		if ok {
			e.Mu.Lock()
			errInfo = e.Err
			e.Mu.Unlock()
		}
		r.mu.Lock()
		r.aborted = true
		r.abortErr = errInfo
		r.mu.Unlock()
		r.cancel()
		return
	}

	if !res.reachedDone {
		return
	}

	e, ok := r.ev.store.Get(res.key)
	if !ok {
		return
	}
	e.Mu.Lock()
	rdeps := e.RDepKeys()
	e.Mu.Unlock()

	for _, rd := range rdeps {
		rde, ok := r.ev.store.Get(rd)
		if !ok {
			continue
		}
		r.signalDepDone(rd, rde, res.key)
	}
}

// signalDepDone clears dep from owner's PendingDeps, enqueueing owner once
// its pending set has fully drained. Called both when dep has just reached
// DONE (handleResult, iterating dep's rdeps) and speculatively via
// signalIfDone (owner rechecking a dep it may have already missed the
// completion signal for). Both callers may race to clear the same dep;
// deleting an absent map key and enqueueing an already-queued key are each
// idempotent, so redundant calls are harmless.
func (r *run) signalDepDone(ownerKey nodekey.Key, owner *entry.Entry, dep nodekey.Key) {
	owner.Mu.Lock()
	ready := false
	if owner.PendingDeps != nil {
		if _, waiting := owner.PendingDeps[dep]; waiting {
			delete(owner.PendingDeps, dep)
			ready = len(owner.PendingDeps) == 0
		}
	}
	owner.Mu.Unlock()
	if ready {
		r.enqueue(ownerKey)
	}
}

// signalIfDone re-checks dep's current state and, if it has already
// reached DONE, signals owner immediately rather than waiting on dep's own
// completion path to notice — closing the window between owner recording a
// dep as pending and that dep actually completing, during which dep may
// have finished without owner's PendingDeps entry existing yet to catch the
// signal: late-added rdeps are signalled immediately.
func (r *run) signalIfDone(ownerKey nodekey.Key, owner *entry.Entry, dep nodekey.Key) {
	de, ok := r.ev.store.Get(dep)
	if !ok {
		return
	}
	de.Mu.Lock()
	done := de.State == entry.Done
	de.Mu.Unlock()
	if !done {
		return
	}
	r.signalDepDone(ownerKey, owner, dep)
}

// finish is called once the queue has fully drained with nothing in
// flight. If any root is not DONE, it first runs lazy cycle detection from
// the stuck roots and stamps any cycles found onto their entries; it then
// assembles the result. The queue is not run again.
func (r *run) finish(roots []nodekey.Key) (*UpdateResult, error) {
	stuck := r.stuckRoots(roots)
	if len(stuck) > 0 {
		found := cycle.New(r.ev.store).Detect(stuck)
		if len(found) > 0 {
			cycle.ApplyTo(r.ev.store, found)
		}
	}

	return r.collect(roots)
}

func (r *run) stuckRoots(roots []nodekey.Key) []nodekey.Key {
	var out []nodekey.Key
	for _, k := range roots {
		e, ok := r.ev.store.Get(k)
		if !ok {
			continue
		}
		e.Mu.Lock()
		done := e.State == entry.Done
		e.Mu.Unlock()
		if !done {
			out = append(out, k)
		}
	}
	return out
}

func (r *run) collect(roots []nodekey.Key) (*UpdateResult, error) {
	result := &UpdateResult{Outcomes: make(map[nodekey.Key]Outcome, len(roots))}
	bundle := evalerrors.NewBundle()

	for _, k := range roots {
		e, ok := r.ev.store.Get(k)
		if !ok {
			continue
		}
		e.Mu.Lock()
		state := e.State
		value := e.Value
		errInfo := e.Err
		e.Mu.Unlock()

		if state != entry.Done {
			bundle.Add(errors.New(k.String() + ": did not reach DONE (stalled, no cycle found)"))
			continue
		}

		outcome := Outcome{Value: value, Err: errInfo}
		if errInfo != nil {
			outcome.Cycles = errInfo.Cycles
			result.HasError = true
			bundle.Add(errInfo)
		}
		result.Outcomes[k] = outcome
	}

	if r.keepGoing {
		result.Bundle = bundle.ErrorOrNil()
	}
	return result, nil
}

// attempt drives one node through a single state-machine step: a NEW node
// through REBUILDING, or a DIRTY node through CHECK_DEPENDENCIES and, if
// needed, REBUILDING. It never blocks waiting on a dependency — if the node
// can't make progress yet, it parks and returns, having already scheduled
// whatever it's waiting on.
func (r *run) attempt(key nodekey.Key) attemptResult {
	e := r.ev.store.GetOrCreate(key)

	e.Mu.Lock()
	state := e.State
	switch state {
	case entry.New:
		e.State = entry.Rebuilding
		e.ResetForRebuild()
	case entry.Dirty:
		e.State = entry.CheckDependencies
	case entry.Done:
		// Enqueued redundantly (a signal raced its completion); nothing to do.
		e.Mu.Unlock()
		return attemptResult{key: key, reachedDone: true}
	}
	e.Mu.Unlock()

	// A node re-enqueued while mid-CHECK_DEPENDENCIES (a pending group
	// member completed) resumes checking where it left off; a node
	// re-enqueued while mid-REBUILDING restarts its builder from the top.
	if state == entry.Dirty || state == entry.CheckDependencies {
		decision, parked := r.checkDependencies(key, e)
		if parked {
			return attemptResult{key: key}
		}
		if decision == checkDone {
			r.ev.obs.Evaluated(key, entry.Done)
			return attemptResult{key: key, reachedDone: true}
		}
		// decision == checkNeedsRebuild: fall through to REBUILDING below.
		e.Mu.Lock()
		e.State = entry.Rebuilding
		e.ResetForRebuild()
		e.Mu.Unlock()
	}

	return r.rebuild(key, e)
}

type checkDecision int

const (
	checkDone checkDecision = iota
	checkNeedsRebuild
)

// checkDependencies implements CHECK_DEPENDENCIES:
// inspect recorded dep-groups in order, requesting each group's members
// concurrently (from the scheduler's point of view — it ensures they're all
// scheduled and waits for them via the normal park/signal mechanism, one
// group at a time). parked is true if this call scheduled missing deps and
// must be retried later.
func (r *run) checkDependencies(key nodekey.Key, e *entry.Entry) (decision checkDecision, parked bool) {
	e.Mu.Lock()
	deps := e.Deps
	startIdx := e.CheckIndex
	lastEvaluated := e.LastEvaluatedVersion
	hasOutcome := e.Value != nil || e.Err != nil
	e.Mu.Unlock()

	// A node with no recorded deps has nothing to revalidate against, and a
	// node with no retained outcome (or no evaluation stamp) has nothing to
	// revalidate *to* — e.g. one whose error was just cleared by
	// invalidate_errors. Either way the only sensible outcome is an
	// unconditional rebuild.
	if len(deps) == 0 || !hasOutcome || lastEvaluated == nil {
		return checkNeedsRebuild, false
	}

	for idx := startIdx; idx < len(deps); idx++ {
		group := deps[idx]
		var notDone []nodekey.Key
		changed := false

		for _, d := range group {
			de := r.ev.store.GetOrCreate(d)
			de.Mu.Lock()
			de.AddRDep(key)
			if de.State != entry.Done {
				notDone = append(notDone, d)
			} else if de.LastChangedVersion != nil &&
				de.LastChangedVersion.Relate(lastEvaluated) == nodekey.Descendant {
				changed = true
			}
			de.Mu.Unlock()
		}

		if len(notDone) > 0 {
			// Record the pending set before triggering (or merely
			// rechecking) each dep's build: if a dep were scheduled first
			// and happened to complete before PendingDeps was written, its
			// completion signal (handleResult's rdeps scan) would find
			// nothing to decrement and the wakeup would be lost forever.
			// Writing PendingDeps first, then explicitly re-checking each
			// dep's current state via signalIfDone, closes that window
			// regardless of how the race lands.
			e.Mu.Lock()
			e.PendingDeps = toPendingSet(notDone)
			e.CheckIndex = idx
			e.Mu.Unlock()

			for _, d := range notDone {
				r.ensureScheduled(d)
				r.signalIfDone(key, e, d)
			}
			return 0, true
		}

		if changed {
			return checkNeedsRebuild, false
		}
	}

	e.Mu.Lock()
	e.State = entry.Done
	e.LastEvaluatedVersion = r.version
	e.CheckIndex = 0
	e.Mu.Unlock()
	return checkDone, false
}

// rebuild invokes the registered builder for key.
func (r *run) rebuild(key nodekey.Key, e *entry.Entry) attemptResult {
	b, ok := r.ev.registry.Lookup(key.TypeTag)
	if !ok {
		r.finalize(key, e, nil, builder.ErrNoBuilder(key.TypeTag), nil)
		return attemptResult{key: key, reachedDone: true, builderErr: true}
	}

	env := &buildEnv{r: r, key: key, version: r.version}
	value, err := b.Build(r.ctx, key, env)

	if err == nil && value == nil && env.missing {
		// Split the missing deps by whether they can still signal us: a dep
		// that is already DONE never will. A DONE-but-missing dep is one the
		// builder saw as absent because it is errored (keep-going) — if every
		// missing dep is in that bucket, parking would wait forever, so the
		// node is itself transitively errored instead.
		pending := env.pendingSet()
		notDone := make(map[nodekey.Key]struct{}, len(pending))
		var errored []nodekey.Key
		for d := range pending {
			de := r.ev.store.GetOrCreate(d)
			de.Mu.Lock()
			switch {
			case de.State != entry.Done:
				notDone[d] = struct{}{}
			case de.Err != nil:
				errored = append(errored, d)
			}
			de.Mu.Unlock()
		}

		if len(notDone) == 0 {
			sort.Slice(errored, func(i, j int) bool { return errored[i].String() < errored[j].String() })
			r.finalize(key, e, nil, &evalerrors.TransitiveError{Key: key, Causes: errored}, env)
			return attemptResult{key: key, reachedDone: true, builderErr: true}
		}

		// Same lost-wakeup hazard as checkDependencies: the builder already
		// called ensureScheduled for each missing dep while running (inside
		// buildEnv.GetValue/GetValues/GetValueOrThrow), possibly well before
		// this point, so a cheap dep may already be DONE by the time
		// PendingDeps is committed here. Re-check every pending dep against
		// its current state immediately after committing so a completion
		// that landed during the build isn't silently dropped.
		e.Mu.Lock()
		e.PendingDeps = notDone
		e.Deps = env.deps.List()
		e.Mu.Unlock()

		for d := range notDone {
			r.signalIfDone(key, e, d)
		}
		return attemptResult{key: key}
	}

	r.finalize(key, e, value, err, env)
	return attemptResult{key: key, reachedDone: true, builderErr: err != nil}
}

// finalize commits a rebuild attempt's outcome: reconciles dep/rdep edges,
// applies value-equality change suppression, and transitions the node to
// DONE.
func (r *run) finalize(key nodekey.Key, e *entry.Entry, value any, buildErr error, env *buildEnv) {
	var newDeps depgroup.List
	if env != nil {
		newDeps = env.deps.List()
	}

	e.Mu.Lock()
	oldDeps := e.Deps
	e.Mu.Unlock()

	reconcileDeps(r.ev.store, key, oldDeps.Flatten(), newDeps.Flatten())

	// Collected before taking this entry's lock: erroredDeps locks each dep
	// entry in turn, and holding both ends at once invites deadlock when two
	// mutually-dependent nodes finalize errors concurrently.
	var rootCauses []nodekey.Key
	if buildErr != nil {
		rootCauses = erroredDeps(r.ev.store, newDeps.Flatten())
	}

	e.Mu.Lock()
	defer e.Mu.Unlock()

	e.Deps = newDeps
	e.PendingDeps = nil

	if buildErr != nil {
		wrapped := buildErr
		if _, ok := buildErr.(*evalerrors.TransitiveError); !ok {
			wrapped = &evalerrors.BuilderError{Key: key, Err: buildErr}
		}
		e.Err = &evalerrors.ErrorInfo{
			Key:        key,
			Err:        wrapped,
			RootCauses: rootCauses,
		}
		// An error is a change as far as dependents are concerned: whatever
		// value they last saw from this node is gone.
		e.Value = nil
		e.LastChangedVersion = r.version
		e.LastEvaluatedVersion = r.version
		e.State = entry.Done
		return
	}

	// An error-to-value transition counts as a change even if the new value
	// equals the pre-error one: dependents built against the absence.
	changed := e.Err != nil || e.Value == nil || !reflect.DeepEqual(e.Value, value)
	e.Value = value
	e.Err = nil
	if changed || e.LastChangedVersion == nil {
		e.LastChangedVersion = r.version
	}
	e.LastEvaluatedVersion = r.version
	e.State = entry.Done
}

func erroredDeps(store *graphstore.Store, deps []nodekey.Key) []nodekey.Key {
	var out []nodekey.Key
	for _, d := range deps {
		de, ok := store.Get(d)
		if !ok {
			continue
		}
		de.Mu.Lock()
		if de.Err != nil {
			out = append(out, d)
		}
		de.Mu.Unlock()
	}
	return out
}

// reconcileDeps applies the symmetric-edge invariant: every key
// removed from oldFlat loses this node from its rdeps, every key in
// newFlat gains it. Dep entries are locked one at a time in sorted key
// order, never alongside the owning node's lock, matching the deadlock-free
// acquisition order (consistent order = key hash/string).
func reconcileDeps(store *graphstore.Store, owner nodekey.Key, oldFlat, newFlat []nodekey.Key) {
	newSet := make(map[nodekey.Key]bool, len(newFlat))
	for _, k := range newFlat {
		newSet[k] = true
	}
	oldSet := make(map[nodekey.Key]bool, len(oldFlat))
	for _, k := range oldFlat {
		oldSet[k] = true
	}

	var removed, added []nodekey.Key
	for _, k := range oldFlat {
		if !newSet[k] {
			removed = append(removed, k)
		}
	}
	for _, k := range newFlat {
		if !oldSet[k] {
			added = append(added, k)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].String() < removed[j].String() })
	sort.Slice(added, func(i, j int) bool { return added[i].String() < added[j].String() })

	for _, k := range removed {
		if de, ok := store.Get(k); ok {
			de.Mu.Lock()
			de.RemoveRDep(owner)
			de.Mu.Unlock()
		}
	}
	for _, k := range added {
		de := store.GetOrCreate(k)
		de.Mu.Lock()
		de.AddRDep(owner)
		de.Mu.Unlock()
	}
}

func toPendingSet(keys []nodekey.Key) map[nodekey.Key]struct{} {
	out := make(map[nodekey.Key]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}

// buildEnv implements builder.Environment for exactly one build attempt.
type buildEnv struct {
	r       *run
	key     nodekey.Key
	version nodekey.Version

	deps    depgroup.Builder
	pending map[nodekey.Key]struct{}
	missing bool
}

func (env *buildEnv) markPending(k nodekey.Key) {
	if env.pending == nil {
		env.pending = make(map[nodekey.Key]struct{})
	}
	env.pending[k] = struct{}{}
}

func (env *buildEnv) pendingSet() map[nodekey.Key]struct{} {
	if env.pending == nil {
		return make(map[nodekey.Key]struct{})
	}
	return env.pending
}

func (env *buildEnv) GetValue(key nodekey.Key) (any, bool) {
	env.deps.Single(key)
	value, errInfo, done := env.lookup(key)
	if !done {
		env.missing = true
		env.markPending(key)
		env.r.ensureScheduled(key)
		return nil, false
	}
	if errInfo != nil {
		env.missing = true
		env.markPending(key)
		return nil, false
	}
	return value, true
}

func (env *buildEnv) GetValues(keys []nodekey.Key) map[nodekey.Key]builder.Lookup {
	out := make(map[nodekey.Key]builder.Lookup, len(keys))
	for _, key := range keys {
		value, errInfo, done := env.lookup(key)
		switch {
		case !done:
			env.missing = true
			env.markPending(key)
			env.r.ensureScheduled(key)
			out[key] = builder.Lookup{Present: false}
		case errInfo != nil:
			env.missing = true
			env.markPending(key)
			out[key] = builder.Lookup{Present: false, Err: errInfo}
		default:
			out[key] = builder.Lookup{Value: value, Present: true}
		}
	}
	env.deps.Bulk(keys)
	return out
}

func (env *buildEnv) GetValueOrThrow(key nodekey.Key, target any) (any, error, bool) {
	env.deps.Single(key)
	value, errInfo, done := env.lookup(key)
	if !done {
		env.missing = true
		env.markPending(key)
		env.r.ensureScheduled(key)
		return nil, nil, false
	}
	if errInfo == nil {
		return value, nil, true
	}
	if errors.As(errInfo, target) {
		return nil, errInfo, true
	}
	env.missing = true
	env.markPending(key)
	return nil, nil, false
}

func (env *buildEnv) Listener() observability.Logger { return env.r.log }
func (env *buildEnv) ValuesMissing() bool            { return env.missing }

// lookup resolves key's current value/error without blocking, registering
// this build's node as a reverse-dependency regardless of whether key is
// done yet (late-added rdeps are signalled immediately — if key is
// already DONE by the time this call runs, there's nothing to signal since
// the caller was never parked on it).
func (env *buildEnv) lookup(key nodekey.Key) (value any, errInfo *evalerrors.ErrorInfo, done bool) {
	de := env.r.ev.store.GetOrCreate(key)
	de.Mu.Lock()
	defer de.Mu.Unlock()
	de.AddRDep(env.key)
	if de.State != entry.Done {
		return nil, nil, false
	}
	return de.Value, de.Err, true
}
