package invalidate

import (
	"errors"
	"testing"

	"github.com/weavegraph/weave/internal/depgroup"
	"github.com/weavegraph/weave/internal/entry"
	"github.com/weavegraph/weave/internal/evalerrors"
	"github.com/weavegraph/weave/internal/graphstore"
	"github.com/weavegraph/weave/internal/observability"
	"github.com/weavegraph/weave/nodekey"
)

func key(id string) nodekey.Key { return nodekey.New("test", id) }

// link wires a -> b (a depends on b): installs b in a.Deps and a in
// b.RDeps, the symmetric invariant the scheduler maintains at DONE.
func link(t *testing.T, store *graphstore.Store, a, b string) {
	t.Helper()
	ae := store.GetOrCreate(key(a))
	be := store.GetOrCreate(key(b))

	ae.Mu.Lock()
	ae.Deps = append(ae.Deps, depgroup.Group{key(b)})
	ae.State = entry.Done
	ae.Mu.Unlock()

	be.Mu.Lock()
	be.AddRDep(key(a))
	be.Mu.Unlock()
}

func state(store *graphstore.Store, id string) entry.State {
	e, ok := store.Get(key(id))
	if !ok {
		return entry.Deleted
	}
	e.Mu.Lock()
	defer e.Mu.Unlock()
	return e.State
}

func TestInvalidatePropagatesToRDeps(t *testing.T) {
	store := graphstore.New()
	obs := observability.NewFanout(observability.NewDiscardLogger())
	inv := New(store, obs)

	// top -> mid -> leaf
	link(t, store, "top", "mid")
	link(t, store, "mid", "leaf")

	inv.Invalidate([]nodekey.Key{key("leaf")})

	if got := state(store, "leaf"); got != entry.Dirty {
		t.Errorf("leaf state = %v, want DIRTY", got)
	}
	if got := state(store, "mid"); got != entry.Dirty {
		t.Errorf("mid state = %v, want DIRTY", got)
	}
	if got := state(store, "top"); got != entry.Dirty {
		t.Errorf("top state = %v, want DIRTY", got)
	}
}

func TestInvalidateErrorsClearsAndMarksOnlyErrored(t *testing.T) {
	store := graphstore.New()
	obs := observability.NewFanout(observability.NewDiscardLogger())
	inv := New(store, obs)

	errored := store.GetOrCreate(key("errored"))
	errored.Mu.Lock()
	errored.State = entry.Done
	errored.Err = &evalerrors.ErrorInfo{Key: key("errored"), Err: evalerrors.ErrBuilderFailed}
	errored.Mu.Unlock()

	clean := store.GetOrCreate(key("clean"))
	clean.Mu.Lock()
	clean.State = entry.Done
	clean.Mu.Unlock()

	inv.InvalidateErrors()

	errored.Mu.Lock()
	if errored.State != entry.Dirty {
		t.Errorf("errored.State = %v, want DIRTY", errored.State)
	}
	if errored.Err != nil {
		t.Errorf("errored.Err = %v, want nil (eager clear)", errored.Err)
	}
	errored.Mu.Unlock()

	clean.Mu.Lock()
	if clean.State != entry.Done {
		t.Errorf("clean.State = %v, want unchanged DONE", clean.State)
	}
	clean.Mu.Unlock()
}

func TestDeletePredicateAndTransitiveClosure(t *testing.T) {
	store := graphstore.New()
	obs := observability.NewFanout(observability.NewDiscardLogger())
	inv := New(store, obs)

	link(t, store, "top", "mid")
	link(t, store, "mid", "target")

	inv.Delete(func(k nodekey.Key) bool { return k == key("target") })

	if _, ok := store.Get(key("target")); ok {
		t.Errorf("target should have been removed from the store")
	}
	if _, ok := store.Get(key("mid")); ok {
		t.Errorf("mid (rdep of target) should have been removed transitively")
	}
	if _, ok := store.Get(key("top")); ok {
		t.Errorf("top (rdep of mid) should have been removed transitively")
	}
}

func TestDeleteRemovesBackReferenceFromDeps(t *testing.T) {
	store := graphstore.New()
	obs := observability.NewFanout(observability.NewDiscardLogger())
	inv := New(store, obs)

	link(t, store, "a", "shared")
	link(t, store, "b", "shared")

	inv.Delete(func(k nodekey.Key) bool { return k == key("a") })

	if _, ok := store.Get(key("a")); ok {
		t.Errorf("a should have been removed")
	}
	shared, ok := store.Get(key("shared"))
	if !ok {
		t.Fatalf("shared should still exist (still depended on by b)")
	}
	shared.Mu.Lock()
	defer shared.Mu.Unlock()
	if _, stillThere := shared.RDeps[key("a")]; stillThere {
		t.Errorf("shared.RDeps still references deleted a")
	}
	if _, stillThere := shared.RDeps[key("b")]; !stillThere {
		t.Errorf("shared.RDeps should still reference b")
	}
}

func TestInjectInstallsValueImmediately(t *testing.T) {
	store := graphstore.New()
	obs := observability.NewFanout(observability.NewDiscardLogger())
	inv := New(store, obs)

	err := inv.Inject(map[nodekey.Key]any{key("cfg"): "hello"}, nodekey.IntVersion(1))
	if err != nil {
		t.Fatalf("Inject() error = %v, want nil", err)
	}

	e, ok := store.Get(key("cfg"))
	if !ok {
		t.Fatalf("injected key not found in store")
	}
	e.Mu.Lock()
	defer e.Mu.Unlock()
	if e.State != entry.Done {
		t.Errorf("State = %v, want DONE", e.State)
	}
	if e.Value != "hello" {
		t.Errorf("Value = %v, want hello", e.Value)
	}
}

func TestInjectConflictWhenNodeHasDeps(t *testing.T) {
	store := graphstore.New()
	obs := observability.NewFanout(observability.NewDiscardLogger())
	inv := New(store, obs)

	link(t, store, "derived", "leaf")

	err := inv.Inject(map[nodekey.Key]any{key("derived"): 5}, nodekey.IntVersion(1))
	if err == nil {
		t.Fatalf("Inject() error = nil, want INJECT_CONFLICT")
	}
	var ice *evalerrors.InjectConflictError
	if !errors.As(err, &ice) {
		t.Fatalf("error %v does not unwrap to InjectConflictError", err)
	}
}

func TestInjectOverwriteInvalidatesRDeps(t *testing.T) {
	store := graphstore.New()
	obs := observability.NewFanout(observability.NewDiscardLogger())
	inv := New(store, obs)

	if err := inv.Inject(map[nodekey.Key]any{key("cfg"): 1}, nodekey.IntVersion(1)); err != nil {
		t.Fatalf("first Inject() error = %v", err)
	}

	link(t, store, "consumer", "cfg")

	if err := inv.Inject(map[nodekey.Key]any{key("cfg"): 2}, nodekey.IntVersion(2)); err != nil {
		t.Fatalf("second Inject() error = %v", err)
	}

	if got := state(store, "consumer"); got != entry.Dirty {
		t.Errorf("consumer state = %v, want DIRTY after cfg overwrite", got)
	}
}
