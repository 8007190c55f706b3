// Package entry defines NodeEntry, the per-key record the graph store holds:
// value, error, deps (grouped), rdeps, version bookkeeping, and
// state. Every field mutation goes through the entry's own lock — the
// "per-entry locking" concurrency model.
package entry

import (
	"sync"

	"github.com/weavegraph/weave/internal/depgroup"
	"github.com/weavegraph/weave/internal/evalerrors"
	"github.com/weavegraph/weave/nodekey"
)

// State is one of the evaluator's node states.
type State int

const (
	New State = iota
	Dirty
	CheckDependencies
	Rebuilding
	Done
	Deleted
)

func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case Dirty:
		return "DIRTY"
	case CheckDependencies:
		return "CHECK_DEPENDENCIES"
	case Rebuilding:
		return "REBUILDING"
	case Done:
		return "DONE"
	case Deleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// Entry is the per-key node record. All fields below the lock are only
// ever read/written while holding Mu; Key itself is immutable after
// creation and safe to read without the lock.
type Entry struct {
	Key nodekey.Key

	Mu sync.Mutex

	Value any
	Err   *evalerrors.ErrorInfo

	// Deps is the ordered sequence of dep-groups recorded during the last
	// build attempt.
	Deps depgroup.List
	// RDeps is the set of keys that depended on this node during their
	// last build. Invariant: for every k in deps(n), n is in
	// rdeps(k), symmetrically.
	RDeps map[nodekey.Key]struct{}

	LastChangedVersion   nodekey.Version
	LastEvaluatedVersion nodekey.Version

	State State

	// PendingDeps is the set of keys this node is waiting on right now.
	// Dependency completions are accounted by removal: when the set drains
	// the node is re-enqueued.
	// Populated when a builder returns "missing deps" or when
	// CHECK_DEPENDENCIES requests a group.
	PendingDeps map[nodekey.Key]struct{}

	// CheckIndex is the index into Deps of the next dep-group
	// CHECK_DEPENDENCIES needs to inspect. Groups already confirmed
	// unchanged are never re-requested on a later restart of the same
	// revalidation.
	CheckIndex int
}

// NewEntry creates a fresh, NEW-state entry for key.
func NewEntry(key nodekey.Key) *Entry {
	return &Entry{
		Key:   key,
		State: New,
		RDeps: make(map[nodekey.Key]struct{}),
	}
}

// AddRDep registers dependent as a reverse-dependency of this entry. Callers
// must hold this entry's lock.
func (e *Entry) AddRDep(dependent nodekey.Key) {
	if e.RDeps == nil {
		e.RDeps = make(map[nodekey.Key]struct{})
	}
	e.RDeps[dependent] = struct{}{}
}

// RemoveRDep removes dependent from this entry's reverse-dependency set.
// Callers must hold this entry's lock.
func (e *Entry) RemoveRDep(dependent nodekey.Key) {
	delete(e.RDeps, dependent)
}

// RDepKeys returns a snapshot slice of the current reverse-dependency set.
// Callers must hold this entry's lock.
func (e *Entry) RDepKeys() []nodekey.Key {
	out := make([]nodekey.Key, 0, len(e.RDeps))
	for k := range e.RDeps {
		out = append(out, k)
	}
	return out
}

// IsDone reports whether the entry is in the DONE state with a usable
// outcome (value or error). Callers must hold this entry's lock.
func (e *Entry) IsDone() bool { return e.State == Done }

// IsErrored reports whether the entry's last DONE transition recorded an
// error. Callers must hold this entry's lock.
func (e *Entry) IsErrored() bool { return e.Err != nil }

// ResetForRebuild clears attempt-scoped bookkeeping before a fresh build
// attempt starts (either first build or post-CHECK_DEPENDENCIES rebuild).
// Deps/RDeps are deliberately left alone here: they are only reconciled once
// the attempt reaches DONE.
func (e *Entry) ResetForRebuild() {
	e.PendingDeps = nil
	e.CheckIndex = 0
}
