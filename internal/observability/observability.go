// Package observability wires the engine's structured logging handle and
// its progress observer fanout.
//
// Logging follows the pack-wide convention (aws-karpenter-provider-aws,
// openshift-hypershift): a narrow github.com/go-logr/logr.Logger seam, with
// go.uber.org/zap as the concrete backend wired at the binary boundary via
// github.com/go-logr/zapr. Engine packages only ever import logr, never zap.
package observability

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/weavegraph/weave/internal/entry"
	"github.com/weavegraph/weave/nodekey"
)

// Logger is the handle engine packages take. logr.Discard() is the safe
// default: silent unless a host wires a real backend.
type Logger = logr.Logger

// NewDiscardLogger returns a Logger that drops everything.
func NewDiscardLogger() Logger { return logr.Discard() }

// InvalidationReasonKind tags *why* a node was marked DIRTY or DELETED.
// This supplements the invalidated(node, state) callback with a
// reason the host can log.
type InvalidationReasonKind string

const (
	ReasonDirectInvalidate      InvalidationReasonKind = "DirectInvalidate"
	ReasonErrorInvalidate       InvalidationReasonKind = "ErrorInvalidate"
	ReasonDependencyInvalidated InvalidationReasonKind = "DependencyInvalidated"
	ReasonDeletePredicate       InvalidationReasonKind = "DeletePredicate"
	ReasonDeleteTransitive      InvalidationReasonKind = "DeleteTransitive"
	ReasonDeleteWasDirty        InvalidationReasonKind = "DeleteWasDirty"
	ReasonInjectOverwrite       InvalidationReasonKind = "InjectOverwrite"
)

// InvalidationReason is the optional detail passed alongside Invalidated.
type InvalidationReason struct {
	Kind InvalidationReasonKind
	// Source is the key that triggered this transition when Kind is
	// DependencyInvalidated (the directly invalidated key whose change is
	// propagating), or the key targeted directly otherwise.
	Source nodekey.Key
}

// Observer is the progress observer host SPI. Every method may be
// called concurrently, possibly multiple times for the same key along
// different propagation paths; implementations must be thread-safe and
// tolerate duplicates. Enqueueing is a best-effort hint, not a guarantee.
type Observer interface {
	Invalidated(key nodekey.Key, state entry.State, reason InvalidationReason)
	Enqueueing(key nodekey.Key)
	Evaluated(key nodekey.Key, state entry.State)
}

// NopObserver implements Observer by doing nothing.
type NopObserver struct{}

func (NopObserver) Invalidated(nodekey.Key, entry.State, InvalidationReason) {}
func (NopObserver) Enqueueing(nodekey.Key)                                  {}
func (NopObserver) Evaluated(nodekey.Key, entry.State)                     {}

// Fanout dispatches to multiple observers, recovering panics from each so
// one misbehaving observer cannot take down the evaluator or invalidator.
type Fanout struct {
	log       Logger
	mu        sync.Mutex
	observers []Observer
}

// NewFanout builds a Fanout over the given observers (nil entries are
// skipped) using log to report panics recovered from a misbehaving
// observer.
func NewFanout(log Logger, observers ...Observer) *Fanout {
	f := &Fanout{log: log}
	for _, o := range observers {
		if o != nil {
			f.observers = append(f.observers, o)
		}
	}
	return f
}

// Add registers an additional observer at runtime.
func (f *Fanout) Add(o Observer) {
	if o == nil {
		return
	}
	f.mu.Lock()
	f.observers = append(f.observers, o)
	f.mu.Unlock()
}

func (f *Fanout) snapshot() []Observer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Observer, len(f.observers))
	copy(out, f.observers)
	return out
}

func (f *Fanout) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error(nil, "observer panicked", "hook", name, "panic", r)
		}
	}()
	fn()
}

func (f *Fanout) Invalidated(key nodekey.Key, state entry.State, reason InvalidationReason) {
	for _, o := range f.snapshot() {
		o := o
		f.guard("Invalidated", func() { o.Invalidated(key, state, reason) })
	}
}

func (f *Fanout) Enqueueing(key nodekey.Key) {
	for _, o := range f.snapshot() {
		o := o
		f.guard("Enqueueing", func() { o.Enqueueing(key) })
	}
}

func (f *Fanout) Evaluated(key nodekey.Key, state entry.State) {
	for _, o := range f.snapshot() {
		o := o
		f.guard("Evaluated", func() { o.Evaluated(key, state) })
	}
}
