// Package evalerrors carries the engine's error taxonomy:
// BUILDER_ERROR, CYCLE, INTERRUPTED, INJECT_CONFLICT, plus the ErrorInfo and
// CycleInfo shapes the evaluator attaches to nodes and surfaces to callers.
//
// The internal/graph/errors.go pattern elsewhere in this module — a sentinel
// error plus a wrapping struct implementing Unwrap — is followed here for
// every kind.
package evalerrors

import (
	"errors"
	"fmt"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/weavegraph/weave/nodekey"
)

// Sentinel errors for errors.Is() checks.
var (
	ErrBuilderFailed  = errors.New("builder error")
	ErrCycle          = errors.New("dependency cycle")
	ErrInterrupted    = errors.New("interrupted")
	ErrInjectConflict = errors.New("inject conflict: node has derived dependencies")
)

// CycleInfo describes one discovered dependency cycle.
type CycleInfo struct {
	// Cycle is the ordered sequence of keys forming the loop.
	Cycle []nodekey.Key
	// PathToCycle is the ordered prefix from the reporting root into the
	// cycle's head. Empty when the reporting node is itself in Cycle.
	PathToCycle []nodekey.Key
}

// cycleEqual compares two CycleInfo values by the identity of their Cycle list,
// the dedup-by-cycle-identity rule the cycle detector relies on.
func (c CycleInfo) cycleEqual(other CycleInfo) bool {
	if len(c.Cycle) != len(other.Cycle) {
		return false
	}
	for i := range c.Cycle {
		if c.Cycle[i] != other.Cycle[i] {
			return false
		}
	}
	return true
}

// CycleEqual reports whether a and b describe the same cycle list.
func CycleEqual(a, b CycleInfo) bool { return a.cycleEqual(b) }

// ErrorInfo is the error outcome attached to a node and returned to callers:
// the underlying error, the ordered transitively-erroneous
// dependencies that contributed, and any cycles this key participates in.
type ErrorInfo struct {
	Key     nodekey.Key
	Err     error
	RootCauses []nodekey.Key
	Cycles  []CycleInfo
}

func (e *ErrorInfo) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Cycles) > 0 {
		return fmt.Sprintf("%s: %v (cycles: %d)", e.Key, e.Err, len(e.Cycles))
	}
	if len(e.RootCauses) > 0 {
		return fmt.Sprintf("%s: %v (root causes: %v)", e.Key, e.Err, e.RootCauses)
	}
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

func (e *ErrorInfo) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// BuilderError wraps a builder's returned error, tagging it as a node build
// failure rather than an engine-internal fault.
type BuilderError struct {
	Key nodekey.Key
	Err error
}

func (e *BuilderError) Error() string {
	return fmt.Sprintf("build %s: %v", e.Key, e.Err)
}
func (e *BuilderError) Unwrap() error { return ErrBuilderFailed }
func (e *BuilderError) Cause() error  { return e.Err }

// TransitiveError marks a node errored because every dependency it could
// not proceed without is itself errored: in keep-going mode the builder saw
// those values as absent, and no completion will ever supply them.
type TransitiveError struct {
	Key    nodekey.Key
	Causes []nodekey.Key
}

func (e *TransitiveError) Error() string {
	return fmt.Sprintf("%s: unbuildable, errored dependencies: %v", e.Key, e.Causes)
}
func (e *TransitiveError) Unwrap() error { return ErrBuilderFailed }

// CycleError marks a node as errored purely because it participates in a
// dependency cycle.
type CycleError struct {
	Key    nodekey.Key
	Cycles []CycleInfo
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: participates in %d dependency cycle(s)", e.Key, len(e.Cycles))
}
func (e *CycleError) Unwrap() error { return ErrCycle }

// InjectConflictError is raised when inject() targets a node that already
// has derived (non-empty) dependencies.
type InjectConflictError struct {
	Key nodekey.Key
}

func (e *InjectConflictError) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, ErrInjectConflict)
}
func (e *InjectConflictError) Unwrap() error { return ErrInjectConflict }

// InterruptedError carries a caller-initiated cancellation. It is
// never attached to a node's persistent error slot — it propagates upward
// out of update() directly.
type InterruptedError struct {
	Cause error
}

func (e *InterruptedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: %v", ErrInterrupted, e.Cause)
	}
	return ErrInterrupted.Error()
}
func (e *InterruptedError) Unwrap() error { return ErrInterrupted }

// Bundle aggregates independent per-root failures from a keep-going update
// pass into a single error, using hashicorp/go-multierror rather than a
// hand-rolled slice-of-errors joiner.
type Bundle struct {
	merr *multierror.Error
}

// NewBundle returns an empty error bundle.
func NewBundle() *Bundle {
	return &Bundle{merr: &multierror.Error{ErrorFormat: bundleFormat}}
}

// Add appends err to the bundle if non-nil.
func (b *Bundle) Add(err error) {
	if err == nil {
		return
	}
	b.merr = multierror.Append(b.merr, err)
}

// Len reports how many errors have been added.
func (b *Bundle) Len() int {
	if b == nil || b.merr == nil {
		return 0
	}
	return len(b.merr.Errors)
}

// ErrorOrNil returns the bundle as an error, or nil if empty.
func (b *Bundle) ErrorOrNil() error {
	if b == nil {
		return nil
	}
	return b.merr.ErrorOrNil()
}

func bundleFormat(errs []error) string {
	if len(errs) == 1 {
		return errs[0].Error()
	}
	s := fmt.Sprintf("%d node(s) failed during update:", len(errs))
	for _, e := range errs {
		s += "\n  * " + e.Error()
	}
	return s
}
