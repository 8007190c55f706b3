// Package builder defines the host-supplied node builder SPI:
// the Environment a builder uses to request dependency values, and the
// Registry that dispatches by a key's type tag — the engine's polymorphic
// builder-family mechanism: a map<tag, implementation> with a
// register-once, lookup-many contract.
package builder

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/weavegraph/weave/internal/observability"
	"github.com/weavegraph/weave/nodekey"
)

// Builder computes key's value given an Environment to request dependency
// values through. Returning (nil, nil) when env.ValuesMissing() is true
// signals "restart me when my deps are done" rather than a legitimate nil result. Builders must
// be restartable: re-invoked with the same key and version, they must
// declare the same deps in the same order and, given the same dep values,
// produce the same value.
type Builder interface {
	Build(ctx context.Context, key nodekey.Key, env Environment) (value any, err error)
}

// BuilderFunc adapts a plain function to Builder.
type BuilderFunc func(ctx context.Context, key nodekey.Key, env Environment) (any, error)

func (f BuilderFunc) Build(ctx context.Context, key nodekey.Key, env Environment) (any, error) {
	return f(ctx, key, env)
}

// Environment is the narrow API a builder uses during one build attempt.
// A single Environment instance is scoped to exactly one
// Build call; it is not safe for use after Build returns, nor shared across
// goroutines.
type Environment interface {
	// GetValue looks up key's current value. present is false if key is not
	// yet DONE, or DONE with an error — callers that need to distinguish
	// "no value" from "value is an error" should use GetValueOrThrow.
	GetValue(key nodekey.Key) (value any, present bool)

	// GetValues requests every key in keys as a single dep-group:
	// members are resolved concurrently, but the group is recorded
	// as checked together during revalidation.
	GetValues(keys []nodekey.Key) map[nodekey.Key]Lookup

	// GetValueOrThrow is the error-transparent lookup: if key is
	// DONE with an error matching target's type (via errors.As — target must
	// be a non-nil pointer to a type implementing error, e.g. **MyError),
	// that error is returned directly as err with present=true. If key is
	// DONE with an error of a different type, the lookup behaves like an
	// absent value (present=false, ValuesMissing becomes true) rather than
	// surfacing a mismatched error type to a caller that didn't ask for it.
	GetValueOrThrow(key nodekey.Key, target any) (value any, err error, present bool)

	// Listener is a pass-through logging handle scoped to this build
	// attempt.
	Listener() observability.Logger

	// ValuesMissing reports whether any lookup this attempt has made so far
	// returned absent.
	ValuesMissing() bool
}

// Lookup is one member's outcome within a GetValues dep-group.
type Lookup struct {
	Value   any
	Err     error
	Present bool
}

// Registry dispatches builders by a key's type tag.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register installs b as the builder for typeTag, replacing any existing
// registration. Registration is expected to happen once at startup, before
// any update() call; Register is safe to call concurrently with Lookup
// regardless.
func (r *Registry) Register(typeTag string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[typeTag] = b
}

// Lookup returns the builder registered for typeTag.
func (r *Registry) Lookup(typeTag string) (Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[typeTag]
	return b, ok
}

// TypeTags returns every registered type tag, sorted.
func (r *Registry) TypeTags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.builders))
	for t := range r.builders {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ErrNoBuilder is returned when a key's type tag has no registered builder.
func ErrNoBuilder(tag string) error {
	return fmt.Errorf("weave: no builder registered for type tag %q", tag)
}
