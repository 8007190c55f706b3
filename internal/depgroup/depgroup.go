// Package depgroup models the ordered sequence of dependency groups a node
// records during a build. Each call a builder makes to the
// environment's bulk lookup creates one group; a single lookup creates a
// singleton group. Groups matter during CHECK_DEPENDENCIES: members of one
// group are re-requested concurrently, but groups themselves are checked in
// the order they were declared.
package depgroup

import (
	"github.com/samber/lo"

	"github.com/weavegraph/weave/nodekey"
)

// Group is one set of keys requested together by a single environment call.
type Group []nodekey.Key

// List is the ordered sequence of Groups a node recorded during its last
// build attempt.
type List []Group

// Flatten returns every key across every group, in declaration order, with
// duplicates removed by first occurrence — the shape rdeps bookkeeping wants:
// every dep key appears in the owner's rdeps set exactly once regardless
// of how many groups/positions referenced it.
func (l List) Flatten() []nodekey.Key {
	var out []nodekey.Key
	for _, g := range l {
		out = append(out, g...)
	}
	return lo.Uniq(out)
}

// Builder accumulates groups as a builder calls the environment during a
// single (re)build attempt. It is not safe for concurrent use; exactly one
// goroutine drives a given node's build attempt at a time — no node is
// ever REBUILDING on two workers.
type Builder struct {
	groups List
}

// Single records a singleton group for one key lookup.
func (b *Builder) Single(k nodekey.Key) {
	b.groups = append(b.groups, Group{k})
}

// Bulk records one group for a set of keys requested together.
func (b *Builder) Bulk(keys []nodekey.Key) {
	if len(keys) == 0 {
		return
	}
	g := make(Group, len(keys))
	copy(g, keys)
	b.groups = append(b.groups, g)
}

// List returns the groups recorded so far, in declaration order.
func (b *Builder) List() List {
	out := make(List, len(b.groups))
	copy(out, b.groups)
	return out
}

// Reset discards recorded groups so the Builder can be reused across a
// restart (builders re-run from the top and re-declare their deps).
func (b *Builder) Reset() {
	b.groups = nil
}
