// Package cycle implements the lazy cycle detector: after the
// scheduler's work queue has fully drained with nodes still stuck waiting on
// each other, Detect walks the stuck roots through their pending-dependency
// edges looking for loops with a depth-first, three-color traversal — the same
// technique internal/graph.Validate applies eagerly to a whole document,
// in a bounded, lazy, rotation-normalized form.
package cycle

import (
	"sort"

	"github.com/weavegraph/weave/internal/entry"
	"github.com/weavegraph/weave/internal/evalerrors"
	"github.com/weavegraph/weave/internal/graphstore"
	"github.com/weavegraph/weave/nodekey"
)

type color int

const (
	white color = iota
	gray
	black
)

// Detector walks a graphstore.Store's pending-dependency edges to find
// cycles among stuck nodes. It holds no state between calls.
type Detector struct {
	store *graphstore.Store
}

// New builds a Detector over store.
func New(store *graphstore.Store) *Detector {
	return &Detector{store: store}
}

// Detect runs bounded DFS from each of roots (the keys the scheduler
// observed stuck in CHECK_DEPENDENCIES or REBUILDING with no forward
// progress after the queue drained) and returns, for every node touched by a
// cycle, the set of CycleInfo values it should be reported with. A node with no detected cycle is absent from the result.
func (d *Detector) Detect(roots []nodekey.Key) map[nodekey.Key][]evalerrors.CycleInfo {
	colors := make(map[nodekey.Key]color)
	result := make(map[nodekey.Key][]evalerrors.CycleInfo)
	seen := make(map[nodekey.Key]map[string]bool)

	sorted := append([]nodekey.Key(nil), roots...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	for _, r := range sorted {
		if colors[r] == white {
			d.dfs(r, colors, nil, result, seen)
		}
	}
	return result
}

// dfs walks node's pending edges. path is the current stack of ancestors
// (node not yet included). On finding a back edge to a gray ancestor, it
// reports a CycleInfo to every node on the cycle and every node on the path
// leading into it.
func (d *Detector) dfs(
	node nodekey.Key,
	colors map[nodekey.Key]color,
	path []nodekey.Key,
	result map[nodekey.Key][]evalerrors.CycleInfo,
	seen map[nodekey.Key]map[string]bool,
) {
	colors[node] = gray
	path = append(path, node)

	for _, next := range d.pendingEdges(node) {
		switch colors[next] {
		case gray:
			d.report(path, next, result, seen)
		case white:
			d.dfs(next, colors, path, result, seen)
		}
	}

	colors[node] = black
}

// pendingEdges returns the keys node is currently waiting on, in the order
// its builder declared them. Declaration order, not key order, is what
// determines which cycle among several overlapping ones is discovered and
// reported first: PendingDeps is an unordered
// set used only for signal accounting, so edge order always comes from the
// node's recorded Deps.
func (d *Detector) pendingEdges(node nodekey.Key) []nodekey.Key {
	e, ok := d.store.Get(node)
	if !ok {
		return nil
	}

	e.Mu.Lock()
	flat := e.Deps.Flatten()
	e.Mu.Unlock()

	// DONE deps terminate a branch: a completed node cannot be part of a
	// live cycle, so there is no point walking through it.
	out := flat[:0]
	for _, k := range flat {
		de, ok := d.store.Get(k)
		if ok {
			de.Mu.Lock()
			done := de.State == entry.Done
			de.Mu.Unlock()
			if done {
				continue
			}
		}
		out = append(out, k)
	}
	return out
}

// report splits path at a newly-found back edge path -> cycleHead into the
// cycle members (path from cycleHead on) and the lead-in nodes before it.
// The Detector.report method below builds the CycleInfo values from these
// and attaches them: each cycle member sees itself rotated to index 0, and
// each lead-in node sees the as-discovered cycle plus its own path prefix
// into it.
func report(path []nodekey.Key, cycleHead nodekey.Key) (cycleMembers, leadIn []nodekey.Key) {
	start := -1
	for i, k := range path {
		if k == cycleHead {
			start = i
			break
		}
	}
	cycleMembers = append([]nodekey.Key(nil), path[start:]...)
	leadIn = append([]nodekey.Key(nil), path[:start]...)
	return cycleMembers, leadIn
}

func (d *Detector) report(
	path []nodekey.Key,
	cycleHead nodekey.Key,
	result map[nodekey.Key][]evalerrors.CycleInfo,
	seen map[nodekey.Key]map[string]bool,
) {
	cycleMembers, leadIn := report(path, cycleHead)
	// sig identifies this discovered cycle for dedup purposes only; the
	// CycleInfo values themselves keep the as-discovered (cycleMembers) or
	// self-rotated order callers expect, never this canonical form.
	sig := signature(rotateToCanonical(cycleMembers))

	for _, m := range cycleMembers {
		if alreadySeen(seen, m, sig) {
			continue
		}
		result[m] = append(result[m], evalerrors.CycleInfo{
			Cycle: rotateTo(cycleMembers, m),
		})
	}

	for i, m := range leadIn {
		if alreadySeen(seen, m, sig) {
			continue
		}
		result[m] = append(result[m], evalerrors.CycleInfo{
			Cycle:       append([]nodekey.Key(nil), cycleMembers...),
			PathToCycle: append([]nodekey.Key(nil), leadIn[i:]...),
		})
	}
}

func alreadySeen(seen map[nodekey.Key]map[string]bool, node nodekey.Key, sig string) bool {
	if seen[node] == nil {
		seen[node] = make(map[string]bool)
	}
	if seen[node][sig] {
		return true
	}
	seen[node][sig] = true
	return false
}

// rotateTo rotates cycle so that node is at index 0.
func rotateTo(cycle []nodekey.Key, node nodekey.Key) []nodekey.Key {
	idx := 0
	for i, k := range cycle {
		if k == node {
			idx = i
			break
		}
	}
	return rotate(cycle, idx)
}

// rotateToCanonical rotates cycle so its lexicographically smallest key is
// first, giving every discovery of the same cycle the same identity
// regardless of which node the DFS happened to start from.
func rotateToCanonical(cycle []nodekey.Key) []nodekey.Key {
	if len(cycle) == 0 {
		return cycle
	}
	minIdx := 0
	for i, k := range cycle {
		if k.String() < cycle[minIdx].String() {
			minIdx = i
		}
	}
	return rotate(cycle, minIdx)
}

func rotate(s []nodekey.Key, idx int) []nodekey.Key {
	out := make([]nodekey.Key, len(s))
	for i := range s {
		out[i] = s[(idx+i)%len(s)]
	}
	return out
}

func signature(canonical []nodekey.Key) string {
	s := ""
	for _, k := range canonical {
		s += k.String() + ">"
	}
	return s
}

// ApplyTo stamps every key's discovered CycleInfo list onto its entry as an
// ErrorInfo(evalerrors.ErrCycle), transitioning it to DONE/errored — the
// scheduler calls this once Detect returns a non-empty result for a stalled
// update pass.
func ApplyTo(store *graphstore.Store, found map[nodekey.Key][]evalerrors.CycleInfo) {
	for k, cycles := range found {
		e, ok := store.Get(k)
		if !ok {
			continue
		}
		e.Mu.Lock()
		e.Err = &evalerrors.ErrorInfo{
			Key:    k,
			Err:    &evalerrors.CycleError{Key: k, Cycles: cycles},
			Cycles: cycles,
		}
		e.PendingDeps = nil
		e.State = entry.Done
		e.Mu.Unlock()
	}
}
