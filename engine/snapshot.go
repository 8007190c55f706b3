package engine

import (
	"sort"

	"github.com/weavegraph/weave/nodekey"
)

// NodeSnapshot is one node's introspection record: a read-only projection
// of the entry at snapshot time.
type NodeSnapshot struct {
	Key           nodekey.Key
	State         string
	Value         any
	Err           error
	Deps          []nodekey.Key
	LastChanged   nodekey.Version
	LastEvaluated nodekey.Version
}

// Snapshot is a point-in-time projection of the whole graph, keyed by node.
// It is a copy: holding one does not pin entries or block the evaluator.
type Snapshot struct {
	Nodes map[nodekey.Key]NodeSnapshot
}

// Snapshot captures the current graph. Per-key consistency only: nodes are
// read one at a time under their own locks, so a concurrently running
// Update may be visible in some entries and not others.
func (e *Engine) Snapshot() *Snapshot {
	snap := &Snapshot{Nodes: make(map[nodekey.Key]NodeSnapshot)}
	for _, en := range e.store.Snapshot() {
		en.Mu.Lock()
		ns := NodeSnapshot{
			Key:           en.Key,
			State:         en.State.String(),
			Value:         en.Value,
			Deps:          en.Deps.Flatten(),
			LastChanged:   en.LastChangedVersion,
			LastEvaluated: en.LastEvaluatedVersion,
		}
		if en.Err != nil {
			ns.Err = en.Err
		}
		en.Mu.Unlock()
		snap.Nodes[ns.Key] = ns
	}
	return snap
}

// GraphDelta is the difference between two snapshots.
type GraphDelta struct {
	AddedNodes    []nodekey.Key
	RemovedNodes  []nodekey.Key
	ModifiedNodes []nodekey.Key
}

// SnapshotDelta computes a deterministic delta between prev and next.
//
// A node is modified if it exists in both snapshots but its value changed
// between them (different last-changed stamp), or its state or error
// presence differs. Either snapshot may be nil, standing for the empty
// graph.
func SnapshotDelta(prev, next *Snapshot) GraphDelta {
	var delta GraphDelta

	prevNodes := map[nodekey.Key]NodeSnapshot{}
	if prev != nil && prev.Nodes != nil {
		prevNodes = prev.Nodes
	}
	nextNodes := map[nodekey.Key]NodeSnapshot{}
	if next != nil && next.Nodes != nil {
		nextNodes = next.Nodes
	}

	for key, nn := range nextNodes {
		pn, ok := prevNodes[key]
		if !ok {
			delta.AddedNodes = append(delta.AddedNodes, key)
			continue
		}
		if modifiedNode(pn, nn) {
			delta.ModifiedNodes = append(delta.ModifiedNodes, key)
		}
	}

	for key := range prevNodes {
		if _, ok := nextNodes[key]; !ok {
			delta.RemovedNodes = append(delta.RemovedNodes, key)
		}
	}

	sortKeys(delta.AddedNodes)
	sortKeys(delta.RemovedNodes)
	sortKeys(delta.ModifiedNodes)

	return delta
}

func modifiedNode(prev, next NodeSnapshot) bool {
	if prev.State != next.State {
		return true
	}
	if (prev.Err == nil) != (next.Err == nil) {
		return true
	}
	return !sameVersion(prev.LastChanged, next.LastChanged)
}

func sameVersion(a, b nodekey.Version) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Relate(b) == nodekey.Equal
}

func sortKeys(keys []nodekey.Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}
