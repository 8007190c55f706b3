package graph

import (
	"sort"
)

// Normalize transforms the graph into its canonical form.
// This ensures deterministic serialization and hash computation.
//
// Normalization rules:
//   - Nodes are sorted by id (lexicographically)
//   - Edges are sorted by from, then to
//   - Params map keys are sorted by encoding/json on marshal
//
// This function modifies the graph in place and returns it for chaining.
func (g *Graph) Normalize() *Graph {
	sort.Slice(g.Nodes, func(i, j int) bool {
		return g.Nodes[i].ID < g.Nodes[j].ID
	})

	sort.Slice(g.Edges, func(i, j int) bool {
		if g.Edges[i].From != g.Edges[j].From {
			return g.Edges[i].From < g.Edges[j].From
		}
		return g.Edges[i].To < g.Edges[j].To
	})

	return g
}

// Normalized returns a normalized copy of the graph without modifying the
// original. The copy always carries non-nil Params maps, so an omitted
// params field and an explicit empty one serialize (and hash) identically.
func (g *Graph) Normalized() *Graph {
	nodes := make([]Node, len(g.Nodes))
	for i, n := range g.Nodes {
		params := make(map[string]any, len(n.Params))
		for k, v := range n.Params {
			params[k] = v
		}
		nodes[i] = Node{
			ID:     n.ID,
			Op:     n.Op,
			Params: params,
		}
	}

	edges := make([]Edge, len(g.Edges))
	copy(edges, g.Edges)

	copy := &Graph{
		Nodes: nodes,
		Edges: edges,
	}
	return copy.Normalize()
}
