package graph

import (
	"testing"
)

func TestNormalize_SortsNodesById(t *testing.T) {
	g := &Graph{
		Nodes: []Node{
			{ID: "z", Op: "upper"},
			{ID: "a", Op: "upper"},
			{ID: "m", Op: "upper"},
		},
		Edges: []Edge{},
	}

	g.Normalize()

	expected := []string{"a", "m", "z"}
	for i, id := range expected {
		if g.Nodes[i].ID != id {
			t.Errorf("expected node %d to have id %q, got %q", i, id, g.Nodes[i].ID)
		}
	}
}

func TestNormalize_SortsEdgesByFromThenTo(t *testing.T) {
	g := &Graph{
		Nodes: []Node{
			{ID: "a", Op: "upper"},
			{ID: "b", Op: "upper"},
			{ID: "c", Op: "upper"},
		},
		Edges: []Edge{
			{From: "b", To: "c"},
			{From: "a", To: "c"},
			{From: "a", To: "b"},
		},
	}

	g.Normalize()

	expected := []Edge{
		{From: "a", To: "b"},
		{From: "a", To: "c"},
		{From: "b", To: "c"},
	}
	for i, e := range expected {
		if g.Edges[i] != e {
			t.Errorf("expected edge %d to be %v, got %v", i, e, g.Edges[i])
		}
	}
}

func TestNormalized_DoesNotModifyOriginal(t *testing.T) {
	g := &Graph{
		Nodes: []Node{
			{ID: "z", Op: "source", Params: map[string]any{"content": "zz"}},
			{ID: "a", Op: "upper"},
		},
		Edges: []Edge{
			{From: "z", To: "a"},
		},
	}

	n := g.Normalized()

	if g.Nodes[0].ID != "z" {
		t.Error("Normalized modified the original node order")
	}
	if n.Nodes[0].ID != "a" {
		t.Errorf("expected normalized copy to lead with 'a', got %q", n.Nodes[0].ID)
	}

	// Mutating the copy's params must not leak back.
	n.Nodes[1].Params["content"] = "changed"
	if g.Nodes[0].Params["content"] != "zz" {
		t.Error("Normalized copy shares params map with original")
	}
}

func TestNormalized_NilParamsBecomesEmpty(t *testing.T) {
	g := &Graph{
		Nodes: []Node{{ID: "a", Op: "upper"}},
		Edges: []Edge{},
	}

	n := g.Normalized()

	if n.Nodes[0].Params == nil {
		t.Error("expected normalized copy to carry a non-nil params map")
	}
	if len(n.Nodes[0].Params) != 0 {
		t.Errorf("expected empty params, got %v", n.Nodes[0].Params)
	}
}
