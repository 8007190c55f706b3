package graph

import (
	"strings"
	"testing"
)

func TestComputeHash_StableAcrossFieldOrder(t *testing.T) {
	doc1, err := Parse(strings.NewReader(`{
		"schema_version": "1.0.0",
		"graph": {
			"nodes": [{"id": "a", "op": "source", "params": {"content": "hi"}}],
			"edges": []
		},
		"metadata": {}
	}`))
	if err != nil {
		t.Fatalf("parse doc1: %v", err)
	}

	doc2, err := Parse(strings.NewReader(`{
		"metadata": {},
		"graph": {
			"edges": [],
			"nodes": [{"params": {"content": "hi"}, "op": "source", "id": "a"}]
		},
		"schema_version": "1.0.0"
	}`))
	if err != nil {
		t.Fatalf("parse doc2: %v", err)
	}

	h1, err := ComputeHash(&doc1.Graph)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := ComputeHash(&doc2.Graph)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("field order affected hash:\n%s\n%s", h1, h2)
	}
}

func TestComputeHash_StableAcrossDeclarationOrder(t *testing.T) {
	g1 := &Graph{
		Nodes: []Node{{ID: "b", Op: "upper"}, {ID: "a", Op: "source", Params: map[string]any{"content": "x"}}},
		Edges: []Edge{{From: "a", To: "b"}},
	}
	g2 := &Graph{
		Nodes: []Node{{ID: "a", Op: "source", Params: map[string]any{"content": "x"}}, {ID: "b", Op: "upper"}},
		Edges: []Edge{{From: "a", To: "b"}},
	}

	h1, _ := ComputeHash(g1)
	h2, _ := ComputeHash(g2)
	if h1 != h2 {
		t.Errorf("declaration order affected hash:\n%s\n%s", h1, h2)
	}
}

func TestComputeHash_NilAndEmptyParamsEquivalent(t *testing.T) {
	g1 := &Graph{Nodes: []Node{{ID: "a", Op: "upper"}}, Edges: []Edge{}}
	g2 := &Graph{Nodes: []Node{{ID: "a", Op: "upper", Params: map[string]any{}}}, Edges: []Edge{}}

	h1, _ := ComputeHash(g1)
	h2, _ := ComputeHash(g2)
	if h1 != h2 {
		t.Errorf("nil vs empty params affected hash:\n%s\n%s", h1, h2)
	}
}

func TestComputeHash_ChangesWithNodeContent(t *testing.T) {
	g1 := &Graph{
		Nodes: []Node{{ID: "a", Op: "source", Params: map[string]any{"content": "one"}}},
		Edges: []Edge{},
	}
	g2 := &Graph{
		Nodes: []Node{{ID: "a", Op: "source", Params: map[string]any{"content": "two"}}},
		Edges: []Edge{},
	}

	h1, _ := ComputeHash(g1)
	h2, _ := ComputeHash(g2)
	if h1 == h2 {
		t.Error("param change did not affect hash")
	}
}

func TestComputeHash_ChangesWithEdges(t *testing.T) {
	g1 := &Graph{
		Nodes: []Node{{ID: "a", Op: "upper"}, {ID: "b", Op: "upper"}},
		Edges: []Edge{},
	}
	g2 := &Graph{
		Nodes: []Node{{ID: "a", Op: "upper"}, {ID: "b", Op: "upper"}},
		Edges: []Edge{{From: "a", To: "b"}},
	}

	h1, _ := ComputeHash(g1)
	h2, _ := ComputeHash(g2)
	if h1 == h2 {
		t.Error("edge addition did not affect hash")
	}
}

func TestComputeHashBytes_MatchesHexForm(t *testing.T) {
	g := &Graph{
		Nodes: []Node{{ID: "a", Op: "source", Params: map[string]any{"content": "x"}}},
		Edges: []Edge{},
	}

	hexHash, err := ComputeHash(g)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := ComputeHashBytes(g)
	if err != nil {
		t.Fatal(err)
	}

	if len(hexHash) != 64 {
		t.Errorf("expected 64-char hex hash, got %d chars", len(hexHash))
	}
	// Spot-check the first byte against the hex form.
	if want := hexHash[:2]; want != hexByte(raw[0]) {
		t.Errorf("hash forms disagree: hex leads %s, bytes lead %s", want, hexByte(raw[0]))
	}
}

func hexByte(b byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[b>>4], digits[b&0x0f]})
}
