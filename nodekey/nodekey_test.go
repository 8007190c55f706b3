package nodekey

import "testing"

func TestKeyEquality(t *testing.T) {
	a := New("file", "main.go")
	b := New("file", "main.go")
	c := New("file", "other.go")
	d := New("dir", "main.go")

	if a != b {
		t.Errorf("a != b, want equal keys to compare ==")
	}
	if a == c {
		t.Errorf("a == c, want different arguments to compare !=")
	}
	if a == d {
		t.Errorf("a == d, want different type tags to compare !=")
	}
}

func TestKeyAsMapKey(t *testing.T) {
	m := map[Key]int{}
	m[New("file", "a")] = 1
	m[New("file", "a")] = 2
	if len(m) != 1 {
		t.Fatalf("len(m) = %d, want 1 (equal keys must collapse)", len(m))
	}
	if m[New("file", "a")] != 2 {
		t.Fatalf("m[a] = %d, want 2", m[New("file", "a")])
	}
}

func TestKeyString(t *testing.T) {
	k := New("file", "main.go")
	if got, want := k.String(), "file(main.go)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestIntVersionRelate(t *testing.T) {
	tests := []struct {
		name string
		a, b IntVersion
		want Relation
	}{
		{"equal", 3, 3, Equal},
		{"ancestor", 2, 5, Ancestor},
		{"descendant", 5, 2, Descendant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Relate(tt.b); got != tt.want {
				t.Errorf("%v.Relate(%v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestIntVersionRelateTypeMismatch(t *testing.T) {
	var v IntVersion = 1
	if got := v.Relate(stubVersion{}); got != None {
		t.Errorf("Relate(stubVersion{}) = %v, want None", got)
	}
}

func TestIntVersionNext(t *testing.T) {
	var v IntVersion = 1
	if got := v.Next(); got != 2 {
		t.Errorf("Next() = %v, want 2", got)
	}
}

type stubVersion struct{}

func (stubVersion) Relate(Version) Relation { return None }
