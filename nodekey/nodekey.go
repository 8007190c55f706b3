// Package nodekey defines the identity and version types the rest of the
// engine is written against: NodeKey and Version. Every other package in this module treats both as opaque save for
// the operations exposed here.
package nodekey

import "fmt"

// Key is a node's identity: a (type tag, argument) pair. TypeTag names the
// builder family (the registry entry that knows how to build this kind of
// node); Argument is an opaque, comparable identity within that family.
//
// Two keys are equal iff both components are equal. Argument must
// be comparable (usable as a Go map key) so Key itself is comparable and can
// be used directly as a map key by the graph store.
type Key struct {
	TypeTag  string
	Argument any
}

// New builds a Key. Argument must be comparable; passing an uncomparable
// value (slice, map, func) is a builder-author bug and will panic the first
// time the key is used as a map key, the same way a native Go map would.
func New(typeTag string, argument any) Key {
	return Key{TypeTag: typeTag, Argument: argument}
}

func (k Key) String() string {
	return fmt.Sprintf("%s(%v)", k.TypeTag, k.Argument)
}

// Relation is the three-valued (four, counting NONE) outcome of comparing
// two Versions.
type Relation int

const (
	// None indicates the two versions are not comparable — a type mismatch
	// between Version implementations. Engine code treats this as a
	// programmer error, never as "unrelated but valid".
	None Relation = iota
	Equal
	Ancestor
	Descendant
)

func (r Relation) String() string {
	switch r {
	case Equal:
		return "EQUAL"
	case Ancestor:
		return "ANCESTOR"
	case Descendant:
		return "DESCENDANT"
	default:
		return "NONE"
	}
}

// Version is an abstract, comparable identity for an update pass. The engine
// only ever calls Relate; it never assumes Version is an integer.
type Version interface {
	Relate(other Version) Relation
}

// IntVersion is the default Version implementation: a monotonically
// increasing integer, where Ancestor means strictly less.
type IntVersion int64

func (v IntVersion) Relate(other Version) Relation {
	o, ok := other.(IntVersion)
	if !ok {
		return None
	}
	switch {
	case v == o:
		return Equal
	case v < o:
		return Ancestor
	default:
		return Descendant
	}
}

func (v IntVersion) Next() IntVersion { return v + 1 }

func (v IntVersion) String() string { return fmt.Sprintf("v%d", int64(v)) }
