// Package container models hierarchical array containers: trees of named
// typed nodes (groups, datasets, links) with attributes and cross-references.
// Sources are read-only views supplied by an external reader collaborator.
package container

import (
	"fmt"
	"sort"
)

// Kind identifies the type of a container node.
type Kind uint8

const (
	KindGroup Kind = iota
	KindDataset
	KindLink
)

func (k Kind) String() string {
	switch k {
	case KindGroup:
		return "group"
	case KindDataset:
		return "dataset"
	case KindLink:
		return "link"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Identity is the stable object identifier assigned by the authoring
// process. It is independent of path, survives renaming, and is the target
// of reference fields.
type Identity string

// Ref is a reference field value: a non-owning designation of another node
// by identity, optionally restricted to a sub-region of the target's index
// space. Region selectors are relative to the target's own indices and are
// unaffected by renaming.
type Ref struct {
	Target Identity
	Start  []uint64
	Stop   []uint64
}

// HasRegion reports whether the reference carries a sub-region selector.
func (r Ref) HasRegion() bool {
	return len(r.Start) > 0 || len(r.Stop) > 0
}

// Dtype names the element type of a dataset.
type Dtype string

const (
	DtypeInt8    Dtype = "int8"
	DtypeInt16   Dtype = "int16"
	DtypeInt32   Dtype = "int32"
	DtypeInt64   Dtype = "int64"
	DtypeUint8   Dtype = "uint8"
	DtypeUint16  Dtype = "uint16"
	DtypeUint32  Dtype = "uint32"
	DtypeUint64  Dtype = "uint64"
	DtypeFloat32 Dtype = "float32"
	DtypeFloat64 Dtype = "float64"

	// DtypeRef marks datasets whose cells are reference fields. Such
	// datasets are small metadata tables and are carried in Node.Refs
	// rather than streamed as chunks.
	DtypeRef Dtype = "ref"
)

// Size returns the element size in bytes, or 0 for non-numeric dtypes.
func (d Dtype) Size() int {
	switch d {
	case DtypeInt8, DtypeUint8:
		return 1
	case DtypeInt16, DtypeUint16:
		return 2
	case DtypeInt32, DtypeUint32, DtypeFloat32:
		return 4
	case DtypeInt64, DtypeUint64, DtypeFloat64:
		return 8
	default:
		return 0
	}
}

// Node is one element of a source or output tree. Nodes are owned by their
// containing tree; children are reachable through Source.Children, never
// through pointers, so parent back-links and cross-references cannot form
// ownership cycles.
type Node struct {
	Path     string
	Kind     Kind
	Identity Identity

	// Attrs maps attribute names to scalar values, homogeneous slices,
	// Ref, or []Ref. Insertion order is irrelevant.
	Attrs map[string]any

	// Dataset geometry. Chunks is the source chunk shape.
	Shape  []uint64
	Dtype  Dtype
	Chunks []uint64

	// Refs holds the cell values of a DtypeRef dataset in row-major order.
	Refs []Ref

	// LinkTarget is the referenced identity for KindLink nodes.
	LinkTarget Identity
}

// Name returns the last path segment.
func (n *Node) Name() string {
	return BaseName(n.Path)
}

// NumElements returns the total element count of a dataset node.
func (n *Node) NumElements() uint64 {
	if len(n.Shape) == 0 {
		return 1
	}
	total := uint64(1)
	for _, d := range n.Shape {
		total *= d
	}
	return total
}

// Clone returns a deep copy of the node. Attribute values are copied one
// level deep, which covers scalars, slices, Ref and []Ref.
func (n *Node) Clone() *Node {
	c := *n
	if n.Attrs != nil {
		c.Attrs = make(map[string]any, len(n.Attrs))
		for k, v := range n.Attrs {
			c.Attrs[k] = cloneValue(v)
		}
	}
	c.Shape = append([]uint64(nil), n.Shape...)
	c.Chunks = append([]uint64(nil), n.Chunks...)
	if n.Refs != nil {
		c.Refs = make([]Ref, len(n.Refs))
		for i, r := range n.Refs {
			c.Refs[i] = cloneRef(r)
		}
	}
	return &c
}

func cloneRef(r Ref) Ref {
	r.Start = append([]uint64(nil), r.Start...)
	r.Stop = append([]uint64(nil), r.Stop...)
	return r
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Ref:
		return cloneRef(t)
	case []Ref:
		out := make([]Ref, len(t))
		for i, r := range t {
			out[i] = cloneRef(r)
		}
		return out
	case []int64:
		return append([]int64(nil), t...)
	case []uint64:
		return append([]uint64(nil), t...)
	case []float64:
		return append([]float64(nil), t...)
	case []string:
		return append([]string(nil), t...)
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}

// AttrNames returns the node's attribute names in sorted order.
func (n *Node) AttrNames() []string {
	names := make([]string, 0, len(n.Attrs))
	for name := range n.Attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
