// Package namespace builds the rename mapping for one merge job: every
// source node is assigned a canonical path in the merged tree, duplicate
// sub-trees collapse onto their retained copy, and distinct objects that
// contend for one path receive deterministic role/position suffixes.
package namespace

import (
	"fmt"
	"sort"

	"github.com/robert-malhotra/go-nwbmerge/internal/container"
)

// Key addresses a node in one source: manifest position plus source path.
type Key struct {
	Source int
	Path   string
}

type idKey struct {
	source int
	id     container.Identity
}

// Output describes one retained node of the merged tree.
type Output struct {
	// Path is the canonical output path.
	Path string

	// Source and SourcePath locate the retained copy.
	Source     int
	SourcePath string

	// Identity is the canonical identity carried into the output.
	Identity container.Identity
}

// Mapping is the immutable rename map of one merge job: path_map and
// identity_map in spec terms. Built once, consumed by the reference
// patcher and the output writer, discarded at job end.
type Mapping struct {
	Role string

	paths   map[Key]string
	ids     map[idKey]container.Identity
	global  map[container.Identity]container.Identity
	outputs []Output
}

// CanonicalPath returns the output path for a source node. Elided
// duplicates map to the path of their retained copy.
func (m *Mapping) CanonicalPath(source int, path string) (string, bool) {
	p, ok := m.paths[Key{Source: source, Path: container.CleanPath(path)}]
	return p, ok
}

// CanonicalIdentity returns the merged-tree identity that a source-local
// identity maps to. The source index disambiguates divergent duplicates;
// an identity the source does not hold resolves through the global map to
// the canonical copy, so cross-source references work.
func (m *Mapping) CanonicalIdentity(source int, id container.Identity) (container.Identity, bool) {
	if cid, ok := m.ids[idKey{source: source, id: id}]; ok {
		return cid, ok
	}
	cid, ok := m.global[id]
	return cid, ok
}

// Outputs returns the retained nodes sorted parents-before-children
// (ascending depth, then path).
func (m *Mapping) Outputs() []Output {
	return m.outputs
}

// NumRenamed counts outputs whose final name differs from the source name.
func (m *Mapping) NumRenamed() int {
	n := 0
	for _, o := range m.outputs {
		if container.BaseName(o.Path) != container.BaseName(o.SourcePath) {
			n++
		}
	}
	return n
}

// NameCollisionError reports a canonical-path collision that survived
// suffixing, which indicates a manifest-ordering bug.
type NameCollisionError struct {
	Parent string
	Name   string
}

func (e *NameCollisionError) Error() string {
	return fmt.Sprintf("name collision under %s: %q still collides after suffixing", e.Parent, e.Name)
}

func sortOutputs(outputs []Output) {
	sort.Slice(outputs, func(i, j int) bool {
		di, dj := container.Depth(outputs[i].Path), container.Depth(outputs[j].Path)
		if di != dj {
			return di < dj
		}
		return outputs[i].Path < outputs[j].Path
	})
}
