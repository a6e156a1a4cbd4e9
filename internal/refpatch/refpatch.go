// Package refpatch rewrites object references for the merged namespace.
// Every reference in a retained node, whether held in an attribute, in a
// reference-typed dataset cell, or as a link target, is remapped through
// the rename mapping. A reference whose target identity has no entry in
// the mapping is dangling and fails the job before any data is written.
package refpatch

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/robert-malhotra/go-nwbmerge/internal/container"
	"github.com/robert-malhotra/go-nwbmerge/internal/namespace"
)

// DanglingReferenceError reports a reference whose target identity exists
// in no source of the manifest.
type DanglingReferenceError struct {
	Source string
	Path   string
	Field  string
	Target container.Identity
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("dangling reference at %s:%s (%s): target identity %q not found in any source",
		e.Source, e.Path, e.Field, e.Target)
}

// Patched is one output node with all identities and references rewritten
// for the merged tree.
type Patched struct {
	// Out locates the node in the mapping output table.
	Out namespace.Output

	// Node is a rewritten copy of the source node. Its Path is the
	// canonical output path and its Identity, Refs, LinkTarget and
	// reference attributes are remapped.
	Node *container.Node

	// RefsPatched counts references rewritten in this node.
	RefsPatched int
}

// Patch validates and rewrites every retained node of the mapping. It is
// all-or-nothing: any dangling reference fails the whole pass and no
// partial result is returned.
func Patch(sources []*container.Index, m *namespace.Mapping, logger *zap.Logger) ([]Patched, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	outputs := m.Outputs()
	patched := make([]Patched, 0, len(outputs))
	total := 0

	for _, out := range outputs {
		idx := sources[out.Source]
		src := idx.ByPath[out.SourcePath]
		if src == nil {
			return nil, fmt.Errorf("mapping refers to missing node %s in source %d", out.SourcePath, out.Source)
		}

		node := src.Clone()
		node.Path = out.Path
		node.Identity = out.Identity

		p := Patched{Out: out, Node: node}

		for _, name := range node.AttrNames() {
			switch v := node.Attrs[name].(type) {
			case container.Ref:
				mapped, err := remap(idx, m, out, name, v)
				if err != nil {
					return nil, err
				}
				node.Attrs[name] = mapped
				p.RefsPatched++
			case []container.Ref:
				for i, ref := range v {
					mapped, err := remap(idx, m, out, fmt.Sprintf("%s[%d]", name, i), ref)
					if err != nil {
						return nil, err
					}
					v[i] = mapped
					p.RefsPatched++
				}
			}
		}

		for i, ref := range node.Refs {
			mapped, err := remap(idx, m, out, fmt.Sprintf("cell %d", i), ref)
			if err != nil {
				return nil, err
			}
			node.Refs[i] = mapped
			p.RefsPatched++
		}

		if node.Kind == container.KindLink {
			target, ok := m.CanonicalIdentity(out.Source, node.LinkTarget)
			if !ok {
				return nil, &DanglingReferenceError{
					Source: idx.Source.Name(),
					Path:   out.SourcePath,
					Field:  "link target",
					Target: node.LinkTarget,
				}
			}
			node.LinkTarget = target
			p.RefsPatched++
		}

		total += p.RefsPatched
		patched = append(patched, p)
	}

	logger.Debug("references patched",
		zap.Int("nodes", len(patched)),
		zap.Int("references", total))
	return patched, nil
}

// remap rewrites one reference through the mapping, preserving any region
// selector untouched.
func remap(idx *container.Index, m *namespace.Mapping, out namespace.Output, field string, ref container.Ref) (container.Ref, error) {
	target, ok := m.CanonicalIdentity(out.Source, ref.Target)
	if !ok {
		return container.Ref{}, &DanglingReferenceError{
			Source: idx.Source.Name(),
			Path:   out.SourcePath,
			Field:  field,
			Target: ref.Target,
		}
	}
	ref.Target = target
	return ref, nil
}
