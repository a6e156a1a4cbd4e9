package container

import "fmt"

// Index is the per-source flat view built at load time: every node by path,
// every identity by path, and the deterministic walk order. Indexes are
// read-only once built and are discarded at job end.
type Index struct {
	Source Source

	// Order lists node paths in walk order (parents before children).
	Order []string

	ByPath     map[string]*Node
	ByIdentity map[Identity]string
}

// BuildIndex walks a source and builds its flat index. It fails with a
// StructuralError if two nodes in the source share an identity.
func BuildIndex(src Source) (*Index, error) {
	idx := &Index{
		Source:     src,
		ByPath:     make(map[string]*Node),
		ByIdentity: make(map[Identity]string),
	}

	err := Walk(src, func(node *Node) error {
		if node.Kind == KindDataset && node.Dtype != DtypeRef {
			if err := normalizeChunks(src.Name(), node); err != nil {
				return err
			}
		}
		idx.Order = append(idx.Order, node.Path)
		idx.ByPath[node.Path] = node

		if node.Identity == "" {
			return nil
		}
		if prev, ok := idx.ByIdentity[node.Identity]; ok {
			return &StructuralError{
				Source: src.Name(),
				Path:   node.Path,
				Other:  prev,
				ID:     node.Identity,
			}
		}
		idx.ByIdentity[node.Identity] = node.Path
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// normalizeChunks validates dataset geometry as it is indexed. A dataset
// without a declared chunk shape is stored contiguously and reads as one
// chunk spanning the whole array; malformed geometry is rejected here so
// downstream grid math never sees it.
func normalizeChunks(source string, node *Node) error {
	if len(node.Chunks) == 0 {
		node.Chunks = make([]uint64, len(node.Shape))
		for d, ext := range node.Shape {
			// A zero-extent axis still needs a non-zero chunk stride.
			node.Chunks[d] = max(ext, 1)
		}
		return nil
	}
	if len(node.Chunks) != len(node.Shape) {
		return fmt.Errorf("source %s: dataset %s: chunk rank %d does not match shape rank %d",
			source, node.Path, len(node.Chunks), len(node.Shape))
	}
	for d, c := range node.Chunks {
		if c == 0 {
			return fmt.Errorf("source %s: dataset %s: zero chunk extent on axis %d",
				source, node.Path, d)
		}
	}
	return nil
}

// Node returns the indexed node at path, or nil.
func (idx *Index) Node(path string) *Node {
	return idx.ByPath[CleanPath(path)]
}

// PathOf returns the path holding the given identity.
func (idx *Index) PathOf(id Identity) (string, bool) {
	p, ok := idx.ByIdentity[id]
	return p, ok
}
