package container

// MemSource is an in-memory Source. It backs the JSON fixture reader used
// by the CLI and serves as the reader double in tests. Dataset data is held
// flat in row-major order; ReadChunk tiles it on demand.
type MemSource struct {
	name     string
	nodes    map[string]*Node
	children map[string][]string
	data     map[string][]byte
	closed   bool
}

// NewMemSource creates an empty in-memory source with a root group.
func NewMemSource(name string) *MemSource {
	m := &MemSource{
		name:     name,
		nodes:    make(map[string]*Node),
		children: make(map[string][]string),
		data:     make(map[string][]byte),
	}
	m.nodes["/"] = &Node{Path: "/", Kind: KindGroup}
	return m
}

// SetRoot sets the root group's identity and attributes.
func (m *MemSource) SetRoot(id Identity, attrs map[string]any) *MemSource {
	root := m.nodes["/"]
	root.Identity = id
	root.Attrs = attrs
	return m
}

// PutGroup adds a group node, creating missing parent groups.
func (m *MemSource) PutGroup(path string, id Identity, attrs map[string]any) *MemSource {
	m.put(&Node{Path: CleanPath(path), Kind: KindGroup, Identity: id, Attrs: attrs})
	return m
}

// PutDataset adds a numeric dataset with flat row-major data.
func (m *MemSource) PutDataset(path string, id Identity, shape, chunks []uint64, dt Dtype, attrs map[string]any, data []byte) *MemSource {
	m.put(&Node{
		Path:     CleanPath(path),
		Kind:     KindDataset,
		Identity: id,
		Attrs:    attrs,
		Shape:    shape,
		Dtype:    dt,
		Chunks:   chunks,
	})
	m.data[CleanPath(path)] = data
	return m
}

// PutRefDataset adds a reference-typed dataset.
func (m *MemSource) PutRefDataset(path string, id Identity, refs []Ref, attrs map[string]any) *MemSource {
	m.put(&Node{
		Path:     CleanPath(path),
		Kind:     KindDataset,
		Identity: id,
		Attrs:    attrs,
		Shape:    []uint64{uint64(len(refs))},
		Dtype:    DtypeRef,
		Refs:     refs,
	})
	return m
}

// PutLink adds a link node designating target by identity.
func (m *MemSource) PutLink(path string, id Identity, target Identity) *MemSource {
	m.put(&Node{Path: CleanPath(path), Kind: KindLink, Identity: id, LinkTarget: target})
	return m
}

func (m *MemSource) put(node *Node) {
	path := node.Path
	parent := ParentPath(path)
	if _, ok := m.nodes[parent]; !ok && parent != path {
		m.put(&Node{Path: parent, Kind: KindGroup})
	}
	if _, ok := m.nodes[path]; !ok && path != "/" {
		m.children[parent] = append(m.children[parent], BaseName(path))
	}
	m.nodes[path] = node
}

func (m *MemSource) Name() string { return m.name }

func (m *MemSource) Children(path string) ([]string, error) {
	if m.closed {
		return nil, ErrClosed
	}
	node, ok := m.nodes[CleanPath(path)]
	if !ok {
		return nil, ErrNotFound
	}
	if node.Kind != KindGroup {
		return nil, nil
	}
	return m.children[CleanPath(path)], nil
}

func (m *MemSource) Node(path string) (*Node, error) {
	if m.closed {
		return nil, ErrClosed
	}
	node, ok := m.nodes[CleanPath(path)]
	if !ok {
		return nil, ErrNotFound
	}
	return node, nil
}

func (m *MemSource) ReadChunk(path string, index []uint64) ([]byte, error) {
	if m.closed {
		return nil, ErrClosed
	}
	path = CleanPath(path)
	node, ok := m.nodes[path]
	if !ok {
		return nil, ErrNotFound
	}
	if node.Kind != KindDataset || node.Dtype == DtypeRef {
		return nil, ErrNotDataset
	}

	elem := uint64(node.Dtype.Size())
	chunkElems := uint64(1)
	for _, c := range node.Chunks {
		chunkElems *= c
	}
	out := make([]byte, chunkElems*elem)

	ndims := len(node.Shape)
	if ndims == 0 {
		copy(out, m.data[path])
		return out, nil
	}

	// Clip the chunk box to the array bounds, then copy row by row.
	start := make([]uint64, ndims)
	count := make([]uint64, ndims)
	for d := 0; d < ndims; d++ {
		start[d] = index[d] * node.Chunks[d]
		if start[d] >= node.Shape[d] {
			return out, nil
		}
		count[d] = node.Chunks[d]
		if start[d]+count[d] > node.Shape[d] {
			count[d] = node.Shape[d] - start[d]
		}
	}

	m.copyRegion(m.data[path], node.Shape, node.Chunks, start, count, out, elem, 0, make([]uint64, ndims))
	return out, nil
}

// copyRegion copies the selected array region into chunk-local coordinates.
func (m *MemSource) copyRegion(src []byte, shape, chunk, start, count []uint64, dst []byte, elem uint64, dim int, pos []uint64) {
	if dim == len(shape)-1 {
		srcOff := uint64(0)
		dstOff := uint64(0)
		srcStride := elem
		dstStride := elem
		for d := len(shape) - 1; d >= 0; d-- {
			var srcIdx, dstIdx uint64
			if d < dim {
				srcIdx = start[d] + pos[d]
				dstIdx = pos[d]
			} else {
				srcIdx = start[d]
				dstIdx = 0
			}
			srcOff += srcIdx * srcStride
			dstOff += dstIdx * dstStride
			srcStride *= shape[d]
			dstStride *= chunk[d]
		}
		n := count[dim] * elem
		copy(dst[dstOff:dstOff+n], src[srcOff:srcOff+n])
		return
	}
	for i := uint64(0); i < count[dim]; i++ {
		pos[dim] = i
		m.copyRegion(src, shape, chunk, start, count, dst, elem, dim+1, pos)
	}
	pos[dim] = 0
}

func (m *MemSource) Close() error {
	m.closed = true
	return nil
}
