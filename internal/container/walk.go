package container

// WalkFunc is called for each node during traversal.
// Return nil to continue walking, or an error to stop.
type WalkFunc func(node *Node) error

// Walk traverses all nodes of a source depth-first starting from the root,
// parents before children, siblings in stored order. The traversal order is
// deterministic for a given source, which downstream rename-map
// construction depends on.
func Walk(src Source, fn WalkFunc) error {
	return walkPath(src, "/", fn)
}

func walkPath(src Source, path string, fn WalkFunc) error {
	node, err := src.Node(path)
	if err != nil {
		return err
	}
	if err := fn(node); err != nil {
		return err
	}
	if node.Kind != KindGroup {
		return nil
	}

	children, err := src.Children(path)
	if err != nil {
		return err
	}
	for _, name := range children {
		if err := walkPath(src, JoinPath(path, name), fn); err != nil {
			return err
		}
	}
	return nil
}
