package container

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrNotFound   = errors.New("object not found")
	ErrNotDataset = errors.New("object is not a dataset")
	ErrClosed     = errors.New("source is closed")
)

// Source is a read-only view of one hierarchical container, supplied by an
// external reader collaborator. Implementations hold read handles for the
// duration of a merge; Close releases them.
type Source interface {
	// Name identifies the source for diagnostics (typically its location).
	Name() string

	// Children lists the member names of the group at path, in the
	// container's stored order.
	Children(path string) ([]string, error)

	// Node returns the node at path with its attributes and geometry.
	Node(path string) (*Node, error)

	// ReadChunk reads the decoded chunk at the given chunk-grid
	// multi-index of the dataset at path. The returned buffer always has
	// the full chunk size; edge chunks are zero-padded past the array
	// bounds.
	ReadChunk(path string, index []uint64) ([]byte, error)

	Close() error
}

// StructuralError reports an authoring bug inside a single source, such as
// two nodes sharing one identity.
type StructuralError struct {
	Source string
	Path   string
	Other  string
	ID     Identity
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("structural error in %s: identity %q claimed by both %s and %s",
		e.Source, e.ID, e.Other, e.Path)
}
