package merge

import (
	"fmt"

	"github.com/robert-malhotra/go-nwbmerge/internal/container"
	"github.com/robert-malhotra/go-nwbmerge/internal/identity"
	"github.com/robert-malhotra/go-nwbmerge/internal/namespace"
	"github.com/robert-malhotra/go-nwbmerge/internal/refpatch"
	"github.com/robert-malhotra/go-nwbmerge/internal/rechunk"
	"github.com/robert-malhotra/go-nwbmerge/internal/store"
)

// MissingSourceError reports a manifest location that could not be opened.
// The job fails before any structural work begins.
type MissingSourceError struct {
	Location string
	Err      error
}

func (e *MissingSourceError) Error() string {
	return fmt.Sprintf("source %s cannot be opened: %v", e.Location, e.Err)
}

func (e *MissingSourceError) Unwrap() error { return e.Err }

// Failure types surfaced by Run. Each is produced by the stage that owns
// the corresponding check.
type (
	// StructuralError is an authoring bug inside one source.
	StructuralError = container.StructuralError

	// UnresolvedConflictError is a divergent duplicate in strict mode.
	UnresolvedConflictError = identity.UnresolvedConflictError

	// NameCollisionError is a sibling collision that survived suffixing.
	NameCollisionError = namespace.NameCollisionError

	// DanglingReferenceError is a reference to an identity no source holds.
	DanglingReferenceError = refpatch.DanglingReferenceError

	// ShapeMismatchError is a rechunk or concatenation geometry mismatch.
	ShapeMismatchError = rechunk.ShapeMismatchError

	// FatalStoreError is a chunk write that stayed failed after retry.
	FatalStoreError = store.FatalStoreError
)
