// Package store writes the merged container to its destination: metadata
// documents for groups, arrays and links, chunk objects under dotted keys,
// and exactly one terminal artifact per job (a commit marker on success or
// a failure report otherwise).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robert-malhotra/go-nwbmerge/internal/container"
)

// ErrSlowDown is the throttle signal a backend returns when the
// destination asks the writer to back off. It is always transient.
var ErrSlowDown = errors.New("store: slow down")

// Group is the metadata document of one output group.
type Group struct {
	Path     string
	Identity container.Identity
	Attrs    map[string]any
}

// Array is the metadata document of one output array. For reference-typed
// datasets the cell values travel in Refs and no chunks are written.
type Array struct {
	Path     string
	Identity container.Identity
	Attrs    map[string]any

	Shape  []uint64
	Chunks []uint64
	Dtype  container.Dtype

	Compression string
	Level       int
	Shuffle     bool

	Refs []container.Ref
}

// Link is the metadata document of one output link.
type Link struct {
	Path     string
	Identity container.Identity
	Target   container.Identity
}

// Commit summarizes a completed job for the commit marker.
type Commit struct {
	Role          string    `json:"role"`
	Sources       []string  `json:"sources"`
	Groups        int       `json:"groups"`
	Arrays        int       `json:"arrays"`
	Links         int       `json:"links"`
	ChunksWritten int64     `json:"chunks_written"`
	BytesWritten  int64     `json:"bytes_written"`
	Renamed       int       `json:"renamed"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Failure is the report written in place of a commit marker when a job
// fails after output has begun.
type Failure struct {
	Role     string    `json:"role"`
	Stage    string    `json:"stage"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// Store is one destination container. Metadata for an array is created
// only after all of its chunks are confirmed written, so a reader never
// observes an addressable array with missing chunks.
type Store interface {
	CreateGroup(ctx context.Context, g Group) error
	CreateArray(ctx context.Context, a Array) error
	CreateLink(ctx context.Context, l Link) error

	// WriteChunk stores one encoded chunk of the array at path under the
	// dotted chunk key.
	WriteChunk(ctx context.Context, path, key string, data []byte) error

	// WriteFailure records the terminal failure report.
	WriteFailure(ctx context.Context, f Failure) error

	// Finalize writes the commit marker. A finalized container is complete.
	Finalize(ctx context.Context, c Commit) error

	Close() error
}

// FatalStoreError is a chunk write that stayed failed after retry.
type FatalStoreError struct {
	Path     string
	Key      string
	Attempts int
	Err      error
}

func (e *FatalStoreError) Error() string {
	return fmt.Sprintf("store: writing %s chunk %s failed after %d attempts: %v", e.Path, e.Key, e.Attempts, e.Err)
}

func (e *FatalStoreError) Unwrap() error { return e.Err }

// IsTransient reports whether a write error is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrSlowDown) || errors.Is(err, context.DeadlineExceeded)
}
