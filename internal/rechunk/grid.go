// Package rechunk re-tiles chunked N-dimensional arrays between chunk
// layouts and codecs without materializing a full array in memory. Logical
// element values are bit-identical across a rechunk; only tiling and
// compression change.
package rechunk

import (
	"fmt"
	"strconv"
	"strings"
)

// Grid describes the geometry of a chunked array: its logical shape and
// its chunk shape.
type Grid struct {
	Shape  []uint64
	Chunks []uint64
}

// Rank returns the number of dimensions.
func (g Grid) Rank() int { return len(g.Shape) }

// Validate checks that the grid geometry is well formed.
func (g Grid) Validate() error {
	if len(g.Shape) == 0 {
		return fmt.Errorf("grid has no dimensions")
	}
	if len(g.Chunks) != len(g.Shape) {
		return fmt.Errorf("chunk rank %d does not match shape rank %d", len(g.Chunks), len(g.Shape))
	}
	for d, c := range g.Chunks {
		if c == 0 {
			return fmt.Errorf("chunk dimension %d is zero", d)
		}
	}
	return nil
}

// NumElements returns the total logical element count.
func (g Grid) NumElements() uint64 {
	total := uint64(1)
	for _, d := range g.Shape {
		total *= d
	}
	return total
}

// NumChunks returns the chunk count along each dimension.
func (g Grid) NumChunks() []uint64 {
	n := make([]uint64, len(g.Shape))
	for d := range g.Shape {
		n[d] = (g.Shape[d] + g.Chunks[d] - 1) / g.Chunks[d]
	}
	return n
}

// ChunkCount returns the total number of chunks.
func (g Grid) ChunkCount() uint64 {
	total := uint64(1)
	for _, n := range g.NumChunks() {
		total *= n
	}
	return total
}

// ChunkElems returns the element count of one full chunk.
func (g Grid) ChunkElems() uint64 {
	total := uint64(1)
	for _, c := range g.Chunks {
		total *= c
	}
	return total
}

// ChunkBox returns the start coordinates and extent of the chunk at the
// given chunk-grid index, clipped to the array bounds.
func (g Grid) ChunkBox(index []uint64) (start, count []uint64) {
	start = make([]uint64, len(g.Shape))
	count = make([]uint64, len(g.Shape))
	for d := range g.Shape {
		start[d] = index[d] * g.Chunks[d]
		count[d] = g.Chunks[d]
		if start[d]+count[d] > g.Shape[d] {
			count[d] = g.Shape[d] - start[d]
		}
	}
	return start, count
}

// IterChunks calls fn for every chunk index of the grid in row-major
// multi-index order.
func (g Grid) IterChunks(fn func(index []uint64) error) error {
	num := g.NumChunks()
	index := make([]uint64, len(num))
	for {
		if err := fn(index); err != nil {
			return err
		}
		// Advance row-major: bump the last dimension first.
		d := len(index) - 1
		for d >= 0 {
			index[d]++
			if index[d] < num[d] {
				break
			}
			index[d] = 0
			d--
		}
		if d < 0 {
			return nil
		}
	}
}

// ChunkKey renders a chunk index as a dotted string, e.g. "12.0.3". This is
// the chunk object naming convention of the destination store.
func ChunkKey(index []uint64) string {
	parts := make([]string, len(index))
	for i, v := range index {
		parts[i] = strconv.FormatUint(v, 10)
	}
	return strings.Join(parts, ".")
}

// ShapeMismatchError reports a declared geometry inconsistency between a
// source and destination array, or between concatenated segments.
type ShapeMismatchError struct {
	Axis int
	Want uint64
	Got  uint64
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch on axis %d: %d elements vs %d", e.Axis, e.Want, e.Got)
}
