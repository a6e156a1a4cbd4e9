package rechunk

import "fmt"

// Segment is one source array participating in an axis-0 concatenation.
type Segment struct {
	Reader ChunkReader
	Grid   Grid
}

// Concat presents several same-shaped source arrays as one logical array
// continued along axis 0 (e.g. several recordings combined into a single
// timeline). Later segments are a contiguous continuation of the index
// range, not separate arrays. Concat implements ChunkReader over a virtual
// grid whose chunk shape is taken from the first segment.
type Concat struct {
	segments []Segment
	offsets  []uint64 // axis-0 element offset of each segment
	grid     Grid
	elem     uint64
	caches   []*chunkCache
}

// NewConcat validates segment geometry and builds the combined view.
// All segments must share rank and every extent except axis 0.
func NewConcat(segments []Segment, elemSize int, bufferFactor int) (*Concat, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("concat of zero segments")
	}
	if bufferFactor <= 0 {
		bufferFactor = DefaultBufferFactor
	}

	base := segments[0].Grid
	if err := base.Validate(); err != nil {
		return nil, fmt.Errorf("segment 0 grid: %w", err)
	}

	offsets := make([]uint64, len(segments))
	caches := make([]*chunkCache, len(segments))
	total := uint64(0)
	for i, seg := range segments {
		if err := seg.Grid.Validate(); err != nil {
			return nil, fmt.Errorf("segment %d grid: %w", i, err)
		}
		if seg.Grid.Rank() != base.Rank() {
			return nil, &ShapeMismatchError{Axis: -1, Want: uint64(base.Rank()), Got: uint64(seg.Grid.Rank())}
		}
		for d := 1; d < base.Rank(); d++ {
			if seg.Grid.Shape[d] != base.Shape[d] {
				return nil, &ShapeMismatchError{Axis: d, Want: base.Shape[d], Got: seg.Grid.Shape[d]}
			}
		}
		offsets[i] = total
		total += seg.Grid.Shape[0]
		caches[i] = newChunkCache(seg.Reader, bufferFactor)
	}

	shape := append([]uint64(nil), base.Shape...)
	shape[0] = total
	return &Concat{
		segments: segments,
		offsets:  offsets,
		grid:     Grid{Shape: shape, Chunks: append([]uint64(nil), base.Chunks...)},
		elem:     uint64(elemSize),
		caches:   caches,
	}, nil
}

// Grid returns the combined logical grid.
func (c *Concat) Grid() Grid { return c.grid }

// ReadChunk assembles one virtual chunk, gathering rows from every segment
// that overlaps its axis-0 range.
func (c *Concat) ReadChunk(index []uint64) ([]byte, error) {
	out := make([]byte, c.grid.ChunkElems()*c.elem)
	start, count := c.grid.ChunkBox(index)

	for i, seg := range c.segments {
		segStart := c.offsets[i]
		segEnd := segStart + seg.Grid.Shape[0]
		ovStart := max64(start[0], segStart)
		ovEnd := min64(start[0]+count[0], segEnd)
		if ovStart >= ovEnd {
			continue
		}

		localStart := append([]uint64(nil), start...)
		localStart[0] = ovStart - segStart
		localCount := append([]uint64(nil), count...)
		localCount[0] = ovEnd - ovStart

		dstPos := make([]uint64, len(start))
		dstPos[0] = ovStart - start[0]

		if err := readRegion(c.caches[i], seg.Grid, c.elem, localStart, localCount, out, c.grid.Chunks, dstPos); err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
	}
	return out, nil
}
