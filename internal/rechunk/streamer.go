package rechunk

import (
	"context"
	"fmt"
)

// ChunkReader reads decoded chunks of one array by chunk-grid multi-index.
// Returned buffers always have the full chunk size; edge chunks are
// zero-padded.
type ChunkReader interface {
	ReadChunk(index []uint64) ([]byte, error)
}

// DefaultBufferFactor bounds the number of source chunks kept for
// read-ahead while filling destination chunks.
const DefaultBufferFactor = 3

// EmitFunc receives finished destination chunks in ascending row-major
// multi-index order. The buffer is owned by the callee.
type EmitFunc func(index []uint64, data []byte) error

// Stream re-tiles an array from the source chunk grid to the destination
// chunk grid, emitting destination chunks in row-major order. At most one
// destination chunk plus bufferFactor source chunks are held in memory.
//
// When the two grids are not aligned, a destination chunk draws from
// several source chunks; recently read source chunks are kept in a small
// FIFO cache so row-major destination order does not re-read them.
func Stream(ctx context.Context, r ChunkReader, src, dst Grid, elemSize int, bufferFactor int, emit EmitFunc) error {
	if err := src.Validate(); err != nil {
		return fmt.Errorf("source grid: %w", err)
	}
	if err := dst.Validate(); err != nil {
		return fmt.Errorf("destination grid: %w", err)
	}
	if len(src.Shape) != len(dst.Shape) {
		return &ShapeMismatchError{Axis: -1, Want: uint64(len(src.Shape)), Got: uint64(len(dst.Shape))}
	}
	for d := range src.Shape {
		if src.Shape[d] != dst.Shape[d] {
			return &ShapeMismatchError{Axis: d, Want: src.Shape[d], Got: dst.Shape[d]}
		}
	}

	if bufferFactor <= 0 {
		bufferFactor = DefaultBufferFactor
	}
	cache := newChunkCache(r, bufferFactor)
	chunkBytes := dst.ChunkElems() * uint64(elemSize)

	return dst.IterChunks(func(index []uint64) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		buf := make([]byte, chunkBytes)
		start, count := dst.ChunkBox(index)
		origin := make([]uint64, len(index))
		if err := readRegion(cache, src, uint64(elemSize), start, count, buf, dst.Chunks, origin); err != nil {
			return err
		}
		return emit(append([]uint64(nil), index...), buf)
	})
}

// readRegion copies the logical region [start, start+count) of the source
// array into dst (a row-major buffer with dimensions dstDims) at dstPos,
// reading every contributing source chunk exactly once per call.
func readRegion(cache *chunkCache, g Grid, elem uint64, start, count []uint64, dst []byte, dstDims, dstPos []uint64) error {
	ndims := len(start)
	first := make([]uint64, ndims)
	last := make([]uint64, ndims)
	for d := 0; d < ndims; d++ {
		if count[d] == 0 {
			return nil
		}
		first[d] = start[d] / g.Chunks[d]
		last[d] = (start[d] + count[d] - 1) / g.Chunks[d]
	}

	index := append([]uint64(nil), first...)
	for {
		data, err := cache.get(index)
		if err != nil {
			return fmt.Errorf("reading source chunk %s: %w", ChunkKey(index), err)
		}

		// Overlap of this source chunk with the requested region.
		srcOff := make([]uint64, ndims)
		dstOff := make([]uint64, ndims)
		ovCount := make([]uint64, ndims)
		for d := 0; d < ndims; d++ {
			chunkStart := index[d] * g.Chunks[d]
			ovStart := max64(chunkStart, start[d])
			ovEnd := min64(chunkStart+g.Chunks[d], start[d]+count[d])
			srcOff[d] = ovStart - chunkStart
			dstOff[d] = dstPos[d] + (ovStart - start[d])
			ovCount[d] = ovEnd - ovStart
		}
		copyBlock(dst, dstDims, dstOff, data, g.Chunks, srcOff, ovCount, elem)

		// Advance row-major across the covered chunk range.
		d := ndims - 1
		for d >= 0 {
			index[d]++
			if index[d] <= last[d] {
				break
			}
			index[d] = first[d]
			d--
		}
		if d < 0 {
			return nil
		}
	}
}

// Region reads the logical region [start, start+count) of an array into a
// freshly allocated row-major buffer. Used for bounded piecewise
// comparisons; callers keep regions small.
func Region(r ChunkReader, g Grid, elemSize int, start, count []uint64) ([]byte, error) {
	total := uint64(elemSize)
	for _, c := range count {
		total *= c
	}
	out := make([]byte, total)
	cache := newChunkCache(r, 1)
	if err := readRegion(cache, g, uint64(elemSize), start, count, out, count, make([]uint64, len(count))); err != nil {
		return nil, err
	}
	return out, nil
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// chunkCache is a small FIFO cache of decoded source chunks keyed by chunk
// index. Its capacity is the streamer's read-ahead buffer factor.
type chunkCache struct {
	reader ChunkReader
	cap    int
	order  []string
	chunks map[string][]byte
}

func newChunkCache(r ChunkReader, capacity int) *chunkCache {
	return &chunkCache{
		reader: r,
		cap:    capacity,
		chunks: make(map[string][]byte, capacity),
	}
}

func (c *chunkCache) get(index []uint64) ([]byte, error) {
	key := ChunkKey(index)
	if data, ok := c.chunks[key]; ok {
		return data, nil
	}
	data, err := c.reader.ReadChunk(index)
	if err != nil {
		return nil, err
	}
	if len(c.order) >= c.cap {
		evict := c.order[0]
		c.order = c.order[1:]
		delete(c.chunks, evict)
	}
	c.order = append(c.order, key)
	c.chunks[key] = data
	return data, nil
}
