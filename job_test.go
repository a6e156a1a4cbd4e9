package merge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robert-malhotra/go-nwbmerge/internal/container"
	"github.com/robert-malhotra/go-nwbmerge/internal/rechunk"
	"github.com/robert-malhotra/go-nwbmerge/internal/store"
)

// recStore records every store operation for assertions.
type recStore struct {
	mu       sync.Mutex
	groups   map[string]store.Group
	arrays   map[string]store.Array
	links    map[string]store.Link
	chunks   map[string][]byte
	failures []store.Failure
	commits  []store.Commit

	chunkErr error
	ops      int
}

func newRecStore() *recStore {
	return &recStore{
		groups: make(map[string]store.Group),
		arrays: make(map[string]store.Array),
		links:  make(map[string]store.Link),
		chunks: make(map[string][]byte),
	}
}

func (s *recStore) CreateGroup(_ context.Context, g store.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops++
	s.groups[g.Path] = g
	return nil
}

func (s *recStore) CreateArray(_ context.Context, a store.Array) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops++
	s.arrays[a.Path] = a
	return nil
}

func (s *recStore) CreateLink(_ context.Context, l store.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops++
	s.links[l.Path] = l
	return nil
}

func (s *recStore) WriteChunk(_ context.Context, path, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops++
	if s.chunkErr != nil {
		return s.chunkErr
	}
	s.chunks[path+"/"+key] = append([]byte(nil), data...)
	return nil
}

func (s *recStore) WriteFailure(_ context.Context, f store.Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, f)
	return nil
}

func (s *recStore) Finalize(_ context.Context, c store.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops++
	s.commits = append(s.commits, c)
	return nil
}

func (s *recStore) Close() error { return nil }

func memOpener(sources map[string]*container.MemSource) Opener {
	return func(_ context.Context, location string) (container.Source, error) {
		src, ok := sources[location]
		if !ok {
			return nil, fmt.Errorf("no such container: %s", location)
		}
		return src, nil
	}
}

func seqBytes(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i * 7)
	}
	return out
}

func fastWriter() store.WriterConfig {
	return store.WriterConfig{
		MaxInflight: 2,
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Millisecond,
	}
}

func TestRunMergesSessions(t *testing.T) {
	// Two imaging planes: a shared /general group deduplicates, the two
	// distinct /imaging/a groups collide and get position suffixes, and
	// each plane's movie survives with its data intact.
	p1 := container.NewMemSource("plane1")
	p1.PutGroup("/general", "g-shared", map[string]any{"institution": "AIBS"})
	p1.PutGroup("/imaging", "img-1", nil)
	p1.PutGroup("/imaging/a", "plane-meta-1", map[string]any{"depth": 175})
	p1.PutDataset("/imaging/a/movie", "movie-1", []uint64{4, 4}, []uint64{2, 2},
		container.DtypeUint8, map[string]any{"plane": container.Ref{Target: "plane-meta-1"}}, seqBytes(16))

	p2 := container.NewMemSource("plane2")
	p2.PutGroup("/general", "g-shared", map[string]any{"institution": "AIBS"})
	p2.PutGroup("/imaging", "img-1", nil)
	p2.PutGroup("/imaging/a", "plane-meta-2", map[string]any{"depth": 375})

	st := newRecStore()
	report, err := Run(context.Background(),
		Manifest{Role: "plane", Locations: []string{"p1", "p2"}},
		memOpener(map[string]*container.MemSource{"p1": p1, "p2": p2}),
		st,
		WithWriter(fastWriter()),
	)
	require.NoError(t, err)

	assert.Equal(t, StateDone, report.State)
	require.Len(t, st.commits, 1)
	assert.Empty(t, st.failures)

	// Collision suffixes on both contenders, shared groups merged once.
	assert.Contains(t, st.groups, "/imaging/a_plane_1")
	assert.Contains(t, st.groups, "/imaging/a_plane_2")
	assert.NotContains(t, st.groups, "/imaging/a")
	assert.Contains(t, st.groups, "/general")
	assert.Equal(t, 2, report.Renamed)

	// The movie rides along under its renamed parent, data unchanged.
	movie, ok := st.arrays["/imaging/a_plane_1/movie"]
	require.True(t, ok)
	assert.Equal(t, []uint64{4, 4}, movie.Shape)
	ref := movie.Attrs["plane"].(container.Ref)
	assert.Equal(t, container.Identity("plane-meta-1"), ref.Target)
	assert.Equal(t, int64(4), report.ChunksWritten)
	assert.Contains(t, st.chunks, "/imaging/a_plane_1/movie/0.0")
}

func TestRunRechunkRoundTrip(t *testing.T) {
	// (10,10,10) source chunks (5,5,5), rechunked to (3,7,10) with gzip.
	// Reassembling the destination chunks must reproduce the source bytes.
	raw := seqBytes(1000 * 8)
	src := container.NewMemSource("session")
	src.PutDataset("/acq/volume", "vol-1", []uint64{10, 10, 10}, []uint64{5, 5, 5},
		container.DtypeFloat64, nil, raw)

	codec := rechunk.Codec{Compression: "gzip", Level: 9}
	st := newRecStore()
	_, err := Run(context.Background(),
		Manifest{Role: "plane", Locations: []string{"s"}},
		memOpener(map[string]*container.MemSource{"s": src}),
		st,
		WithWriter(fastWriter()),
		WithChunkPlanner(func(outPath string, _ *container.Node) ([]uint64, rechunk.Codec) {
			if outPath == "/acq/volume" {
				return []uint64{3, 7, 10}, codec
			}
			return nil, rechunk.Codec{}
		}),
	)
	require.NoError(t, err)

	arr := st.arrays["/acq/volume"]
	assert.Equal(t, []uint64{3, 7, 10}, arr.Chunks)
	assert.Equal(t, "gzip", arr.Compression)

	dstGrid := rechunk.Grid{Shape: []uint64{10, 10, 10}, Chunks: []uint64{3, 7, 10}}
	back, err := rechunk.Region(&storedReader{st: st, path: "/acq/volume", grid: dstGrid, codec: codec, elem: 8},
		dstGrid, 8, []uint64{0, 0, 0}, []uint64{10, 10, 10})
	require.NoError(t, err)
	assert.Equal(t, raw, back)
}

// storedReader decodes recorded chunks back through the codec.
type storedReader struct {
	st    *recStore
	path  string
	grid  rechunk.Grid
	codec rechunk.Codec
	elem  int
}

func (r *storedReader) ReadChunk(index []uint64) ([]byte, error) {
	data, ok := r.st.chunks[r.path+"/"+rechunk.ChunkKey(index)]
	if !ok {
		return nil, fmt.Errorf("chunk %s missing", rechunk.ChunkKey(index))
	}
	return r.codec.Decode(data, r.elem)
}

func TestRunConcatContinuesTimeline(t *testing.T) {
	d1 := seqBytes(8 * 8)
	d2 := seqBytes(8 * 8)
	for i := range d2 {
		d2[i] ^= 0xff
	}
	s1 := container.NewMemSource("probe1")
	s1.PutDataset("/lfp/data", "lfp-1", []uint64{8}, []uint64{4}, container.DtypeFloat64, nil, d1)
	s2 := container.NewMemSource("probe2")
	s2.PutDataset("/lfp/data", "lfp-2", []uint64{8}, []uint64{4}, container.DtypeFloat64, nil, d2)

	st := newRecStore()
	report, err := Run(context.Background(),
		Manifest{
			Role:      "probe",
			Locations: []string{"a", "b"},
			Concat:    []ConcatSpec{{Path: "/lfp/data"}},
		},
		memOpener(map[string]*container.MemSource{"a": s1, "b": s2}),
		st,
		WithWriter(fastWriter()),
	)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Arrays)

	arr, ok := st.arrays["/lfp/data"]
	require.True(t, ok)
	assert.Equal(t, []uint64{16}, arr.Shape)
	assert.Equal(t, container.Identity("lfp-1"), arr.Identity)

	grid := rechunk.Grid{Shape: []uint64{16}, Chunks: []uint64{4}}
	back, err := rechunk.Region(&storedReader{st: st, path: "/lfp/data", grid: grid, elem: 8},
		grid, 8, []uint64{0}, []uint64{16})
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte(nil), d1...), d2...), back)
}

func TestRunDanglingReferenceWritesNothing(t *testing.T) {
	src := container.NewMemSource("s")
	src.PutGroup("/g", "g1", map[string]any{
		"target": container.Ref{Target: "missing"},
	})

	st := newRecStore()
	_, err := Run(context.Background(),
		Manifest{Role: "plane", Locations: []string{"s"}},
		memOpener(map[string]*container.MemSource{"s": src}),
		st,
		WithWriter(fastWriter()),
	)

	var dangling *DanglingReferenceError
	require.ErrorAs(t, err, &dangling)
	assert.Equal(t, container.Identity("missing"), dangling.Target)

	// Structural failure precedes all output: not one store operation.
	assert.Equal(t, 0, st.ops)
	assert.Empty(t, st.failures)
	assert.Empty(t, st.commits)
}

func TestRunStrictConflictWritesNothing(t *testing.T) {
	a := container.NewMemSource("a")
	a.PutGroup("/meta", "M", map[string]any{"depth": 175})
	b := container.NewMemSource("b")
	b.PutGroup("/meta", "M", map[string]any{"depth": 375})

	st := newRecStore()
	_, err := Run(context.Background(),
		Manifest{Role: "plane", Locations: []string{"a", "b"}},
		memOpener(map[string]*container.MemSource{"a": a, "b": b}),
		st,
		WithStrict(true),
		WithWriter(fastWriter()),
	)

	var conflict *UnresolvedConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 0, st.ops)
}

func TestRunWriteExhaustionLeavesNoCommit(t *testing.T) {
	src := container.NewMemSource("s")
	src.PutDataset("/d", "d1", []uint64{4}, []uint64{2}, container.DtypeFloat64, nil, seqBytes(32))

	st := newRecStore()
	st.chunkErr = store.ErrSlowDown
	report, err := Run(context.Background(),
		Manifest{Role: "plane", Locations: []string{"s"}},
		memOpener(map[string]*container.MemSource{"s": src}),
		st,
		WithWriter(fastWriter()),
	)

	var fatal *FatalStoreError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, StateFailed, report.State)

	// Failure report instead of a commit marker, and the failing array's
	// metadata was never created.
	assert.Empty(t, st.commits)
	require.Len(t, st.failures, 1)
	assert.Equal(t, "streaming", st.failures[0].Stage)
	assert.NotContains(t, st.arrays, "/d")
}

func TestRunMissingSource(t *testing.T) {
	st := newRecStore()
	_, err := Run(context.Background(),
		Manifest{Role: "plane", Locations: []string{"absent"}},
		memOpener(nil),
		st,
	)
	var missing *MissingSourceError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "absent", missing.Location)
	assert.Equal(t, 0, st.ops)
}

func TestRunContextCancelled(t *testing.T) {
	src := container.NewMemSource("s")
	src.PutDataset("/d", "d1", []uint64{4}, []uint64{2}, container.DtypeFloat64, nil, seqBytes(32))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := newRecStore()
	_, err := Run(ctx,
		Manifest{Role: "plane", Locations: []string{"s"}},
		memOpener(map[string]*container.MemSource{"s": src}),
		st,
		WithWriter(fastWriter()),
	)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, st.commits)
}
