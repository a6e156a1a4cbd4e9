package container

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"
)

func float64Bytes(vals ...float64) []byte {
	out := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(v))
	}
	return out
}

func TestBuildIndexOrder(t *testing.T) {
	src := NewMemSource("a")
	src.PutGroup("/acquisition", "g-acq", nil)
	src.PutDataset("/acquisition/lfp", "d-lfp", []uint64{4}, []uint64{2}, DtypeFloat64, nil,
		float64Bytes(1, 2, 3, 4))
	src.PutGroup("/general", "g-gen", nil)

	idx, err := BuildIndex(src)
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}

	want := []string{"/", "/acquisition", "/acquisition/lfp", "/general"}
	if len(idx.Order) != len(want) {
		t.Fatalf("order = %v, want %v", idx.Order, want)
	}
	for i, p := range want {
		if idx.Order[i] != p {
			t.Errorf("order[%d] = %q, want %q", i, idx.Order[i], p)
		}
	}

	if p, ok := idx.PathOf("d-lfp"); !ok || p != "/acquisition/lfp" {
		t.Errorf("PathOf(d-lfp) = %q, %v", p, ok)
	}
}

func TestBuildIndexDuplicateIdentity(t *testing.T) {
	src := NewMemSource("broken")
	src.PutGroup("/a", "same-id", nil)
	src.PutGroup("/b", "same-id", nil)

	_, err := BuildIndex(src)
	var serr *StructuralError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StructuralError, got %v", err)
	}
	if serr.ID != "same-id" {
		t.Errorf("ID = %q", serr.ID)
	}
	if !strings.Contains(serr.Error(), "broken") {
		t.Errorf("error should name the source: %v", serr)
	}
}

func TestBuildIndexDefaultsChunklessDataset(t *testing.T) {
	// A dataset without a declared chunk shape is contiguous: it indexes
	// as one chunk spanning the whole array.
	src := NewMemSource("a")
	src.PutDataset("/d", "d1", []uint64{4}, nil, DtypeUint8, nil, []byte{1, 2, 3, 4})

	idx, err := BuildIndex(src)
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	node := idx.Node("/d")
	if len(node.Chunks) != 1 || node.Chunks[0] != 4 {
		t.Fatalf("chunks = %v, want [4]", node.Chunks)
	}

	chunk, err := src.ReadChunk("/d", []uint64{0})
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if len(chunk) != 4 || chunk[0] != 1 || chunk[3] != 4 {
		t.Errorf("chunk = %v", chunk)
	}
}

func TestBuildIndexRejectsBadGeometry(t *testing.T) {
	rank := NewMemSource("rank")
	rank.PutDataset("/d", "d1", []uint64{4, 4}, []uint64{2}, DtypeUint8, nil, make([]byte, 16))
	if _, err := BuildIndex(rank); err == nil {
		t.Error("chunk rank mismatch should fail indexing")
	}

	zero := NewMemSource("zero")
	zero.PutDataset("/d", "d1", []uint64{4}, []uint64{0}, DtypeUint8, nil, make([]byte, 4))
	if _, err := BuildIndex(zero); err == nil {
		t.Error("zero chunk extent should fail indexing")
	}
}

func TestMemSourceReadChunkPadding(t *testing.T) {
	// 3 elements, chunk size 2: second chunk is half-padded.
	src := NewMemSource("a")
	src.PutDataset("/d", "d1", []uint64{3}, []uint64{2}, DtypeFloat64, nil,
		float64Bytes(1, 2, 3))

	chunk, err := src.ReadChunk("/d", []uint64{1})
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if len(chunk) != 16 {
		t.Fatalf("chunk length = %d, want full chunk size 16", len(chunk))
	}
	if got := math.Float64frombits(binary.LittleEndian.Uint64(chunk)); got != 3 {
		t.Errorf("chunk[0] = %v, want 3", got)
	}
	if got := math.Float64frombits(binary.LittleEndian.Uint64(chunk[8:])); got != 0 {
		t.Errorf("chunk[1] = %v, want zero padding", got)
	}
}

func TestMemSourceReadChunk2D(t *testing.T) {
	// 2x3 array, 2x2 chunks: chunk (0,1) holds the last column, padded.
	data := float64Bytes(
		1, 2, 3,
		4, 5, 6,
	)
	src := NewMemSource("a")
	src.PutDataset("/d", "d1", []uint64{2, 3}, []uint64{2, 2}, DtypeFloat64, nil, data)

	chunk, err := src.ReadChunk("/d", []uint64{0, 1})
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	want := []float64{3, 0, 6, 0}
	for i, w := range want {
		got := math.Float64frombits(binary.LittleEndian.Uint64(chunk[i*8:]))
		if got != w {
			t.Errorf("chunk elem %d = %v, want %v", i, got, w)
		}
	}
}
