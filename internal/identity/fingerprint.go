package identity

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/minio/highwayhash"

	"github.com/robert-malhotra/go-nwbmerge/internal/container"
	"github.com/robert-malhotra/go-nwbmerge/internal/rechunk"
)

// hashKey is the fixed HighwayHash key; fingerprints only need to be
// stable within one process, not secret.
var hashKey = []byte("go-nwbmerge/identity-fngrprnt/01")

// fingerprint computes the cheap large-dataset equality proxy: shape,
// dtype, and the hash of the first and last chunks. It is sensitive to the
// source chunk layout, which is acceptable for a loose-mode heuristic;
// FullCompare avoids it entirely.
func fingerprint(src container.Source, n *container.Node) (string, error) {
	h, err := highwayhash.New(hashKey)
	if err != nil {
		return "", fmt.Errorf("highwayhash: %w", err)
	}

	fmt.Fprintf(h, "dtype=%s;shape=%v;", n.Dtype, n.Shape)

	grid := rechunk.Grid{Shape: n.Shape, Chunks: n.Chunks}
	num := grid.NumChunks()
	first := make([]uint64, len(num))
	last := make([]uint64, len(num))
	for d, c := range num {
		if c == 0 {
			// Empty extent: geometry alone identifies the content.
			return hex.EncodeToString(h.Sum(nil)), nil
		}
		last[d] = c - 1
	}

	data, err := src.ReadChunk(n.Path, first)
	if err != nil {
		return "", err
	}
	h.Write(data)

	if rechunk.ChunkKey(last) != rechunk.ChunkKey(first) {
		data, err = src.ReadChunk(n.Path, last)
		if err != nil {
			return "", err
		}
		h.Write(data)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// contentKey derives the full content grouping key used by
// DedupeContentMatches: kind, attributes, geometry, and the data
// fingerprint.
func contentKey(src container.Source, n *container.Node, opts *Options) (string, error) {
	h, err := highwayhash.New(hashKey)
	if err != nil {
		return "", fmt.Errorf("highwayhash: %w", err)
	}

	fmt.Fprintf(h, "kind=%s;", n.Kind)
	for _, line := range attrLines(n) {
		h.Write([]byte(line))
	}

	switch n.Kind {
	case container.KindLink:
		fmt.Fprintf(h, "target=%s;", n.LinkTarget)

	case container.KindDataset:
		if n.Dtype == container.DtypeRef {
			for _, r := range n.Refs {
				fmt.Fprintf(h, "ref=%s[%v:%v];", r.Target, r.Start, r.Stop)
			}
			break
		}
		fp, err := fingerprint(src, n)
		if err != nil {
			return "", err
		}
		h.Write([]byte(fp))
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// attrLines renders a node's attributes as sorted, newline-terminated
// lines. Used both for equality checks and for unified-diff diagnostics.
func attrLines(n *container.Node) []string {
	lines := make([]string, 0, len(n.Attrs))
	for name, value := range n.Attrs {
		lines = append(lines, fmt.Sprintf("%s = %s\n", name, renderAttr(value)))
	}
	sort.Strings(lines)
	return lines
}

func renderAttr(v any) string {
	switch t := v.(type) {
	case container.Ref:
		if t.HasRegion() {
			return fmt.Sprintf("ref(%s)[%v:%v]", t.Target, t.Start, t.Stop)
		}
		return fmt.Sprintf("ref(%s)", t.Target)
	case []container.Ref:
		parts := make([]string, len(t))
		for i, r := range t {
			parts[i] = renderAttr(r)
		}
		return fmt.Sprintf("%v", parts)
	default:
		return fmt.Sprintf("%v", v)
	}
}
