// Package identity detects duplicate objects across merge sources and
// elects the canonical copy for each duplicate set. Occurrences of one
// identity are either content-identical (deduplicated to the earliest
// source in manifest order) or divergent (kept as distinct objects, which
// the namespace rewriter disambiguates).
package identity

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"

	"github.com/robert-malhotra/go-nwbmerge/internal/container"
	"github.com/robert-malhotra/go-nwbmerge/internal/rechunk"
)

// DefaultSmallDataBytes is the dataset size at or below which content is
// fully compared even in loose (fingerprint) mode.
const DefaultSmallDataBytes = 4096

// Options configure duplicate detection strictness.
type Options struct {
	// Strict makes divergent occurrences of one identity fatal instead of
	// a logged conflict resolved by manifest precedence.
	Strict bool

	// FullCompare byte-compares every chunk of large datasets instead of
	// the cheap shape/dtype/edge-chunk fingerprint.
	FullCompare bool

	// DedupeContentMatches additionally deduplicates objects whose
	// identities differ but whose content is identical.
	DedupeContentMatches bool

	SmallDataBytes int

	Logger *zap.Logger
}

func (o *Options) defaults() {
	if o.SmallDataBytes == 0 {
		o.SmallDataBytes = DefaultSmallDataBytes
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Occurrence locates one appearance of an identity.
type Occurrence struct {
	Source int
	Path   string
}

// DuplicateSet records every occurrence of one identity across sources.
// Canonical is the source index of the retained copy (the earliest in
// manifest order). Divergent marks content disagreement between
// occurrences.
type DuplicateSet struct {
	ID          container.Identity
	Occurrences []Occurrence
	Canonical   int
	Divergent   bool
}

// Conflict describes one divergent duplicate set for diagnostics.
type Conflict struct {
	ID    container.Identity
	Paths []string
	Diff  string
}

// UnresolvedConflictError is raised in strict mode when occurrences of one
// identity diverge.
type UnresolvedConflictError struct {
	ID    container.Identity
	Paths []string
	Diff  string
}

func (e *UnresolvedConflictError) Error() string {
	return fmt.Sprintf("identity %q diverges across sources (%s)", e.ID, strings.Join(e.Paths, ", "))
}

// Resolution is the resolver output: the duplicate-set table plus the
// optional content-alias table and the conflicts encountered.
type Resolution struct {
	Sets      []*DuplicateSet
	Conflicts []Conflict

	byID map[container.Identity]*DuplicateSet

	// contentAlias maps a later identity to the earlier identity whose
	// content it matches (only when DedupeContentMatches is on).
	contentAlias map[container.Identity]container.Identity
}

// Set returns the duplicate set holding id, if any.
func (r *Resolution) Set(id container.Identity) (*DuplicateSet, bool) {
	s, ok := r.byID[id]
	return s, ok
}

// ContentAlias returns the earlier identity that id's content matches.
func (r *Resolution) ContentAlias(id container.Identity) (container.Identity, bool) {
	a, ok := r.contentAlias[id]
	return a, ok
}

// Resolve scans every source index in manifest order and builds the
// duplicate-set table.
func Resolve(ctx context.Context, sources []*container.Index, opts Options) (*Resolution, error) {
	opts.defaults()

	res := &Resolution{
		byID:         make(map[container.Identity]*DuplicateSet),
		contentAlias: make(map[container.Identity]container.Identity),
	}

	// Gather occurrences in manifest order.
	for s, idx := range sources {
		for _, path := range idx.Order {
			node := idx.ByPath[path]
			if node.Identity == "" {
				continue
			}
			set, ok := res.byID[node.Identity]
			if !ok {
				set = &DuplicateSet{ID: node.Identity, Canonical: s}
				res.byID[node.Identity] = set
				res.Sets = append(res.Sets, set)
			}
			set.Occurrences = append(set.Occurrences, Occurrence{Source: s, Path: path})
		}
	}

	// Compare each later occurrence against the canonical copy.
	for _, set := range res.Sets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(set.Occurrences) < 2 {
			continue
		}
		canon := set.Occurrences[0]
		canonNode := sources[canon.Source].ByPath[canon.Path]

		for _, occ := range set.Occurrences[1:] {
			node := sources[occ.Source].ByPath[occ.Path]
			equal, err := equalNodes(sources[canon.Source].Source, canonNode, sources[occ.Source].Source, node, &opts)
			if err != nil {
				return nil, fmt.Errorf("comparing %s and %s: %w", canon.Path, occ.Path, err)
			}
			if equal {
				continue
			}

			set.Divergent = true
			paths := make([]string, len(set.Occurrences))
			for i, o := range set.Occurrences {
				paths[i] = fmt.Sprintf("%s:%s", sources[o.Source].Source.Name(), o.Path)
			}
			diff := attrDiff(canonNode, node)
			if opts.Strict {
				return nil, &UnresolvedConflictError{ID: set.ID, Paths: paths, Diff: diff}
			}
			opts.Logger.Warn("divergent duplicate identity, keeping both copies",
				zap.String("identity", string(set.ID)),
				zap.Strings("paths", paths))
			res.Conflicts = append(res.Conflicts, Conflict{ID: set.ID, Paths: paths, Diff: diff})
			break
		}
	}

	if opts.DedupeContentMatches {
		if err := resolveContentMatches(sources, res, &opts); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// resolveContentMatches groups single-occurrence identities by content key
// and aliases later identities to the earliest content match.
func resolveContentMatches(sources []*container.Index, res *Resolution, opts *Options) error {
	type claim struct {
		id     container.Identity
		source int
	}
	byKey := make(map[string]claim)

	for s, idx := range sources {
		for _, path := range idx.Order {
			node := idx.ByPath[path]
			if node.Identity == "" {
				continue
			}
			if set, ok := res.byID[node.Identity]; ok && (set.Divergent || len(set.Occurrences) > 1) {
				// Identity-level duplicates are already handled.
				continue
			}
			key, err := contentKey(idx.Source, node, opts)
			if err != nil {
				return fmt.Errorf("fingerprinting %s:%s: %w", idx.Source.Name(), path, err)
			}
			// Only alias across sources: identical content within one
			// source is legitimately distinct (e.g. two empty groups).
			if earlier, ok := byKey[key]; ok && earlier.source != s && earlier.id != node.Identity {
				res.contentAlias[node.Identity] = earlier.id
				opts.Logger.Info("deduplicating content match",
					zap.String("identity", string(node.Identity)),
					zap.String("alias_of", string(earlier.id)),
					zap.Int("source", s))
				continue
			}
			if _, ok := byKey[key]; !ok {
				byKey[key] = claim{id: node.Identity, source: s}
			}
		}
	}
	return nil
}

// equalNodes establishes content equality of two occurrences: structural
// and attribute equality always, plus dataset data equality — full
// byte-level for small datasets (and in FullCompare mode), cheap
// fingerprint otherwise.
func equalNodes(srcA container.Source, a *container.Node, srcB container.Source, b *container.Node, opts *Options) (bool, error) {
	if a.Kind != b.Kind {
		return false, nil
	}
	if !equalStrings(attrLines(a), attrLines(b)) {
		return false, nil
	}

	switch a.Kind {
	case container.KindLink:
		return a.LinkTarget == b.LinkTarget, nil

	case container.KindGroup:
		// Child sets may legitimately differ between duplicate groups
		// (e.g. a shared /general group); children deduplicate on their
		// own identities.
		return true, nil
	}

	// Datasets: geometry first.
	if a.Dtype != b.Dtype || len(a.Shape) != len(b.Shape) {
		return false, nil
	}
	for d := range a.Shape {
		if a.Shape[d] != b.Shape[d] {
			return false, nil
		}
	}

	if a.Dtype == container.DtypeRef {
		return equalRefs(a.Refs, b.Refs), nil
	}

	size := a.NumElements() * uint64(a.Dtype.Size())
	if opts.FullCompare || size <= uint64(opts.SmallDataBytes) {
		return equalData(srcA, a, srcB, b)
	}

	fa, err := fingerprint(srcA, a)
	if err != nil {
		return false, err
	}
	fb, err := fingerprint(srcB, b)
	if err != nil {
		return false, err
	}
	return fa == fb, nil
}

// equalData compares dataset content region by region, using the first
// dataset's chunk boxes as the comparison unit so differing source chunk
// layouts do not affect the result.
func equalData(srcA container.Source, a *container.Node, srcB container.Source, b *container.Node) (bool, error) {
	gridA := rechunk.Grid{Shape: a.Shape, Chunks: a.Chunks}
	gridB := rechunk.Grid{Shape: b.Shape, Chunks: b.Chunks}
	if len(a.Shape) == 0 {
		gridA = rechunk.Grid{Shape: []uint64{1}, Chunks: []uint64{1}}
		gridB = gridA
	}
	readerA := &sourceReader{src: srcA, path: a.Path}
	readerB := &sourceReader{src: srcB, path: b.Path}
	elem := a.Dtype.Size()

	equal := true
	err := gridA.IterChunks(func(index []uint64) error {
		start, count := gridA.ChunkBox(index)
		da, err := rechunk.Region(readerA, gridA, elem, start, count)
		if err != nil {
			return err
		}
		db, err := rechunk.Region(readerB, gridB, elem, start, count)
		if err != nil {
			return err
		}
		if !bytes.Equal(da, db) {
			equal = false
			return errStopCompare
		}
		return nil
	})
	if err != nil && err != errStopCompare {
		return false, err
	}
	return equal, nil
}

var errStopCompare = fmt.Errorf("stop compare")

// sourceReader adapts one dataset of a Source to rechunk.ChunkReader.
type sourceReader struct {
	src  container.Source
	path string
}

func (r *sourceReader) ReadChunk(index []uint64) ([]byte, error) {
	return r.src.ReadChunk(r.path, index)
}

func equalRefs(a, b []container.Ref) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Target != b[i].Target {
			return false
		}
		if !equalUint64(a[i].Start, b[i].Start) || !equalUint64(a[i].Stop, b[i].Stop) {
			return false
		}
	}
	return true
}

func equalUint64(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// attrDiff renders a unified diff of two nodes' attribute dumps for
// conflict diagnostics.
func attrDiff(a, b *container.Node) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        attrLines(a),
		B:        attrLines(b),
		FromFile: a.Path,
		ToFile:   b.Path,
		Context:  2,
	})
	if err != nil {
		return ""
	}
	return diff
}
