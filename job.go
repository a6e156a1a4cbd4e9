package merge

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/robert-malhotra/go-nwbmerge/internal/container"
	"github.com/robert-malhotra/go-nwbmerge/internal/identity"
	"github.com/robert-malhotra/go-nwbmerge/internal/namespace"
	"github.com/robert-malhotra/go-nwbmerge/internal/refpatch"
	"github.com/robert-malhotra/go-nwbmerge/internal/rechunk"
	"github.com/robert-malhotra/go-nwbmerge/internal/store"
)

// State is the lifecycle stage of a merge job. Stages advance strictly
// forward; any stage may transition to StateFailed.
type State int

const (
	StateLoading State = iota
	StateResolving
	StateRewriting
	StatePatching
	StateStreaming
	StateCommitting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateResolving:
		return "resolving"
	case StateRewriting:
		return "rewriting"
	case StatePatching:
		return "patching"
	case StateStreaming:
		return "streaming"
	case StateCommitting:
		return "committing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Opener opens one source container by manifest location.
type Opener func(ctx context.Context, location string) (container.Source, error)

// Run executes one merge job end to end. All structural work (duplicate
// resolution, renaming, reference patching) completes before the first
// byte reaches the store, so structural failures leave the destination
// untouched. After output begins, a failure writes a failure report in
// place of the commit marker; the two are mutually exclusive.
func Run(ctx context.Context, m Manifest, open Opener, st store.Store, opts ...Option) (*Report, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	j := &job{
		manifest: m,
		store:    st,
		opts:     o,
		log:      o.logger,
		report:   &Report{Role: m.Role, Sources: m.Locations},
		start:    time.Now(),
	}
	defer j.closeSources()

	err := j.run(ctx, open)
	j.report.Duration = time.Since(j.start)
	if err != nil {
		j.report.State = StateFailed
		return j.report, err
	}
	j.report.State = StateDone
	return j.report, nil
}

type job struct {
	manifest Manifest
	store    store.Store
	opts     Options
	log      *zap.Logger
	report   *Report
	start    time.Time

	state   State
	sources []*container.Index
	writer  *store.Writer

	// touched is set once the first store operation is issued; it decides
	// whether a failure report must be written.
	touched bool
}

func (j *job) run(ctx context.Context, open Opener) error {
	j.enter(StateLoading)
	if err := j.load(ctx, open); err != nil {
		return j.fail(ctx, err)
	}

	j.enter(StateResolving)
	res, err := identity.Resolve(ctx, j.sources, identity.Options{
		Strict:               j.opts.strict,
		FullCompare:          j.opts.fullCompare,
		DedupeContentMatches: j.opts.dedupeContentMatches,
		Logger:               j.log,
	})
	if err != nil {
		return j.fail(ctx, err)
	}
	j.report.Conflicts = res.Conflicts

	j.enter(StateRewriting)
	groups, heads, err := j.concatGroups()
	if err != nil {
		return j.fail(ctx, err)
	}
	mapping, err := namespace.Build(j.sources, res, j.manifest.Role, groups)
	if err != nil {
		return j.fail(ctx, err)
	}
	j.report.Renamed = mapping.NumRenamed()
	j.report.Deduplicated = j.countElided(mapping)

	j.enter(StatePatching)
	patched, err := refpatch.Patch(j.sources, mapping, j.log)
	if err != nil {
		return j.fail(ctx, err)
	}

	j.enter(StateStreaming)
	j.writer = store.NewWriter(j.store, j.opts.writer)
	if err := j.stream(ctx, patched, heads); err != nil {
		return j.fail(ctx, err)
	}

	j.enter(StateCommitting)
	if err := j.commit(ctx); err != nil {
		return j.fail(ctx, err)
	}
	j.enter(StateDone)
	return nil
}

func (j *job) enter(s State) {
	j.state = s
	j.log.Info("merge stage", zap.Stringer("state", s))
}

// fail writes the failure report when output has already begun, so a
// partially written destination is never mistaken for a complete one.
func (j *job) fail(ctx context.Context, err error) error {
	stage := j.state
	j.state = StateFailed
	j.log.Error("merge failed", zap.Stringer("stage", stage), zap.Error(err))
	if j.touched {
		f := store.Failure{
			Role:     j.manifest.Role,
			Stage:    stage.String(),
			Error:    err.Error(),
			FailedAt: time.Now().UTC(),
		}
		if werr := j.store.WriteFailure(ctx, f); werr != nil {
			j.log.Error("writing failure report", zap.Error(werr))
		}
	}
	return err
}

func (j *job) load(ctx context.Context, open Opener) error {
	for _, loc := range j.manifest.Locations {
		src, err := open(ctx, loc)
		if err != nil {
			return &MissingSourceError{Location: loc, Err: err}
		}
		idx, err := container.BuildIndex(src)
		if err != nil {
			src.Close()
			return err
		}
		j.sources = append(j.sources, idx)
		j.log.Debug("source loaded",
			zap.String("location", loc),
			zap.Int("nodes", len(idx.Order)))
	}
	return nil
}

func (j *job) closeSources() {
	for _, idx := range j.sources {
		if err := idx.Source.Close(); err != nil {
			j.log.Warn("closing source", zap.String("source", idx.Source.Name()), zap.Error(err))
		}
	}
}

// concatGroups translates manifest concat specs into merge groups and
// returns the head-member lookup used while streaming.
func (j *job) concatGroups() ([]namespace.MergeGroup, map[namespace.Key][]namespace.Key, error) {
	heads := make(map[namespace.Key][]namespace.Key)
	var groups []namespace.MergeGroup

	for _, spec := range j.manifest.Concat {
		path := container.CleanPath(spec.Path)
		var members []namespace.Key
		var dtype container.Dtype
		for s, idx := range j.sources {
			node := idx.Node(path)
			if node == nil {
				continue
			}
			if node.Kind != container.KindDataset || node.Dtype == container.DtypeRef {
				return nil, nil, fmt.Errorf("concat path %s in %s is not a numeric dataset", path, idx.Source.Name())
			}
			if len(members) == 0 {
				dtype = node.Dtype
			} else if node.Dtype != dtype {
				return nil, nil, fmt.Errorf("concat path %s: dtype %s in %s differs from %s",
					path, node.Dtype, idx.Source.Name(), dtype)
			}
			members = append(members, namespace.Key{Source: s, Path: path})
		}
		if len(members) == 0 {
			return nil, nil, fmt.Errorf("concat path %s found in no source", path)
		}
		if len(members) < 2 {
			continue
		}
		groups = append(groups, namespace.MergeGroup{Members: members})
		heads[members[0]] = members
	}
	return groups, heads, nil
}

func (j *job) countElided(m *namespace.Mapping) int {
	total := 0
	for _, idx := range j.sources {
		total += len(idx.Order)
	}
	return total - len(m.Outputs())
}

// stream writes the merged tree. Group and link metadata go out first;
// each array's metadata is created only after every one of its chunks is
// confirmed, so a reader never sees an addressable array with holes.
func (j *job) stream(ctx context.Context, patched []refpatch.Patched, heads map[namespace.Key][]namespace.Key) error {
	for _, p := range patched {
		node := p.Node
		if j.opts.rewriteAttrs != nil {
			j.opts.rewriteAttrs(node)
		}

		switch node.Kind {
		case container.KindGroup:
			j.touched = true
			if err := j.store.CreateGroup(ctx, store.Group{
				Path:     node.Path,
				Identity: node.Identity,
				Attrs:    node.Attrs,
			}); err != nil {
				return err
			}
			j.report.Groups++

		case container.KindLink:
			j.touched = true
			if err := j.store.CreateLink(ctx, store.Link{
				Path:     node.Path,
				Identity: node.Identity,
				Target:   node.LinkTarget,
			}); err != nil {
				return err
			}
			j.report.Links++

		case container.KindDataset:
			if err := j.streamDataset(ctx, p, heads); err != nil {
				return err
			}
			j.report.Arrays++
		}
	}

	if err := j.writer.Barrier(); err != nil {
		return err
	}
	j.report.ChunksWritten = j.writer.ChunksWritten()
	j.report.BytesWritten = j.writer.BytesWritten()
	return nil
}

func (j *job) streamDataset(ctx context.Context, p refpatch.Patched, heads map[namespace.Key][]namespace.Key) error {
	node := p.Node

	if node.Dtype == container.DtypeRef {
		j.touched = true
		return j.store.CreateArray(ctx, store.Array{
			Path:     node.Path,
			Identity: node.Identity,
			Attrs:    node.Attrs,
			Shape:    node.Shape,
			Dtype:    node.Dtype,
			Refs:     node.Refs,
		})
	}

	reader, srcGrid, err := j.datasetReader(p, heads)
	if err != nil {
		return err
	}
	elem := node.Dtype.Size()

	dstChunks := srcGrid.Chunks
	var codec rechunk.Codec
	if j.opts.planChunks != nil {
		chunks, c := j.opts.planChunks(node.Path, node)
		codec = c
		if chunks != nil {
			dstChunks = chunks
		}
	}
	dst := rechunk.Grid{Shape: srcGrid.Shape, Chunks: dstChunks}

	j.log.Debug("streaming array",
		zap.String("path", node.Path),
		zap.Uint64s("shape", srcGrid.Shape),
		zap.Uint64s("chunks", dstChunks))

	j.touched = true
	err = rechunk.Stream(ctx, reader, srcGrid, dst, elem, j.opts.bufferFactor, func(index []uint64, data []byte) error {
		encoded, err := codec.Encode(data, elem)
		if err != nil {
			return err
		}
		return j.writer.WriteChunk(ctx, node.Path, rechunk.ChunkKey(index), encoded)
	})
	if err != nil {
		return err
	}

	// All chunks of this array must be confirmed before its metadata
	// becomes addressable.
	if err := j.writer.Barrier(); err != nil {
		return err
	}

	return j.store.CreateArray(ctx, store.Array{
		Path:        node.Path,
		Identity:    node.Identity,
		Attrs:       node.Attrs,
		Shape:       srcGrid.Shape,
		Chunks:      dstChunks,
		Dtype:       node.Dtype,
		Compression: codec.Compression,
		Level:       codec.Level,
		Shuffle:     codec.Shuffle,
	})
}

// datasetReader returns the chunk reader and logical grid for one output
// array, assembling the combined view for concatenation heads.
func (j *job) datasetReader(p refpatch.Patched, heads map[namespace.Key][]namespace.Key) (rechunk.ChunkReader, rechunk.Grid, error) {
	node := p.Node
	key := namespace.Key{Source: p.Out.Source, Path: p.Out.SourcePath}

	members, ok := heads[key]
	if !ok {
		grid := rechunk.Grid{Shape: node.Shape, Chunks: node.Chunks}
		if len(node.Shape) == 0 {
			grid = rechunk.Grid{Shape: []uint64{1}, Chunks: []uint64{1}}
		}
		return &sourceReader{src: j.sources[p.Out.Source].Source, path: p.Out.SourcePath}, grid, nil
	}

	segments := make([]rechunk.Segment, len(members))
	for i, mk := range members {
		mnode := j.sources[mk.Source].Node(mk.Path)
		segments[i] = rechunk.Segment{
			Reader: &sourceReader{src: j.sources[mk.Source].Source, path: mk.Path},
			Grid:   rechunk.Grid{Shape: mnode.Shape, Chunks: mnode.Chunks},
		}
	}
	concat, err := rechunk.NewConcat(segments, node.Dtype.Size(), j.opts.bufferFactor)
	if err != nil {
		return nil, rechunk.Grid{}, fmt.Errorf("concatenating %s: %w", node.Path, err)
	}
	return concat, concat.Grid(), nil
}

// commit writes the commit marker, the single artifact that marks the
// destination complete.
func (j *job) commit(ctx context.Context) error {
	j.touched = true
	return j.store.Finalize(ctx, store.Commit{
		Role:          j.manifest.Role,
		Sources:       j.manifest.Locations,
		Groups:        j.report.Groups,
		Arrays:        j.report.Arrays,
		Links:         j.report.Links,
		ChunksWritten: j.report.ChunksWritten,
		BytesWritten:  j.report.BytesWritten,
		Renamed:       j.report.Renamed,
		CompletedAt:   time.Now().UTC(),
	})
}

// sourceReader adapts one dataset of a source to rechunk.ChunkReader.
type sourceReader struct {
	src  container.Source
	path string
}

func (r *sourceReader) ReadChunk(index []uint64) ([]byte, error) {
	return r.src.ReadChunk(r.path, index)
}
