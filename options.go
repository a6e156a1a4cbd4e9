package merge

import (
	"go.uber.org/zap"

	"github.com/robert-malhotra/go-nwbmerge/internal/container"
	"github.com/robert-malhotra/go-nwbmerge/internal/rechunk"
	"github.com/robert-malhotra/go-nwbmerge/internal/store"
)

// ChunkPlanner selects the destination chunk shape and codec for one
// output array. Returning nil chunks keeps the source layout.
type ChunkPlanner func(outPath string, node *container.Node) ([]uint64, rechunk.Codec)

// AttrRewriteFunc may adjust a node's attributes just before its metadata
// is written, e.g. to stamp provenance on renamed copies.
type AttrRewriteFunc func(node *container.Node)

// Options collect job tuning. The zero value is a runnable default.
type Options struct {
	logger *zap.Logger

	strict               bool
	fullCompare          bool
	dedupeContentMatches bool

	bufferFactor int
	writer       store.WriterConfig
	planChunks   ChunkPlanner
	rewriteAttrs AttrRewriteFunc
}

// Option configures a merge run.
type Option func(*Options)

// WithLogger sets the job logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.logger = l }
}

// WithStrict fails the job on divergent duplicate identities instead of
// keeping both copies.
func WithStrict(strict bool) Option {
	return func(o *Options) { o.strict = strict }
}

// WithFullCompare byte-compares large datasets during duplicate detection
// instead of fingerprinting them.
func WithFullCompare(full bool) Option {
	return func(o *Options) { o.fullCompare = full }
}

// WithContentDedupe additionally deduplicates objects whose identities
// differ but whose content is identical.
func WithContentDedupe(dedupe bool) Option {
	return func(o *Options) { o.dedupeContentMatches = dedupe }
}

// WithBufferFactor bounds the source-chunk read-ahead during rechunking.
func WithBufferFactor(n int) Option {
	return func(o *Options) { o.bufferFactor = n }
}

// WithWriter tunes output backpressure and retry.
func WithWriter(cfg store.WriterConfig) Option {
	return func(o *Options) { o.writer = cfg }
}

// WithChunkPlanner sets the destination chunk layout policy.
func WithChunkPlanner(p ChunkPlanner) Option {
	return func(o *Options) { o.planChunks = p }
}

// WithAttrRewrite installs an attribute rewrite hook.
func WithAttrRewrite(f AttrRewriteFunc) Option {
	return func(o *Options) { o.rewriteAttrs = f }
}

func buildOptions(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}
