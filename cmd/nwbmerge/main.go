// nwbmerge merges the per-plane or per-probe container files of one
// recording session into a single deduplicated, rechunked container.
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/viant/afs"
	_ "github.com/viant/afs/mem"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	merge "github.com/robert-malhotra/go-nwbmerge"
	"github.com/robert-malhotra/go-nwbmerge/internal/config"
	"github.com/robert-malhotra/go-nwbmerge/internal/container"
	"github.com/robert-malhotra/go-nwbmerge/internal/rechunk"
	"github.com/robert-malhotra/go-nwbmerge/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:           "nwbmerge",
		Short:         "Merge session container files into one archive container",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), planCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nwbmerge:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job.yaml>",
		Short: "Execute a merge job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := config.Load(args[0])
			if err != nil {
				return err
			}
			logger, err := newLogger(job.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fs := afs.New()
			dest := store.NewAFS(fs, job.Destination)
			defer dest.Close()

			report, err := merge.Run(ctx, manifestOf(job), fixtureOpener(fs), dest, jobOptions(job, logger)...)
			if err != nil {
				return err
			}

			fmt.Printf("merged %d sources into %s\n", len(report.Sources), job.Destination)
			fmt.Printf("  groups %d, arrays %d, links %d\n", report.Groups, report.Arrays, report.Links)
			fmt.Printf("  deduplicated %d, renamed %d, conflicts %d\n",
				report.Deduplicated, report.Renamed, len(report.Conflicts))
			fmt.Printf("  wrote %d chunks (%d bytes) in %s\n",
				report.ChunksWritten, report.BytesWritten, report.Duration.Round(0))
			return nil
		},
	}
}

func planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <job.yaml>",
		Short: "Resolve a merge job without writing the destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := config.Load(args[0])
			if err != nil {
				return err
			}
			logger, err := newLogger(job.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			report, err := merge.Run(cmd.Context(), manifestOf(job), fixtureOpener(afs.New()),
				discardStore{}, jobOptions(job, logger)...)
			if err != nil {
				return err
			}

			fmt.Printf("plan for role %q: %d sources\n", job.Role, len(report.Sources))
			fmt.Printf("  %d groups, %d arrays, %d links\n", report.Groups, report.Arrays, report.Links)
			fmt.Printf("  %d nodes deduplicate, %d renamed\n", report.Deduplicated, report.Renamed)
			for _, c := range report.Conflicts {
				fmt.Printf("  conflict: identity %s at %v\n", c.ID, c.Paths)
			}
			return nil
		},
	}
}

func manifestOf(job *config.Job) merge.Manifest {
	m := merge.Manifest{Role: job.Role}
	for _, s := range job.Sources {
		m.Locations = append(m.Locations, s.Location)
	}
	for _, c := range job.ConcatRules {
		m.Concat = append(m.Concat, merge.ConcatSpec{Path: c.Path})
	}
	return m
}

func jobOptions(job *config.Job, logger *zap.Logger) []merge.Option {
	opts := []merge.Option{
		merge.WithLogger(logger),
		merge.WithStrict(job.Strict),
		merge.WithFullCompare(job.FullCompare),
		merge.WithContentDedupe(job.DedupeContentMatches),
		merge.WithBufferFactor(job.BufferFactor),
		merge.WithWriter(store.WriterConfig{
			MaxInflight: int64(job.Writer.MaxInflight),
			MinInterval: job.Writer.MinInterval,
			MaxAttempts: job.Writer.MaxAttempts,
			BackoffBase: job.Writer.BackoffBase,
			BackoffMax:  job.Writer.BackoffMax,
			Logger:      logger,
		}),
	}
	if len(job.ChunkRules) > 0 {
		opts = append(opts, merge.WithChunkPlanner(func(outPath string, _ *container.Node) ([]uint64, rechunk.Codec) {
			rule := job.PlanChunks(outPath)
			if rule == nil {
				return nil, rechunk.Codec{}
			}
			return rule.Chunks, rechunk.Codec{
				Compression: rule.Compression,
				Level:       rule.Level,
				Shuffle:     rule.Shuffle,
			}
		}))
	}
	return opts
}

// fixtureOpener loads JSON container documents from any URL the afs
// service can reach.
func fixtureOpener(fs afs.Service) merge.Opener {
	return func(ctx context.Context, location string) (container.Source, error) {
		data, err := fs.DownloadWithURL(ctx, location)
		if err != nil {
			return nil, err
		}
		return container.LoadJSON(location, bytes.NewReader(data))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// discardStore satisfies the store interface for dry runs.
type discardStore struct{}

func (discardStore) CreateGroup(context.Context, store.Group) error { return nil }
func (discardStore) CreateArray(context.Context, store.Array) error { return nil }
func (discardStore) CreateLink(context.Context, store.Link) error   { return nil }
func (discardStore) WriteChunk(context.Context, string, string, []byte) error {
	return nil
}
func (discardStore) WriteFailure(context.Context, store.Failure) error { return nil }
func (discardStore) Finalize(context.Context, store.Commit) error      { return nil }
func (discardStore) Close() error                                      { return nil }
