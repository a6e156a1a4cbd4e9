// Package config loads merge job descriptions. A job file is YAML listing
// the role, the ordered sources, the destination, conflict and rechunk
// policy, and writer tuning. Environment variables override the file the
// same way across every command.
package config

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default destination chunk target, sized for object stores where many
// small objects trip per-prefix request ceilings.
const DefaultChunkTargetBytes = 10 << 20

// Job describes one merge run.
type Job struct {
	// Role names the source kind and feeds collision suffixes, e.g.
	// "plane" or "probe".
	Role string `yaml:"role"`

	// Destination is the output container URL (file://, mem://, s3://).
	Destination string `yaml:"destination"`

	// Sources are ordered: position is precedence for deduplication and
	// the suffix index for renamed collisions.
	Sources []SourceRef `yaml:"sources"`

	Strict               bool `yaml:"strict"`
	FullCompare          bool `yaml:"full_compare"`
	DedupeContentMatches bool `yaml:"dedupe_content_matches"`

	// BufferFactor bounds the source-chunk cache during rechunking.
	BufferFactor int `yaml:"buffer_factor"`

	Writer WriterTuning `yaml:"writer"`

	// ChunkRules select destination chunk shapes and codecs by path glob.
	// First match wins; unmatched arrays keep their source chunk shape.
	ChunkRules []ChunkRule `yaml:"chunk_rules"`

	// ConcatRules combine same-path datasets from every source into one
	// array along axis 0.
	ConcatRules []ConcatRule `yaml:"concat_rules"`

	LogLevel string `yaml:"log_level"`
}

// SourceRef locates one source container.
type SourceRef struct {
	Name     string `yaml:"name"`
	Location string `yaml:"location"`
}

// WriterTuning mirrors the output writer's backpressure knobs.
type WriterTuning struct {
	MaxInflight int           `yaml:"max_inflight"`
	MinInterval time.Duration `yaml:"min_interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

// ChunkRule rechunks arrays whose output path matches the glob.
type ChunkRule struct {
	Match       string   `yaml:"match"`
	Chunks      []uint64 `yaml:"chunks"`
	Compression string   `yaml:"compression"`
	Level       int      `yaml:"level"`
	Shuffle     bool     `yaml:"shuffle"`
}

// ConcatRule names a dataset path present in several sources whose copies
// concatenate along axis 0 in manifest order.
type ConcatRule struct {
	Path string `yaml:"path"`
}

// Load reads a job file and applies environment overrides. A .env file
// next to the job file is loaded first when present.
func Load(jobPath string) (*Job, error) {
	if env := path.Join(path.Dir(jobPath), ".env"); fileExists(env) {
		_ = godotenv.Load(env)
	}

	data, err := os.ReadFile(jobPath)
	if err != nil {
		return nil, fmt.Errorf("reading job file: %w", err)
	}
	job := &Job{LogLevel: "info"}
	if err := yaml.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("parsing job file: %w", err)
	}

	applyEnv(job)

	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

func applyEnv(job *Job) {
	if v := os.Getenv("NWBMERGE_DESTINATION"); v != "" {
		job.Destination = v
	}
	if v := os.Getenv("NWBMERGE_LOG_LEVEL"); v != "" {
		job.LogLevel = v
	}
	if v := os.Getenv("NWBMERGE_STRICT"); v != "" {
		job.Strict = v == "1" || v == "true"
	}
	if v := os.Getenv("NWBMERGE_MAX_INFLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Writer.MaxInflight = n
		}
	}
}

// Validate checks the job is runnable.
func (j *Job) Validate() error {
	if j.Role == "" {
		return fmt.Errorf("job: role is required")
	}
	if j.Destination == "" {
		return fmt.Errorf("job: destination is required")
	}
	if len(j.Sources) == 0 {
		return fmt.Errorf("job: at least one source is required")
	}
	for i, s := range j.Sources {
		if s.Location == "" {
			return fmt.Errorf("job: source %d has no location", i)
		}
	}
	if j.BufferFactor < 0 {
		return fmt.Errorf("job: buffer_factor must be non-negative")
	}
	for i, r := range j.ChunkRules {
		if r.Match == "" {
			return fmt.Errorf("job: chunk rule %d has no match pattern", i)
		}
		if _, err := path.Match(r.Match, "/probe"); err != nil {
			return fmt.Errorf("job: chunk rule %d: bad pattern %q: %w", i, r.Match, err)
		}
		for d, c := range r.Chunks {
			if c == 0 {
				return fmt.Errorf("job: chunk rule %d: zero chunk extent at axis %d", i, d)
			}
		}
		switch r.Compression {
		case "", "gzip", "zlib":
		default:
			return fmt.Errorf("job: chunk rule %d: unknown compression %q", i, r.Compression)
		}
	}
	for i, r := range j.ConcatRules {
		if r.Path == "" {
			return fmt.Errorf("job: concat rule %d has no path", i)
		}
	}
	return nil
}

// PlanChunks returns the first chunk rule matching an output path, or nil
// when the array keeps its source layout.
func (j *Job) PlanChunks(outPath string) *ChunkRule {
	for i := range j.ChunkRules {
		if ok, _ := path.Match(j.ChunkRules[i].Match, outPath); ok {
			return &j.ChunkRules[i]
		}
	}
	return nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
