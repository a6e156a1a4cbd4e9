package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Writer defaults, tuned for object stores that throttle per prefix.
const (
	DefaultMaxInflight = 8
	DefaultMaxAttempts = 6
	DefaultBackoffBase = 200 * time.Millisecond
	DefaultBackoffMax  = 10 * time.Second
)

// WriterConfig tunes chunk-write concurrency and retry behavior.
type WriterConfig struct {
	// MaxInflight caps concurrently outstanding chunk writes.
	MaxInflight int64

	// MinInterval spaces chunk submissions. Zero disables pacing.
	MinInterval time.Duration

	// MaxAttempts bounds retries of one chunk before the job fails.
	MaxAttempts int

	// BackoffBase doubles per attempt up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	Logger *zap.Logger
}

func (c *WriterConfig) defaults() {
	if c.MaxInflight <= 0 {
		c.MaxInflight = DefaultMaxInflight
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Writer pushes chunks to a Store under backpressure: a bounded in-flight
// pool, optional submission pacing, and bounded retry with exponential
// backoff for transient failures. The first fatal error latches and every
// later submission fails fast without touching the store.
type Writer struct {
	store Store
	cfg   WriterConfig

	sem     *semaphore.Weighted
	limiter *rate.Limiter
	wg      sync.WaitGroup

	mu  sync.Mutex
	err error

	chunks atomic.Int64
	bytes  atomic.Int64
}

// NewWriter wraps a store with a backpressure pool.
func NewWriter(s Store, cfg WriterConfig) *Writer {
	cfg.defaults()
	w := &Writer{
		store: s,
		cfg:   cfg,
		sem:   semaphore.NewWeighted(cfg.MaxInflight),
	}
	if cfg.MinInterval > 0 {
		w.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return w
}

// WriteChunk submits one chunk. It blocks while the in-flight pool is full
// and returns immediately once the write is admitted; the write itself
// completes asynchronously. A latched fatal error is returned instead.
func (w *Writer) WriteChunk(ctx context.Context, path, key string, data []byte) error {
	if err := w.failed(); err != nil {
		return err
	}
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.sem.Release(1)
		if err := w.commit(ctx, path, key, data); err != nil {
			w.latch(err)
			return
		}
		w.chunks.Add(1)
		w.bytes.Add(int64(len(data)))
	}()
	return nil
}

// commit performs one chunk write with bounded exponential backoff on
// transient errors.
func (w *Writer) commit(ctx context.Context, path, key string, data []byte) error {
	var last error
	attempts := 0
	for attempt := 0; attempt < w.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := w.cfg.BackoffBase << (attempt - 1)
			if backoff > w.cfg.BackoffMax {
				backoff = w.cfg.BackoffMax
			}
			w.cfg.Logger.Debug("retrying chunk write",
				zap.String("path", path),
				zap.String("key", key),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		last = w.store.WriteChunk(ctx, path, key, data)
		attempts++
		if last == nil {
			return nil
		}
		if !IsTransient(last) {
			break
		}
	}
	return &FatalStoreError{Path: path, Key: key, Attempts: attempts, Err: last}
}

// Barrier waits for every in-flight write and reports the first fatal
// error, if any. It is safe to call repeatedly.
func (w *Writer) Barrier() error {
	w.wg.Wait()
	return w.failed()
}

// ChunksWritten returns confirmed chunk writes so far.
func (w *Writer) ChunksWritten() int64 { return w.chunks.Load() }

// BytesWritten returns confirmed bytes so far.
func (w *Writer) BytesWritten() int64 { return w.bytes.Load() }

func (w *Writer) latch(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
		w.cfg.Logger.Error("chunk write failed, aborting job", zap.Error(err))
	}
}

func (w *Writer) failed() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
