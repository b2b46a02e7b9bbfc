package resource

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when a reservation would exceed the
// memory ceiling.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Config holds resource limits. Zero values disable the respective limit.
type Config struct {
	// MemoryLimitBytes is the ceiling for reserved batch memory.
	MemoryLimitBytes int64

	// MaxWorkers bounds concurrent parse and export workers. Defaults to 1.
	MaxWorkers int64

	// IOBytesPerSec caps output and load throughput.
	IOBytesPerSec int64
}

// Controller tracks memory reservations, worker slots and IO throughput
// for one exporter. All methods are safe for concurrent use, and a nil
// *Controller is a valid no-op controller.
type Controller struct {
	cfg Config

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64
	memPeak atomic.Int64

	workers *semaphore.Weighted

	io *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	c := &Controller{
		cfg:     cfg,
		workers: semaphore.NewWeighted(cfg.MaxWorkers),
	}
	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}
	if cfg.IOBytesPerSec > 0 {
		c.io = rate.NewLimiter(rate.Limit(cfg.IOBytesPerSec), int(cfg.IOBytesPerSec))
	}
	return c
}

// AcquireMemory reserves bytes without blocking. It fails fast with
// ErrMemoryLimitExceeded so callers pick their own backoff.
func (c *Controller) AcquireMemory(bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}
	if c.memSem != nil && !c.memSem.TryAcquire(bytes) {
		return ErrMemoryLimitExceeded
	}
	c.track(bytes)
	return nil
}

// WaitMemory reserves bytes, blocking until enough is released or ctx ends.
// Requests larger than the ceiling fail immediately.
func (c *Controller) WaitMemory(ctx context.Context, bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}
	if c.memSem != nil {
		if bytes > c.cfg.MemoryLimitBytes {
			return ErrMemoryLimitExceeded
		}
		if err := c.memSem.Acquire(ctx, bytes); err != nil {
			return err
		}
	}
	c.track(bytes)
	return nil
}

func (c *Controller) track(bytes int64) {
	used := c.memUsed.Add(bytes)
	for {
		peak := c.memPeak.Load()
		if used <= peak || c.memPeak.CompareAndSwap(peak, used) {
			return
		}
	}
}

// ReleaseMemory returns a reservation.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the bytes currently reserved.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// PeakMemory returns the high-water mark of reserved bytes.
func (c *Controller) PeakMemory() int64 {
	if c == nil {
		return 0
	}
	return c.memPeak.Load()
}

// ResetPeak restarts peak tracking from the current usage.
func (c *Controller) ResetPeak() {
	if c == nil {
		return
	}
	c.memPeak.Store(c.memUsed.Load())
}

// MemoryLimit returns the configured ceiling (0 if unlimited).
func (c *Controller) MemoryLimit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.MemoryLimitBytes
}

// MaxWorkers returns the configured worker count (1 for a nil controller).
func (c *Controller) MaxWorkers() int {
	if c == nil {
		return 1
	}
	return int(c.cfg.MaxWorkers)
}

// AcquireWorker blocks until a worker slot is free or ctx ends.
func (c *Controller) AcquireWorker(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.workers.Acquire(ctx, 1)
}

// TryAcquireWorker takes a worker slot if one is free.
func (c *Controller) TryAcquireWorker() bool {
	if c == nil {
		return true
	}
	return c.workers.TryAcquire(1)
}

// ReleaseWorker frees a worker slot.
func (c *Controller) ReleaseWorker() {
	if c == nil {
		return
	}
	c.workers.Release(1)
}

// WaitIO blocks until the IO budget admits bytes. Requests larger than one
// second of budget are admitted in burst-sized steps.
func (c *Controller) WaitIO(ctx context.Context, bytes int) error {
	if c == nil || c.io == nil {
		return nil
	}
	burst := c.io.Burst()
	for bytes > 0 {
		n := min(bytes, burst)
		if err := c.io.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}

// Writer returns w throttled by the IO budget. With no IO limit it returns w.
func (c *Controller) Writer(ctx context.Context, w io.Writer) io.Writer {
	if c == nil || c.io == nil {
		return w
	}
	return &limitedWriter{ctx: ctx, w: w, c: c}
}

type limitedWriter struct {
	ctx context.Context
	w   io.Writer
	c   *Controller
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if err := l.c.WaitIO(l.ctx, len(p)); err != nil {
		return 0, err
	}
	return l.w.Write(p)
}
