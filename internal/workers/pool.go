// Package workers provides a fixed-size worker pool for concurrent host
// pipelines. Jobs are handed over through an unbuffered queue by default,
// so producers can enumerate work lazily without materializing it.
package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anstrom/porteye/internal/logging"
)

// Job represents a unit of work to be executed by a worker.
type Job interface {
	// Execute performs the job and returns an error if it fails.
	Execute(ctx context.Context) error
	// ID returns a unique identifier for the job.
	ID() string
	// Type returns the job type for logging.
	Type() string
}

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines to create.
	Size int
	// QueueSize is the number of jobs that may wait for a worker.
	QueueSize int
	// RateLimit is the maximum number of jobs started per second (0 = no limit).
	RateLimit int
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:      4,
		QueueSize: 0,
		RateLimit: 0,
	}
}

// Pool manages a pool of worker goroutines for concurrent job execution.
type Pool struct {
	config      Config
	jobs        chan Job
	wg          sync.WaitGroup
	ctx         context.Context
	rateLimiter *time.Ticker
	logger      *logging.Logger
	startOnce   sync.Once
	closeOnce   sync.Once
	closed      atomic.Bool

	completed atomic.Int64
	failed    atomic.Int64
}

// worker represents a single worker goroutine.
type worker struct {
	id   int
	pool *Pool
}

// New creates a worker pool whose jobs run with ctx.
func New(ctx context.Context, config Config, logger *logging.Logger) *Pool {
	if config.Size <= 0 {
		config.Size = DefaultConfig().Size
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	if logger == nil {
		logger = logging.Default()
	}

	pool := &Pool{
		config: config,
		jobs:   make(chan Job, config.QueueSize),
		ctx:    ctx,
		logger: logger.WithComponent("workers"),
	}

	// Set up rate limiter if configured
	if config.RateLimit > 0 {
		interval := time.Second / time.Duration(config.RateLimit)
		pool.rateLimiter = time.NewTicker(interval)
	}

	return pool
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.config.Size
}

// Start launches the workers.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Debug("Starting worker pool",
			"worker_count", p.config.Size,
			"queue_size", p.config.QueueSize,
			"rate_limit", p.config.RateLimit)

		for i := 0; i < p.config.Size; i++ {
			w := &worker{id: i, pool: p}
			p.wg.Add(1)
			go w.run()
		}
	})
}

// Submit blocks until a worker or a queue slot takes the job, or until ctx
// is done.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if p.closed.Load() {
		return fmt.Errorf("worker pool is shut down")
	}

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs. Queued jobs still run.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.jobs)
	})
}

// Wait closes the pool and blocks until every accepted job has finished.
func (p *Pool) Wait() {
	p.Close()
	p.wg.Wait()
	if p.rateLimiter != nil {
		p.rateLimiter.Stop()
	}
}

// Stats returns the number of completed and failed jobs.
func (p *Pool) Stats() (completed, failed int64) {
	return p.completed.Load(), p.failed.Load()
}

// run executes the worker loop.
func (w *worker) run() {
	defer w.pool.wg.Done()

	for job := range w.pool.jobs {
		w.executeJob(job)
	}
}

// executeJob executes a single job. A job that panics counts as failed.
func (w *worker) executeJob(job Job) {
	// Apply rate limiting if configured
	if w.pool.rateLimiter != nil {
		select {
		case <-w.pool.rateLimiter.C:
		case <-w.pool.ctx.Done():
			w.pool.failed.Add(1)
			w.pool.logger.Debug("Job dropped, pool context done",
				"job_id", job.ID(),
				"job_type", job.Type())
			return
		}
	}

	start := time.Now()
	err := w.runJob(job)
	duration := time.Since(start)

	if err != nil {
		w.pool.failed.Add(1)
		w.pool.logger.Warn("Job failed",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"duration", duration,
			"worker_id", w.id,
			"error", err)
		return
	}

	w.pool.completed.Add(1)
	w.pool.logger.Debug("Job completed",
		"job_id", job.ID(),
		"job_type", job.Type(),
		"duration", duration,
		"worker_id", w.id)
}

// runJob executes job, converting a panic into an error.
func (w *worker) runJob(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Execute(w.pool.ctx)
}

// FuncJob adapts a function to the Job interface.
type FuncJob struct {
	id      string
	jobType string
	fn      func(ctx context.Context) error
}

// NewFuncJob creates a job running fn.
func NewFuncJob(id, jobType string, fn func(ctx context.Context) error) *FuncJob {
	return &FuncJob{id: id, jobType: jobType, fn: fn}
}

// Execute implements the Job interface.
func (j *FuncJob) Execute(ctx context.Context) error {
	return j.fn(ctx)
}

// ID implements the Job interface.
func (j *FuncJob) ID() string {
	return j.id
}

// Type implements the Job interface.
func (j *FuncJob) Type() string {
	return j.jobType
}
