// Package worker runs best-effort background jobs on a bounded pool so the
// request path never waits on them.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job is a unit of background work. Name is used for logs and metrics.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Submitter accepts jobs. Submit reports false when the job was dropped.
type Submitter interface {
	Submit(job Job) bool
}

// Observer is told how each job ended. outcome is ok, error or panic.
type Observer func(name, outcome string, elapsed time.Duration)

type Pool struct {
	size    int
	jobs    chan Job
	logger  *zap.Logger
	observe Observer

	mu      sync.RWMutex
	closed  bool
	running bool
}

func NewPool(size, queue int, logger *zap.Logger, observe Observer) *Pool {
	if size <= 0 {
		size = 1
	}
	if queue <= 0 {
		queue = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		size:    size,
		jobs:    make(chan Job, queue),
		logger:  logger,
		observe: observe,
	}
}

// Submit enqueues job without blocking. Jobs are dropped when the queue is
// full or the pool has stopped.
func (p *Pool) Submit(job Job) bool {
	if p == nil || job.Run == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		p.logger.Warn("worker queue full, dropping job", zap.String("job", job.Name))
		if p.observe != nil {
			p.observe(job.Name, "dropped", 0)
		}
		return false
	}
}

// Pending returns the number of queued jobs.
func (p *Pool) Pending() int {
	if p == nil {
		return 0
	}
	return len(p.jobs)
}

// Run starts the workers and blocks until ctx is done. Queued jobs are
// drained with a short grace period before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running || p.closed {
		p.mu.Unlock()
		return fmt.Errorf("worker pool already started")
	}
	p.running = true
	p.mu.Unlock()

	jobCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	g := new(errgroup.Group)
	for i := 0; i < p.size; i++ {
		g.Go(func() error {
			for job := range p.jobs {
				p.execute(jobCtx, job)
			}
			return nil
		})
	}

	<-ctx.Done()
	p.mu.Lock()
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		p.logger.Warn("worker pool drain timed out", zap.Int("pending", len(p.jobs)))
		cancelJobs()
		<-done
	}
	return nil
}

func (p *Pool) execute(ctx context.Context, job Job) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			p.logger.Error("background job panicked", zap.String("job", job.Name), zap.Any("panic", r))
		}
		if p.observe != nil {
			p.observe(job.Name, outcome, time.Since(start))
		}
	}()
	if err := job.Run(ctx); err != nil {
		outcome = "error"
		p.logger.Warn("background job failed", zap.String("job", job.Name), zap.Error(err))
	}
}

// Inline runs jobs synchronously on the caller's goroutine. Useful in tests
// and when background work is disabled.
type Inline struct {
	Logger *zap.Logger
}

func (i Inline) Submit(job Job) bool {
	if job.Run == nil {
		return false
	}
	if err := job.Run(context.Background()); err != nil && i.Logger != nil {
		i.Logger.Warn("background job failed", zap.String("job", job.Name), zap.Error(err))
	}
	return true
}
