package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// pollInterval bounds how long a worker blocks on an empty queue before
// re-checking for shutdown.
const pollInterval = 2 * time.Second

// Handler executes one job and returns its JSON result.
type Handler interface {
	Handle(ctx context.Context, job *Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, job *Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Pool runs Concurrency workers against one RedisQueue.
type Pool struct {
	queue       *RedisQueue
	handler     Handler
	concurrency int
	logger      *slog.Logger
}

// NewPool creates a worker pool. concurrency below one is treated as one.
func NewPool(q *RedisQueue, h Handler, concurrency int, logger *slog.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{queue: q, handler: h, concurrency: concurrency, logger: logger}
}

// Run blocks until ctx is cancelled. A job that is running at shutdown is
// allowed to finish.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		worker := i
		g.Go(func() error {
			return p.work(ctx, worker)
		})
	}
	p.logger.Info("worker pool started", "concurrency", p.concurrency)
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, worker int) error {
	log := p.logger.With("worker", worker)
	for {
		if ctx.Err() != nil {
			return nil
		}

		job, err := p.queue.dequeue(ctx, pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("dequeue failed", "error", err)
			sleep(ctx, pollInterval)
			continue
		}
		if job == nil {
			continue
		}

		p.execute(context.WithoutCancel(ctx), log, job)
	}
}

// execute runs one job and records its outcome on the engine record.
func (p *Pool) execute(ctx context.Context, log *slog.Logger, job *Job) {
	log = log.With("job_id", job.ID, "priority", job.Priority, "type", job.Task.Type)

	if err := p.queue.markStarted(ctx, job); err != nil {
		log.Error("mark job started", "error", err)
		if err := p.queue.requeue(ctx, job); err != nil {
			log.Error("requeue job", "error", err)
		}
		sleep(ctx, pollInterval)
		return
	}
	job.Attempts++

	start := time.Now()
	result, err := p.invoke(ctx, job)
	duration := time.Since(start).Milliseconds()

	if err != nil {
		log.Error("job failed", "error", err, "duration_ms", duration, "attempts", job.Attempts)
		if err := p.queue.markFailed(ctx, job, err); err != nil {
			log.Error("mark job failed", "error", err)
		}
		return
	}

	log.Info("job finished", "duration_ms", duration)
	if err := p.queue.markFinished(ctx, job, result); err != nil {
		log.Error("mark job finished", "error", err)
	}
}

func (p *Pool) invoke(ctx context.Context, job *Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, p.queue.opts.JobTimeout)
	defer cancel()

	result, err = p.handler.Handle(ctx, job)
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("job exceeded timeout of %s", p.queue.opts.JobTimeout)
	}
	return result, err
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
