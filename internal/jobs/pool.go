package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/openwear/earstream/internal/observe"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("jobs: pool closed")

// Pool runs jobs with bounded concurrency. Submit blocks while the pool is
// at capacity, which applies backpressure to job producers rather than
// queueing unboundedly. Each job runs under its own timeout derived from
// [Job.Timeout] layered over the pool's base context.
type Pool struct {
	sem     *semaphore.Weighted
	base    context.Context
	cancel  context.CancelFunc
	metrics *observe.Metrics

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithPoolMetrics(m *observe.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// NewPool creates a Pool running at most maxWorkers jobs concurrently. The
// base context bounds the lifetime of every job; cancelling it stops them
// all.
func NewPool(base context.Context, maxWorkers int64, opts ...PoolOption) *Pool {
	ctx, cancel := context.WithCancel(base)
	p := &Pool{
		sem:    semaphore.NewWeighted(maxWorkers),
		base:   ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Submit blocks until a worker slot is free, then runs the job in its own
// goroutine. The ctx argument only bounds the wait for a slot; the job
// itself runs under the pool's base context plus its own timeout.
func (p *Pool) Submit(ctx context.Context, j Job) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.wg.Done()
		return fmt.Errorf("jobs: acquire worker for %s: %w", j.Name(), err)
	}

	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		p.run(j)
	}()
	return nil
}

func (p *Pool) run(j Job) {
	ctx, cancel := context.WithTimeout(p.base, j.Timeout())
	defer cancel()

	kind := attribute.String("job", j.Name())
	p.metrics.ActiveWorkers.Add(ctx, 1, metric.WithAttributes(kind))
	defer p.metrics.ActiveWorkers.Add(context.WithoutCancel(ctx), -1, metric.WithAttributes(kind))

	start := time.Now()
	err := j.Run(ctx)
	switch {
	case err == nil:
		slog.Debug("job finished", "job", j.Name(), "took", time.Since(start))
	case errors.Is(err, context.Canceled):
		slog.Info("job cancelled", "job", j.Name(), "took", time.Since(start))
	default:
		slog.Error("job failed", "job", j.Name(), "took", time.Since(start), "err", err)
	}
}

// Close stops accepting jobs, cancels the running ones, and waits for them
// to return.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

// Drain stops accepting jobs and waits for running jobs to finish on their
// own, up to the given grace period; after that they are cancelled.
func (p *Pool) Drain(grace time.Duration) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		p.cancel()
		<-done
	}
	p.cancel()
}
