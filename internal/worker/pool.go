// Package worker runs fire-and-forget jobs off the request path on a bounded pool.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("worker pool closed")

type job struct {
	name string
	ctx  context.Context
	fn   func(context.Context) error
}

// Stats is a point-in-time view of pool counters.
type Stats struct {
	Queued    int   `json:"queued"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Pool is a fixed set of workers reading from a bounded queue. Submit never
// blocks: when the queue is full the job is dropped and counted.
type Pool struct {
	jobs       chan job
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
	jobTimeout time.Duration
	log        *slog.Logger

	onDrop func(name string)
	onFail func(name string, err error)

	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithJobTimeout bounds each job's context. Zero means no timeout.
func WithJobTimeout(d time.Duration) Option {
	return func(p *Pool) { p.jobTimeout = d }
}

// WithLogger sets the logger used for failed and dropped jobs.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithHooks registers callbacks for dropped and failed jobs.
func WithHooks(onDrop func(name string), onFail func(name string, err error)) Option {
	return func(p *Pool) {
		p.onDrop = onDrop
		p.onFail = onFail
	}
}

// New starts a pool with the given number of workers and queue capacity.
func New(workers, queueSize int, opts ...Option) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	p := &Pool{
		jobs:       make(chan job, queueSize),
		jobTimeout: 10 * time.Second,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	for range workers {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

// Submit queues fn. The job's context keeps the values of ctx (request id)
// but not its cancellation, since the caller is usually done by the time the
// job runs. It reports whether the job was accepted.
func (p *Pool) Submit(ctx context.Context, name string, fn func(context.Context) error) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.closed {
		select {
		case p.jobs <- job{name: name, ctx: context.WithoutCancel(ctx), fn: fn}:
			return true
		default:
		}
	}
	p.dropped.Add(1)
	p.log.ErrorContext(ctx, "job dropped", "job", name, "queued", len(p.jobs))
	if p.onDrop != nil {
		p.onDrop(name)
	}
	return false
}

func (p *Pool) run() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.exec(j)
	}
}

func (p *Pool) exec(j job) {
	ctx := j.ctx
	if p.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.jobTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.log.ErrorContext(ctx, "job panicked", "job", j.name, "panic", r)
		}
	}()

	if err := j.fn(ctx); err != nil {
		p.failed.Add(1)
		p.log.ErrorContext(ctx, "job failed", "job", j.name, "error", err)
		if p.onFail != nil {
			p.onFail(j.name, err)
		}
		return
	}
	p.completed.Add(1)
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Queued:    len(p.jobs),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// Close stops accepting jobs and waits for queued jobs to finish or ctx to
// expire, whichever comes first.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
