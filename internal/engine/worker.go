package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Queued    int64 `json:"queued"`
	Parked    int64 `json:"parked"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

var (
	// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
	ErrPoolShutdown = errors.New("worker pool is shut down")
	// ErrPoolFull is returned when the queue has no room left.
	ErrPoolFull = errors.New("worker pool queue is full")
)

type job struct {
	name string
	ctx  context.Context
	fn   func(ctx context.Context) error
}

// slot is a job's hold on one of the pool's execution slots.
type slot struct {
	pool *WorkerPool
	held atomic.Bool
}

type slotKey struct{}

// WorkerPool runs detached jobs, typically whole workflow runs, with at
// most size of them executing at once. Submit never blocks the caller: the
// tick driver must keep evaluating schedules while runs are in flight.
//
// A job that has to wait, such as a run sitting out a step delay, calls
// Park so the wait does not hold an execution slot.
type WorkerPool struct {
	jobs    chan job
	pending chan struct{} // queue room, released once a job has a slot
	slots   chan struct{}
	wg      sync.WaitGroup
	feeder  sync.WaitGroup
	metrics PoolMetrics
	logger  *slog.Logger

	base   context.Context
	cancel context.CancelFunc

	closing   chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool creates a pool of size execution slots with room for queue
// pending jobs.
func NewWorkerPool(size, queue int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if queue <= 0 {
		queue = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		jobs:    make(chan job, queue),
		pending: make(chan struct{}, queue),
		slots:   make(chan struct{}, size),
		logger:  logger,
		base:    base,
		cancel:  cancel,
		closing: make(chan struct{}),
	}
	p.feeder.Add(1)
	go p.feed()
	return p
}

// Submit queues fn. The job's context keeps ctx's values but not its
// cancellation: a run outlives the request or tick that started it and is
// only cancelled by Shutdown.
func (p *WorkerPool) Submit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return p.submit(ctx, name, fn, false)
}

// SubmitWait is Submit for work that must not be dropped: when the queue is
// full it waits for room until ctx ends.
func (p *WorkerPool) SubmitWait(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return p.submit(ctx, name, fn, true)
}

func (p *WorkerPool) submit(ctx context.Context, name string, fn func(ctx context.Context) error, wait bool) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolShutdown
	}

	jobCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	context.AfterFunc(p.base, stop)
	j := job{name: name, ctx: jobCtx, fn: fn}

	select {
	case p.pending <- struct{}{}:
	default:
		if !wait {
			stop()
			return ErrPoolFull
		}
		select {
		case p.pending <- struct{}{}:
		case <-ctx.Done():
			stop()
			return ctx.Err()
		case <-p.closing:
			stop()
			return ErrPoolShutdown
		}
	}
	atomic.AddInt64(&p.metrics.Queued, 1)
	p.jobs <- j
	return nil
}

// feed hands queued jobs to goroutines as execution slots free up.
func (p *WorkerPool) feed() {
	defer p.feeder.Done()
	for j := range p.jobs {
		p.slots <- struct{}{}
		<-p.pending
		atomic.AddInt64(&p.metrics.Queued, -1)
		p.wg.Add(1)
		go p.run(j)
	}
}

func (p *WorkerPool) run(j job) {
	defer p.wg.Done()
	s := &slot{pool: p}
	s.held.Store(true)
	atomic.AddInt64(&p.metrics.Active, 1)
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			atomic.AddInt64(&p.metrics.Failed, 1)
			p.logger.Error("worker job panicked", "job", j.name, "panic", r)
		}
		s.release()
	}()

	ctx := context.WithValue(j.ctx, slotKey{}, s)
	if err := j.fn(ctx); err != nil {
		atomic.AddInt64(&p.metrics.Failed, 1)
		p.logger.ErrorContext(ctx, "worker job failed", "job", j.name, "error", err)
		return
	}
	atomic.AddInt64(&p.metrics.Completed, 1)
}

func (s *slot) release() {
	if s.held.CompareAndSwap(true, false) {
		atomic.AddInt64(&s.pool.metrics.Active, -1)
		<-s.pool.slots
	}
}

func (s *slot) acquire(ctx context.Context) error {
	select {
	case s.pool.slots <- struct{}{}:
		s.held.Store(true)
		atomic.AddInt64(&s.pool.metrics.Active, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Park runs wait without holding the caller's execution slot and takes a
// slot back before returning. Outside a pool job it just calls wait.
func Park(ctx context.Context, wait func(ctx context.Context) error) error {
	s, ok := ctx.Value(slotKey{}).(*slot)
	if !ok || !s.held.Load() {
		return wait(ctx)
	}
	s.release()
	atomic.AddInt64(&s.pool.metrics.Parked, 1)
	err := wait(ctx)
	atomic.AddInt64(&s.pool.metrics.Parked, -1)
	if aerr := s.acquire(ctx); aerr != nil && err == nil {
		err = aerr
	}
	return err
}

// Shutdown stops accepting work and waits for queued and running jobs.
// If ctx ends first, running jobs are cancelled and Shutdown returns
// ctx.Err() once they have returned.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.closeOnce.Do(func() { close(p.closing) })
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.feeder.Wait()
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Parked:    atomic.LoadInt64(&p.metrics.Parked),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
