package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// PoolMetrics is a snapshot of the async pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

var (
	// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
	ErrPoolShutdown = errors.New("worker pool is shut down")
	// ErrAlreadyRunning is returned when an execution is submitted twice.
	ErrAlreadyRunning = errors.New("execution is already running on the pool")
)

// WorkerPool runs asynchronously started executions with bounded
// concurrency. Each unit of work is keyed by its execution ID so an
// execution never runs twice at once. Work outlives the submitting request:
// it runs under a context that keeps the caller's values but not its
// cancellation.
type WorkerPool struct {
	slots  chan struct{}
	stop   chan struct{}
	logger *slog.Logger
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]struct{}
	stats   PoolMetrics
	stopped bool
}

// NewWorkerPool creates a pool running at most size executions at once.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		slots:   make(chan struct{}, size),
		stop:    make(chan struct{}),
		logger:  logger,
		running: make(map[string]struct{}),
	}
}

// Submit runs fn for executionID once a slot frees up. While the pool is
// full it blocks, giving up when ctx is done or the pool shuts down.
func (p *WorkerPool) Submit(ctx context.Context, executionID string, fn func(ctx context.Context) error) error {
	if err := p.admit(executionID); err != nil {
		return err
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		p.forget(executionID)
		return ctx.Err()
	case <-p.stop:
		p.forget(executionID)
		return ErrPoolShutdown
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		<-p.slots
		delete(p.running, executionID)
		return ErrPoolShutdown
	}
	p.stats.Active++
	runCtx := context.WithoutCancel(ctx)
	p.wg.Go(func() { p.run(runCtx, executionID, fn) })
	return nil
}

func (p *WorkerPool) admit(executionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolShutdown
	}
	if _, dup := p.running[executionID]; dup {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, executionID)
	}
	p.running[executionID] = struct{}{}
	return nil
}

func (p *WorkerPool) forget(executionID string) {
	p.mu.Lock()
	delete(p.running, executionID)
	p.mu.Unlock()
}

func (p *WorkerPool) run(ctx context.Context, executionID string, fn func(ctx context.Context) error) {
	log := p.logger.With(slog.String("execution_id", executionID))
	var err error
	panicked := false
	defer func() {
		p.mu.Lock()
		p.stats.Active--
		switch {
		case panicked:
			p.stats.Panics++
			p.stats.Failed++
		case err != nil:
			p.stats.Failed++
		default:
			p.stats.Completed++
		}
		delete(p.running, executionID)
		p.mu.Unlock()
		<-p.slots
	}()
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			log.ErrorContext(ctx, "execution panicked", slog.String("panic", fmt.Sprint(r)))
		}
	}()

	if err = fn(ctx); err != nil {
		log.WarnContext(ctx, "async execution failed", slog.String("error", err.Error()))
	}
}

// Running lists the execution IDs currently admitted to the pool, sorted.
func (p *WorkerPool) Running() []string {
	p.mu.Lock()
	ids := make([]string, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown refuses new work and waits for running executions to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.stop)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
