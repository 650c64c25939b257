// Package workers provides a bounded goroutine pool for running
// backtest jobs off the request path.
package workers

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned when a submit would block on a full queue.
var ErrQueueFull = errors.New("workers: task queue full")

// Task is one unit of work.
type Task interface {
	Execute() error
}

// TaskFunc adapts a function into a Task.
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Name       string
	NumWorkers int
	QueueSize  int
}

// DefaultPoolConfig returns defaults sized to the machine.
func DefaultPoolConfig(name string) PoolConfig {
	return PoolConfig{
		Name:       name,
		NumWorkers: runtime.NumCPU(),
		QueueSize:  64,
	}
}

// Pool runs submitted tasks on a fixed set of worker goroutines.
type Pool struct {
	logger *zap.Logger
	config PoolConfig

	tasks   chan Task
	wg      sync.WaitGroup
	running atomic.Bool
	cancel  context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewPool creates a stopped pool.
func NewPool(logger *zap.Logger, config PoolConfig) *Pool {
	if config.NumWorkers <= 0 {
		config.NumWorkers = runtime.NumCPU()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	return &Pool{
		logger: logger,
		config: config,
		tasks:  make(chan Task, config.QueueSize),
	}
}

// Start launches the workers. Idempotent.
func (p *Pool) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("worker pool started",
		zap.String("pool", p.config.Name),
		zap.Int("workers", p.config.NumWorkers),
	)
}

// Stop drains in-flight tasks and shuts the workers down, waiting at
// most the given timeout.
func (p *Pool) Stop(timeout time.Duration) {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn("worker pool stop timed out", zap.String("pool", p.config.Name))
	}
}

// Submit queues a task, failing fast when the queue is full.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return errors.New("workers: pool not running")
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.tasks:
			p.run(task, id)
		}
	}
}

func (p *Pool) run(task Task, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("task panicked",
				zap.String("pool", p.config.Name),
				zap.Int("worker", workerID),
				zap.Any("panic", r),
			)
		}
	}()

	if err := task.Execute(); err != nil {
		p.failed.Add(1)
		p.logger.Warn("task failed",
			zap.String("pool", p.config.Name),
			zap.Int("worker", workerID),
			zap.Error(err),
		)
		return
	}
	p.completed.Add(1)
}

// Stats returns the pool's lifetime counters.
func (p *Pool) Stats() (submitted, completed, failed int64) {
	return p.submitted.Load(), p.completed.Load(), p.failed.Load()
}
