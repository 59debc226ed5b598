// Package tasks runs background work on a fixed set of workers fed by a
// bounded queue.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind names a class of background task.
type Kind string

const (
	// KindRefreshURL re-audits a single URL.
	KindRefreshURL Kind = "refresh_url"
	// KindRemoveInvalidURLs runs one liveness sweep batch.
	KindRemoveInvalidURLs Kind = "remove_invalid_urls"

	defaultWorkers     = 4
	defaultQueueSize   = 100
	defaultTaskTimeout = 5 * time.Minute
)

var (
	// ErrQueueFull indicates that a task was rejected because the queue is at capacity.
	ErrQueueFull = errors.New("tasks: queue is full")
	// ErrNotRunning indicates that the pool is not accepting tasks.
	ErrNotRunning = errors.New("tasks: pool is not running")
	// ErrUnknownKind indicates that no handler is registered for a task kind.
	ErrUnknownKind = errors.New("tasks: unknown task kind")
)

// Task is one unit of background work.
type Task struct {
	Kind  Kind   `json:"kind"`
	URL   string `json:"url,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// HandlerFunc executes a task.
type HandlerFunc func(ctx context.Context, task Task) error

// PoolConfig describes a Pool.
type PoolConfig struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
	Handlers    map[Kind]HandlerFunc
	Logger      *zap.Logger
}

// Pool executes enqueued tasks on a fixed number of workers.
type Pool struct {
	queue       chan Task
	workers     int
	taskTimeout time.Duration
	handlers    map[Kind]HandlerFunc
	logger      *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewPool builds a Pool, applying defaults for unset fields.
func NewPool(cfg PoolConfig) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	taskTimeout := cfg.TaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = defaultTaskTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handlers := make(map[Kind]HandlerFunc, len(cfg.Handlers))
	for kind, handler := range cfg.Handlers {
		if handler != nil {
			handlers[kind] = handler
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		queue:       make(chan Task, queueSize),
		workers:     workers,
		taskTimeout: taskTimeout,
		handlers:    handlers,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("tasks: pool is already running")
	}
	if p.ctx.Err() != nil {
		return ErrNotRunning
	}
	p.running = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("task pool started", zap.Int("workers", p.workers), zap.Int("queue_size", cap(p.queue)))
	return nil
}

// Stop stops accepting tasks and waits for queued and in-flight tasks to
// finish. When ctx expires first, in-flight tasks are cancelled and Stop
// returns ctx's error once the workers exit.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("task pool stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		p.logger.Warn("task pool stopped before draining", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

// Enqueue submits a task without blocking.
func (p *Pool) Enqueue(task Task) error {
	if _, ok := p.handlers[task.Kind]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, task.Kind)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrNotRunning
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued tasks not yet picked up by a worker.
func (p *Pool) Pending() int {
	return len(p.queue)
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.queue {
		p.process(id, task)
	}
}

func (p *Pool) process(workerID int, task Task) {
	ctx, cancel := context.WithTimeout(p.ctx, p.taskTimeout)
	defer cancel()

	fields := []zap.Field{
		zap.Int("worker", workerID),
		zap.String("kind", string(task.Kind)),
		zap.String("url", task.URL),
	}
	started := time.Now()
	if err := p.handlers[task.Kind](ctx, task); err != nil {
		p.logger.Error("task failed", append(fields, zap.Error(err))...)
		return
	}
	p.logger.Debug("task completed", append(fields, zap.Duration("elapsed", time.Since(started)))...)
}
