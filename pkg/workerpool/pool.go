// Package workerpool runs fire-and-forget jobs on a bounded set of workers.
// Submit never blocks: when the queue is full the job is refused and the
// caller decides what to do with it.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when every queue slot is taken.
	ErrQueueFull = errors.New("task queue is full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("pool is shutting down")
)

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload interface{}
	// Context is used for the task instead of the pool context when set.
	Context context.Context
}

// Result represents the outcome of task processing
type Result struct {
	Task     *Task
	Success  bool
	Error    error
	Data     interface{}
	Attempts int
}

// WorkerFunc processes one task.
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is how many times a failed task is retried. Zero disables
	// retries.
	MaxRetries int
	// RetryDelay is multiplied by the attempt number between retries
	RetryDelay time.Duration
	// Retryable filters which errors are retried. Nil retries everything.
	Retryable func(error) bool
}

// DefaultConfig returns defaults sized for outbound notifications.
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		QueueSize:  256,
		MaxRetries: 0,
		RetryDelay: 500 * time.Millisecond,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	mu         sync.RWMutex
	stopped    bool
	taskChan   chan *Task
	resultChan chan *Result
	wg         sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted atomic.Int64
	rejected  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	active    atomic.Int64
	depth     atomic.Int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		taskChan:   make(chan *Task, cfg.QueueSize),
		resultChan: make(chan *Result, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task without blocking.
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		p.rejected.Add(1)
		return ErrStopped
	}

	select {
	case p.taskChan <- task:
		p.submitted.Add(1)
		p.depth.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return ErrQueueFull
	}
}

// Results returns the result channel. It is closed by Stop once every
// worker has exited. Results are dropped when nobody drains the channel.
func (p *Pool) Results() <-chan *Result {
	return p.resultChan
}

// Stop refuses new tasks, lets workers drain the queue and waits for them
// until ctx expires. Tasks still running past the deadline have their
// context cancelled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.taskChan)
	p.mu.Unlock()

	p.logger.Info("stopping worker pool", zap.Int64("queued", p.depth.Load()))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out")
		p.cancel()
		<-done
		err = ctx.Err()
	}

	p.cancel()
	close(p.resultChan)
	return err
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	p.active.Add(1)
	defer p.active.Add(-1)

	for task := range p.taskChan {
		p.depth.Add(-1)
		p.processTask(id, task)
	}
}

func (p *Pool) processTask(workerID int, task *Task) {
	ctx := p.ctx
	if task.Context != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(task.Context)
		defer cancel()
		stop := context.AfterFunc(p.ctx, cancel)
		defer stop()
	}

	result := p.run(ctx, task)

	if result.Success {
		p.completed.Add(1)
	} else {
		p.failed.Add(1)
		p.logger.Debug("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Int("attempts", result.Attempts),
			zap.Error(result.Error))
	}

	select {
	case p.resultChan <- result:
	default:
		p.logger.Warn("result channel full, dropping result",
			zap.String("task_id", task.ID))
	}
}

func (p *Pool) run(ctx context.Context, task *Task) *Result {
	var result *Result
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return &Result{Task: task, Error: err, Attempts: attempt}
		}

		result = p.safeCall(ctx, task)
		result.Task = task
		result.Attempts = attempt + 1

		if result.Success || attempt >= p.config.MaxRetries {
			return result
		}
		if p.config.Retryable != nil && !p.config.Retryable(result.Error) {
			return result
		}

		p.retried.Add(1)
		select {
		case <-ctx.Done():
			return &Result{Task: task, Error: ctx.Err(), Attempts: attempt + 1}
		case <-p.ctx.Done():
			return &Result{Task: task, Error: p.ctx.Err(), Attempts: attempt + 1}
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
}

// safeCall keeps a panicking job from taking the worker down with it.
func (p *Pool) safeCall(ctx context.Context, task *Task) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.String("task_id", task.ID), zap.Any("panic", r))
			result = &Result{Error: fmt.Errorf("task panicked: %v", r)}
		}
	}()
	result = p.workerFunc(ctx, task)
	if result == nil {
		result = &Result{Success: true}
	}
	return result
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	TasksSubmitted int64
	TasksRejected  int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int64
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: p.submitted.Load(),
		TasksRejected:  p.rejected.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksRetried:   p.retried.Load(),
		ActiveWorkers:  p.active.Load(),
		QueueDepth:     p.depth.Load(),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy returns true while the queue is below 90% capacity.
func (p *Pool) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
