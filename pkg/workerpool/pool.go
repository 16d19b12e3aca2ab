// Package workerpool provides a bounded worker pool for controlled concurrency.
// The schedule refresher fans patient recomputation out through it.
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

// ErrPoolStopped is returned by Submit after Stop
var ErrPoolStopped = errors.New("pool is shutting down")

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload any
	Context context.Context
}

// Result represents the outcome of task processing
type Result struct {
	TaskID  string
	Success bool
	Error   error
	Data    any
}

// WorkerFunc is the function signature for task processing
type WorkerFunc func(ctx context.Context, task *Task) *Result

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the base delay between retries, multiplied by the attempt
	RetryDelay time.Duration
	// GracefulShutdownTimeout is the timeout for graceful shutdown
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for per-patient recomputation
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               256,
		MaxRetries:              2,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	taskChan   chan *Task
	resultChan chan *Result
	wg         sync.WaitGroup
	stopOnce   sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	// Metrics
	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
	tasksRetried   int64
	activeWorkers  int64
	queueDepth     int64
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
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
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
	p.logger.Debug("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a task, blocking while the queue is full. It must not be
// called concurrently with Stop.
func (p *Pool) Submit(ctx context.Context, task *Task) error {
	select {
	case <-p.ctx.Done():
		return ErrPoolStopped
	default:
	}

	select {
	case p.taskChan <- task:
		atomic.AddInt64(&p.tasksSubmitted, 1)
		atomic.AddInt64(&p.queueDepth, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// Results returns the result channel. It is closed by Stop.
func (p *Pool) Results() <-chan *Result {
	return p.resultChan
}

// Stop stops accepting tasks, lets workers drain the queue and closes Results
func (p *Pool) Stop() error {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.taskChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			close(p.resultChan)
			p.logger.Debug("worker pool stopped")
		case <-time.After(p.config.GracefulShutdownTimeout):
			// Workers may still send; leave resultChan open.
			p.logger.Warn("worker pool shutdown timed out")
		}
	})
	return nil
}

// Run processes tasks on a temporary pool and returns one result per task,
// in completion order
func Run(ctx context.Context, cfg Config, tasks []*Task, fn WorkerFunc, logger *zap.Logger) ([]*Result, error) {
	if len(tasks) == 0 {
		return nil, nil
	}
	if cfg.QueueSize < len(tasks) {
		cfg.QueueSize = len(tasks)
	}
	pool, err := New(cfg, fn, logger)
	if err != nil {
		return nil, err
	}
	pool.Start()
	defer pool.Stop()

	for _, task := range tasks {
		if task.Context == nil {
			task.Context = ctx
		}
		if err := pool.Submit(ctx, task); err != nil {
			return nil, err
		}
	}

	results := make([]*Result, 0, len(tasks))
	for len(results) < len(tasks) {
		select {
		case r := <-pool.Results():
			results = append(results, r)
		case <-ctx.Done():
			return results, ctx.Err()
		}
	}
	return results, nil
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	atomic.AddInt64(&p.activeWorkers, 1)
	defer atomic.AddInt64(&p.activeWorkers, -1)

	for task := range p.taskChan {
		atomic.AddInt64(&p.queueDepth, -1)
		p.processTask(id, task)
	}
}

// processTask handles a single task with retries
func (p *Pool) processTask(workerID int, task *Task) {
	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}

	result := p.attempt(ctx, task)
	if result.Success {
		atomic.AddInt64(&p.tasksCompleted, 1)
	} else {
		atomic.AddInt64(&p.tasksFailed, 1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Error(result.Error))
	}

	// The buffer holds QueueSize results; a full buffer means the caller
	// stopped reading, so the result is dropped rather than blocking Stop.
	select {
	case p.resultChan <- result:
	default:
		p.logger.Warn("result channel full, dropping result",
			zap.String("task_id", task.ID))
	}
}

func (p *Pool) attempt(ctx context.Context, task *Task) *Result {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return &Result{TaskID: task.ID, Error: err}
		}

		result := p.call(ctx, task)
		if result == nil {
			result = &Result{TaskID: task.ID, Error: errors.New("worker returned no result")}
		}
		if result.TaskID == "" {
			result.TaskID = task.ID
		}
		if result.Success {
			return result
		}
		lastErr = result.Error

		if attempt < p.config.MaxRetries {
			atomic.AddInt64(&p.tasksRetried, 1)
			p.logger.Debug("retrying task",
				zap.String("task_id", task.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr))

			select {
			case <-ctx.Done():
				return &Result{TaskID: task.ID, Error: ctx.Err()}
			case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
			}
		}
	}

	return &Result{
		TaskID: task.ID,
		Error:  fmt.Errorf("task failed after %d retries: %w", p.config.MaxRetries, lastErr),
	}
}

// call runs the worker function, turning a panic into a failed result
func (p *Pool) call(ctx context.Context, task *Task) (result *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("worker panic",
				zap.String("task_id", task.ID),
				zap.Any("panic", rec))
			result = &Result{TaskID: task.ID, Error: fmt.Errorf("worker panic: %v", rec)}
		}
	}()
	return p.workerFunc(ctx, task)
}

// Stats holds pool counters
type Stats struct {
	TasksSubmitted int64
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
		TasksSubmitted: atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:    atomic.LoadInt64(&p.tasksFailed),
		TasksRetried:   atomic.LoadInt64(&p.tasksRetried),
		ActiveWorkers:  atomic.LoadInt64(&p.activeWorkers),
		QueueDepth:     atomic.LoadInt64(&p.queueDepth),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}
