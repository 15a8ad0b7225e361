package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/phrazzld/docpipe/internal/platform/logger"
)

// ErrNoFactory is returned when a persisted task has a type with no registered factory.
var ErrNoFactory = errors.New("no factory registered for task type")

// TaskRunnerConfig holds configuration for the task runner
type TaskRunnerConfig struct {
	// WorkerCount determines how many concurrent workers process tasks
	WorkerCount int

	// QueueSize determines the buffer size for the in-memory task queue
	QueueSize int

	// StuckTaskAge defines how long a task can be in processing state
	// before it's considered stuck and reset
	StuckTaskAge time.Duration

	// StuckTaskCheckInterval defines how often to check for stuck tasks
	// If zero, defaults to 5 minutes
	StuckTaskCheckInterval time.Duration
}

// DefaultTaskRunnerConfig returns a TaskRunnerConfig with reasonable defaults
func DefaultTaskRunnerConfig() TaskRunnerConfig {
	return TaskRunnerConfig{
		WorkerCount:            2,
		QueueSize:              100,
		StuckTaskAge:           30 * time.Minute,
		StuckTaskCheckInterval: 5 * time.Minute,
	}
}

// TaskRunner manages background task processing. Tasks are persisted
// before they are queued and are rebuilt from their records on recovery.
type TaskRunner struct {
	store  TaskStore
	queue  *TaskQueue
	pool   *WorkerPool
	config TaskRunnerConfig
	logger *slog.Logger

	mu         sync.RWMutex
	factories  map[string]Factory
	errHandler func(task Task, err error)

	monitorWG sync.WaitGroup
	stopOnce  sync.Once
}

// NewTaskRunner creates a new TaskRunner
func NewTaskRunner(store TaskStore, config TaskRunnerConfig, logger *slog.Logger) *TaskRunner {
	if config.StuckTaskCheckInterval == 0 {
		config.StuckTaskCheckInterval = 5 * time.Minute
	}

	queue := NewTaskQueue(config.QueueSize, logger)
	pool := NewWorkerPool(queue, WorkerPoolConfig{WorkerCount: config.WorkerCount}, logger)

	r := &TaskRunner{
		store:     store,
		queue:     queue,
		pool:      pool,
		config:    config,
		logger:    logger,
		factories: make(map[string]Factory),
		errHandler: func(task Task, err error) {
			logger.Error("task execution failed",
				"task_id", task.ID(),
				"task_type", task.Type(),
				"error", err)
		},
	}
	pool.SetHandler(r.processTask)
	pool.SetErrorHandler(func(task Task, err error) {
		r.mu.RLock()
		h := r.errHandler
		r.mu.RUnlock()
		h(task, err)
	})
	return r
}

// SetErrorHandler allows setting a custom error handler function
func (r *TaskRunner) SetErrorHandler(handler func(task Task, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errHandler = handler
}

// RegisterFactory installs the factory used to rebuild recovered tasks of taskType.
func (r *TaskRunner) RegisterFactory(taskType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[taskType] = f
}

// Submit persists a task and adds it to the queue.
// A task that cannot be queued is marked failed so recovery never replays it.
// A task already queued or running is left alone.
func (r *TaskRunner) Submit(ctx context.Context, task Task) error {
	if r.queue.Active(task.ID()) {
		r.logger.Debug("task already in flight", "task_id", task.ID())
		return nil
	}
	if err := r.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}

	if err := r.queue.Enqueue(task); err != nil {
		if errors.Is(err, ErrTaskActive) {
			r.logger.Debug("task already in flight", "task_id", task.ID())
			return nil
		}
		if updateErr := r.store.UpdateTaskStatus(ctx, task.ID(), TaskStatusFailed, err.Error()); updateErr != nil {
			r.logger.Error("failed to mark unqueued task as failed",
				"task_id", task.ID(),
				"error", updateErr)
		}
		return fmt.Errorf("failed to queue task: %w", err)
	}
	return nil
}

// Start recovers unfinished tasks and begins processing.
func (r *TaskRunner) Start() error {
	if err := r.Recover(context.Background()); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	r.pool.Start()

	r.monitorWG.Add(1)
	go r.stuckTaskMonitor()

	return nil
}

// Stop cancels in-flight tasks and waits for workers to exit.
// Interrupted tasks stay in processing state and are resumed by the next Recover.
func (r *TaskRunner) Stop() {
	r.stopOnce.Do(func() {
		r.pool.Stop()
		r.monitorWG.Wait()
		r.queue.Close()
	})
}

// Recover loads unfinished tasks from the store and requeues them.
func (r *TaskRunner) Recover(ctx context.Context) error {
	pending, err := r.store.GetPendingTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to get pending tasks: %w", err)
	}

	// Tasks interrupted by a crash or shutdown, regardless of age.
	processing, err := r.store.GetProcessingTasks(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to get processing tasks: %w", err)
	}

	r.logger.Info("recovering unfinished tasks",
		"pending_count", len(pending),
		"processing_count", len(processing))

	for _, rec := range pending {
		r.requeue(ctx, rec, false, "")
	}
	for _, rec := range processing {
		r.requeue(ctx, rec, true, "Reset after recovery")
	}
	return nil
}

// requeue rebuilds a task from its record and queues it, resetting it to
// pending first when reset is set.
func (r *TaskRunner) requeue(ctx context.Context, rec Record, reset bool, reason string) {
	log := r.logger.With("task_id", rec.ID, "task_type", rec.Type)

	if r.queue.Active(rec.ID) {
		log.Debug("task still queued or running, not requeued")
		return
	}

	task, err := r.rebuild(rec)
	if err != nil {
		log.Error("failed to rebuild task", "error", err)
		if updateErr := r.store.UpdateTaskStatus(ctx, rec.ID, TaskStatusFailed, err.Error()); updateErr != nil {
			log.Error("failed to mark task as failed", "error", updateErr)
		}
		return
	}

	if reset {
		if err := r.store.UpdateTaskStatus(ctx, rec.ID, TaskStatusPending, reason); err != nil {
			log.Error("failed to reset task status", "error", err)
			return
		}
	}

	if err := r.queue.Enqueue(task); err != nil {
		log.Error("failed to requeue task", "error", err)
		return
	}
	log.Info("requeued task")
}

func (r *TaskRunner) rebuild(rec Record) (Task, error) {
	r.mu.RLock()
	f, ok := r.factories[rec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoFactory, rec.Type)
	}
	return f(rec)
}

// processTask handles execution of a single task
func (r *TaskRunner) processTask(ctx context.Context, task Task, workerID int) error {
	log := r.logger.With(
		"task_id", task.ID(),
		"task_type", task.Type(),
		"worker_id", workerID,
	)
	defer r.queue.Release(task.ID())
	// Status bookkeeping must survive cancellation of the execution context.
	bookkeeping := context.WithoutCancel(ctx)

	if err := r.store.UpdateTaskStatus(bookkeeping, task.ID(), TaskStatusProcessing, ""); err != nil {
		log.Error("failed to update task status to processing", "error", err)
		return nil
	}

	log.Info("processing task")

	err := executeTask(logger.WithLogger(ctx, log), task)
	switch {
	case err == nil:
		log.Info("task completed successfully")
		if updateErr := r.store.UpdateTaskStatus(bookkeeping, task.ID(), TaskStatusCompleted, ""); updateErr != nil {
			log.Error("failed to update task status to completed", "error", updateErr)
		}
		return nil
	case ctx.Err() != nil:
		log.Warn("task interrupted by shutdown, leaving it for recovery", "error", err)
		return nil
	default:
		if updateErr := r.store.UpdateTaskStatus(bookkeeping, task.ID(), TaskStatusFailed, err.Error()); updateErr != nil {
			log.Error("failed to update task status to failed", "error", updateErr)
		}
		return err
	}
}

func executeTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.FromContext(ctx).Error("task panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return task.Execute(ctx)
}

// stuckTaskMonitor periodically checks for tasks that have been in "processing"
// state for too long and resets them
func (r *TaskRunner) stuckTaskMonitor() {
	defer r.monitorWG.Done()

	ticker := time.NewTicker(r.config.StuckTaskCheckInterval)
	defer ticker.Stop()

	ctx := r.pool.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.resetStuckTasks(context.WithoutCancel(ctx))
		}
	}
}

func (r *TaskRunner) resetStuckTasks(ctx context.Context) {
	stuck, err := r.store.GetProcessingTasks(ctx, r.config.StuckTaskAge)
	if err != nil {
		r.logger.Error("failed to check for stuck tasks", "error", err)
		return
	}
	if len(stuck) == 0 {
		return
	}

	r.logger.Info("found stuck tasks", "count", len(stuck))
	for _, rec := range stuck {
		r.requeue(ctx, rec, true, "Reset after being stuck in processing state")
	}
}
