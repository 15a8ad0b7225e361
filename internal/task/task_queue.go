package task

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Common errors returned by the TaskQueue
var (
	ErrQueueClosed = errors.New("task queue is closed")
	ErrQueueFull   = errors.New("task queue is full")

	// ErrTaskActive is returned when a task with the same ID is already
	// buffered or running. Recovery and the stuck-task monitor can both
	// rediscover a record; only one copy may be in flight.
	ErrTaskActive = errors.New("task is already queued or running")
)

// TaskQueue is the runner's buffered queue. It remembers the ID of every
// task from Enqueue until Release, so a persisted record is never in flight
// twice in this process.
type TaskQueue struct {
	mu     sync.Mutex
	tasks  chan Task
	active map[uuid.UUID]struct{}
	logger *slog.Logger
	closed bool
}

// NewTaskQueue creates a queue buffering up to size tasks.
func NewTaskQueue(size int, logger *slog.Logger) *TaskQueue {
	if size < 0 {
		size = 0
	}
	return &TaskQueue{
		tasks:  make(chan Task, size),
		active: make(map[uuid.UUID]struct{}),
		logger: logger,
	}
}

// Enqueue buffers task. It fails with ErrQueueClosed, ErrQueueFull or
// ErrTaskActive.
func (q *TaskQueue) Enqueue(task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if _, ok := q.active[task.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrTaskActive, task.ID())
	}

	select {
	case q.tasks <- task:
		q.active[task.ID()] = struct{}{}
		q.logger.Debug("task enqueued",
			"task_id", task.ID(),
			"task_type", task.Type(),
			"queue_len", len(q.tasks),
			"active", len(q.active))
		return nil
	default:
		return fmt.Errorf("%w: queue capacity %d reached", ErrQueueFull, cap(q.tasks))
	}
}

// Release forgets a finished task so its record can be queued again.
func (q *TaskQueue) Release(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, id)
}

// Active reports whether the task is buffered or running.
func (q *TaskQueue) Active(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.active[id]
	return ok
}

// Close stops submission. Tasks already buffered remain readable.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.tasks)
		q.logger.Info("task queue closed", "active", len(q.active))
	}
}

// Len returns the number of buffered tasks.
func (q *TaskQueue) Len() int {
	return len(q.tasks)
}

// GetChannel returns the channel workers consume from.
func (q *TaskQueue) GetChannel() <-chan Task {
	return q.tasks
}
