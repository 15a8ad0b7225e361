package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/docpipe/internal/platform/logger"
	"github.com/phrazzld/docpipe/internal/store"
	"github.com/phrazzld/docpipe/internal/task"
)

// TaskStore implements task.TaskStore.
type TaskStore struct {
	db      store.DBTX
	dialect Dialect
}

var _ task.TaskStore = (*TaskStore)(nil)

// NewTaskStore creates a new TaskStore
func NewTaskStore(db store.DBTX, dialect Dialect) *TaskStore {
	return &TaskStore{db: db, dialect: dialect}
}

// WithTx returns a TaskStore bound to tx.
func (s *TaskStore) WithTx(tx *sql.Tx) task.TaskStore {
	return &TaskStore{db: tx, dialect: s.dialect}
}

// SaveTask persists a task to the database
func (s *TaskStore) SaveTask(ctx context.Context, t task.Task) error {
	log := logger.FromContext(ctx)

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		INSERT INTO tasks (id, type, payload, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`),
		t.ID().String(),
		t.Type(),
		string(t.Payload()),
		string(t.Status()),
		now,
		now,
	)
	if err != nil {
		log.Error("failed to save task",
			"task_id", t.ID(),
			"task_type", t.Type(),
			"error", err)
		return store.NewStoreError("task", "create", "failed to save task", MapError(err))
	}
	return nil
}

// UpdateTaskStatus updates the status of a task in the database.
// An unknown task is a no-op.
func (s *TaskStore) UpdateTaskStatus(ctx context.Context, taskID uuid.UUID, status task.TaskStatus, errorMsg string) error {
	log := logger.FromContext(ctx)

	res, err := s.db.ExecContext(ctx, rebind(s.dialect, `
		UPDATE tasks
		SET status = $1, error_message = $2, updated_at = $3
		WHERE id = $4`),
		string(status),
		nullString(errorMsg),
		time.Now().UTC(),
		taskID.String(),
	)
	if err != nil {
		log.Error("failed to update task status",
			"task_id", taskID,
			"status", status,
			"error", err)
		return store.NewStoreError("task", "update", "failed to update task status", MapError(err))
	}

	changed, err := rowsChanged(res)
	if err != nil {
		return err
	}
	if !changed {
		log.Warn("no task found with ID to update status", "task_id", taskID)
	}
	return nil
}

// GetPendingTasks retrieves all tasks with "pending" status
func (s *TaskStore) GetPendingTasks(ctx context.Context) ([]task.Record, error) {
	return s.getTasksByStatus(ctx, task.TaskStatusPending, 0)
}

// GetProcessingTasks retrieves tasks with "processing" status
func (s *TaskStore) GetProcessingTasks(ctx context.Context, olderThan time.Duration) ([]task.Record, error) {
	return s.getTasksByStatus(ctx, task.TaskStatusProcessing, olderThan)
}

func (s *TaskStore) getTasksByStatus(
	ctx context.Context,
	status task.TaskStatus,
	olderThan time.Duration,
) ([]task.Record, error) {
	log := logger.FromContext(ctx)

	query := `
		SELECT id, type, payload, status, error_message, created_at, updated_at
		FROM tasks
		WHERE status = $1`
	args := []any{string(status)}
	if olderThan > 0 {
		query += ` AND updated_at < $2`
		args = append(args, time.Now().UTC().Add(-olderThan))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, rebind(s.dialect, query), args...)
	if err != nil {
		log.Error("failed to query tasks by status", "status", status, "error", err)
		return nil, store.NewStoreError("task", "list", "failed to query tasks", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var records []task.Record
	for rows.Next() {
		var (
			rec          task.Record
			id, st       string
			payload      []byte
			errorMessage sql.NullString
		)
		if err := rows.Scan(&id, &rec.Type, &payload, &st, &errorMessage, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			log.Error("failed to scan task row", "status", status, "error", err)
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("invalid task id %q: %w", id, err)
		}
		rec.ID = parsed
		rec.Payload = payload
		rec.Status = task.TaskStatus(st)
		rec.ErrorMessage = errorMessage.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		log.Error("error iterating task rows", "status", status, "error", err)
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return records, nil
}
