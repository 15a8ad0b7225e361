package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/docpipe/internal/domain"
	"github.com/phrazzld/docpipe/internal/platform/logger"
	"github.com/phrazzld/docpipe/internal/store"
)

// nonTerminal is the SQL list of statuses that still allow transitions.
const nonTerminal = "('PENDING', 'STARTED')"

// terminalTask is the SQL list of statuses a TaskLog never leaves.
const terminalTask = "('SUCCESS', 'FAILURE', 'REVOKED')"

// LedgerStore implements store.LedgerStore with conditional, delta-based
// updates so concurrent hook deliveries never lose increments.
type LedgerStore struct {
	db      store.DBTX
	dialect Dialect
}

var _ store.LedgerStore = (*LedgerStore)(nil)

// NewLedgerStore creates a LedgerStore running statements on db.
func NewLedgerStore(db store.DBTX, dialect Dialect) *LedgerStore {
	return &LedgerStore{db: db, dialect: dialect}
}

// WithTx implements store.LedgerStore.
func (s *LedgerStore) WithTx(tx *sql.Tx) store.LedgerStore {
	return &LedgerStore{db: tx, dialect: s.dialect}
}

func (s *LedgerStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, rebind(s.dialect, query), args...)
}

func (s *LedgerStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, rebind(s.dialect, query), args...)
}

func (s *LedgerStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, rebind(s.dialect, query), args...)
}

// statusList appends statuses to args and returns an IN list of their placeholders.
func statusList(statuses []domain.Status, args []any) (string, []any) {
	ph := make([]string, len(statuses))
	for i, st := range statuses {
		args = append(args, string(st))
		ph[i] = fmt.Sprintf("$%d", len(args))
	}
	return "(" + strings.Join(ph, ", ") + ")", args
}

// --- chains ---

const chainColumns = `id, chain_name, batch_id, status, total_tasks, completed_tasks, failed_tasks,
	started_at, finished_at, initiated_by, input_data, final_result, error_message, created_at, updated_at`

// InsertChainIfAbsent implements store.ChainStore.
func (s *LedgerStore) InsertChainIfAbsent(ctx context.Context, c *domain.ChainExecution) (bool, error) {
	res, err := s.exec(ctx, `
		INSERT INTO chain_executions (id, chain_name, batch_id, status, total_tasks, completed_tasks,
			failed_tasks, initiated_by, input_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		c.ID, c.ChainName, nullString(c.BatchID), string(c.Status), c.TotalTasks,
		nullString(c.InitiatedBy), nullJSON(c.InputData), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return false, store.NewStoreError("chain_execution", "create", "failed to insert chain", MapError(err))
	}
	return rowsChanged(res)
}

// GetChain implements store.ChainStore.
func (s *LedgerStore) GetChain(ctx context.Context, id string) (*domain.ChainExecution, error) {
	row := s.queryRow(ctx, `SELECT `+chainColumns+` FROM chain_executions WHERE id = $1`, id)
	c, err := scanChain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrChainNotFound, id)
	}
	if err != nil {
		return nil, store.NewStoreError("chain_execution", "get", "failed to load chain", MapError(err))
	}
	return c, nil
}

// ListChainsByBatch implements store.ChainStore.
func (s *LedgerStore) ListChainsByBatch(ctx context.Context, batchID string) ([]*domain.ChainExecution, error) {
	rows, err := s.query(ctx,
		`SELECT `+chainColumns+` FROM chain_executions WHERE batch_id = $1 ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, store.NewStoreError("chain_execution", "list", "failed to query chains", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.ChainExecution
	for rows.Next() {
		c, err := scanChain(rows)
		if err != nil {
			return nil, store.NewStoreError("chain_execution", "list", "failed to scan chain", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStoreError("chain_execution", "list", "failed to iterate chains", err)
	}
	return out, nil
}

// TransitionChain implements store.ChainStore.
func (s *LedgerStore) TransitionChain(
	ctx context.Context,
	id string,
	from []domain.Status,
	to domain.Status,
	errMsg string,
	at time.Time,
) (bool, error) {
	var query string
	args := []any{id, string(to), at}
	if to.IsTerminal() {
		args = append(args, nullString(errMsg))
		query = `UPDATE chain_executions
			SET status = $2, finished_at = $3, updated_at = $3,
				error_message = COALESCE(error_message, $4)
			WHERE id = $1 AND status IN `
	} else {
		query = `UPDATE chain_executions
			SET status = $2, started_at = COALESCE(started_at, $3), updated_at = $3
			WHERE id = $1 AND status IN `
	}
	in, args := statusList(from, args)

	res, err := s.exec(ctx, query+in, args...)
	if err != nil {
		return false, store.NewStoreError("chain_execution", "update", "failed to transition chain", MapError(err))
	}
	return rowsChanged(res)
}

// IncrementChainCounters implements store.ChainStore.
func (s *LedgerStore) IncrementChainCounters(ctx context.Context, id string, completed, failed int, at time.Time) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE chain_executions
		SET completed_tasks = completed_tasks + $2,
			failed_tasks = failed_tasks + $3,
			updated_at = $4
		WHERE id = $1
			AND status IN `+nonTerminal+`
			AND completed_tasks + failed_tasks + $2 + $3 <= total_tasks`,
		id, completed, failed, at,
	)
	if err != nil {
		return false, store.NewStoreError("chain_execution", "update", "failed to increment counters", MapError(err))
	}
	return rowsChanged(res)
}

// CompleteChainIfDone implements store.ChainStore.
func (s *LedgerStore) CompleteChainIfDone(ctx context.Context, id string, at time.Time) (domain.Status, bool, error) {
	var status string
	err := s.queryRow(ctx, `
		UPDATE chain_executions
		SET status = CASE WHEN failed_tasks > 0 THEN 'FAILURE' ELSE 'SUCCESS' END,
			finished_at = $2,
			updated_at = $2
		WHERE id = $1
			AND status IN `+nonTerminal+`
			AND completed_tasks + failed_tasks >= total_tasks
		RETURNING status`,
		id, at,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, store.NewStoreError("chain_execution", "update", "failed to complete chain", MapError(err))
	}
	return domain.Status(status), true, nil
}

// SetChainFinalResult implements store.ChainStore.
func (s *LedgerStore) SetChainFinalResult(ctx context.Context, id string, result []byte, at time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE chain_executions SET final_result = $2, updated_at = $3 WHERE id = $1`,
		id, nullJSON(result), at)
	if err != nil {
		return store.NewStoreError("chain_execution", "update", "failed to store result", MapError(err))
	}
	if ok, err := rowsChanged(res); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", store.ErrChainNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChain(r rowScanner) (*domain.ChainExecution, error) {
	var (
		c                            domain.ChainExecution
		status                       string
		batchID, initiatedBy, errMsg sql.NullString
		inputData, finalResult       sql.NullString
		startedAt, finishedAt        sql.NullTime
	)
	if err := r.Scan(&c.ID, &c.ChainName, &batchID, &status, &c.TotalTasks, &c.CompletedTasks,
		&c.FailedTasks, &startedAt, &finishedAt, &initiatedBy, &inputData, &finalResult, &errMsg,
		&c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = domain.Status(status)
	c.BatchID = batchID.String
	c.InitiatedBy = initiatedBy.String
	c.ErrorMessage = errMsg.String
	if inputData.Valid {
		c.InputData = []byte(inputData.String)
	}
	if finalResult.Valid {
		c.FinalResult = []byte(finalResult.String)
	}
	c.StartedAt = timePtr(startedAt)
	c.FinishedAt = timePtr(finishedAt)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// --- task logs ---

const taskColumns = `id, task_id, task_name, status, error, started_at, finished_at, retries, chain_execution_id`

// UpsertTaskStarted implements store.TaskLogStore.
func (s *LedgerStore) UpsertTaskStarted(ctx context.Context, t *domain.TaskLog) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := s.exec(ctx, `
		INSERT INTO task_logs (id, task_id, task_name, status, started_at, retries, chain_execution_id)
		VALUES ($1, $2, $3, 'STARTED', $4, $5, $6)
		ON CONFLICT (task_id) DO UPDATE SET
			status = CASE WHEN task_logs.status IN `+terminalTask+` THEN task_logs.status ELSE 'STARTED' END,
			retries = CASE WHEN excluded.retries > task_logs.retries THEN excluded.retries ELSE task_logs.retries END,
			started_at = COALESCE(task_logs.started_at, excluded.started_at)`,
		t.ID.String(), t.TaskID, t.TaskName, startedAt(t), t.Retries, t.ChainExecutionID,
	)
	if err != nil {
		return store.NewStoreError("task_log", "upsert", "failed to record task start", MapError(err))
	}
	return nil
}

// FinishTaskLog implements store.TaskLogStore.
func (s *LedgerStore) FinishTaskLog(ctx context.Context, t *domain.TaskLog) (bool, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	finished := time.Now().UTC()
	if t.FinishedAt != nil {
		finished = *t.FinishedAt
	}
	res, err := s.exec(ctx, `
		INSERT INTO task_logs (id, task_id, task_name, status, error, started_at, finished_at, retries, chain_execution_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			finished_at = excluded.finished_at
		WHERE task_logs.status NOT IN `+terminalTask,
		t.ID.String(), t.TaskID, t.TaskName, string(t.Status), nullString(domain.TruncateError(t.Error)),
		startedAt(t), finished, t.Retries, t.ChainExecutionID,
	)
	if err != nil {
		return false, store.NewStoreError("task_log", "update", "failed to finish task", MapError(err))
	}
	return rowsChanged(res)
}

// MarkTaskRetry implements store.TaskLogStore.
func (s *LedgerStore) MarkTaskRetry(ctx context.Context, taskID, reason string, _ time.Time) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE task_logs SET status = 'RETRY', error = $2
		WHERE task_id = $1 AND status NOT IN `+terminalTask,
		taskID, nullString(domain.TruncateError(reason)),
	)
	if err != nil {
		return false, store.NewStoreError("task_log", "update", "failed to mark retry", MapError(err))
	}
	return rowsChanged(res)
}

// GetTaskLog implements store.TaskLogStore.
func (s *LedgerStore) GetTaskLog(ctx context.Context, taskID string) (*domain.TaskLog, error) {
	t, err := scanTask(s.queryRow(ctx, `SELECT `+taskColumns+` FROM task_logs WHERE task_id = $1`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrTaskLogNotFound, taskID)
	}
	if err != nil {
		return nil, store.NewStoreError("task_log", "get", "failed to load task", MapError(err))
	}
	return t, nil
}

// ListTaskLogs implements store.TaskLogStore.
func (s *LedgerStore) ListTaskLogs(ctx context.Context, chainID string) ([]*domain.TaskLog, error) {
	log := logger.FromContext(ctx)

	rows, err := s.query(ctx,
		`SELECT `+taskColumns+` FROM task_logs WHERE chain_execution_id = $1 ORDER BY started_at, task_name`, chainID)
	if err != nil {
		log.Error("failed to query task logs", "chain_id", chainID, "error", err)
		return nil, store.NewStoreError("task_log", "list", "failed to query tasks", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.TaskLog
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, store.NewStoreError("task_log", "list", "failed to scan task", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewStoreError("task_log", "list", "failed to iterate tasks", err)
	}
	return out, nil
}

func startedAt(t *domain.TaskLog) time.Time {
	if t.StartedAt != nil {
		return *t.StartedAt
	}
	return time.Now().UTC()
}

func scanTask(r rowScanner) (*domain.TaskLog, error) {
	var (
		t                     domain.TaskLog
		id, status            string
		errMsg                sql.NullString
		startedAt, finishedAt sql.NullTime
	)
	if err := r.Scan(&id, &t.TaskID, &t.TaskName, &status, &errMsg, &startedAt, &finishedAt,
		&t.Retries, &t.ChainExecutionID); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid task log id %q: %w", id, err)
	}
	t.ID = parsed
	t.Status = domain.Status(status)
	t.Error = errMsg.String
	t.StartedAt = timePtr(startedAt)
	t.FinishedAt = timePtr(finishedAt)
	return &t, nil
}

// --- batches ---

const batchColumns = `id, batch_id, batch_name, chain_name, status, total_items, completed_items, failed_items,
	total_chunks, completed_chunks, failed_chunks, chunk_size, options, final_result, error_message,
	initiated_by, started_at, finished_at, created_at, updated_at`

// CreateBatch implements store.BatchStore.
func (s *LedgerStore) CreateBatch(ctx context.Context, b *domain.BatchExecution) error {
	_, err := s.exec(ctx, `
		INSERT INTO batch_executions (id, batch_id, batch_name, chain_name, status, total_items,
			total_chunks, chunk_size, options, initiated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		b.ID.String(), b.BatchID, b.BatchName, b.ChainName, string(b.Status), b.TotalItems,
		b.TotalChunks, b.ChunkSize, nullJSON(b.Options), nullString(b.InitiatedBy), b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return store.NewStoreError("batch_execution", "create", "failed to insert batch", MapError(err))
	}
	return nil
}

// GetBatch implements store.BatchStore.
func (s *LedgerStore) GetBatch(ctx context.Context, batchID string) (*domain.BatchExecution, error) {
	b, err := scanBatch(s.queryRow(ctx, `SELECT `+batchColumns+` FROM batch_executions WHERE batch_id = $1`, batchID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrBatchNotFound, batchID)
	}
	if err != nil {
		return nil, store.NewStoreError("batch_execution", "get", "failed to load batch", MapError(err))
	}
	return b, nil
}

// TransitionBatch implements store.BatchStore.
func (s *LedgerStore) TransitionBatch(
	ctx context.Context,
	batchID string,
	from []domain.Status,
	to domain.Status,
	errMsg string,
	at time.Time,
) (bool, error) {
	var query string
	args := []any{batchID, string(to), at}
	if to.IsTerminal() {
		args = append(args, nullString(errMsg))
		query = `UPDATE batch_executions
			SET status = $2, finished_at = $3, updated_at = $3,
				error_message = COALESCE(error_message, $4)
			WHERE batch_id = $1 AND status IN `
	} else {
		query = `UPDATE batch_executions
			SET status = $2, started_at = COALESCE(started_at, $3), updated_at = $3
			WHERE batch_id = $1 AND status IN `
	}
	in, args := statusList(from, args)

	res, err := s.exec(ctx, query+in, args...)
	if err != nil {
		return false, store.NewStoreError("batch_execution", "update", "failed to transition batch", MapError(err))
	}
	return rowsChanged(res)
}

// InsertChunk implements store.BatchStore.
func (s *LedgerStore) InsertChunk(ctx context.Context, batchID string, r domain.ChunkResult, at time.Time) (bool, error) {
	res, err := s.exec(ctx, `
		INSERT INTO batch_chunks (batch_id, chunk_index, completed_items, failed_items, crashed, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (batch_id, chunk_index) DO NOTHING`,
		batchID, r.ChunkIndex, r.Completed, r.Failed, r.Crashed, at,
	)
	if err != nil {
		return false, store.NewStoreError("batch_chunk", "create", "failed to journal chunk", MapError(err))
	}
	return rowsChanged(res)
}

// AddBatchCounters implements store.BatchStore.
func (s *LedgerStore) AddBatchCounters(
	ctx context.Context,
	batchID string,
	completedItems, failedItems, completedChunks, failedChunks int,
	at time.Time,
) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE batch_executions
		SET completed_items = completed_items + $2,
			failed_items = failed_items + $3,
			completed_chunks = completed_chunks + $4,
			failed_chunks = failed_chunks + $5,
			updated_at = $6
		WHERE batch_id = $1
			AND status IN `+nonTerminal+`
			AND completed_items + failed_items + $2 + $3 <= total_items
			AND completed_chunks + failed_chunks + $4 + $5 <= total_chunks`,
		batchID, completedItems, failedItems, completedChunks, failedChunks, at,
	)
	if err != nil {
		return false, store.NewStoreError("batch_execution", "update", "failed to add counters", MapError(err))
	}
	return rowsChanged(res)
}

// CompleteBatchIfDone implements store.BatchStore.
func (s *LedgerStore) CompleteBatchIfDone(ctx context.Context, batchID string, at time.Time) (domain.Status, bool, error) {
	var status string
	err := s.queryRow(ctx, `
		UPDATE batch_executions
		SET status = CASE WHEN failed_items > 0 THEN 'FAILURE' ELSE 'SUCCESS' END,
			finished_at = $2,
			updated_at = $2
		WHERE batch_id = $1
			AND status IN `+nonTerminal+`
			AND completed_items + failed_items >= total_items
		RETURNING status`,
		batchID, at,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, store.NewStoreError("batch_execution", "update", "failed to complete batch", MapError(err))
	}
	return domain.Status(status), true, nil
}

// SetBatchErrorIfEmpty implements store.BatchStore.
func (s *LedgerStore) SetBatchErrorIfEmpty(ctx context.Context, batchID, msg string, at time.Time) error {
	_, err := s.exec(ctx, `
		UPDATE batch_executions SET error_message = $2, updated_at = $3
		WHERE batch_id = $1 AND error_message IS NULL`,
		batchID, domain.TruncateError(msg), at,
	)
	if err != nil {
		return store.NewStoreError("batch_execution", "update", "failed to record batch error", MapError(err))
	}
	return nil
}

func scanBatch(r rowScanner) (*domain.BatchExecution, error) {
	var (
		b                     domain.BatchExecution
		id, status            string
		options, finalResult  sql.NullString
		errMsg, initiatedBy   sql.NullString
		startedAt, finishedAt sql.NullTime
	)
	if err := r.Scan(&id, &b.BatchID, &b.BatchName, &b.ChainName, &status, &b.TotalItems,
		&b.CompletedItems, &b.FailedItems, &b.TotalChunks, &b.CompletedChunks, &b.FailedChunks,
		&b.ChunkSize, &options, &finalResult, &errMsg, &initiatedBy, &startedAt, &finishedAt,
		&b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid batch id %q: %w", id, err)
	}
	b.ID = parsed
	b.Status = domain.Status(status)
	if options.Valid {
		b.Options = []byte(options.String)
	}
	if finalResult.Valid {
		b.FinalResult = []byte(finalResult.String)
	}
	b.ErrorMessage = errMsg.String
	b.InitiatedBy = initiatedBy.String
	b.StartedAt = timePtr(startedAt)
	b.FinishedAt = timePtr(finishedAt)
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}
