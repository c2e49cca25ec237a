package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/grabwire/grab-api/internal/platform/logger"
	"github.com/grabwire/grab-api/internal/store"
	"github.com/grabwire/grab-api/internal/task"
)

// TaskStore implements the task.TaskStore interface using PostgreSQL.
// Every operation is a single-row statement, so per-row atomicity comes from
// the database itself.
type TaskStore struct {
	db store.DBTX
}

// NewTaskStore creates a TaskStore over the given connection or transaction.
func NewTaskStore(db store.DBTX) *TaskStore {
	return &TaskStore{db: db}
}

// WithTx returns a TaskStore bound to the provided transaction so multiple
// operations can commit atomically. The transaction is managed by the caller.
func (s *TaskStore) WithTx(tx *sql.Tx) *TaskStore {
	return &TaskStore{db: tx}
}

// InsertTask persists a newly created task.
func (s *TaskStore) InsertTask(ctx context.Context, t *task.DownloadTask) error {
	log := logger.FromContext(ctx)

	query := `
		INSERT INTO download_tasks
			(id, owner_id, url, format, quality, priority, status, retry_count, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.db.ExecContext(ctx, query,
		t.ID,
		t.Owner,
		t.Payload.URL,
		t.Payload.Format,
		t.Payload.Quality,
		int(t.Priority),
		string(t.Status),
		t.RetryCount,
		nullString(t.ErrorMessage),
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to insert task",
			"task_id", t.ID,
			"owner", t.Owner,
			"error", err)
		return MapError(fmt.Errorf("failed to insert task: %w", err))
	}
	return nil
}

// UpdateTask persists a status transition. Updating an unknown ID is treated
// as a no-op so that duplicate or late status writes stay idempotent.
func (s *TaskStore) UpdateTask(ctx context.Context, id uuid.UUID, status task.Status, retryCount int, errorMsg string, updatedAt time.Time) error {
	log := logger.FromContext(ctx)

	query := `
		UPDATE download_tasks
		SET status = $1, retry_count = $2, error_message = $3, updated_at = $4
		WHERE id = $5
	`

	result, err := s.db.ExecContext(ctx, query,
		string(status),
		retryCount,
		nullString(errorMsg),
		updatedAt,
		id,
	)
	if err != nil {
		log.Error("failed to update task status",
			"task_id", id,
			"status", status,
			"error", err)
		return MapError(fmt.Errorf("failed to update task status: %w", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		log.Warn("no task row to update", "task_id", id)
	}
	return nil
}

// GetTask returns the stored task with the given ID. Serves status lookups
// for tasks that reached a terminal state before the last restart and are no
// longer held in memory.
func (s *TaskStore) GetTask(ctx context.Context, id uuid.UUID) (*task.DownloadTask, error) {
	log := logger.FromContext(ctx)

	query := `
		SELECT id, owner_id, url, format, quality, priority, status, retry_count, error_message, created_at, updated_at
		FROM download_tasks
		WHERE id = $1
	`

	var (
		t        task.DownloadTask
		priority int
		status   string
		errMsg   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID,
		&t.Owner,
		&t.Payload.URL,
		&t.Payload.Format,
		&t.Payload.Quality,
		&priority,
		&status,
		&t.RetryCount,
		&errMsg,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrTaskNotFound
		}
		log.Error("failed to get task", "task_id", id, "error", err)
		return nil, MapError(fmt.Errorf("failed to get task: %w", err))
	}
	t.Priority = task.Priority(priority)
	t.Status = task.Status(status)
	t.ErrorMessage = errMsg.String
	return &t, nil
}

// LoadUnfinished returns every pending or processing task, oldest first.
// Used once at startup by the queue manager's recovery step.
func (s *TaskStore) LoadUnfinished(ctx context.Context) ([]*task.DownloadTask, error) {
	log := logger.FromContext(ctx)

	query := `
		SELECT id, owner_id, url, format, quality, priority, status, retry_count, error_message, created_at, updated_at
		FROM download_tasks
		WHERE status = $1 OR status = $2
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, string(task.StatusPending), string(task.StatusProcessing))
	if err != nil {
		log.Error("failed to query unfinished tasks", "error", err)
		return nil, MapError(fmt.Errorf("failed to query unfinished tasks: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var tasks []*task.DownloadTask
	for rows.Next() {
		var (
			t        task.DownloadTask
			priority int
			status   string
			errMsg   sql.NullString
		)
		if err := rows.Scan(
			&t.ID,
			&t.Owner,
			&t.Payload.URL,
			&t.Payload.Format,
			&t.Payload.Quality,
			&priority,
			&status,
			&t.RetryCount,
			&errMsg,
			&t.CreatedAt,
			&t.UpdatedAt,
		); err != nil {
			log.Error("failed to scan task row", "error", err)
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		t.Priority = task.Priority(priority)
		t.Status = task.Status(status)
		t.ErrorMessage = errMsg.String
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		log.Error("error iterating task rows", "error", err)
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

// nullString maps "" to SQL NULL so the error_message column stays nullable.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
