package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/AgentQueue/internal/domain"
)

const taskColumns = `id, user_id, content, processor_type, status, result, error,
		       created_at, updated_at, enqueued_at, published_at`

// TaskRepo — репозиторий tasks поверх Postgres.
type TaskRepo struct {
	pool *pgxpool.Pool
}

// NewTaskRepo создаёт новый TaskRepo.
func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

// Create создаёт новую запись.
func (r *TaskRepo) Create(ctx context.Context, task *domain.TaskRecord) error {
	resultJSON, err := marshalResult(task.Result)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO agent_tasks (id, user_id, content, processor_type, status, result, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query,
		task.ID,
		task.UserID,
		task.Content,
		task.ProcessorType,
		task.Status,
		resultJSON,
		nullString(task.Error),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, task.ID)
	}
	return nil
}

// Get возвращает запись по ID.
func (r *TaskRepo) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM agent_tasks WHERE id = $1`
	return r.scanTask(r.pool.QueryRow(ctx, query, id))
}

// SetStatus выполняет условный переход статуса одним UPDATE.
//
// Если ни одна строка не изменилась, отличает отсутствие записи (ErrNotFound)
// от проигранной гонки (ErrConflict).
func (r *TaskRepo) SetStatus(ctx context.Context, change domain.StatusChange) error {
	if err := checkTransition(change); err != nil {
		return err
	}
	result, errText := terminalFields(change)
	resultJSON, err := marshalResult(result)
	if err != nil {
		return err
	}

	query := `
		UPDATE agent_tasks
		SET status = $3, result = $4, error = $5, updated_at = $6
		WHERE id = $1 AND status = $2
	`
	tag, err := r.pool.Exec(ctx, query,
		change.TaskID,
		change.Expected,
		change.New,
		resultJSON,
		nullString(errText),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current domain.TaskStatus
	err = r.pool.QueryRow(ctx, `SELECT status FROM agent_tasks WHERE id = $1`, change.TaskID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, change.TaskID)
	}
	if err != nil {
		return fmt.Errorf("read task status: %w", err)
	}
	return fmt.Errorf("%w: task %s is %s, expected %s", ErrConflict, change.TaskID, current, change.Expected)
}

// MarkPublished отмечает, что outcome подтверждён брокером.
// Повторный вызов не меняет время первой отметки.
func (r *TaskRepo) MarkPublished(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE agent_tasks SET published_at = $2
		WHERE id = $1 AND published_at IS NULL
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.exists(ctx, id)
}

// MarkEnqueued отмечает, что envelope подтверждён брокером.
// После отметки sweeper больше не ставит task в очередь.
func (r *TaskRepo) MarkEnqueued(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE agent_tasks SET enqueued_at = $2
		WHERE id = $1 AND enqueued_at IS NULL
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark enqueued: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return r.exists(ctx, id)
}

// ListQueuedBefore возвращает queued записи старше cutoff,
// чей envelope не был подтверждён брокером.
func (r *TaskRepo) ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.TaskRecord, error) {
	query := `SELECT ` + taskColumns + `
		FROM agent_tasks
		WHERE status = 'queued' AND enqueued_at IS NULL AND updated_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	return r.list(ctx, query, cutoff, limit)
}

// ListUnpublished возвращает терминальные записи без подтверждённой публикации.
func (r *TaskRepo) ListUnpublished(ctx context.Context, cutoff time.Time, limit int) ([]domain.TaskRecord, error) {
	query := `SELECT ` + taskColumns + `
		FROM agent_tasks
		WHERE status IN ('done', 'failed') AND published_at IS NULL AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	return r.list(ctx, query, cutoff, limit)
}

// Close закрывает пул.
func (r *TaskRepo) Close() error {
	r.pool.Close()
	return nil
}

// --- Helpers ---

func (r *TaskRepo) exists(ctx context.Context, id string) error {
	var one int
	err := r.pool.QueryRow(ctx, `SELECT 1 FROM agent_tasks WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("check task: %w", err)
	}
	return nil
}

func (r *TaskRepo) list(ctx context.Context, query string, cutoff time.Time, limit int) ([]domain.TaskRecord, error) {
	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.TaskRecord
	for rows.Next() {
		task, err := r.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func (r *TaskRepo) scanTask(row pgx.Row) (*domain.TaskRecord, error) {
	var task domain.TaskRecord
	var resultJSON []byte
	var taskError *string

	err := row.Scan(
		&task.ID,
		&task.UserID,
		&task.Content,
		&task.ProcessorType,
		&task.Status,
		&resultJSON,
		&taskError,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.EnqueuedAt,
		&task.PublishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &task.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if taskError != nil {
		task.Error = *taskError
	}
	return &task, nil
}

// marshalResult сериализует result; nil остаётся NULL.
func marshalResult(result map[string]any) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return data, nil
}
