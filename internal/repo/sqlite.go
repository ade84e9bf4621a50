package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shaiso/AgentQueue/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteTaskRepo — репозиторий tasks поверх SQLite.
// Подходит для одного процесса воркера и локальной разработки.
type SQLiteTaskRepo struct {
	db *sql.DB
}

// OpenSQLite открывает (и при необходимости создаёт) БД по пути path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteTaskRepo, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Один писатель: условные UPDATE сериализуются без SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if err := bootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteTaskRepo{db: db}, nil
}

func bootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_tasks (
  id             TEXT PRIMARY KEY,
  user_id        TEXT NOT NULL DEFAULT '',
  content        TEXT NOT NULL DEFAULT '',
  processor_type TEXT NOT NULL DEFAULT '',
  status         TEXT NOT NULL,
  result         JSON,
  error          TEXT,
  created_at     TEXT NOT NULL,
  updated_at     TEXT NOT NULL,
  enqueued_at    TEXT,
  published_at   TEXT
);`,
		`CREATE INDEX IF NOT EXISTS agent_tasks_status_updated_idx ON agent_tasks(status, updated_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

// Create создаёт новую запись.
func (r *SQLiteTaskRepo) Create(ctx context.Context, task *domain.TaskRecord) error {
	resultJSON, err := marshalResult(task.Result)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO agent_tasks (id, user_id, content, processor_type, status, result, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		task.ID,
		task.UserID,
		task.Content,
		task.ProcessorType,
		string(task.Status),
		nullJSON(resultJSON),
		nullString(task.Error),
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, task.ID)
	}
	return nil
}

// Get возвращает запись по ID.
func (r *SQLiteTaskRepo) Get(ctx context.Context, id string) (*domain.TaskRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE id = ?`, id)
	return scanSQLiteTask(row)
}

// SetStatus выполняет условный переход статуса одним UPDATE.
func (r *SQLiteTaskRepo) SetStatus(ctx context.Context, change domain.StatusChange) error {
	if err := checkTransition(change); err != nil {
		return err
	}
	result, errText := terminalFields(change)
	resultJSON, err := marshalResult(result)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE agent_tasks
		SET status = ?, result = ?, error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(change.New),
		nullJSON(resultJSON),
		nullString(errText),
		formatTime(time.Now()),
		change.TaskID,
		string(change.Expected),
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM agent_tasks WHERE id = ?`, change.TaskID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, change.TaskID)
	}
	if err != nil {
		return fmt.Errorf("read task status: %w", err)
	}
	return fmt.Errorf("%w: task %s is %s, expected %s", ErrConflict, change.TaskID, current, change.Expected)
}

// MarkPublished отмечает, что outcome подтверждён брокером.
func (r *SQLiteTaskRepo) MarkPublished(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE agent_tasks SET published_at = ? WHERE id = ? AND published_at IS NULL`,
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return r.exists(ctx, id)
}

// MarkEnqueued отмечает, что envelope подтверждён брокером.
func (r *SQLiteTaskRepo) MarkEnqueued(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE agent_tasks SET enqueued_at = ? WHERE id = ? AND enqueued_at IS NULL`,
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark enqueued: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return r.exists(ctx, id)
}

// ListQueuedBefore возвращает queued записи старше cutoff без отметки enqueued_at.
func (r *SQLiteTaskRepo) ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.TaskRecord, error) {
	return r.list(ctx, `SELECT `+taskColumns+`
		FROM agent_tasks
		WHERE status = 'queued' AND enqueued_at IS NULL AND updated_at < ?
		ORDER BY created_at ASC
		LIMIT ?`, formatTime(cutoff), limit)
}

// ListUnpublished возвращает терминальные записи без подтверждённой публикации.
func (r *SQLiteTaskRepo) ListUnpublished(ctx context.Context, cutoff time.Time, limit int) ([]domain.TaskRecord, error) {
	return r.list(ctx, `SELECT `+taskColumns+`
		FROM agent_tasks
		WHERE status IN ('done', 'failed') AND published_at IS NULL AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`, formatTime(cutoff), limit)
}

// Close закрывает БД.
func (r *SQLiteTaskRepo) Close() error {
	return r.db.Close()
}

// --- Helpers ---

func (r *SQLiteTaskRepo) exists(ctx context.Context, id string) error {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM agent_tasks WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("check task: %w", err)
	}
	return nil
}

func (r *SQLiteTaskRepo) list(ctx context.Context, query string, args ...any) ([]domain.TaskRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.TaskRecord
	for rows.Next() {
		task, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (*domain.TaskRecord, error) {
	var (
		task                 domain.TaskRecord
		status               string
		resultJSON, errText  sql.NullString
		createdAt, updatedAt string
		enqueuedAt           sql.NullString
		publishedAt          sql.NullString
	)
	err := row.Scan(
		&task.ID,
		&task.UserID,
		&task.Content,
		&task.ProcessorType,
		&status,
		&resultJSON,
		&errText,
		&createdAt,
		&updatedAt,
		&enqueuedAt,
		&publishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	task.Status = domain.TaskStatus(status)
	task.Error = errText.String
	if resultJSON.Valid {
		if err := json.Unmarshal([]byte(resultJSON.String), &task.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if task.EnqueuedAt, err = parseNullTime(enqueuedAt); err != nil {
		return nil, err
	}
	if task.PublishedAt, err = parseNullTime(publishedAt); err != nil {
		return nil, err
	}
	return &task, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Время хранится в UTC с фиксированной шириной, чтобы строки сравнивались как время.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func nullJSON(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}
