package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/AgentQueue/internal/domain"
)

// MemoryTaskRepo — хранилище tasks в памяти процесса.
// Используется в тестах и для запуска одного процесса без БД.
type MemoryTaskRepo struct {
	mu    sync.Mutex
	tasks map[string]*domain.TaskRecord
}

// NewMemoryTaskRepo создаёт пустое хранилище.
func NewMemoryTaskRepo() *MemoryTaskRepo {
	return &MemoryTaskRepo{tasks: make(map[string]*domain.TaskRecord)}
}

// Create создаёт новую запись.
func (r *MemoryTaskRepo) Create(_ context.Context, task *domain.TaskRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[task.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, task.ID)
	}
	r.tasks[task.ID] = task.Clone()
	return nil
}

// Get возвращает копию записи.
func (r *MemoryTaskRepo) Get(_ context.Context, id string) (*domain.TaskRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return task.Clone(), nil
}

// SetStatus выполняет условный переход статуса под мьютексом.
func (r *MemoryTaskRepo) SetStatus(_ context.Context, change domain.StatusChange) error {
	if err := checkTransition(change); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[change.TaskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, change.TaskID)
	}
	if task.Status != change.Expected {
		return fmt.Errorf("%w: task %s is %s, expected %s", ErrConflict, change.TaskID, task.Status, change.Expected)
	}

	result, errText := terminalFields(change)
	task.Status = change.New
	task.Result = cloneMap(result)
	task.Error = errText
	task.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkPublished отмечает, что outcome подтверждён брокером.
func (r *MemoryTaskRepo) MarkPublished(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if task.PublishedAt == nil {
		now := time.Now().UTC()
		task.PublishedAt = &now
	}
	return nil
}

// MarkEnqueued отмечает, что envelope подтверждён брокером.
func (r *MemoryTaskRepo) MarkEnqueued(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if task.EnqueuedAt == nil {
		now := time.Now().UTC()
		task.EnqueuedAt = &now
	}
	return nil
}

// ListQueuedBefore возвращает queued записи старше cutoff,
// чей envelope не был подтверждён брокером.
func (r *MemoryTaskRepo) ListQueuedBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.TaskRecord, error) {
	return r.filter(limit, func(t *domain.TaskRecord) bool {
		return t.Status == domain.TaskStatusQueued && t.EnqueuedAt == nil && t.UpdatedAt.Before(cutoff)
	}), nil
}

// ListUnpublished возвращает терминальные записи без подтверждённой публикации.
func (r *MemoryTaskRepo) ListUnpublished(_ context.Context, cutoff time.Time, limit int) ([]domain.TaskRecord, error) {
	return r.filter(limit, func(t *domain.TaskRecord) bool {
		return t.NeedsPublish() && t.UpdatedAt.Before(cutoff)
	}), nil
}

// Close ничего не делает.
func (r *MemoryTaskRepo) Close() error { return nil }

func (r *MemoryTaskRepo) filter(limit int, match func(*domain.TaskRecord) bool) []domain.TaskRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.TaskRecord
	for _, task := range r.tasks {
		if match(task) {
			out = append(out, *task.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
