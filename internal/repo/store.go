package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/AgentQueue/internal/domain"
)

// Драйверы хранилища.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Store — хранилище записей tasks.
//
// Все реализации гарантируют, что SetStatus — одна условная запись:
// переход применяется только если текущий статус равен ожидаемому.
type Store interface {
	Create(ctx context.Context, task *domain.TaskRecord) error
	Get(ctx context.Context, id string) (*domain.TaskRecord, error)
	SetStatus(ctx context.Context, change domain.StatusChange) error
	MarkPublished(ctx context.Context, id string) error
	MarkEnqueued(ctx context.Context, id string) error
	ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.TaskRecord, error)
	ListUnpublished(ctx context.Context, cutoff time.Time, limit int) ([]domain.TaskRecord, error)
	Close() error
}

// Open открывает хранилище по имени драйвера.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case DriverPostgres:
		pool, err := NewPool(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if err := Bootstrap(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return NewTaskRepo(pool), nil
	case DriverSQLite:
		return OpenSQLite(ctx, dsn)
	case DriverMemory:
		return NewMemoryTaskRepo(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}

// checkTransition проверяет StatusChange до обращения к БД.
func checkTransition(change domain.StatusChange) error {
	if !domain.CanTransition(change.Expected, change.New) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, change.Expected, change.New)
	}
	return nil
}

// terminalFields возвращает result/error, которые сохраняются при переходе.
// Для перехода в running оба поля пустые.
func terminalFields(change domain.StatusChange) (map[string]any, string) {
	switch change.New {
	case domain.TaskStatusDone:
		return change.Result, ""
	case domain.TaskStatusFailed:
		return nil, change.Error
	default:
		return nil, ""
	}
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
