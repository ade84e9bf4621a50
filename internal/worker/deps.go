package worker

import (
	"context"
	"time"

	"github.com/shaiso/AgentQueue/internal/domain"
	"github.com/shaiso/AgentQueue/internal/mq"
)

//go:generate mockgen -destination=mocks/mock_deps.go -package=mocks github.com/shaiso/AgentQueue/internal/worker TaskStore,OutcomePublisher

// TaskStore — операции хранилища, нужные Dispatcher'у.
type TaskStore interface {
	Get(ctx context.Context, id string) (*domain.TaskRecord, error)
	SetStatus(ctx context.Context, change domain.StatusChange) error
	MarkPublished(ctx context.Context, id string) error
}

// SweepStore — операции хранилища, нужные Sweeper'у.
type SweepStore interface {
	TaskStore
	MarkEnqueued(ctx context.Context, id string) error
	ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.TaskRecord, error)
	ListUnpublished(ctx context.Context, cutoff time.Time, limit int) ([]domain.TaskRecord, error)
}

// OutcomePublisher публикует результат task.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, outcome domain.OutcomeEnvelope) error
}

// TaskPublisher ставит TaskEnvelope в очередь запросов.
type TaskPublisher interface {
	PublishTask(ctx context.Context, env domain.TaskEnvelope) error
}

// Intake — источник доставок (очередь запросов).
//
// Consume вызывает handler для каждой доставки и подтверждает её по
// результату; возвращается после отмены ctx и завершения обработчиков.
type Intake interface {
	Consume(ctx context.Context, handler mq.Handler) error
}
