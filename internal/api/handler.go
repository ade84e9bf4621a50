package api

import (
	"context"
	"log/slog"

	"github.com/shaiso/AgentQueue/internal/domain"
)

// TaskStore — операции хранилища, нужные API.
type TaskStore interface {
	Create(ctx context.Context, task *domain.TaskRecord) error
	Get(ctx context.Context, id string) (*domain.TaskRecord, error)
	MarkEnqueued(ctx context.Context, id string) error
}

// TaskPublisher ставит TaskEnvelope в очередь запросов.
type TaskPublisher interface {
	PublishTask(ctx context.Context, env domain.TaskEnvelope) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	store            TaskStore
	publisher        TaskPublisher
	processors       map[string]bool
	defaultProcessor string
	logger           *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Store     TaskStore
	Publisher TaskPublisher

	// Processors — допустимые processor_type; пустой список отключает проверку.
	Processors []string

	// DefaultProcessor подставляется, если processor_type не указан.
	DefaultProcessor string

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var processors map[string]bool
	if len(cfg.Processors) > 0 {
		processors = make(map[string]bool, len(cfg.Processors))
		for _, tag := range cfg.Processors {
			processors[tag] = true
		}
	}

	return &Handler{
		store:            cfg.Store,
		publisher:        cfg.Publisher,
		processors:       processors,
		defaultProcessor: cfg.DefaultProcessor,
		logger:           logger,
	}
}
