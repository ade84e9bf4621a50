package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/AgentQueue/internal/domain"
	"github.com/shaiso/AgentQueue/internal/mq"
	"github.com/shaiso/AgentQueue/internal/processor"
	"github.com/shaiso/AgentQueue/internal/repo"
	"github.com/shaiso/AgentQueue/internal/telemetry"
)

// handleTaskRequest обрабатывает одну доставку из очереди запросов.
//
// nil — доставку можно подтвердить: task завершён и outcome опубликован,
// либо доставка оказалась дубликатом. Ошибка — вернуть в очередь.
func (d *Dispatcher) handleTaskRequest(rt *runtime, delivery *mq.Delivery) error {
	telemetry.TasksReceived.Inc()

	err := d.processTask(rt, delivery)
	if errors.Is(err, ErrTaskNotQueued) {
		// Дубликат — подтверждаем без выполнения
		return nil
	}
	return err
}

// processTask ведёт task от доставки до опубликованного outcome.
func (d *Dispatcher) processTask(rt *runtime, delivery *mq.Delivery) error {
	// 1. Парсим envelope
	var env domain.TaskEnvelope
	if err := delivery.Decode(&env); err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("%w: %w", mq.ErrReject, err)
	}
	if env.ProcessorType == "" {
		env.ProcessorType = d.defaultProcessor
	}

	logger := telemetry.WithProcessor(telemetry.WithTaskID(d.logger, env.TaskID), env.ProcessorType)
	logger.Debug("received task request",
		"message_id", delivery.MessageID(),
		"redelivered", delivery.Redelivered(),
	)

	// 2. Загружаем запись
	var rec *domain.TaskRecord
	err := retry(rt.work, d.storeRetry, logger, "get", func(ctx context.Context) error {
		var err error
		rec, err = d.store.Get(ctx, env.TaskID)
		return err
	})
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Запись могла ещё не стать видимой — пусть брокер доставит снова.
			return fmt.Errorf("%w: %s", ErrTaskNotFound, env.TaskID)
		}
		return fmt.Errorf("get task: %w", err)
	}

	// 3. Дубликат: task уже захвачен или завершён
	if rec.Status != domain.TaskStatusQueued {
		return d.handleDuplicate(rt, logger, rec)
	}

	// 4. Разрешение лимитера держится до конца публикации.
	var acquired bool
	err = rt.limiter.Do(rt.work, func(context.Context) error {
		acquired = true
		return d.runClaimed(rt, logger, env)
	})
	if err != nil && !acquired {
		logger.Debug("no concurrency permit, requeueing",
			"limiter_closed", rt.limiter.Closed(),
			"error", err,
		)
		return fmt.Errorf("acquire permit: %w", err)
	}
	return err
}

// runClaimed захватывает task и доводит его до опубликованного outcome.
// Вызывается под разрешением лимитера.
func (d *Dispatcher) runClaimed(rt *runtime, logger *slog.Logger, env domain.TaskEnvelope) error {
	// 5. Захват: queued → running
	err := retry(rt.work, d.storeRetry, logger, "claim", func(ctx context.Context) error {
		return d.store.SetStatus(ctx, domain.StatusChange{
			TaskID:   env.TaskID,
			Expected: domain.TaskStatusQueued,
			New:      domain.TaskStatusRunning,
		})
	})
	switch {
	case errors.Is(err, repo.ErrConflict):
		telemetry.TasksDuplicate.Inc()
		logger.Debug("task claimed by another delivery, dropping")
		return fmt.Errorf("%w: %s claimed concurrently", ErrTaskNotQueued, env.TaskID)
	case errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrTaskNotFound, env.TaskID)
	case err != nil:
		return fmt.Errorf("claim task: %w", err)
	}

	logger.Info("task started")

	// 6. Выполняем процессор
	start := time.Now()
	result, execErr := d.execute(rt, logger, env)
	telemetry.TaskDuration.WithLabelValues(env.ProcessorType).Observe(time.Since(start).Seconds())

	// 7. Терминальная запись
	outcome := domain.OutcomeEnvelope{TaskID: env.TaskID}
	change := domain.StatusChange{TaskID: env.TaskID, Expected: domain.TaskStatusRunning}
	if execErr == nil {
		change.New, change.Result = domain.TaskStatusDone, result
		outcome.Status, outcome.Result = domain.TaskStatusDone, result
	} else {
		change.New, change.Error = domain.TaskStatusFailed, execErr.Error()
		outcome.Status, outcome.Error = domain.TaskStatusFailed, execErr.Error()
	}

	err = retry(rt.final, d.publishRetry, logger, "finalize", func(ctx context.Context) error {
		return d.store.SetStatus(ctx, change)
	})
	if err != nil {
		logger.Error("failed to write terminal status", "status", change.New, "error", err)
		return fmt.Errorf("finalize task: %w", err)
	}

	telemetry.TasksFinished.WithLabelValues(env.ProcessorType, string(change.New)).Inc()
	if execErr == nil {
		logger.Info("task done", "duration", time.Since(start))
	} else {
		logger.Warn("task failed", "duration", time.Since(start), "error", execErr)
	}

	// 8. Публикуем outcome
	return d.publishOutcome(rt.final, logger, outcome)
}

// handleDuplicate обрабатывает повторную доставку уже захваченного task.
// Возвращает ErrTaskNotQueued, если делать нечего.
//
// Если task завершён, а публикация outcome не подтверждена (процесс упал
// между записью статуса и публикацией), outcome публикуется повторно.
func (d *Dispatcher) handleDuplicate(rt *runtime, logger *slog.Logger, rec *domain.TaskRecord) error {
	telemetry.TasksDuplicate.Inc()

	if rec.NeedsPublish() {
		logger.Info("re-publishing unconfirmed outcome", "status", rec.Status)
		return d.publishOutcome(rt.final, logger, rec.Outcome())
	}

	logger.Debug("duplicate delivery, dropping", "status", rec.Status)
	return fmt.Errorf("%w: %s is %s", ErrTaskNotQueued, rec.ID, rec.Status)
}

// execute находит процессор и выполняет три его шага.
func (d *Dispatcher) execute(rt *runtime, logger *slog.Logger, env domain.TaskEnvelope) (result map[string]any, err error) {
	p, err := d.registry.Lookup(env.ProcessorType)
	if err != nil {
		return nil, err
	}

	ctx := telemetry.WithLogger(rt.work, logger)
	if d.executionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.executionTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("%w: %v", ErrProcessorPanic, r)
		}
	}()

	result, err = processor.Run(ctx, p, processor.Payload{
		TaskID:  env.TaskID,
		UserID:  env.UserID,
		Content: env.Content,
	})
	if err != nil && rt.work.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrWorkerShutdown, err)
	}
	return result, err
}

// publishOutcome публикует outcome до успеха или отмены ctx,
// затем отмечает публикацию в хранилище.
func (d *Dispatcher) publishOutcome(ctx context.Context, logger *slog.Logger, outcome domain.OutcomeEnvelope) error {
	err := retry(ctx, d.publishRetry, logger, "publish", func(ctx context.Context) error {
		return d.publisher.PublishOutcome(ctx, outcome)
	})
	if err != nil {
		logger.Error("failed to publish outcome", "status", outcome.Status, "error", err)
		return fmt.Errorf("publish outcome: %w", err)
	}

	// Отметка нужна только sweeper'у; её потеря даст повторную публикацию
	// с тем же MessageId.
	err = retry(ctx, d.storeRetry, logger, "mark_published", func(ctx context.Context) error {
		return d.store.MarkPublished(ctx, outcome.TaskID)
	})
	if err != nil {
		logger.Warn("failed to mark outcome published", "error", err)
	}
	return nil
}
