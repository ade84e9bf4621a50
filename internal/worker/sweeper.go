package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/AgentQueue/internal/telemetry"
)

// Default configuration values.
const (
	DefaultSweepSchedule = "@every 30s"
	defaultStaleAfter    = time.Minute
	defaultSweepBatch    = 100
)

// sweepParser — парсер расписаний sweeper'а (cron или @every).
var sweepParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule проверяет расписание sweeper'а.
func ValidateSchedule(spec string) error {
	if _, err := sweepParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

// Sweeper восстанавливает сообщения, потерянные между хранилищем и брокером.
//
// Каждый тик:
//  1. Находит tasks, которые давно лежат в queued (публикация envelope
//     не удалась или сообщение потеряно), и публикует envelope повторно.
//  2. Находит завершённые tasks без подтверждённой публикации outcome
//     и публикует outcome повторно.
//
// Повторные envelope'ы отбрасываются claim-протоколом, повторные
// outcome'ы имеют тот же MessageId.
type Sweeper struct {
	store    SweepStore
	tasks    TaskPublisher
	outcomes OutcomePublisher
	logger   *slog.Logger

	schedule   string
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// SweeperConfig — конфигурация Sweeper.
type SweeperConfig struct {
	Store    SweepStore
	Tasks    TaskPublisher
	Outcomes OutcomePublisher
	Logger   *slog.Logger

	// Schedule — cron-выражение или @every (default: @every 30s).
	Schedule string

	// StaleAfter — сколько запись должна не меняться, чтобы попасть в выборку (default: 1m).
	StaleAfter time.Duration

	// BatchSize — записей каждого вида за тик (default: 100).
	BatchSize int
}

// NewSweeper создаёт новый Sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultSweepBatch
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Sweeper{
		store:      cfg.Store,
		tasks:      cfg.Tasks,
		outcomes:   cfg.Outcomes,
		logger:     logger,
		schedule:   schedule,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		now:        time.Now,
	}
}

// Start запускает тики по расписанию.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return ErrAlreadyStarted
	}

	c := cron.New(cron.WithParser(sweepParser))
	_, err := c.AddFunc(s.schedule, func() {
		if err := s.Tick(ctx); err != nil {
			s.logger.Error("sweeper tick failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}

	c.Start()
	s.cron = c

	s.logger.Info("sweeper started",
		"schedule", s.schedule,
		"stale_after", s.staleAfter,
		"batch_size", s.batchSize,
	)
	return nil
}

// Stop останавливает тики и ждёт завершения текущего.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// Tick выполняет один проход.
// Ошибки отдельных записей не прерывают обработку остальных.
func (s *Sweeper) Tick(ctx context.Context) error {
	cutoff := s.now().Add(-s.staleAfter)

	requeued, err := s.sweepQueued(ctx, cutoff)
	if err != nil {
		return err
	}

	republished, err := s.sweepUnpublished(ctx, cutoff)
	if err != nil {
		return err
	}

	if requeued > 0 || republished > 0 {
		s.logger.Info("sweeper tick completed",
			"requeued", requeued,
			"outcomes_republished", republished,
		)
	}
	return nil
}

// sweepQueued публикует envelope'ы зависших queued tasks.
func (s *Sweeper) sweepQueued(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := s.store.ListQueuedBefore(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale queued tasks: %w", err)
	}

	var n int
	for i := range stale {
		rec := &stale[i]
		if err := s.tasks.PublishTask(ctx, rec.Envelope()); err != nil {
			s.logger.Warn("failed to re-publish task envelope", "task_id", rec.ID, "error", err)
			continue
		}
		// Подтверждённый envelope лежит в брокере, повторно не публикуем.
		if err := s.store.MarkEnqueued(ctx, rec.ID); err != nil {
			s.logger.Warn("failed to mark task enqueued", "task_id", rec.ID, "error", err)
		}
		telemetry.SweeperRepublished.WithLabelValues("task").Inc()
		n++
	}
	return n, nil
}

// sweepUnpublished публикует outcome'ы завершённых tasks без отметки публикации.
func (s *Sweeper) sweepUnpublished(ctx context.Context, cutoff time.Time) (int, error) {
	finished, err := s.store.ListUnpublished(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list unpublished outcomes: %w", err)
	}

	var n int
	for i := range finished {
		rec := &finished[i]
		if err := s.outcomes.PublishOutcome(ctx, rec.Outcome()); err != nil {
			s.logger.Warn("failed to re-publish outcome", "task_id", rec.ID, "error", err)
			continue
		}
		if err := s.store.MarkPublished(ctx, rec.ID); err != nil {
			s.logger.Warn("failed to mark outcome published", "task_id", rec.ID, "error", err)
		}
		telemetry.SweeperRepublished.WithLabelValues("outcome").Inc()
		n++
	}
	return n, nil
}
