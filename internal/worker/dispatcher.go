package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/AgentQueue/internal/limiter"
	"github.com/shaiso/AgentQueue/internal/mq"
	"github.com/shaiso/AgentQueue/internal/processor"
	"github.com/shaiso/AgentQueue/internal/telemetry"
)

// Default configuration values.
const (
	defaultShutdownGrace    = 30 * time.Second
	defaultFinalizeTimeout  = 10 * time.Second
	defaultDefaultProcessor = processor.TypeMock
)

// Dispatcher выполняет tasks из очереди запросов.
//
// Для каждой доставки Dispatcher:
//   - проверяет запись task и отбрасывает повторные доставки
//   - берёт разрешение лимитера и захватывает task условным SetStatus
//   - выполняет процессор и записывает терминальный статус
//   - публикует OutcomeEnvelope и только после этого подтверждает доставку
//
// Несколько процессов с одной consumer group делят очередь; захват
// через SetStatus гарантирует, что task выполнит только один из них.
type Dispatcher struct {
	store     TaskStore
	publisher OutcomePublisher
	intake    Intake
	registry  *processor.Registry

	maxConcurrent    int
	acquireTimeout   time.Duration
	executionTimeout time.Duration
	shutdownGrace    time.Duration
	finalizeTimeout  time.Duration
	defaultProcessor string
	storeRetry       RetryPolicy
	publishRetry     RetryPolicy

	logger *slog.Logger

	// Lifecycle
	mu       sync.Mutex
	running  bool
	draining bool
	rt       *runtime
	inflight sync.WaitGroup
}

// runtime — состояние одного цикла Start/Stop.
type runtime struct {
	limiter *limiter.Limiter

	// intake — приём новых доставок; отменяется первым.
	intake       context.Context
	cancelIntake context.CancelFunc

	// work — выполнение процессоров; отменяется по истечении grace.
	work       context.Context
	cancelWork context.CancelFunc

	// final — терминальная запись и публикация outcome; отменяется последним.
	final       context.Context
	cancelFinal context.CancelFunc

	intakeDone chan struct{}
}

// Config — конфигурация Dispatcher.
type Config struct {
	Store     TaskStore
	Publisher OutcomePublisher
	Intake    Intake
	Registry  *processor.Registry

	// MaxConcurrentTasks — максимум одновременно выполняемых tasks (default: 10).
	MaxConcurrentTasks int

	// AcquireTimeout — ожидание свободного слота (0 — без ограничения).
	AcquireTimeout time.Duration

	// ExecutionTimeout — таймаут процессора (0 — без ограничения).
	ExecutionTimeout time.Duration

	// ShutdownGrace — сколько Stop ждёт выполняющиеся tasks (default: 30s).
	ShutdownGrace time.Duration

	// FinalizeTimeout — сколько после grace даётся на запись статуса и публикацию (default: 10s).
	FinalizeTimeout time.Duration

	// DefaultProcessor — процессор для envelope без processor_type (default: mock).
	DefaultProcessor string

	// StoreRetry — повторы операций хранилища до захвата (default: 5 попыток).
	StoreRetry RetryPolicy

	// PublishRetry — повторы публикации outcome и терминальной записи (default: до hard stop).
	PublishRetry RetryPolicy

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Dispatcher.
func New(cfg Config) *Dispatcher {
	maxConcurrent := cfg.MaxConcurrentTasks
	if maxConcurrent <= 0 {
		maxConcurrent = limiter.DefaultPermits
	}

	shutdownGrace := cfg.ShutdownGrace
	if shutdownGrace <= 0 {
		shutdownGrace = defaultShutdownGrace
	}

	finalizeTimeout := cfg.FinalizeTimeout
	if finalizeTimeout <= 0 {
		finalizeTimeout = defaultFinalizeTimeout
	}

	defaultProcessor := cfg.DefaultProcessor
	if defaultProcessor == "" {
		defaultProcessor = defaultDefaultProcessor
	}

	storeRetry := cfg.StoreRetry
	if storeRetry.MaxAttempts <= 0 {
		storeRetry.MaxAttempts = 5
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Registry != nil && !cfg.Registry.Has(defaultProcessor) {
		logger.Warn("default processor is not registered, such tasks will fail",
			"default_processor", defaultProcessor,
		)
	}

	return &Dispatcher{
		store:            cfg.Store,
		publisher:        cfg.Publisher,
		intake:           cfg.Intake,
		registry:         cfg.Registry,
		maxConcurrent:    maxConcurrent,
		acquireTimeout:   cfg.AcquireTimeout,
		executionTimeout: cfg.ExecutionTimeout,
		shutdownGrace:    shutdownGrace,
		finalizeTimeout:  finalizeTimeout,
		defaultProcessor: defaultProcessor,
		storeRetry:       storeRetry,
		publishRetry:     cfg.PublishRetry,
		logger:           logger,
	}
}

// Start запускает приём доставок.
//
// Каждый Start создаёт новый лимитер, поэтому разрешения одного цикла
// не переходят в следующий.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrAlreadyStarted
	}

	rt := &runtime{
		limiter: limiter.New(limiter.Config{
			Permits:     d.maxConcurrent,
			WaitTimeout: d.acquireTimeout,
			Gauge:       telemetry.TasksInFlight,
		}),
		intakeDone: make(chan struct{}),
	}
	rt.intake, rt.cancelIntake = context.WithCancel(ctx)
	// Выполнение и финализация не зависят от отмены родительского ctx:
	// их останавливает только Stop.
	rt.work, rt.cancelWork = context.WithCancel(context.WithoutCancel(ctx))
	rt.final, rt.cancelFinal = context.WithCancel(context.WithoutCancel(ctx))

	d.rt = rt
	d.running = true
	d.draining = false

	d.logger.Info("starting dispatcher",
		"max_concurrent_tasks", rt.limiter.Permits(),
		"default_processor", d.defaultProcessor,
		"processors", d.registry.Tags(),
	)

	go func() {
		defer close(rt.intakeDone)
		err := d.intake.Consume(rt.intake, func(_ context.Context, delivery *mq.Delivery) error {
			if !d.enter() {
				return ErrWorkerStopped
			}
			defer d.inflight.Done()
			return d.handleTaskRequest(rt, delivery)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("intake stopped with error", "error", err)
		}
	}()

	d.logger.Info("dispatcher started")
	return nil
}

// Stop останавливает Dispatcher.
//
//  1. Закрывает лимитер и прекращает приём доставок.
//  2. Ждёт выполняющиеся tasks до ShutdownGrace.
//  3. Отменяет процессоры: оставшиеся tasks завершаются как failed.
//  4. Через FinalizeTimeout отменяет запись статусов и публикацию.
//
// Возвращается, когда все обработчики вышли. Повторный вызов безопасен.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.draining = true
	rt := d.rt
	d.mu.Unlock()

	d.logger.Info("stopping dispatcher...",
		"in_flight", rt.limiter.InFlight(),
		"available", rt.limiter.Available(),
	)

	rt.limiter.Close()
	rt.cancelIntake()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		<-rt.intakeDone
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.shutdownGrace):
		d.logger.Warn("shutdown grace expired, cancelling in-flight tasks",
			"in_flight", rt.limiter.InFlight(),
		)
		rt.cancelWork()

		select {
		case <-done:
		case <-time.After(d.finalizeTimeout):
			d.logger.Error("finalize timeout expired, abandoning outcome publication")
			rt.cancelFinal()
			<-done
		}
	}

	rt.cancelWork()
	rt.cancelFinal()

	d.mu.Lock()
	d.running = false
	d.draining = false
	d.rt = nil
	d.mu.Unlock()

	d.logger.Info("dispatcher stopped")
}

// IsRunning проверяет, запущен ли Dispatcher.
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running && !d.draining
}

// InFlight возвращает число tasks, удерживающих разрешение лимитера.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rt == nil {
		return 0
	}
	return d.rt.limiter.InFlight()
}

// enter регистрирует обработчик; false после начала остановки.
// Add под тем же мьютексом, что и draining, не гонится с Wait в Stop.
func (d *Dispatcher) enter() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.draining {
		return false
	}
	d.inflight.Add(1)
	return true
}
