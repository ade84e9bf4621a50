// AgentQueue Worker — выполняет agent tasks.
//
// Worker:
//   - Получает TaskEnvelope из очереди запросов (consumer group)
//   - Захватывает запись task условным переходом queued → running
//   - Выполняет процессор с ограничением параллелизма
//   - Записывает done/failed и публикует outcome в очередь результатов
//
// Workers масштабируются горизонтально: все экземпляры одной группы
// читают одну очередь запросов.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/AgentQueue/internal/api"
	"github.com/shaiso/AgentQueue/internal/config"
	"github.com/shaiso/AgentQueue/internal/mq"
	"github.com/shaiso/AgentQueue/internal/processor"
	"github.com/shaiso/AgentQueue/internal/repo"
	"github.com/shaiso/AgentQueue/internal/telemetry"
	"github.com/shaiso/AgentQueue/internal/worker"
)

func main() {
	configPath := flag.String("config", os.Getenv("AGENTQUEUE_CONFIG"), "path to YAML or TOML config")
	serveAPI := flag.Bool("api", false, "also serve the intake API on the worker port")
	flag.Parse()

	logger := telemetry.SetupLogger()
	logger.Info("starting agentqueue-worker")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := repo.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		logger.Error("failed to open task store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("task store opened", "driver", cfg.Store.Driver)

	registry, err := processor.Build(processor.DefaultFactories(), cfg.ProcessorSpecs())
	if err != nil {
		logger.Error("failed to build processors", "error", err)
		os.Exit(1)
	}
	logger.Info("processors registered", "tags", registry.Tags(), "default", cfg.Worker.DefaultProcessor)

	// RabbitMQ
	mqConn, err := mq.Dial(mq.ConnectionConfig{URL: cfg.AMQPURL, Name: "agentqueue-worker"}, logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()
	logger.Info("RabbitMQ connected")

	topology := cfg.Topology()
	if err := mq.SetupTopology(ctx, mqConn, topology); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}

	publisher := mq.NewPublisher(mqConn, logger, topology)
	consumer := mq.NewConsumer(mqConn, logger, mq.ConsumerConfig{
		Queue:    topology.RequestQueue(),
		Prefetch: cfg.Worker.Prefetch,
	})

	d := worker.New(worker.Config{
		Store:              store,
		Publisher:          publisher,
		Intake:             consumer,
		Registry:           registry,
		MaxConcurrentTasks: cfg.Worker.MaxConcurrentTasks,
		AcquireTimeout:     cfg.Worker.AcquireTimeout,
		ExecutionTimeout:   cfg.Worker.ExecutionTimeout,
		ShutdownGrace:      cfg.Worker.ShutdownGrace,
		FinalizeTimeout:    cfg.Worker.FinalizeTimeout,
		DefaultProcessor:   cfg.Worker.DefaultProcessor,
		Logger:             logger,
	})
	if err := d.Start(ctx); err != nil {
		logger.Error("failed to start dispatcher", "error", err)
		os.Exit(1)
	}

	var sweeper *worker.Sweeper
	if !cfg.Sweeper.Disabled {
		sweeper = worker.NewSweeper(worker.SweeperConfig{
			Store:      store,
			Tasks:      publisher,
			Outcomes:   publisher,
			Logger:     logger,
			Schedule:   cfg.Sweeper.Schedule,
			StaleAfter: cfg.Sweeper.StaleAfter,
			BatchSize:  cfg.Sweeper.BatchSize,
		})
		if err := sweeper.Start(ctx); err != nil {
			logger.Error("failed to start sweeper", "error", err)
			os.Exit(1)
		}
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !mqConn.IsConnected() {
			http.Error(w, "rabbitmq disconnected", http.StatusServiceUnavailable)
			return
		}
		if !d.IsRunning() {
			http.Error(w, "dispatcher stopping", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok in_flight=%d", d.InFlight())
	})
	mux.Handle("/metrics", promhttp.Handler())

	// С драйвером memory API и worker должны жить в одном процессе.
	if *serveAPI {
		handler := api.NewHandler(api.Config{
			Store:            store,
			Publisher:        publisher,
			Processors:       registry.Tags(),
			DefaultProcessor: cfg.Worker.DefaultProcessor,
			Logger:           logger,
		})
		mux.Handle("/", handler.Routes())
	}

	server := &http.Server{
		Addr:              ":" + cfg.Worker.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	// Ожидаем сигнал завершения
	<-gctx.Done()
	logger.Info("shutting down")

	if sweeper != nil {
		sweeper.Stop()
	}
	d.Stop()

	if err := g.Wait(); err != nil {
		logger.Error("http server error", "error", err)
	}
	logger.Info("agentqueue-worker stopped")
}
