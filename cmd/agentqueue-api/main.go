// AgentQueue API — принимает tasks по HTTP.
//
// POST /api/v1/tasks создаёт запись task в статусе queued и ставит
// TaskEnvelope в очередь запросов. GET /api/v1/tasks/{id} отдаёт
// текущий статус и результат.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/AgentQueue/internal/api"
	"github.com/shaiso/AgentQueue/internal/config"
	"github.com/shaiso/AgentQueue/internal/mq"
	"github.com/shaiso/AgentQueue/internal/repo"
	"github.com/shaiso/AgentQueue/internal/telemetry"
)

var startTime = time.Now()

func main() {
	configPath := flag.String("config", os.Getenv("AGENTQUEUE_CONFIG"), "path to YAML or TOML config")
	flag.Parse()

	logger := telemetry.SetupLogger()
	logger.Info("starting agentqueue-api")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Store.Driver == repo.DriverMemory {
		logger.Warn("memory store is not shared with workers, use agentqueue-worker -api instead")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := repo.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		logger.Error("failed to open task store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("connected to task store", "driver", cfg.Store.Driver)

	mqConn, err := mq.Dial(mq.ConnectionConfig{URL: cfg.AMQPURL, Name: "agentqueue-api"}, logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()

	topology := cfg.Topology()
	if err := mq.SetupTopology(ctx, mqConn, topology); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}

	processors := make([]string, 0, len(cfg.Processors))
	for tag := range cfg.Processors {
		processors = append(processors, tag)
	}
	sort.Strings(processors)

	handler := api.NewHandler(api.Config{
		Store:            store,
		Publisher:        mq.NewPublisher(mqConn, logger, topology),
		Processors:       processors,
		DefaultProcessor: cfg.Worker.DefaultProcessor,
		Logger:           logger,
	})

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !mqConn.IsConnected() {
			http.Error(w, "rabbitmq disconnected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", handler.Routes())

	server := &http.Server{
		Addr:              ":" + cfg.API.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}
