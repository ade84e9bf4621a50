package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики воркера и intake API.
var (
	// TasksReceived — количество полученных envelope'ов.
	TasksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentqueue_tasks_received_total",
		Help: "Total task envelopes received from the request queue",
	})

	// TasksDuplicate — дубликаты, отброшенные claim-протоколом.
	TasksDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentqueue_tasks_duplicate_total",
		Help: "Total deliveries dropped because the task was already claimed",
	})

	// TasksFinished — завершённые tasks по процессору и статусу.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentqueue_tasks_finished_total",
		Help: "Total tasks that reached a terminal status",
	}, []string{"processor", "status"})

	// TaskDuration — время выполнения процессора.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentqueue_task_duration_seconds",
		Help:    "Processor execution time",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"processor"})

	// TasksInFlight — занятые разрешения лимитера.
	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentqueue_tasks_in_flight",
		Help: "Tasks currently holding a concurrency permit",
	})

	// InfraRetries — повторы инфраструктурных операций (store, publish, ack).
	InfraRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentqueue_infra_retries_total",
		Help: "Retries of transient store/queue operations",
	}, []string{"op"})

	// SweeperRepublished — envelope'ы и outcome'ы, переотправленные sweeper'ом.
	SweeperRepublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentqueue_sweeper_republished_total",
		Help: "Messages re-published by the sweeper",
	}, []string{"kind"})

	// APIRequests — запросы к intake API.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentqueue_api_http_requests_total",
		Help: "Total HTTP requests handled by agentqueue-api",
	}, []string{"method", "status"})
)
