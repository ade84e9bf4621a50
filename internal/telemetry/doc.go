// Package telemetry — логирование и метрики AgentQueue.
//
// SetupLogger настраивает slog по LOG_LEVEL и LOG_FORMAT. WithTaskID и
// WithProcessor добавляют к логгеру ключи task_id и processor, по которым
// собираются все записи одной task.
//
// Метрики (metrics.go) регистрируются через promauto и отдаются
// воркером и API на /metrics.
package telemetry
