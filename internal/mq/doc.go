// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, confirms, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация TaskEnvelope и OutcomeEnvelope
//   - consumer.go   — конкурентное потребление с ручным ack
//
// Типы сообщений:
//   - task.request — запрос на выполнение task (очередь consumer group)
//   - task.outcome — результат task (очередь результатов)
//
// Exchanges (по умолчанию):
//   - agentqueue.requests — запросы
//   - agentqueue.results  — результаты
//   - agentqueue.dlq      — отклонённые запросы
package mq
