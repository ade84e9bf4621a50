// Package worker выполняет tasks из очереди запросов.
//
// # Обзор
//
// Worker — stateless компонент AgentQueue. Состояние task живёт в
// хранилище (repo.Store), очереди живут в RabbitMQ. Несколько процессов
// с одной consumer group читают одну очередь запросов; условный SetStatus
// гарантирует, что каждый task выполнит ровно один из них.
//
// # Ключевые компоненты
//
// ## Dispatcher
//
// Потребляет TaskEnvelope'ы, ограничивает параллелизм лимитером и
// проводит task через queued → running → done|failed.
//
//	d := worker.New(worker.Config{
//	    Store:              store,
//	    Publisher:          publisher,
//	    Intake:             consumer,
//	    Registry:           registry,
//	    MaxConcurrentTasks: 10,
//	    Logger:             logger,
//	})
//
//	if err := d.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer d.Stop()
//
// ## Sweeper
//
// По расписанию (robfig/cron) переотправляет envelope'ы зависших queued
// tasks и outcome'ы, публикация которых не подтверждена.
//
// # Обработка доставки
//
//  1. Разбор envelope; некорректный уходит в DLQ
//  2. Загрузка записи; не queued — дубликат (при необходимости outcome публикуется повторно)
//  3. Разрешение лимитера
//  4. Захват: SetStatus(queued → running)
//  5. Выполнение процессора (prepareInput → process → parseResponse)
//  6. SetStatus(running → done|failed)
//  7. Публикация OutcomeEnvelope, затем ack
//
// # Ошибки
//
// Временные ошибки хранилища и брокера повторяются с exponential backoff
// (RetryPolicy). Ошибки процессора не повторяются: task завершается
// как failed с текстом ошибки.
//
// # Остановка
//
// Stop прекращает приём, ждёт выполняющиеся tasks до ShutdownGrace,
// затем отменяет процессоры. Прерванные tasks завершаются как failed
// и получают outcome.
package worker
