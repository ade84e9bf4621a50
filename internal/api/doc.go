// Package api содержит HTTP API приёма tasks.
//
// Структура:
//   - handler.go      — Handler с DI (хранилище, publisher, logger)
//   - routes.go       — роутер chi и регистрация маршрутов
//   - middleware.go   — middleware (logging, recovery)
//   - response.go     — унифицированные JSON-ответы и обработка ошибок
//   - dto.go          — Data Transfer Objects (request/response)
//   - task_handler.go — обработчики для /tasks
//
// Маршруты:
//
//	POST /api/v1/tasks      — создать task, 202 {data: {task_id, status: "queued"}}
//	GET  /api/v1/tasks/{id} — получить запись task
package api
