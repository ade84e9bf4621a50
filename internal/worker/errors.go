package worker

import "errors"

// Ошибки воркера.
var (
	// ErrTaskNotFound — записи task нет в хранилище.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskNotQueued — task уже захвачен или завершён (повторная доставка).
	ErrTaskNotQueued = errors.New("task is not in queued status")

	// ErrWorkerStopped — воркер остановлен или останавливается.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrAlreadyStarted — повторный Start без Stop.
	ErrAlreadyStarted = errors.New("worker already started")

	// ErrWorkerShutdown — выполнение прервано остановкой воркера.
	ErrWorkerShutdown = errors.New("worker shutdown")

	// ErrProcessorPanic — процессор завершился паникой.
	ErrProcessorPanic = errors.New("processor panic")

	// ErrRetryExhausted — все попытки retry исчерпаны.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)
