package limiter

import "errors"

// Ошибки лимитера.
var (
	// ErrStopped — лимитер закрыт, новые разрешения не выдаются.
	ErrStopped = errors.New("limiter stopped")

	// ErrWaitTimeout — разрешение не получено за отведённое время.
	ErrWaitTimeout = errors.New("concurrency wait timeout")
)
