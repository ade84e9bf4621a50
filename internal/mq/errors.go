package mq

import "errors"

// Ошибки очередей.
var (
	// ErrReject — обработчик отклоняет сообщение без возврата в очередь (уходит в DLQ).
	ErrReject = errors.New("message rejected")

	// ErrNoChannel — канал недоступен (соединение разорвано или закрыто).
	ErrNoChannel = errors.New("no channel available")

	// ErrNotConfirmed — брокер не подтвердил публикацию.
	ErrNotConfirmed = errors.New("publish not confirmed by broker")
)
