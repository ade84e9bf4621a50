package domain

import (
	"errors"
	"strings"
)

// ErrInvalidEnvelope — envelope не проходит базовую проверку.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// TaskEnvelope — тело сообщения в Request Queue.
type TaskEnvelope struct {
	TaskID        string `json:"task_id"`
	UserID        string `json:"user_id"`
	Content       string `json:"content"`
	ProcessorType string `json:"processor_type,omitempty"`
}

// Validate проверяет обязательные поля envelope.
func (e TaskEnvelope) Validate() error {
	if strings.TrimSpace(e.TaskID) == "" {
		return errors.Join(ErrInvalidEnvelope, errors.New("task_id is required"))
	}
	return nil
}

// OutcomeEnvelope — тело сообщения в Result Queue.
//
// Публикуется ровно один раз на каждый терминальный переход.
type OutcomeEnvelope struct {
	TaskID string         `json:"task_id"`
	Status TaskStatus     `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}
