package api

import (
	"time"

	"github.com/shaiso/AgentQueue/internal/domain"
)

// SubmitTaskRequest — запрос на создание task.
type SubmitTaskRequest struct {
	UserID        string `json:"user_id"`
	Content       string `json:"content"`
	ProcessorType string `json:"processor_type,omitempty"`
}

// SubmitTaskResponse — ответ на создание task.
type SubmitTaskResponse struct {
	TaskID string            `json:"task_id"`
	Status domain.TaskStatus `json:"status"`
}

// TaskResponse — ответ с записью task.
type TaskResponse struct {
	TaskID        string            `json:"task_id"`
	UserID        string            `json:"user_id"`
	ProcessorType string            `json:"processor_type"`
	Status        domain.TaskStatus `json:"status"`
	Result        map[string]any    `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// TaskFromDomain конвертирует domain.TaskRecord в TaskResponse.
func TaskFromDomain(t *domain.TaskRecord) TaskResponse {
	return TaskResponse{
		TaskID:        t.ID,
		UserID:        t.UserID,
		ProcessorType: t.ProcessorType,
		Status:        t.Status,
		Result:        t.Result,
		Error:         t.Error,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}
