package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/shaiso/AgentQueue/internal/domain"
	"github.com/shaiso/AgentQueue/internal/telemetry"
)

// SubmitTask создаёт task и ставит его в очередь.
// POST /api/v1/tasks
//
// Запись создаётся в статусе queued до публикации envelope. Если
// публикация не удалась, task остаётся queued и будет переотправлен
// sweeper'ом, поэтому клиент всё равно получает 202.
func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		badRequest(w, r, "user_id is required")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		badRequest(w, r, "content is required")
		return
	}

	processorType := req.ProcessorType
	if processorType == "" {
		processorType = h.defaultProcessor
	}
	if processorType != "" && h.processors != nil && !h.processors[processorType] {
		badRequest(w, r, "unknown processor_type: "+processorType)
		return
	}

	// 1. Создаём запись
	rec := domain.NewTaskRecord(uuid.NewString(), req.UserID, req.Content, processorType)
	if respondStoreError(w, r, h.logger, h.store.Create(r.Context(), rec)) {
		return
	}

	logger := telemetry.WithTaskID(h.logger, rec.ID)

	// 2. Публикуем envelope
	if err := h.publisher.PublishTask(r.Context(), rec.Envelope()); err != nil {
		logger.Warn("failed to publish task, sweeper will re-enqueue", "error", err)
	} else {
		logger.Info("task submitted", "processor", processorType, "user_id", rec.UserID)
		// Без отметки sweeper поставит task в очередь повторно.
		if err := h.store.MarkEnqueued(r.Context(), rec.ID); err != nil {
			logger.Warn("failed to mark task enqueued", "error", err)
		}
	}

	respondData(w, http.StatusAccepted, SubmitTaskResponse{TaskID: rec.ID, Status: rec.Status})
}

// GetTask возвращает запись task.
// GET /api/v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		badRequest(w, r, "task id is required")
		return
	}

	rec, err := h.store.Get(r.Context(), id)
	if respondStoreError(w, r, h.logger, err) {
		return
	}

	respondData(w, http.StatusOK, TaskFromDomain(rec))
}
