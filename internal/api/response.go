package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/shaiso/AgentQueue/internal/repo"
)

// ErrorCode — машинно-читаемый код ошибки в теле ответа.
type ErrorCode string

const (
	ErrCodeBadRequest       ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeConflict         ErrorCode = "CONFLICT"
	ErrCodeInternalError    ErrorCode = "INTERNAL_ERROR"
	ErrCodeMethodNotAllowed ErrorCode = "METHOD_NOT_ALLOWED"
)

// ErrorResponse — тело ответа с ошибкой: {"error": {...}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail описывает ошибку. RequestID совпадает с X-Request-Id в логах.
type ErrorDetail struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
}

// DataResponse — тело успешного ответа: {"data": ...}.
type DataResponse struct {
	Data any `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// respondData отвечает {"data": data} с заданным статусом (200 или 202).
func respondData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, DataResponse{Data: data})
}

// respondError отвечает {"error": {...}}.
func respondError(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			RequestID: middleware.GetReqID(r.Context()),
		},
	})
}

func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// internalError логирует причину; клиенту уходит только общий текст.
func internalError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	logger.Error("internal error",
		"error", err,
		"request_id", middleware.GetReqID(r.Context()),
	)
	respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// respondStoreError переводит ошибку хранилища в HTTP ответ.
// Возвращает false, если err == nil и обработку нужно продолжить.
func respondStoreError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, repo.ErrNotFound):
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "task not found")
	case errors.Is(err, repo.ErrAlreadyExists):
		respondError(w, r, http.StatusConflict, ErrCodeConflict, "task already exists")
	default:
		internalError(w, r, logger, err)
	}
	return true
}
