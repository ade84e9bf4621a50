package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/AgentQueue/internal/domain"
	"github.com/shaiso/AgentQueue/internal/repo"
)

type fakePublisher struct {
	mu   sync.Mutex
	sent []domain.TaskEnvelope
	err  error
}

func (p *fakePublisher) PublishTask(_ context.Context, env domain.TaskEnvelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, env)
	return nil
}

type brokenStore struct{}

func (brokenStore) Create(context.Context, *domain.TaskRecord) error {
	return errors.New("db down")
}

func (brokenStore) Get(context.Context, string) (*domain.TaskRecord, error) {
	return nil, errors.New("db down")
}

func (brokenStore) MarkEnqueued(context.Context, string) error {
	return errors.New("db down")
}

func newTestHandler(store TaskStore, pub TaskPublisher) http.Handler {
	return NewHandler(Config{
		Store:            store,
		Publisher:        pub,
		Processors:       []string{"mock", "echo"},
		DefaultProcessor: "mock",
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}).Routes()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

type submitBody struct {
	Data SubmitTaskResponse `json:"data"`
}

type taskBody struct {
	Data TaskResponse `json:"data"`
}

func TestSubmitTask_CreatesRecordBeforePublish(t *testing.T) {
	store := repo.NewMemoryTaskRepo()
	pub := &fakePublisher{}
	h := newTestHandler(store, pub)

	rr := do(t, h, http.MethodPost, "/api/v1/tasks", `{"user_id":"u-1","content":"phone price drop"}`)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	resp := decode[submitBody](t, rr)
	assert.NotEmpty(t, resp.Data.TaskID)
	assert.Equal(t, domain.TaskStatusQueued, resp.Data.Status)

	rec, err := store.Get(context.Background(), resp.Data.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, rec.Status)
	assert.Equal(t, "u-1", rec.UserID)
	assert.Equal(t, "mock", rec.ProcessorType)
	assert.NotNil(t, rec.EnqueuedAt, "confirmed publish must be recorded")

	require.Len(t, pub.sent, 1)
	assert.Equal(t, domain.TaskEnvelope{
		TaskID:        resp.Data.TaskID,
		UserID:        "u-1",
		Content:       "phone price drop",
		ProcessorType: "mock",
	}, pub.sent[0])
}

func TestSubmitTask_PublishFailureStillAccepted(t *testing.T) {
	store := repo.NewMemoryTaskRepo()
	h := newTestHandler(store, &fakePublisher{err: errors.New("broker down")})

	rr := do(t, h, http.MethodPost, "/api/v1/tasks", `{"user_id":"u-1","content":"x","processor_type":"echo"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	resp := decode[submitBody](t, rr)
	rec, err := store.Get(context.Background(), resp.Data.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, rec.Status)
	assert.Equal(t, "echo", rec.ProcessorType)
	assert.Nil(t, rec.EnqueuedAt)
}

func TestSubmitTask_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"user_id":`},
		{"missing user_id", `{"content":"x"}`},
		{"blank content", `{"user_id":"u-1","content":"  "}`},
		{"unknown processor", `{"user_id":"u-1","content":"x","processor_type":"ghost"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			h := newTestHandler(repo.NewMemoryTaskRepo(), pub)

			rr := do(t, h, http.MethodPost, "/api/v1/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)

			resp := decode[ErrorResponse](t, rr)
			assert.Equal(t, ErrCodeBadRequest, resp.Error.Code)
			assert.Empty(t, pub.sent)
		})
	}
}

func TestSubmitTask_StoreFailure(t *testing.T) {
	pub := &fakePublisher{}
	h := newTestHandler(brokenStore{}, pub)

	rr := do(t, h, http.MethodPost, "/api/v1/tasks", `{"user_id":"u-1","content":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, ErrCodeInternalError, decode[ErrorResponse](t, rr).Error.Code)
	assert.Empty(t, pub.sent)
}

func TestGetTask(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryTaskRepo()
	h := newTestHandler(store, &fakePublisher{})

	require.NoError(t, store.Create(ctx, domain.NewTaskRecord("t-1", "u-1", "x", "mock")))
	require.NoError(t, store.SetStatus(ctx, domain.StatusChange{TaskID: "t-1", Expected: domain.TaskStatusQueued, New: domain.TaskStatusRunning}))
	require.NoError(t, store.SetStatus(ctx, domain.StatusChange{
		TaskID:   "t-1",
		Expected: domain.TaskStatusRunning,
		New:      domain.TaskStatusDone,
		Result:   map[string]any{"score": 95},
	}))

	for _, path := range []string{"/api/v1/tasks/t-1", "/tasks/t-1"} {
		rr := do(t, h, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rr.Code, path)

		resp := decode[taskBody](t, rr)
		assert.Equal(t, "t-1", resp.Data.TaskID)
		assert.Equal(t, domain.TaskStatusDone, resp.Data.Status)
		assert.Equal(t, float64(95), resp.Data.Result["score"])
	}
}

func TestGetTask_NotFound(t *testing.T) {
	h := newTestHandler(repo.NewMemoryTaskRepo(), &fakePublisher{})

	rr := do(t, h, http.MethodGet, "/api/v1/tasks/ghost", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	resp := decode[ErrorResponse](t, rr)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
	assert.NotEmpty(t, resp.Error.RequestID)
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(repo.NewMemoryTaskRepo(), &fakePublisher{})

	rr := do(t, h, http.MethodDelete, "/api/v1/tasks/t-1", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, ErrCodeMethodNotAllowed, decode[ErrorResponse](t, rr).Error.Code)
}
