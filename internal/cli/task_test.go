package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI отвечает как intake API: task становится done после pollsUntilDone запросов.
type fakeAPI struct {
	polls          atomic.Int32
	pollsUntilDone int32
	status         string

	mu        sync.Mutex
	submitted SubmitRequest
}

func (f *fakeAPI) lastSubmitted() SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/tasks":
		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.submitted = req
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"task_id": "t-1", "status": "queued"},
		})

	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/tasks/t-1":
		n := f.polls.Add(1)
		task := map[string]any{"task_id": "t-1", "processor_type": "mock", "status": "running"}
		if n >= f.pollsUntilDone {
			task["status"] = f.status
			if f.status == "done" {
				task["result"] = map[string]any{"score": 95, "tags": []string{"digital", "price-sensitive"}}
			} else {
				task["error"] = "processor boom"
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": task})

	default:
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "NOT_FOUND", "message": "task not found"},
		})
	}
}

func runCLI(t *testing.T, baseURL string, jsonMode bool, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer

	root := NewTaskCmd(
		func() *Client { return NewClient(baseURL) },
		func() *Output { return NewOutputTo(jsonMode, &stdout, &stderr) },
	)
	root.SilenceUsage = true
	root.SilenceErrors = true
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestTaskSubmit(t *testing.T) {
	api := &fakeAPI{pollsUntilDone: 1, status: "done"}
	srv := httptest.NewServer(api)
	defer srv.Close()

	stdout, stderr, err := runCLI(t, srv.URL, false, "submit", "--user", "u-7", "--processor", "mock", "phone", "price", "drop")
	require.NoError(t, err)

	assert.Contains(t, stderr, "Task submitted: t-1")
	assert.Contains(t, stdout, "TASK_ID")
	assert.Contains(t, stdout, "queued")
	assert.Equal(t, SubmitRequest{UserID: "u-7", Content: "phone price drop", ProcessorType: "mock"}, api.lastSubmitted())
}

func TestTaskStatus_JSON(t *testing.T) {
	srv := httptest.NewServer(&fakeAPI{pollsUntilDone: 1, status: "done"})
	defer srv.Close()

	stdout, _, err := runCLI(t, srv.URL, true, "status", "t-1")
	require.NoError(t, err)

	var task TaskResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &task))
	assert.Equal(t, "done", task.Status)
	assert.Equal(t, float64(95), task.Result["score"])
}

func TestTaskStatus_NotFound(t *testing.T) {
	srv := httptest.NewServer(&fakeAPI{})
	defer srv.Close()

	_, _, err := runCLI(t, srv.URL, false, "status", "ghost")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestTaskWait_PollsUntilFinished(t *testing.T) {
	api := &fakeAPI{pollsUntilDone: 3, status: "done"}
	srv := httptest.NewServer(api)
	defer srv.Close()

	stdout, _, err := runCLI(t, srv.URL, false, "wait", "t-1", "--interval", "5ms")
	require.NoError(t, err)

	assert.Equal(t, int32(3), api.polls.Load())
	assert.Contains(t, stdout, "done")
	assert.Contains(t, stdout, "score=95")
	assert.Contains(t, stdout, `tags=["digital","price-sensitive"]`)
}

func TestTaskWait_FailedTaskReturnsError(t *testing.T) {
	srv := httptest.NewServer(&fakeAPI{pollsUntilDone: 1, status: "failed"})
	defer srv.Close()

	_, _, err := runCLI(t, srv.URL, false, "wait", "t-1", "--interval", "5ms")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "processor boom")
}

func TestTaskWait_NotFound(t *testing.T) {
	srv := httptest.NewServer(&fakeAPI{})
	defer srv.Close()

	_, _, err := runCLI(t, srv.URL, false, "wait", "ghost", "--interval", "5ms")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "task ghost does not exist")
}

func TestTaskWait_Timeout(t *testing.T) {
	srv := httptest.NewServer(&fakeAPI{pollsUntilDone: 1 << 20, status: "done"})
	defer srv.Close()

	_, _, err := runCLI(t, srv.URL, false, "wait", "t-1", "--interval", "5ms", "--timeout", "30ms")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_WaitTaskRespectsContext(t *testing.T) {
	srv := httptest.NewServer(&fakeAPI{pollsUntilDone: 1 << 20})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewClient(srv.URL).WaitTask(ctx, "t-1", 5*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFormatResult(t *testing.T) {
	assert.Equal(t, "", formatResult(nil))
	assert.Equal(t, `reason="x" score=95`, formatResult(map[string]any{"score": 95, "reason": "x"}))
	assert.True(t, strings.HasPrefix(formatResult(map[string]any{"a": true}), "a=true"))
}
