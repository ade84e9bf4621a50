package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/AgentQueue/internal/domain"
	"github.com/shaiso/AgentQueue/internal/limiter"
	"github.com/shaiso/AgentQueue/internal/mq"
	"github.com/shaiso/AgentQueue/internal/processor"
	"github.com/shaiso/AgentQueue/internal/repo"
	"github.com/shaiso/AgentQueue/internal/worker/mocks"
)

func newMockDispatcher(t *testing.T, store TaskStore, pub OutcomePublisher) *Dispatcher {
	t.Helper()
	reg, err := processor.Build(processor.DefaultFactories(), []processor.Spec{
		{Tag: processor.TypeMock, Delay: -1},
	})
	require.NoError(t, err)

	return New(Config{
		Store:        store,
		Publisher:    pub,
		Registry:     reg,
		StoreRetry:   RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond},
		PublishRetry: RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond},
		Logger:       discardLogger(),
	})
}

func newTestRuntime() *runtime {
	ctx := context.Background()
	return &runtime{
		limiter: limiter.New(limiter.Config{Permits: 1}),
		intake:  ctx,
		work:    ctx,
		final:   ctx,
	}
}

func envelopeDelivery(t *testing.T, env domain.TaskEnvelope) *mq.Delivery {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return &mq.Delivery{Raw: amqp.Delivery{Body: body}}
}

func TestHandleTaskRequest_RetriesTransientFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockTaskStore(ctrl)
	pub := mocks.NewMockOutcomePublisher(ctrl)
	d := newMockDispatcher(t, store, pub)

	rec := domain.NewTaskRecord("t-1", "u-1", "phone price drop", processor.TypeMock)

	gomock.InOrder(
		store.EXPECT().Get(gomock.Any(), "t-1").Return(nil, errors.New("connection reset")),
		store.EXPECT().Get(gomock.Any(), "t-1").Return(rec, nil),
		store.EXPECT().SetStatus(gomock.Any(), domain.StatusChange{
			TaskID:   "t-1",
			Expected: domain.TaskStatusQueued,
			New:      domain.TaskStatusRunning,
		}).Return(nil),
		store.EXPECT().SetStatus(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, change domain.StatusChange) error {
			assert.Equal(t, domain.TaskStatusRunning, change.Expected)
			assert.Equal(t, domain.TaskStatusDone, change.New)
			assert.Equal(t, 95, change.Result["score"])
			return nil
		}),
		pub.EXPECT().PublishOutcome(gomock.Any(), gomock.Any()).Return(errors.New("channel closed")),
		pub.EXPECT().PublishOutcome(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, out domain.OutcomeEnvelope) error {
			assert.Equal(t, "t-1", out.TaskID)
			assert.Equal(t, domain.TaskStatusDone, out.Status)
			return nil
		}),
		store.EXPECT().MarkPublished(gomock.Any(), "t-1").Return(nil),
	)

	err := d.handleTaskRequest(newTestRuntime(), envelopeDelivery(t, rec.Envelope()))
	require.NoError(t, err)
}

func TestHandleTaskRequest_ClaimConflictIsDuplicate(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockTaskStore(ctrl)
	pub := mocks.NewMockOutcomePublisher(ctrl)
	d := newMockDispatcher(t, store, pub)

	rec := domain.NewTaskRecord("t-2", "u-1", "x", processor.TypeMock)
	store.EXPECT().Get(gomock.Any(), "t-2").Return(rec, nil)
	store.EXPECT().SetStatus(gomock.Any(), gomock.Any()).Return(repo.ErrConflict)

	rt := newTestRuntime()
	err := d.handleTaskRequest(rt, envelopeDelivery(t, rec.Envelope()))
	require.NoError(t, err)
	assert.Equal(t, 0, rt.limiter.InFlight())
}

func TestHandleTaskRequest_StoreRetryExhausted(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockTaskStore(ctrl)
	pub := mocks.NewMockOutcomePublisher(ctrl)
	d := newMockDispatcher(t, store, pub)

	store.EXPECT().Get(gomock.Any(), "t-3").Return(nil, errors.New("db down")).Times(3)

	err := d.handleTaskRequest(newTestRuntime(), envelopeDelivery(t, domain.TaskEnvelope{TaskID: "t-3"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryExhausted)
	assert.NotErrorIs(t, err, mq.ErrReject)
}

func TestHandleTaskRequest_PublishFailureRequeues(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockTaskStore(ctrl)
	pub := mocks.NewMockOutcomePublisher(ctrl)
	d := newMockDispatcher(t, store, pub)

	rec := domain.NewTaskRecord("t-4", "u-1", "x", processor.TypeMock)
	store.EXPECT().Get(gomock.Any(), "t-4").Return(rec, nil)
	store.EXPECT().SetStatus(gomock.Any(), gomock.Any()).Return(nil).Times(2)
	pub.EXPECT().PublishOutcome(gomock.Any(), gomock.Any()).Return(errors.New("broker down")).Times(5)

	// Запись уже done без published_at: повторная доставка опубликует outcome.
	err := d.handleTaskRequest(newTestRuntime(), envelopeDelivery(t, rec.Envelope()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetryExhausted)
}

func TestHandleTaskRequest_NotQueuedAndPublished(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockTaskStore(ctrl)
	pub := mocks.NewMockOutcomePublisher(ctrl)
	d := newMockDispatcher(t, store, pub)

	rec := domain.NewTaskRecord("t-5", "u-1", "x", processor.TypeMock)
	rec.Status = domain.TaskStatusFailed
	now := time.Now()
	rec.PublishedAt = &now
	store.EXPECT().Get(gomock.Any(), "t-5").Return(rec, nil)

	err := d.handleTaskRequest(newTestRuntime(), envelopeDelivery(t, rec.Envelope()))
	require.NoError(t, err)
}

func TestProcessTask_DuplicateIsNotQueued(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockTaskStore(ctrl)
	pub := mocks.NewMockOutcomePublisher(ctrl)
	d := newMockDispatcher(t, store, pub)

	running := domain.NewTaskRecord("t-6", "u-1", "x", processor.TypeMock)
	running.Status = domain.TaskStatusRunning
	store.EXPECT().Get(gomock.Any(), "t-6").Return(running, nil).Times(2)

	err := d.processTask(newTestRuntime(), envelopeDelivery(t, running.Envelope()))
	assert.ErrorIs(t, err, ErrTaskNotQueued)

	// Обработчик доставки подтверждает дубликат.
	require.NoError(t, d.handleTaskRequest(newTestRuntime(), envelopeDelivery(t, running.Envelope())))

	queued := domain.NewTaskRecord("t-7", "u-1", "x", processor.TypeMock)
	store.EXPECT().Get(gomock.Any(), "t-7").Return(queued, nil)
	store.EXPECT().SetStatus(gomock.Any(), gomock.Any()).Return(repo.ErrConflict)

	err = d.processTask(newTestRuntime(), envelopeDelivery(t, queued.Envelope()))
	assert.ErrorIs(t, err, ErrTaskNotQueued)
}

func TestCalculateBackoff(t *testing.T) {
	policy := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateBackoff(tt.attempt, policy), "attempt %d", tt.attempt)
	}
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := retry(context.Background(), RetryPolicy{InitialDelay: time.Millisecond}, discardLogger(), "op",
		func(context.Context) error {
			calls++
			return repo.ErrConflict
		})
	assert.ErrorIs(t, err, repo.ErrConflict)
	assert.Equal(t, 1, calls)
}

func TestRetry_UnboundedStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := retry(ctx, RetryPolicy{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, discardLogger(), "publish",
		func(context.Context) error { return errors.New("broker down") })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
