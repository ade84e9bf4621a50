package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/AgentQueue/internal/domain"
	"github.com/shaiso/AgentQueue/internal/repo"
)

func newTestSweeper(store SweepStore, pub *fakePublisher) *Sweeper {
	s := NewSweeper(SweeperConfig{
		Store:    store,
		Tasks:    pub,
		Outcomes: pub,
		Logger:   discardLogger(),
	})
	// Все записи считаются устаревшими.
	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	return s
}

func finishTask(t *testing.T, store repo.Store, id string, status domain.TaskStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.SetStatus(ctx, domain.StatusChange{TaskID: id, Expected: domain.TaskStatusQueued, New: domain.TaskStatusRunning}))
	change := domain.StatusChange{TaskID: id, Expected: domain.TaskStatusRunning, New: status}
	if status == domain.TaskStatusDone {
		change.Result = map[string]any{"ok": true}
	} else {
		change.Error = "boom"
	}
	require.NoError(t, store.SetStatus(ctx, change))
}

func TestSweeper_RepublishesStaleQueued(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryTaskRepo()
	pub := &fakePublisher{}
	s := newTestSweeper(store, pub)

	rec := domain.NewTaskRecord("q-1", "u-1", "phone price drop", "mock")
	require.NoError(t, store.Create(ctx, rec))

	require.NoError(t, s.Tick(ctx))

	tasks := pub.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, rec.Envelope(), tasks[0])

	got, err := store.Get(ctx, "q-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, got.Status)
	assert.NotNil(t, got.EnqueuedAt)

	// Envelope уже в брокере: следующий тик его не дублирует.
	require.NoError(t, s.Tick(ctx))
	assert.Len(t, pub.Tasks(), 1)
}

func TestSweeper_SkipsEnqueuedBacklog(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryTaskRepo()
	pub := &fakePublisher{}
	s := newTestSweeper(store, pub)

	require.NoError(t, store.Create(ctx, domain.NewTaskRecord("b-1", "u-1", "x", "mock")))
	require.NoError(t, store.MarkEnqueued(ctx, "b-1"))
	require.NoError(t, store.Create(ctx, domain.NewTaskRecord("b-2", "u-1", "x", "mock")))

	require.NoError(t, s.Tick(ctx))

	tasks := pub.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "b-2", tasks[0].TaskID)
}

func TestSweeper_RepublishesUnpublishedOutcomes(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryTaskRepo()
	pub := &fakePublisher{}
	s := newTestSweeper(store, pub)

	for _, id := range []string{"d-1", "f-1", "p-1"} {
		require.NoError(t, store.Create(ctx, domain.NewTaskRecord(id, "u-1", "x", "mock")))
	}
	finishTask(t, store, "d-1", domain.TaskStatusDone)
	finishTask(t, store, "f-1", domain.TaskStatusFailed)
	finishTask(t, store, "p-1", domain.TaskStatusDone)
	require.NoError(t, store.MarkPublished(ctx, "p-1"))

	require.NoError(t, s.Tick(ctx))

	outcomes := pub.Outcomes()
	require.Len(t, outcomes, 2)
	byID := map[string]domain.OutcomeEnvelope{}
	for _, o := range outcomes {
		byID[o.TaskID] = o
	}
	assert.Equal(t, domain.TaskStatusDone, byID["d-1"].Status)
	assert.Equal(t, map[string]any{"ok": true}, byID["d-1"].Result)
	assert.Equal(t, domain.TaskStatusFailed, byID["f-1"].Status)
	assert.Equal(t, "boom", byID["f-1"].Error)

	for _, id := range []string{"d-1", "f-1"} {
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, got.PublishedAt)
	}

	// Второй тик ничего не публикует.
	require.NoError(t, s.Tick(ctx))
	assert.Len(t, pub.Outcomes(), 2)
	assert.Empty(t, pub.Tasks())
}

func TestSweeper_SkipsFreshRecords(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryTaskRepo()
	pub := &fakePublisher{}
	s := newTestSweeper(store, pub)
	s.now = time.Now

	require.NoError(t, store.Create(ctx, domain.NewTaskRecord("fresh", "u-1", "x", "mock")))
	require.NoError(t, s.Tick(ctx))
	assert.Empty(t, pub.Tasks())
}

func TestSweeper_PublishFailureKeepsRecord(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryTaskRepo()
	pub := &fakePublisher{failN: 1}
	s := newTestSweeper(store, pub)

	require.NoError(t, store.Create(ctx, domain.NewTaskRecord("d-2", "u-1", "x", "mock")))
	finishTask(t, store, "d-2", domain.TaskStatusDone)

	require.NoError(t, s.Tick(ctx))
	assert.Empty(t, pub.Outcomes())

	got, err := store.Get(ctx, "d-2")
	require.NoError(t, err)
	assert.Nil(t, got.PublishedAt)

	require.NoError(t, s.Tick(ctx))
	assert.Len(t, pub.Outcomes(), 1)
}

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("@every 30s"))
	assert.NoError(t, ValidateSchedule("*/5 * * * *"))
	assert.Error(t, ValidateSchedule("every now and then"))
}

func TestSweeper_StartStop(t *testing.T) {
	s := NewSweeper(SweeperConfig{
		Store:    repo.NewMemoryTaskRepo(),
		Tasks:    &fakePublisher{},
		Outcomes: &fakePublisher{},
		Logger:   discardLogger(),
		Schedule: "@every 1h",
	})

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	s.Stop()
	s.Stop()

	bad := NewSweeper(SweeperConfig{Schedule: "bogus", Logger: discardLogger()})
	assert.Error(t, bad.Start(context.Background()))
}
