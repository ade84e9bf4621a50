package repo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/AgentQueue/internal/domain"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	stores := map[string]Store{
		DriverMemory: NewMemoryTaskRepo(),
	}

	sqliteStore, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	stores[DriverSQLite] = sqliteStore

	if dsn := os.Getenv("TEST_DB_URL"); dsn != "" {
		pg, err := Open(ctx, DriverPostgres, dsn)
		require.NoError(t, err)
		stores[DriverPostgres] = pg
	}

	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func newRecord(t *testing.T, s Store) *domain.TaskRecord {
	t.Helper()
	rec := domain.NewTaskRecord(uuid.NewString(), "u1", "phone price drop", "mock")
	require.NoError(t, s.Create(context.Background(), rec))
	return rec
}

func TestStore_CreateGet(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newRecord(t, s)

			got, err := s.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, rec.ID, got.ID)
			assert.Equal(t, "u1", got.UserID)
			assert.Equal(t, "phone price drop", got.Content)
			assert.Equal(t, "mock", got.ProcessorType)
			assert.Equal(t, domain.TaskStatusQueued, got.Status)
			assert.Nil(t, got.PublishedAt)

			err = s.Create(ctx, rec)
			assert.ErrorIs(t, err, ErrAlreadyExists)

			_, err = s.Get(ctx, "missing-"+uuid.NewString())
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_SetStatusLifecycle(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newRecord(t, s)

			require.NoError(t, s.SetStatus(ctx, domain.StatusChange{
				TaskID: rec.ID, Expected: domain.TaskStatusQueued, New: domain.TaskStatusRunning,
			}))
			require.NoError(t, s.SetStatus(ctx, domain.StatusChange{
				TaskID:   rec.ID,
				Expected: domain.TaskStatusRunning,
				New:      domain.TaskStatusDone,
				Result:   map[string]any{"score": float64(95)},
			}))

			got, err := s.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.TaskStatusDone, got.Status)
			assert.Equal(t, float64(95), got.Result["score"])
			assert.Empty(t, got.Error)
		})
	}
}

func TestStore_SetStatusConflictAndNotFound(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newRecord(t, s)

			// running → failed без claim: запись всё ещё queued.
			err := s.SetStatus(ctx, domain.StatusChange{
				TaskID: rec.ID, Expected: domain.TaskStatusRunning, New: domain.TaskStatusFailed, Error: "boom",
			})
			assert.ErrorIs(t, err, ErrConflict)

			err = s.SetStatus(ctx, domain.StatusChange{
				TaskID: "missing-" + uuid.NewString(), Expected: domain.TaskStatusQueued, New: domain.TaskStatusRunning,
			})
			assert.ErrorIs(t, err, ErrNotFound)

			got, err := s.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.TaskStatusQueued, got.Status)
		})
	}
}

func TestStore_RejectsInvalidTransition(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newRecord(t, s)

			for _, change := range []domain.StatusChange{
				{TaskID: rec.ID, Expected: domain.TaskStatusQueued, New: domain.TaskStatusDone},
				{TaskID: rec.ID, Expected: domain.TaskStatusDone, New: domain.TaskStatusQueued},
				{TaskID: rec.ID, Expected: domain.TaskStatusFailed, New: domain.TaskStatusRunning},
			} {
				err := s.SetStatus(ctx, change)
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", change.Expected, change.New)
			}
		})
	}
}

func TestStore_ConcurrentClaimSingleWinner(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newRecord(t, s)

			var (
				wg        sync.WaitGroup
				winners   atomic.Int32
				conflicts atomic.Int32
			)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := s.SetStatus(ctx, domain.StatusChange{
						TaskID: rec.ID, Expected: domain.TaskStatusQueued, New: domain.TaskStatusRunning,
					})
					switch {
					case err == nil:
						winners.Add(1)
					case errors.Is(err, ErrConflict):
						conflicts.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int32(1), winners.Load())
			assert.Equal(t, int32(15), conflicts.Load())
		})
	}
}

func TestStore_PublishTracking(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newRecord(t, s)

			require.NoError(t, s.SetStatus(ctx, domain.StatusChange{
				TaskID: rec.ID, Expected: domain.TaskStatusQueued, New: domain.TaskStatusRunning,
			}))
			require.NoError(t, s.SetStatus(ctx, domain.StatusChange{
				TaskID: rec.ID, Expected: domain.TaskStatusRunning, New: domain.TaskStatusFailed, Error: "boom",
			}))

			cutoff := time.Now().Add(time.Second)
			unpublished, err := s.ListUnpublished(ctx, cutoff, 1000)
			require.NoError(t, err)
			assert.Contains(t, ids(unpublished), rec.ID)

			require.NoError(t, s.MarkPublished(ctx, rec.ID))
			got, err := s.Get(ctx, rec.ID)
			require.NoError(t, err)
			require.NotNil(t, got.PublishedAt)
			first := *got.PublishedAt

			require.NoError(t, s.MarkPublished(ctx, rec.ID))
			got, err = s.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.True(t, first.Equal(*got.PublishedAt))

			unpublished, err = s.ListUnpublished(ctx, cutoff, 1000)
			require.NoError(t, err)
			assert.NotContains(t, ids(unpublished), rec.ID)

			assert.ErrorIs(t, s.MarkPublished(ctx, "missing-"+uuid.NewString()), ErrNotFound)
		})
	}
}

func TestStore_ListQueuedBefore(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stale := newRecord(t, s)
			claimed := newRecord(t, s)
			require.NoError(t, s.SetStatus(ctx, domain.StatusChange{
				TaskID: claimed.ID, Expected: domain.TaskStatusQueued, New: domain.TaskStatusRunning,
			}))

			queued, err := s.ListQueuedBefore(ctx, time.Now().Add(time.Second), 1000)
			require.NoError(t, err)
			assert.Contains(t, ids(queued), stale.ID)
			assert.NotContains(t, ids(queued), claimed.ID)

			queued, err = s.ListQueuedBefore(ctx, time.Now().Add(-time.Hour), 1000)
			require.NoError(t, err)
			assert.NotContains(t, ids(queued), stale.ID)

			// Подтверждённый envelope ждёт в брокере, запись больше не выдаётся.
			require.NoError(t, s.MarkEnqueued(ctx, stale.ID))
			queued, err = s.ListQueuedBefore(ctx, time.Now().Add(time.Hour), 1000)
			require.NoError(t, err)
			assert.NotContains(t, ids(queued), stale.ID)
		})
	}
}

func TestStore_MarkEnqueued(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := newRecord(t, s)

			got, err := s.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.Nil(t, got.EnqueuedAt)

			require.NoError(t, s.MarkEnqueued(ctx, rec.ID))
			got, err = s.Get(ctx, rec.ID)
			require.NoError(t, err)
			require.NotNil(t, got.EnqueuedAt)
			first := *got.EnqueuedAt

			// Повторная отметка не сдвигает время.
			require.NoError(t, s.MarkEnqueued(ctx, rec.ID))
			got, err = s.Get(ctx, rec.ID)
			require.NoError(t, err)
			assert.True(t, got.EnqueuedAt.Equal(first))

			assert.ErrorIs(t, s.MarkEnqueued(ctx, "missing-"+uuid.NewString()), ErrNotFound)
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mongo", "")
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func ids(tasks []domain.TaskRecord) []string {
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task.ID)
	}
	return out
}
