package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DefaultPermits(t *testing.T) {
	l := New(Config{})
	assert.Equal(t, DefaultPermits, l.Permits())
	assert.Equal(t, DefaultPermits, l.Available())
}

func TestAcquire_NeverExceedsPermits(t *testing.T) {
	const permits = 3
	l := New(Config{Permits: permits})

	var (
		wg      sync.WaitGroup
		current atomic.Int32
		peak    atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(permits))
	assert.Equal(t, 0, l.InFlight())
	assert.Equal(t, permits, l.Available())
}

func TestRelease_Idempotent(t *testing.T) {
	l := New(Config{Permits: 1})

	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, l.InFlight())

	release()
	release()
	assert.Equal(t, 0, l.InFlight())

	// Двойной release не должен дать второе разрешение.
	r1, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer r1()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcquire_WaitTimeout(t *testing.T) {
	l := New(Config{Permits: 1, WaitTimeout: 20 * time.Millisecond})

	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = l.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.Equal(t, 1, l.InFlight())
}

func TestAcquire_ContextCanceled(t *testing.T) {
	l := New(Config{Permits: 1})
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClose_WakesWaiters(t *testing.T) {
	l := New(Config{Permits: 1})
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Acquire(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	l.Close()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, ErrStopped), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by Close")
	}

	// Выданное до Close разрешение возвращается как обычно.
	release()
	assert.Equal(t, 0, l.InFlight())

	_, err = l.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.True(t, l.Closed())
}

func TestGauge_TracksInFlight(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_in_flight"})
	l := New(Config{Permits: 2, Gauge: gauge})

	r1, err := l.Acquire(context.Background())
	require.NoError(t, err)
	r2, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(gauge))

	r1()
	r2()
	assert.Equal(t, float64(0), testutil.ToFloat64(gauge))
}

func TestDo_ReleasesOnErrorAndPanic(t *testing.T) {
	l := New(Config{Permits: 1})
	boom := errors.New("boom")

	err := l.Do(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, l.InFlight())

	assert.Panics(t, func() {
		_ = l.Do(context.Background(), func(context.Context) error { panic("processor") })
	})
	assert.Equal(t, 1, l.Available())
}

func TestDo_SkipsFnWhenClosed(t *testing.T) {
	l := New(Config{Permits: 1})
	l.Close()

	called := false
	err := l.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, called)
}
