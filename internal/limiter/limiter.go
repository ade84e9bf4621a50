// Package limiter ограничивает число одновременно выполняемых tasks.
//
// Limiter — семафор на N разрешений поверх golang.org/x/sync/semaphore.
// Разрешение выдаётся через Acquire и возвращается функцией release,
// которую безопасно вызывать несколько раз.
package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// DefaultPermits — число разрешений по умолчанию.
const DefaultPermits = 10

// Config — конфигурация Limiter.
type Config struct {
	// Permits — максимум одновременно выданных разрешений (default: 10).
	Permits int

	// WaitTimeout — максимальное ожидание разрешения (0 — без ограничения).
	WaitTimeout time.Duration

	// Gauge — метрика занятых разрешений (опционально).
	Gauge prometheus.Gauge
}

// Limiter — счётный семафор с поддержкой закрытия.
type Limiter struct {
	sem         *semaphore.Weighted
	permits     int
	waitTimeout time.Duration
	gauge       prometheus.Gauge

	inFlight atomic.Int64

	closed    context.Context
	closeFunc context.CancelFunc
}

// New создаёт Limiter.
func New(cfg Config) *Limiter {
	permits := cfg.Permits
	if permits <= 0 {
		permits = DefaultPermits
	}
	closed, closeFunc := context.WithCancel(context.Background())
	return &Limiter{
		sem:         semaphore.NewWeighted(int64(permits)),
		permits:     permits,
		waitTimeout: cfg.WaitTimeout,
		gauge:       cfg.Gauge,
		closed:      closed,
		closeFunc:   closeFunc,
	}
}

// Acquire ждёт свободное разрешение.
//
// Возвращает ErrStopped после Close, ErrWaitTimeout по истечении WaitTimeout
// и ctx.Err() при отмене ctx. При ошибке разрешение не занято.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	if l.closed.Err() != nil {
		return nil, ErrStopped
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.closed, cancel)
	defer stop()

	if l.waitTimeout > 0 {
		var cancelTimeout context.CancelFunc
		waitCtx, cancelTimeout = context.WithTimeout(waitCtx, l.waitTimeout)
		defer cancelTimeout()
	}

	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		switch {
		case l.closed.Err() != nil:
			return nil, ErrStopped
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, ErrWaitTimeout
		}
	}

	// Acquire может успеть при уже закрытом лимитере.
	if l.closed.Err() != nil {
		l.sem.Release(1)
		return nil, ErrStopped
	}

	l.track(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			l.track(-1)
			l.sem.Release(1)
		})
	}, nil
}

// Do выполняет fn под разрешением; разрешение возвращается на любом
// пути выхода из fn, включая панику. Ошибка ожидания разрешения
// возвращается как есть, fn при этом не вызывается.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Close запрещает выдачу новых разрешений и будит ожидающих.
// Уже выданные разрешения остаются действительными до release.
func (l *Limiter) Close() {
	l.closeFunc()
}

// Closed возвращает true после Close.
func (l *Limiter) Closed() bool {
	return l.closed.Err() != nil
}

// InFlight возвращает число занятых разрешений.
func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}

// Available возвращает число свободных разрешений.
func (l *Limiter) Available() int {
	return l.permits - l.InFlight()
}

// Permits возвращает общее число разрешений.
func (l *Limiter) Permits() int {
	return l.permits
}

func (l *Limiter) track(delta int64) {
	l.inFlight.Add(delta)
	if l.gauge != nil {
		l.gauge.Add(float64(delta))
	}
}
