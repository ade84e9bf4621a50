package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/AgentQueue/internal/repo"
	"github.com/shaiso/AgentQueue/internal/telemetry"
)

// RetryPolicy — политика повторов инфраструктурных операций.
type RetryPolicy struct {
	// MaxAttempts — максимум попыток; 0 — до отмены ctx.
	MaxAttempts int

	// InitialDelay — задержка перед второй попыткой.
	InitialDelay time.Duration

	// MaxDelay — верхняя граница задержки.
	MaxDelay time.Duration
}

// withDefaults заполняет пустые задержки.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// calculateBackoff вычисляет задержку перед попыткой attempt+1.
// delay = initialDelay * 2^(attempt-1), capped at maxDelay
func calculateBackoff(attempt int, policy RetryPolicy) time.Duration {
	delay := policy.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > policy.MaxDelay {
			return policy.MaxDelay
		}
	}
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// isPermanent — ошибки хранилища, которые повтор не исправит.
func isPermanent(err error) bool {
	return errors.Is(err, repo.ErrNotFound) ||
		errors.Is(err, repo.ErrConflict) ||
		errors.Is(err, repo.ErrInvalidTransition) ||
		errors.Is(err, repo.ErrAlreadyExists)
}

// retry выполняет fn с exponential backoff, пока ошибка временная.
func retry(ctx context.Context, policy RetryPolicy, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	policy = policy.withDefaults()

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || isPermanent(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, errors.Join(err, ctx.Err()))
		}
		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			return fmt.Errorf("%w: %s after %d attempts: %w", ErrRetryExhausted, op, attempt, err)
		}

		delay := calculateBackoff(attempt, policy)
		telemetry.InfraRetries.WithLabelValues(op).Inc()
		logger.Warn("transient failure, retrying",
			"op", op,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		// Ждём с учётом context
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", op, errors.Join(err, ctx.Err()))
		}
	}
}
