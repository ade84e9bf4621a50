package processor

import (
	"context"
	"fmt"
	"time"
)

// DefaultMockDelay — задержка mock-процессора по умолчанию.
const DefaultMockDelay = 3 * time.Second

// MockProcessor — процессор-заглушка для разработки и тестов.
//
// После задержки возвращает фиксированный профиль пользователя:
//
//	{"tags": ["digital", "price-sensitive"], "score": 95, "reason": "user is interested in: <content>"}
type MockProcessor struct {
	delay time.Duration
}

// NewMock создаёт MockProcessor.
// Spec.Delay < 0 отключает задержку, 0 означает DefaultMockDelay.
func NewMock(spec Spec) (Processor, error) {
	delay := spec.Delay
	switch {
	case delay == 0:
		delay = DefaultMockDelay
	case delay < 0:
		delay = 0
	}
	return &MockProcessor{delay: delay}, nil
}

// PrepareInput передаёт content дальше.
func (m *MockProcessor) PrepareInput(_ context.Context, payload Payload) (any, error) {
	return payload.Content, nil
}

// Process ждёт delay с учётом отмены ctx.
func (m *MockProcessor) Process(ctx context.Context, _ string, input any) (any, error) {
	content, _ := input.(string)

	if m.delay > 0 {
		timer := time.NewTimer(m.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return map[string]any{
		"tags":   []any{"digital", "price-sensitive"},
		"score":  95,
		"reason": fmt.Sprintf("user is interested in: %s", content),
	}, nil
}

// ParseResponse возвращает профиль без изменений.
func (m *MockProcessor) ParseResponse(_ context.Context, raw any) (map[string]any, error) {
	result, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected map, got %T", ErrInvalidResponse, raw)
	}
	return result, nil
}
