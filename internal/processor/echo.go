package processor

import (
	"context"
	"fmt"
)

// EchoProcessor возвращает payload как результат.
type EchoProcessor struct{}

// NewEcho создаёт EchoProcessor.
func NewEcho(Spec) (Processor, error) {
	return EchoProcessor{}, nil
}

func (EchoProcessor) PrepareInput(_ context.Context, payload Payload) (any, error) {
	return map[string]any{
		"task_id": payload.TaskID,
		"user_id": payload.UserID,
		"content": payload.Content,
	}, nil
}

func (EchoProcessor) Process(_ context.Context, _ string, input any) (any, error) {
	return input, nil
}

func (EchoProcessor) ParseResponse(_ context.Context, raw any) (map[string]any, error) {
	result, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected map, got %T", ErrInvalidResponse, raw)
	}
	return result, nil
}
