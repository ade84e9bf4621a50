package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/AgentQueue/internal/telemetry"
)

// Payload — данные task, доступные процессору.
type Payload struct {
	TaskID  string `json:"task_id"`
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

// Processor — подключаемая логика выполнения task.
//
// Реализации должны быть безопасны для конкурентного использования:
// один экземпляр обслуживает все tasks своего тега.
type Processor interface {
	// PrepareInput превращает payload во вход для Process.
	PrepareInput(ctx context.Context, payload Payload) (any, error)

	// Process выполняет основную работу. Может блокироваться долго,
	// обязан уважать отмену ctx.
	Process(ctx context.Context, taskID string, input any) (any, error)

	// ParseResponse превращает сырой ответ Process в результат task.
	ParseResponse(ctx context.Context, raw any) (map[string]any, error)
}

// Spec — конфигурация одного процессора.
type Spec struct {
	// Tag — тег, по которому task выбирает процессор.
	Tag string `yaml:"-" toml:"-"`

	// Type — тип реализации (mock, echo, http, openai, anthropic).
	// Пустой Type означает Type == Tag.
	Type string `yaml:"type" toml:"type"`

	// Delay — задержка mock-процессора.
	Delay time.Duration `yaml:"delay" toml:"delay"`

	// HTTP
	URL     string            `yaml:"url" toml:"url"`
	Method  string            `yaml:"method" toml:"method"`
	Headers map[string]string `yaml:"headers" toml:"headers"`

	// LLM
	Model        string  `yaml:"model" toml:"model"`
	APIKey       string  `yaml:"api_key" toml:"api_key"`
	BaseURL      string  `yaml:"base_url" toml:"base_url"`
	MaxTokens    int     `yaml:"max_tokens" toml:"max_tokens"`
	MaxRetries   *int    `yaml:"max_retries" toml:"max_retries"`
	RatePerSec   float64 `yaml:"rate_per_sec" toml:"rate_per_sec"`
	SystemPrompt string  `yaml:"system_prompt" toml:"system_prompt"`

	// Prompt — шаблон пользовательского сообщения или тела HTTP-запроса.
	Prompt string `yaml:"prompt" toml:"prompt"`

	// Timeout — таймаут одного внешнего вызова.
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
}

// Kind возвращает тип реализации с учётом значения по умолчанию.
func (s Spec) Kind() string {
	if s.Type != "" {
		return s.Type
	}
	return s.Tag
}

// Factory создаёт процессор по спецификации.
type Factory func(Spec) (Processor, error)

// DefaultFactories возвращает фабрики встроенных типов.
func DefaultFactories() map[string]Factory {
	return map[string]Factory{
		TypeMock:      NewMock,
		TypeEcho:      NewEcho,
		TypeHTTP:      NewHTTP,
		TypeOpenAI:    NewOpenAI,
		TypeAnthropic: NewAnthropic,
	}
}

// Встроенные типы процессоров.
const (
	TypeMock      = "mock"
	TypeEcho      = "echo"
	TypeHTTP      = "http"
	TypeOpenAI    = "openai"
	TypeAnthropic = "anthropic"
)

// Run выполняет три шага процессора по порядку.
//
// Любая ошибка оборачивается в ErrExecution с именем шага.
// Логгер берётся из ctx (telemetry.WithLogger).
func Run(ctx context.Context, p Processor, payload Payload) (map[string]any, error) {
	logger := telemetry.FromContext(ctx)

	input, err := p.PrepareInput(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: prepare_input: %w", ErrExecution, err)
	}

	start := time.Now()
	raw, err := p.Process(ctx, payload.TaskID, input)
	if err != nil {
		return nil, fmt.Errorf("%w: process: %w", ErrExecution, err)
	}
	logger.Debug("processor responded", "duration", time.Since(start))

	result, err := p.ParseResponse(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse_response: %w", ErrExecution, err)
	}
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}
