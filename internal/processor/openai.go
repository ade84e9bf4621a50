package processor

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"golang.org/x/time/rate"
)

const (
	defaultOpenAIModel = "gpt-4o-mini"
	defaultMaxTokens   = 512
)

// chatInput — отрендеренные сообщения для LLM.
type chatInput struct {
	System string
	User   string
}

// OpenAIProcessor строит профиль пользователя через Chat Completions API.
//
// BaseURL позволяет указать любой OpenAI-совместимый endpoint.
type OpenAIProcessor struct {
	client    *openai.Client
	model     string
	maxTokens int
	limiter   *rate.Limiter
	system    *Template
	user      *Template
}

// NewOpenAI создаёт OpenAIProcessor.
func NewOpenAI(spec Spec) (Processor, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(spec.APIKey),
	}
	if spec.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(spec.BaseURL))
	}
	if spec.MaxRetries != nil {
		opts = append(opts, option.WithMaxRetries(*spec.MaxRetries))
	}
	if spec.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(spec.Timeout))
	}
	client := openai.NewClient(opts...)

	system, user, err := parsePrompts(spec)
	if err != nil {
		return nil, err
	}

	model := spec.Model
	if model == "" {
		model = defaultOpenAIModel
	}

	return &OpenAIProcessor{
		client:    &client,
		model:     model,
		maxTokens: maxTokens(spec),
		limiter:   newRateLimiter(spec),
		system:    system,
		user:      user,
	}, nil
}

func (p *OpenAIProcessor) PrepareInput(_ context.Context, payload Payload) (any, error) {
	return renderChat(p.system, p.user, payload)
}

// Process отправляет запрос с учётом rate limit.
func (p *OpenAIProcessor) Process(ctx context.Context, _ string, input any) (any, error) {
	chat, ok := input.(chatInput)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected input %T", ErrInvalidInput, input)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if chat.System != "" {
		messages = append(messages, openai.SystemMessage(chat.System))
	}
	messages = append(messages, openai.UserMessage(chat.User))

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     shared.ChatModel(p.model),
		Messages:  messages,
		MaxTokens: openai.Int(int64(p.maxTokens)),
	})
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in response", ErrInvalidResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProcessor) ParseResponse(_ context.Context, raw any) (map[string]any, error) {
	text, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("%w: expected string, got %T", ErrInvalidResponse, raw)
	}
	return parseProfile(text)
}

// --- общие помощники LLM-процессоров ---

func parsePrompts(spec Spec) (system, user *Template, err error) {
	systemRaw := spec.SystemPrompt
	if systemRaw == "" {
		systemRaw = defaultSystemPrompt
	}
	userRaw := spec.Prompt
	if userRaw == "" {
		userRaw = defaultUserPrompt
	}

	if system, err = ParseTemplate(spec.Tag+".system", systemRaw); err != nil {
		return nil, nil, err
	}
	if user, err = ParseTemplate(spec.Tag+".prompt", userRaw); err != nil {
		return nil, nil, err
	}
	return system, user, nil
}

func renderChat(system, user *Template, payload Payload) (chatInput, error) {
	data := newPromptData(payload)
	sys, err := system.Render(data)
	if err != nil {
		return chatInput{}, err
	}
	msg, err := user.Render(data)
	if err != nil {
		return chatInput{}, err
	}
	if msg == "" {
		return chatInput{}, fmt.Errorf("%w: empty prompt", ErrInvalidInput)
	}
	return chatInput{System: sys, User: msg}, nil
}

func maxTokens(spec Spec) int {
	if spec.MaxTokens > 0 {
		return spec.MaxTokens
	}
	return defaultMaxTokens
}

// newRateLimiter возвращает лимитер запросов; RatePerSec <= 0 — без ограничения.
func newRateLimiter(spec Spec) *rate.Limiter {
	if spec.RatePerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(spec.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(spec.RatePerSec), burst)
}
