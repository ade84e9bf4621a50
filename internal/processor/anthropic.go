package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/time/rate"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

// AnthropicProcessor строит профиль пользователя через Messages API.
type AnthropicProcessor struct {
	client    *anthropic.Client
	model     string
	maxTokens int
	limiter   *rate.Limiter
	system    *Template
	user      *Template
}

// NewAnthropic создаёт AnthropicProcessor.
func NewAnthropic(spec Spec) (Processor, error) {
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
	client := anthropic.NewClient(opts...)

	system, user, err := parsePrompts(spec)
	if err != nil {
		return nil, err
	}

	model := spec.Model
	if model == "" {
		model = defaultAnthropicModel
	}

	return &AnthropicProcessor{
		client:    &client,
		model:     model,
		maxTokens: maxTokens(spec),
		limiter:   newRateLimiter(spec),
		system:    system,
		user:      user,
	}, nil
}

func (p *AnthropicProcessor) PrepareInput(_ context.Context, payload Payload) (any, error) {
	return renderChat(p.system, p.user, payload)
}

// Process отправляет запрос с учётом rate limit и склеивает текстовые блоки ответа.
func (p *AnthropicProcessor) Process(ctx context.Context, _ string, input any) (any, error) {
	chat, ok := input.(chatInput)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected input %T", ErrInvalidInput, input)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(p.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(chat.User)),
		},
	}
	if chat.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: chat.System},
		}
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("%w: no text in response", ErrInvalidResponse)
	}
	return text.String(), nil
}

func (p *AnthropicProcessor) ParseResponse(_ context.Context, raw any) (map[string]any, error) {
	text, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("%w: expected string, got %T", ErrInvalidResponse, raw)
	}
	return parseProfile(text)
}
