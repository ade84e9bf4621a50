package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPProcessor отправляет task во внешний сервис.
//
// Config (из Spec):
//   - url (string): адрес сервиса (обязательно)
//   - method (string): HTTP-метод. Default: POST
//   - headers (map[string]string): HTTP-заголовки
//   - prompt (string): шаблон тела запроса; по умолчанию JSON payload
//   - timeout (duration): таймаут запроса. Default: 30s
//
// Результат — JSON-объект из тела ответа. Ответ, не являющийся
// объектом, кладётся в поле body. HTTP >= 400 — ошибка выполнения.
type HTTPProcessor struct {
	url     string
	method  string
	headers map[string]string
	body    *Template
	client  *http.Client
}

// httpRequest — подготовленный запрос.
type httpRequest struct {
	body        []byte
	contentType string
}

// NewHTTP создаёт HTTPProcessor.
func NewHTTP(spec Spec) (Processor, error) {
	if spec.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrHTTPRequest)
	}

	method := strings.ToUpper(spec.Method)
	if method == "" {
		method = http.MethodPost
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	var body *Template
	if spec.Prompt != "" {
		t, err := ParseTemplate(spec.Tag, spec.Prompt)
		if err != nil {
			return nil, err
		}
		body = t
	}

	return &HTTPProcessor{
		url:     spec.URL,
		method:  method,
		headers: spec.Headers,
		body:    body,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// PrepareInput строит тело запроса.
func (p *HTTPProcessor) PrepareInput(_ context.Context, payload Payload) (any, error) {
	if p.body != nil {
		rendered, err := p.body.Render(newPromptData(payload))
		if err != nil {
			return nil, err
		}
		return httpRequest{body: []byte(rendered), contentType: "text/plain; charset=utf-8"}, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %v", ErrInvalidInput, err)
	}
	return httpRequest{body: data, contentType: "application/json"}, nil
}

// Process выполняет HTTP-запрос и возвращает тело ответа.
func (p *HTTPProcessor) Process(ctx context.Context, taskID string, input any) (any, error) {
	prepared, ok := input.(httpRequest)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected input %T", ErrInvalidInput, input)
	}

	req, err := http.NewRequestWithContext(ctx, p.method, p.url, bytes.NewReader(prepared.body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err)
	}
	for key, val := range p.headers {
		req.Header.Set(key, val)
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", prepared.contentType)
	}
	req.Header.Set("X-Task-ID", taskID)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrHTTPRequest, resp.StatusCode, truncate(string(respBody), 200))
	}
	return respBody, nil
}

// ParseResponse разбирает тело ответа: JSON-объект как есть, остальное в body.
func (p *HTTPProcessor) ParseResponse(_ context.Context, raw any) (map[string]any, error) {
	body, ok := raw.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: expected []byte, got %T", ErrInvalidResponse, raw)
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return map[string]any{"body": string(body)}, nil
	}
	if obj, ok := parsed.(map[string]any); ok {
		return obj, nil
	}
	return map[string]any{"body": parsed}, nil
}
