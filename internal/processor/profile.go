package processor

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Промпты LLM-процессоров по умолчанию.
const (
	defaultSystemPrompt = `You are a user profiling agent. Read what the user wrote and answer with a single JSON object:
{"tags": [string], "score": integer from 0 to 100, "reason": string}.
Do not add any text outside the JSON object.`

	defaultUserPrompt = `{{ .Content }}`
)

// parseProfile извлекает JSON-объект из текстового ответа модели.
//
// Модели иногда оборачивают JSON в ```json ... ``` или добавляют текст
// вокруг, поэтому берётся подстрока от первой '{' до последней '}'.
func parseProfile(text string) (map[string]any, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no json object in %q", ErrInvalidResponse, truncate(text, 200))
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return result, nil
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
