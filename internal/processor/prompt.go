package processor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// PromptData — данные, доступные в шаблонах промптов и тел запросов.
//
//	{{ .TaskID }}, {{ .UserID }}, {{ .Content }}
type PromptData struct {
	TaskID  string `json:"task_id"`
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

func newPromptData(p Payload) PromptData {
	return PromptData{TaskID: p.TaskID, UserID: p.UserID, Content: p.Content}
}

// templateFuncs — дополнительные функции для шаблонов.
var templateFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — возвращает значение по умолчанию, если второй аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	"truncate": func(n int, s string) string {
		r := []rune(s)
		if len(r) <= n {
			return s
		}
		return string(r[:n])
	},

	"lower":   strings.ToLower,
	"upper":   strings.ToUpper,
	"trim":    strings.TrimSpace,
	"replace": strings.ReplaceAll,
}

// Template — разобранный шаблон промпта.
// Пустой Template рендерится в пустую строку.
type Template struct {
	raw  string
	tmpl *template.Template
}

// ParseTemplate разбирает шаблон один раз при создании процессора.
func ParseTemplate(name, raw string) (*Template, error) {
	t := &Template{raw: raw}
	if !strings.Contains(raw, "{{") {
		return t, nil
	}
	tmpl, err := template.New(name).Funcs(templateFuncs).Option("missingkey=error").Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}
	t.tmpl = tmpl
	return t, nil
}

// Render рендерит шаблон с данными task.
func (t *Template) Render(data PromptData) (string, error) {
	if t.tmpl == nil {
		return t.raw, nil
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}
	return buf.String(), nil
}
