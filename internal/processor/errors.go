package processor

import "errors"

// Ошибки процессоров.
var (
	// ErrUnknownProcessor — нет процессора с таким тегом.
	ErrUnknownProcessor = errors.New("unknown processor")

	// ErrUnknownType — в конфигурации указан неизвестный тип процессора.
	ErrUnknownType = errors.New("unknown processor type")

	// ErrDuplicateTag — два процессора с одним тегом.
	ErrDuplicateTag = errors.New("duplicate processor tag")

	// ErrExecution — один из шагов процессора завершился ошибкой.
	ErrExecution = errors.New("processor execution failed")

	// ErrInvalidInput — PrepareInput отклонил payload.
	ErrInvalidInput = errors.New("invalid processor input")

	// ErrInvalidResponse — ответ процессора нельзя разобрать.
	ErrInvalidResponse = errors.New("invalid processor response")

	// ErrTemplateParse — шаблон промпта не парсится.
	ErrTemplateParse = errors.New("template parse error")

	// ErrTemplateRender — шаблон промпта не рендерится.
	ErrTemplateRender = errors.New("template render error")

	// ErrHTTPRequest — HTTP-запрос завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")
)
