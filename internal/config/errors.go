package config

import "errors"

// Ошибки конфигурации.
var (
	ErrMissingField      = errors.New("missing required config field")
	ErrInvalidConfig     = errors.New("invalid config")
	ErrUnsupportedFormat = errors.New("unsupported config format")
)
