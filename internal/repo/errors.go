package repo

import "errors"

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict — условная запись не применилась: статус уже изменён кем-то другим.
	ErrConflict = errors.New("status conflict")

	// ErrInvalidTransition — запрошенный переход статуса запрещён.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnknownDriver — неизвестный драйвер хранилища.
	ErrUnknownDriver = errors.New("unknown store driver")
)
