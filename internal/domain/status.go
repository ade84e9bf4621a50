package domain

// TaskStatus — статус выполнения task.
//
// Жизненный цикл:
//
//	queued → running → done
//	                 ↘ failed
//
// Статус только растёт: откат и пропуск running запрещены.
type TaskStatus string

const (
	// TaskStatusQueued — запись создана intake-слоем, envelope в очереди.
	TaskStatusQueued TaskStatus = "queued"

	// TaskStatusRunning — task захвачен воркером и выполняется.
	TaskStatusRunning TaskStatus = "running"

	// TaskStatusDone — task успешно завершён.
	TaskStatusDone TaskStatus = "done"

	// TaskStatusFailed — task завершился с ошибкой (lookup или выполнение процессора).
	TaskStatusFailed TaskStatus = "failed"
)

// IsTerminal возвращает true, если статус финальный.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusDone, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// Valid проверяет, что статус известен.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusRunning, TaskStatusDone, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// String возвращает строковое представление TaskStatus.
func (s TaskStatus) String() string {
	return string(s)
}

// CanTransition проверяет, разрешён ли переход from → to.
//
// Разрешены только queued → running, running → done, running → failed.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskStatusQueued:
		return to == TaskStatusRunning
	case TaskStatusRunning:
		return to == TaskStatusDone || to == TaskStatusFailed
	default:
		return false
	}
}

// ParseTaskStatus парсит строку в TaskStatus.
// Возвращает false для неизвестного значения.
func ParseTaskStatus(s string) (TaskStatus, bool) {
	status := TaskStatus(s)
	return status, status.Valid()
}
