package domain

import (
	"time"
)

// TaskRecord — запись в ledger'е статусов task.
//
// Создаётся intake-слоем в статусе queued строго до публикации envelope.
// Меняется только Dispatcher'ом через условный SetStatus.
// Ядро записи не удаляет, retention — внешняя забота.
type TaskRecord struct {
	// ID — непрозрачный уникальный идентификатор, выданный intake-слоем.
	ID string `json:"task_id"`

	// UserID — пользователь, отправивший запрос.
	UserID string `json:"user_id"`

	// Content — содержимое запроса.
	// Хранится, чтобы sweeper мог заново поставить envelope в очередь.
	Content string `json:"content"`

	// ProcessorType — тег процессора, которым task будет выполнен.
	ProcessorType string `json:"processor_type"`

	// Status — текущий статус.
	Status TaskStatus `json:"status"`

	// Result — разобранный результат процессора (только для done).
	Result map[string]any `json:"result,omitempty"`

	// Error — текст ошибки (только для failed).
	Error string `json:"error,omitempty"`

	// CreatedAt — время создания записи.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего перехода статуса.
	UpdatedAt time.Time `json:"updated_at"`

	// EnqueuedAt — время подтверждённой публикации TaskEnvelope.
	// nil для queued записи значит, что envelope мог не дойти до брокера.
	EnqueuedAt *time.Time `json:"enqueued_at,omitempty"`

	// PublishedAt — время подтверждённой публикации OutcomeEnvelope.
	// nil для терминальной записи значит, что outcome нужно опубликовать повторно.
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// NewTaskRecord создаёт запись в статусе queued.
func NewTaskRecord(id, userID, content, processorType string) *TaskRecord {
	now := time.Now().UTC()
	return &TaskRecord{
		ID:            id,
		UserID:        userID,
		Content:       content,
		ProcessorType: processorType,
		Status:        TaskStatusQueued,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsFinished возвращает true, если task завершён.
func (t *TaskRecord) IsFinished() bool {
	return t.Status.IsTerminal()
}

// NeedsPublish возвращает true, если task завершён, но outcome не подтверждён.
func (t *TaskRecord) NeedsPublish() bool {
	return t.IsFinished() && t.PublishedAt == nil
}

// Envelope восстанавливает TaskEnvelope из записи.
func (t *TaskRecord) Envelope() TaskEnvelope {
	return TaskEnvelope{
		TaskID:        t.ID,
		UserID:        t.UserID,
		Content:       t.Content,
		ProcessorType: t.ProcessorType,
	}
}

// Outcome строит OutcomeEnvelope для терминальной записи.
func (t *TaskRecord) Outcome() OutcomeEnvelope {
	return OutcomeEnvelope{
		TaskID: t.ID,
		Status: t.Status,
		Result: t.Result,
		Error:  t.Error,
	}
}

// Clone возвращает независимую копию записи.
func (t *TaskRecord) Clone() *TaskRecord {
	c := *t
	if t.Result != nil {
		c.Result = make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			c.Result[k] = v
		}
	}
	if t.EnqueuedAt != nil {
		e := *t.EnqueuedAt
		c.EnqueuedAt = &e
	}
	if t.PublishedAt != nil {
		p := *t.PublishedAt
		c.PublishedAt = &p
	}
	return &c
}

// StatusChange — аргумент условной записи статуса.
//
// Запись применяется только если текущий статус равен Expected.
type StatusChange struct {
	TaskID   string
	Expected TaskStatus
	New      TaskStatus

	// Result и Error сохраняются только при терминальном переходе.
	Result map[string]any
	Error  string
}
