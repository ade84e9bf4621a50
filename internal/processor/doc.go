// Package processor содержит реестр процессоров и встроенные реализации.
//
// Процессор выполняет task в три шага:
//
//	PrepareInput → Process → ParseResponse
//
// Реестр строится один раз при старте воркера из конфигурации
// и после этого не меняется, поэтому Lookup не требует блокировок.
//
// Встроенные типы:
//   - mock — фиксированный профиль пользователя после задержки
//   - echo — возвращает payload как есть
//   - http — POST payload во внешний сервис
//   - openai — chat completion через openai-go (и совместимые API)
//   - anthropic — Messages API через anthropic-sdk-go
package processor
