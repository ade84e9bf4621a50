// Package cli реализует инструмент командной строки AgentQueue.
//
// # Обзор
//
// CLI — клиентская утилита для intake API. Работает через HTTP и
// не импортирует внутренние пакеты системы.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для AgentQueue API. Инкапсулирует запросы, разбор
// ответов ({data: ...} и {error: {code, message}}) и ожидание
// завершения task.
//
//	client := cli.NewClient("http://localhost:8080")
//	resp, err := client.SubmitTask(ctx, cli.SubmitRequest{UserID: "u-1", Content: "phone price drop"})
//
// ## Output
//
// Форматирование вывода: таблицы (text/tabwriter) по умолчанию,
// JSON с флагом --json. Данные выводятся в stdout, сообщения в stderr:
//
//	agentqueue task status ID --json | jq .status
//
// ## Commands
//
//   - task submit CONTENT [--user] [--processor] [--wait]
//   - task status ID
//   - task wait ID [--interval] [--timeout]
package cli
