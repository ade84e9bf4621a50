package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewTaskCmd создаёт группу команд для работы с tasks.
func NewTaskCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and inspect tasks",
	}

	cmd.AddCommand(
		newTaskSubmitCmd(clientFn, outputFn),
		newTaskStatusCmd(clientFn, outputFn),
		newTaskWaitCmd(clientFn, outputFn),
	)

	return cmd
}

func newTaskSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var userID string
	var processorType string
	var wait bool
	var interval time.Duration
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "submit CONTENT",
		Short: "Submit a new task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			resp, err := client.SubmitTask(cmd.Context(), SubmitRequest{
				UserID:        userID,
				Content:       strings.Join(args, " "),
				ProcessorType: processorType,
			})
			if err != nil {
				return err
			}

			out.Info(fmt.Sprintf("Task submitted: %s", resp.TaskID))
			if !wait {
				out.Print(
					[]string{"TASK_ID", "STATUS"},
					[][]string{{resp.TaskID, resp.Status}},
					resp,
				)
				return nil
			}

			return waitAndPrint(cmd.Context(), client, out, resp.TaskID, interval, timeout)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "cli", "User ID")
	cmd.Flags().StringVar(&processorType, "processor", "", "Processor tag (worker default if not specified)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the task to finish")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Polling interval for --wait")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Maximum time to wait")

	return cmd
}

func newTaskStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show task status and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			task, err := client.GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			printTask(out, task)
			return nil
		},
	}
}

func newTaskWaitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var interval time.Duration
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait ID",
		Short: "Wait until a task is done or failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return waitAndPrint(cmd.Context(), clientFn(), outputFn(), args[0], interval, timeout)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Polling interval")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Maximum time to wait")

	return cmd
}

func waitAndPrint(ctx context.Context, client *Client, out *Output, id string, interval, timeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	task, err := client.WaitTask(ctx, id, interval)
	if IsNotFound(err) {
		return fmt.Errorf("task %s does not exist: %w", id, err)
	}
	if err != nil {
		return err
	}

	printTask(out, task)
	if task.Status == "failed" {
		return fmt.Errorf("task %s failed: %s", task.TaskID, task.Error)
	}
	return nil
}

func printTask(out *Output, task *TaskResponse) {
	out.Detail([]Field{
		{"TASK_ID", task.TaskID},
		{"PROCESSOR", task.ProcessorType},
		{"STATUS", task.Status},
		{"RESULT", formatResult(task.Result)},
		{"ERROR", task.Error},
		{"UPDATED", task.UpdatedAt},
	}, task)
}

// formatResult выводит результат как key=value с ключами по алфавиту.
func formatResult(result map[string]any) string {
	if len(result) == 0 {
		return ""
	}

	keys := make([]string, 0, len(result))
	for k := range result {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := json.Marshal(result[k])
		if err != nil {
			v = []byte(fmt.Sprint(result[k]))
		}
		parts = append(parts, k+"="+string(v))
	}
	return strings.Join(parts, " ")
}
