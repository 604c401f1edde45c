package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/clusterhub/internal/coordinator"
	"github.com/openclaw/clusterhub/internal/store"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Send and inspect cluster tasks",
}

var taskSendCmd = &cobra.Command{
	Use:   "send <nodeId> <instruction>",
	Short: "Send a task to a node",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runTaskSend,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sent tasks",
	RunE:  runTaskList,
}

var taskGetCmd = &cobra.Command{
	Use:   "get <taskId>",
	Short: "Show one sent task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskGet,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <taskId>",
	Short: "Cancel a queued, running or sent task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var taskClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove finished tasks from the sent log",
	RunE:  runTaskClear,
}

var taskBatchCmd = &cobra.Command{
	Use:   "batch <file.json>",
	Short: "Send a batch of tasks from a JSON file",
	Long:  `The file holds [{"nodeId": "...", "instruction": "..."}, ...]. Failures are reported per task; the rest of the batch still goes out.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskBatch,
}

var (
	taskJSON       bool
	taskListNode   string
	taskListStatus string
	taskListLimit  int
	taskClearAll   bool
)

func init() {
	taskSendCmd.Flags().BoolVar(&taskJSON, "json", false, "Output machine-readable JSON")
	taskListCmd.Flags().BoolVar(&taskJSON, "json", false, "Output machine-readable JSON")
	taskListCmd.Flags().StringVar(&taskListNode, "node", "", "Filter by target node id")
	taskListCmd.Flags().StringVar(&taskListStatus, "status", "", "Filter by status")
	taskListCmd.Flags().IntVar(&taskListLimit, "limit", 20, "Maximum rows")
	taskGetCmd.Flags().BoolVar(&taskJSON, "json", false, "Output machine-readable JSON")
	taskClearCmd.Flags().BoolVar(&taskClearAll, "all", false, "Clear every finished task regardless of age")
	taskBatchCmd.Flags().BoolVar(&taskJSON, "json", false, "Output machine-readable JSON")

	taskCmd.AddCommand(taskSendCmd, taskListCmd, taskGetCmd, taskCancelCmd, taskClearCmd, taskBatchCmd)
	rootCmd.AddCommand(taskCmd)
}

func runTaskSend(cmd *cobra.Command, args []string) error {
	inv, done, err := newInvoker(true)
	if err != nil {
		return err
	}
	defer done()

	params, _ := json.Marshal(coordinator.TaskSendParams{
		NodeID:      args[0],
		Instruction: strings.Join(args[1:], " "),
	})
	out, err := inv.Invoke("task.send", params)
	if err != nil {
		return err
	}
	if taskJSON {
		printJSON(cmd.OutOrStdout(), out)
		return nil
	}
	if task, ok := out.(store.StoredTask); ok {
		fmt.Fprintf(cmd.OutOrStdout(), "📤 Task %s sent to %s\n", task.TaskID, args[0])
	}
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	inv, done, err := newInvoker(false)
	if err != nil {
		return err
	}
	defer done()

	params, _ := json.Marshal(map[string]any{
		"nodeId": taskListNode,
		"status": taskListStatus,
		"limit":  taskListLimit,
	})
	out, err := inv.Invoke("task.list", params)
	if err != nil {
		return err
	}
	if taskJSON {
		printJSON(cmd.OutOrStdout(), out)
		return nil
	}
	tasks, _ := out.([]store.StoredTask)
	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
		return nil
	}
	printHeader(cmd, fmt.Sprintf("Sent tasks (%d)", len(tasks)))
	for _, t := range tasks {
		target := t.TargetNodeName
		if target == "" {
			target = t.TargetNodeID
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %-9s  %-16s  %s  %s\n",
			statusGlyph(t.Status), t.TaskID, t.Status, truncate(target, 16), formatAge(t.SentAt), truncate(t.Instruction, 48))
	}
	return nil
}

func runTaskGet(cmd *cobra.Command, args []string) error {
	inv, done, err := newInvoker(false)
	if err != nil {
		return err
	}
	defer done()

	params, _ := json.Marshal(map[string]string{"taskId": args[0]})
	out, err := inv.Invoke("task.get", params)
	if err != nil {
		return err
	}
	if taskJSON {
		printJSON(cmd.OutOrStdout(), out)
		return nil
	}
	task, ok := out.(store.StoredTask)
	if !ok {
		printJSON(cmd.OutOrStdout(), out)
		return nil
	}
	w := cmd.OutOrStdout()
	printHeader(cmd, "Task "+task.TaskID)
	fmt.Fprintf(w, "%s Status:   %s\n", statusGlyph(task.Status), task.Status)
	fmt.Fprintf(w, "🎯 Target:   %s (%s)\n", task.TargetNodeName, task.TargetNodeID)
	fmt.Fprintf(w, "📝 Task:     %s\n", task.Instruction)
	fmt.Fprintf(w, "🕐 Sent:     %s\n", formatAge(task.SentAt))
	if task.DurationMs > 0 {
		fmt.Fprintf(w, "⏱️  Duration: %s\n", (time.Duration(task.DurationMs) * time.Millisecond).Round(time.Millisecond))
	}
	if task.Result != "" {
		fmt.Fprintf(w, "\n%s\n", task.Result)
	}
	if task.Error != "" {
		fmt.Fprintf(w, "\n❌ %s\n", task.Error)
	}
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	inv, done, err := newInvoker(true)
	if err != nil {
		return err
	}
	defer done()

	params, _ := json.Marshal(map[string]string{"taskId": args[0]})
	if _, err := inv.Invoke("task.cancel", params); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "🚫 Task %s cancelled\n", args[0])
	return nil
}

func runTaskClear(cmd *cobra.Command, args []string) error {
	inv, done, err := newInvoker(false)
	if err != nil {
		return err
	}
	defer done()

	body := map[string]any{}
	if !taskClearAll {
		body["before"] = time.Now().Add(-24 * time.Hour)
	}
	params, _ := json.Marshal(body)
	out, err := inv.Invoke("task.clear", params)
	if err != nil {
		return err
	}
	if res, ok := out.(map[string]any); ok {
		fmt.Fprintf(cmd.OutOrStdout(), "🧹 Cleared %v finished tasks\n", res["cleared"])
	}
	return nil
}

func runTaskBatch(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read batch file: %w", err)
	}
	var items []coordinator.TaskSendParams
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("parse batch file: %w", err)
	}
	if len(items) == 0 {
		return fmt.Errorf("batch file is empty")
	}

	inv, done, err := newInvoker(true)
	if err != nil {
		return err
	}
	defer done()

	params, _ := json.Marshal(map[string]any{"tasks": items})
	out, err := inv.Invoke("task.batch", params)
	if err != nil {
		return err
	}
	if taskJSON {
		printJSON(cmd.OutOrStdout(), out)
		return nil
	}
	results, _ := out.([]coordinator.BatchResult)
	var failed int
	for _, r := range results {
		if r.Error != "" {
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "❌ %s: %s\n", r.NodeID, r.Error)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "📤 %s: task %s\n", r.NodeID, r.TaskID)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Done: %d sent, %d failed\n", len(results)-failed, failed)
	return nil
}
