package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/steveyegge/analyzerd/internal/protocol"
	"github.com/steveyegge/analyzerd/internal/tasks"
)

var submitCmd = &cobra.Command{
	Use:   "submit <service-class> <app>",
	Short: "Submit an analysis task",
	Long: `Submit an analysis task to the running orchestrator.

The task is routed to a healthy endpoint of the service class. Identical
tasks (same class, target and kind) that are already running share
one execution.

Examples:
  analyzerd submit security myapp --tools bandit,semgrep
  analyzerd submit perf myapp --model v2 --tools profiler --wait`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		model, _ := cmd.Flags().GetString("model")
		tools, _ := cmd.Flags().GetStringSlice("tools")
		kind, _ := cmd.Flags().GetString("kind")
		priority, _ := cmd.Flags().GetInt("priority")
		wait, _ := cmd.Flags().GetBool("wait")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		client := newClient()
		info, err := client.Submit(tasks.Submission{
			ServiceClass: args[0],
			Target:       protocol.Target{Model: model, App: args[1]},
			Tools:        tools,
			TaskKind:     kind,
			Priority:     priority,
		})
		if err != nil {
			fatalf("submit failed: %v", err)
		}

		if !wait {
			if jsonOutput {
				printJSON(info)
				return
			}
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s Submitted %s\n", green("✓"), info.ID)
			fmt.Printf("\nTo follow it: analyzerd wait %s\n", info.ID)
			return
		}
		waitAndPrint(info.ID, timeout)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		info, err := newClient().Status(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		printTask(info)
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait <task-id>",
	Short: "Block until a task finishes",
	Long: `Block until the task completes, fails, or is cancelled, then print it.
Exits non-zero if the task did not complete successfully.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		waitAndPrint(args[0], timeout)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a pending or running task",
	Long: `Cancel a task. A running task's worker is told to stop; the task is
marked cancelled once the worker acknowledges or the grace period expires.
Cancelling a finished task is a no-op.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		info, err := newClient().Cancel(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(info)
			return
		}
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("%s Cancellation requested: %s (%s)\n", yellow("⏹"), info.ID, info.Status)
	},
}

var ackCmd = &cobra.Command{
	Use:   "ack <task-id>...",
	Short: "Acknowledge finished tasks",
	Long: `Acknowledge finished tasks, releasing them from the orchestrator's memory.
Their final state stays queryable from the task database.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient()
		green := color.New(color.FgGreen).SprintFunc()
		failed := false
		for _, id := range args {
			if err := client.Acknowledge(id); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s: %v\n", id, err)
				failed = true
				continue
			}
			fmt.Printf("%s Acknowledged %s\n", green("✓"), id)
		}
		if failed {
			os.Exit(1)
		}
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks held by the orchestrator",
	Run: func(cmd *cobra.Command, args []string) {
		raw, _ := cmd.Flags().GetStringSlice("status")
		statuses, err := parseStatuses(raw)
		if err != nil {
			fatalf("%v", err)
		}

		infos, err := newClient().List(statuses...)
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(infos)
			return
		}
		if len(infos) == 0 {
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Printf("\n%s No tasks\n\n", yellow("✨"))
			return
		}
		for _, info := range infos {
			printTaskRow(info)
		}
	},
}

func init() {
	submitCmd.Flags().StringP("model", "m", "", "Target model")
	submitCmd.Flags().StringSliceP("tools", "t", nil, "Analyzer tools to run (comma-separated)")
	submitCmd.Flags().StringP("kind", "k", "", "Task kind")
	submitCmd.Flags().IntP("priority", "p", 0, "Task priority")
	submitCmd.Flags().BoolP("wait", "w", false, "Wait for the task to finish and print it")
	submitCmd.Flags().Duration("timeout", 10*time.Minute, "How long --wait blocks")
	_ = submitCmd.MarkFlagRequired("tools")

	waitCmd.Flags().Duration("timeout", 10*time.Minute, "How long to wait")
	listCmd.Flags().StringSliceP("status", "s", nil, "Only show tasks in these states (comma-separated)")

	rootCmd.AddCommand(submitCmd, statusCmd, waitCmd, cancelCmd, ackCmd, listCmd)
}

// waitAndPrint blocks on a task and exits non-zero unless it completed.
func waitAndPrint(id string, timeout time.Duration) {
	client := newClient()
	info, err := client.Wait(id, timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			fatalf("task %s still running after %v", id, timeout)
		}
		fatalf("%v", err)
	}
	printTask(info)
	if info.Status != tasks.StatusCompleted {
		os.Exit(1)
	}
}

func parseStatuses(raw []string) ([]tasks.Status, error) {
	var out []tasks.Status
	for _, s := range raw {
		st := tasks.Status(strings.TrimSpace(s))
		if !st.IsValid() {
			return nil, fmt.Errorf("unknown status %q (want pending, running, completed, failed or cancelled)", s)
		}
		out = append(out, st)
	}
	return out, nil
}
