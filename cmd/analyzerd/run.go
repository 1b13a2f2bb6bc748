package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/steveyegge/analyzerd/internal/orchestrator"
	"github.com/steveyegge/analyzerd/internal/tasks"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Dispatch a batch of submissions without a daemon",
	Long: `Read submissions as JSON lines from file (or stdin), dispatch them through
an in-process orchestrator, and write each finished task as a JSON line to
stdout in completion order.

Each input line is a submission:
  {"service_class":"security","target":{"model":"m","app":"a"},"tools":["bandit"]}

Exits non-zero when any task did not complete.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		parallelism, _ := cmd.Flags().GetInt("parallelism")
		ratePerSec, _ := cmd.Flags().GetFloat64("rate")

		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}
		if parallelism > 0 {
			cfg.Pipeline.Parallelism = parallelism
		}
		if ratePerSec > 0 {
			cfg.Pipeline.RatePerSecond = ratePerSec
		}
		cfg.Events.CleanupEnabled = false
		logger := cfg.Log.NewLogger(os.Stderr)

		in := io.Reader(os.Stdin)
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				fatalf("%v", err)
			}
			defer f.Close()
			in = f
		}

		orch, err := orchestrator.New(orchestrator.Options{Config: cfg, Logger: logger})
		if err != nil {
			fatalf("failed to create orchestrator: %v", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		if err := orch.Start(ctx); err != nil {
			fatalf("failed to start orchestrator: %v", err)
		}

		failed, err := runBatch(ctx, orch, in, os.Stdout)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = orch.Stop(shutdownCtx)

		if err != nil {
			fatalf("%v", err)
		}
		if failed > 0 {
			red := color.New(color.FgRed).SprintFunc()
			fmt.Fprintf(os.Stderr, "%s %d task(s) did not complete\n", red("✗"), failed)
			os.Exit(1)
		}
	},
}

func init() {
	runCmd.Flags().Int("parallelism", 0, "Maximum tasks in flight (default: pipeline.parallelism)")
	runCmd.Flags().Float64("rate", 0, "Maximum submissions per second (default: pipeline.rate_per_second)")
	rootCmd.AddCommand(runCmd)
}

// runBatch streams submissions from r through the orchestrator's pipeline
// and writes results to w. It returns the number of tasks that did not
// complete.
func runBatch(ctx context.Context, orch *orchestrator.Orchestrator, r io.Reader, w io.Writer) (int, error) {
	subs := make(chan tasks.Submission)
	results := make(chan tasks.Info)

	readErr := make(chan error, 1)
	go func() {
		defer close(subs)
		readErr <- readSubmissions(ctx, r, subs)
	}()

	runErr := make(chan error, 1)
	go func() {
		runErr <- orch.Pipeline().Run(ctx, subs, results)
		close(results)
	}()

	enc := json.NewEncoder(w)
	failed := 0
	for info := range results {
		if info.Status != tasks.StatusCompleted {
			failed++
		}
		if err := enc.Encode(info); err != nil {
			return failed, fmt.Errorf("failed to write result: %w", err)
		}
	}

	if err := <-runErr; err != nil {
		return failed, err
	}
	return failed, <-readErr
}

func readSubmissions(ctx context.Context, r io.Reader, out chan<- tasks.Submission) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var sub tasks.Submission
		if err := json.Unmarshal(raw, &sub); err != nil {
			return fmt.Errorf("line %d: invalid submission: %w", line, err)
		}
		select {
		case out <- sub:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read submissions: %w", err)
	}
	return nil
}
