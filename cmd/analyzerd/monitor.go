package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/steveyegge/analyzerd/internal/control"
	"github.com/steveyegge/analyzerd/internal/tasks"
)

var endpointsCmd = &cobra.Command{
	Use:   "endpoints",
	Short: "Show worker endpoint health and breaker state",
	Run: func(cmd *cobra.Command, args []string) {
		eps, err := newClient().Endpoints()
		if err != nil {
			fatalf("%v", err)
		}
		printEndpoints(eps)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pool, deduplication and task counters",
	Run: func(cmd *cobra.Command, args []string) {
		stats, err := newClient().Stats()
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			printJSON(stats)
			return
		}

		bold := color.New(color.Bold).SprintFunc()
		fmt.Printf("\n%s\n", bold("Tasks"))
		for _, st := range []tasks.Status{tasks.StatusPending, tasks.StatusRunning, tasks.StatusCompleted, tasks.StatusFailed, tasks.StatusCancelled} {
			fmt.Printf("  %-10s %d\n", statusColor(st).Sprint(st), stats.Tasks[st])
		}

		fmt.Printf("\n%s\n", bold("Connection pools"))
		sort.Slice(stats.Pools, func(i, j int) bool { return stats.Pools[i].ServiceClass < stats.Pools[j].ServiceClass })
		for _, p := range stats.Pools {
			fmt.Printf("  %-14s in use %d/%d  peak %d  acquired %d  timeouts %d\n",
				p.ServiceClass, p.InUse, p.Limit, p.Peak, p.Acquired, p.Timeouts)
		}
		if len(stats.Pools) == 0 {
			fmt.Println("  (unlimited)")
		}

		fmt.Printf("\n%s\n", bold("Deduplication"))
		fmt.Printf("  executions %d  shared %d  in flight %d\n\n",
			stats.Dedup.Executions, stats.Dedup.Shared, stats.Dedup.InFlight)
	},
}

var eventsCmd = &cobra.Command{
	Use:     "events",
	Aliases: []string{"tail"},
	Short:   "Show recorded task and endpoint events",
	Long: `Display recent events from the orchestrator's event history and
optionally follow live updates.

Events include:
- Task submissions, starts, retries and outcomes
- Worker progress reports
- Circuit breaker state changes
- Event cleanup runs`,
	Run: func(cmd *cobra.Command, args []string) {
		follow, _ := cmd.Flags().GetBool("follow")
		taskID, _ := cmd.Flags().GetString("task")
		eventType, _ := cmd.Flags().GetString("type")
		severity, _ := cmd.Flags().GetString("severity")
		limit, _ := cmd.Flags().GetInt("limit")

		q := control.EventQuery{
			TaskID:   taskID,
			Type:     eventType,
			Severity: severity,
			Limit:    limit,
		}
		client := newClient()
		if follow {
			runEventsFollow(client, q)
		} else {
			runEventsOnce(client, q)
		}
	},
}

func init() {
	eventsCmd.Flags().BoolP("follow", "f", false, "Follow mode - watch for live updates (Ctrl+C to stop)")
	eventsCmd.Flags().StringP("task", "i", "", "Filter events by task ID")
	eventsCmd.Flags().String("type", "", "Filter events by type")
	eventsCmd.Flags().String("severity", "", "Filter events by severity")
	eventsCmd.Flags().IntP("limit", "n", 20, "Number of recent events to show initially")
	rootCmd.AddCommand(endpointsCmd, statsCmd, eventsCmd)
}

func runEventsOnce(client *control.Client, q control.EventQuery) {
	evs, err := client.Events(q)
	if err != nil {
		fatalf("fetching events: %v", err)
	}
	if jsonOutput {
		printJSON(evs)
		return
	}
	if len(evs) == 0 {
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("\n%s No events found\n\n", yellow("✨"))
		return
	}
	// Newest last
	for i := len(evs) - 1; i >= 0; i-- {
		displayEvent(evs[i])
	}
}

func runEventsFollow(client *control.Client, q control.EventQuery) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Printf("\n%s Following live updates (Ctrl+C to stop)...\n\n", cyan("👁️"))

	evs, err := client.Events(q)
	if err != nil {
		fatalf("fetching events: %v", err)
	}
	for i := len(evs) - 1; i >= 0; i-- {
		displayEvent(evs[i])
	}

	var lastTimestamp time.Time
	seen := make(map[string]bool)
	if len(evs) > 0 {
		lastTimestamp = evs[0].Timestamp
	}
	for _, ev := range evs {
		seen[ev.ID] = true
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigChan:
			fmt.Println("\n\nStopped following")
			return
		case <-ticker.C:
			next := q
			next.After = lastTimestamp
			next.Limit = 100
			newEvents, err := client.Events(next)
			if err != nil {
				fmt.Fprintf(os.Stderr, "\nError fetching new events: %v\n", err)
				continue
			}
			for i := len(newEvents) - 1; i >= 0; i-- {
				ev := newEvents[i]
				if seen[ev.ID] {
					continue
				}
				seen[ev.ID] = true
				displayEvent(ev)
				if ev.Timestamp.After(lastTimestamp) {
					lastTimestamp = ev.Timestamp
				}
			}
		}
	}
}
