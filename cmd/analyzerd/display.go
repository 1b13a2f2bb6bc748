package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/steveyegge/analyzerd/internal/config"
	"github.com/steveyegge/analyzerd/internal/endpoint"
	"github.com/steveyegge/analyzerd/internal/events"
	"github.com/steveyegge/analyzerd/internal/tasks"
)

func countEndpoints(classes []config.ServiceClassConfig, name string) int {
	for _, sc := range classes {
		if sc.Name == name {
			return len(sc.Endpoints)
		}
	}
	return 0
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("failed to encode output: %v", err)
	}
}

// statusColor returns the color used for a task status.
func statusColor(st tasks.Status) *color.Color {
	switch st {
	case tasks.StatusCompleted:
		return color.New(color.FgGreen)
	case tasks.StatusFailed:
		return color.New(color.FgRed)
	case tasks.StatusCancelled:
		return color.New(color.FgYellow)
	case tasks.StatusRunning:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgWhite)
	}
}

func printTask(info tasks.Info) {
	if jsonOutput {
		printJSON(info)
		return
	}
	bold := color.New(color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("%s %s\n", bold(info.ID), statusColor(info.Status).Sprint(info.Status))
	fmt.Printf("  Class:    %s\n", info.ServiceClass)
	fmt.Printf("  Target:   %s\n", info.Target)
	fmt.Printf("  Tools:    %s\n", strings.Join(info.Tools, ", "))
	if info.TaskKind != "" {
		fmt.Printf("  Kind:     %s\n", info.TaskKind)
	}
	if info.Endpoint != "" {
		fmt.Printf("  Endpoint: %s\n", info.Endpoint)
	}
	if info.SharedFrom != "" {
		fmt.Printf("  Shared:   result of %s\n", info.SharedFrom)
	}
	fmt.Printf("  Attempts: %d", info.Attempts)
	if info.StuckRetries > 0 {
		fmt.Printf(" (%d stuck retries)", info.StuckRetries)
	}
	fmt.Println()
	fmt.Printf("  Submitted %s\n", gray(info.SubmittedAt.Format(time.RFC3339)))
	if !info.FinishedAt.IsZero() {
		fmt.Printf("  Finished  %s %s\n", gray(info.FinishedAt.Format(time.RFC3339)),
			gray("("+info.FinishedAt.Sub(info.SubmittedAt).Round(time.Millisecond).String()+")"))
	}
	if info.Error != "" {
		red := color.New(color.FgRed).SprintFunc()
		fmt.Printf("  Error:    %s\n", red(info.Error))
	}
	if len(info.Result) > 0 {
		fmt.Printf("  Result:   %s\n", truncateString(string(info.Result), 200))
	}
}

// printTaskRow prints one line per task for list output.
func printTaskRow(info tasks.Info) {
	age := time.Since(info.SubmittedAt).Round(time.Second)
	fmt.Printf("%-36s  %-10s  %-12s  %-24s  %s\n",
		info.ID,
		statusColor(info.Status).Sprint(info.Status),
		info.ServiceClass,
		truncateString(info.Target.String(), 24),
		age)
}

func printEndpoints(eps []endpoint.Status) {
	if jsonOutput {
		printJSON(eps)
		return
	}
	sort.Slice(eps, func(i, j int) bool {
		if eps[i].ServiceClass != eps[j].ServiceClass {
			return eps[i].ServiceClass < eps[j].ServiceClass
		}
		return eps[i].Address < eps[j].Address
	})

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	class := ""
	for _, ep := range eps {
		if ep.ServiceClass != class {
			class = ep.ServiceClass
			fmt.Printf("\n%s\n", color.New(color.Bold).Sprint(class))
		}
		health := green("healthy")
		if ep.Health != endpoint.Healthy {
			health = red("unhealthy")
		}
		breakerState := ep.BreakerState
		switch breakerState {
		case "open":
			breakerState = red(breakerState)
		case "half_open":
			breakerState = yellow(breakerState)
		}
		fmt.Printf("  %-40s %s  breaker=%s", ep.Address, health, breakerState)
		if ep.ConsecutiveFailures > 0 {
			fmt.Printf("  failures=%d", ep.ConsecutiveFailures)
		}
		if !ep.CooldownUntil.IsZero() && time.Now().Before(ep.CooldownUntil) {
			fmt.Printf("  %s", gray("cooldown until "+ep.CooldownUntil.Format("15:04:05")))
		}
		fmt.Println()
	}
	fmt.Println()
}

// displayEvent formats and prints a single event with color
func displayEvent(event *events.TaskEvent) {
	var severityColor *color.Color
	var severityIcon string

	switch event.Severity {
	case events.SeverityInfo:
		severityColor = color.New(color.FgCyan)
		severityIcon = "ℹ️"
	case events.SeverityWarning:
		severityColor = color.New(color.FgYellow)
		severityIcon = "⚠️"
	case events.SeverityError:
		severityColor = color.New(color.FgRed)
		severityIcon = "❌"
	case events.SeverityCritical:
		severityColor = color.New(color.FgRed, color.Bold)
		severityIcon = "🔥"
	default:
		severityColor = color.New(color.FgWhite)
		severityIcon = "•"
	}

	timestamp := event.Timestamp.Format("15:04:05")
	eventType := color.New(color.FgMagenta).Sprint(event.Type)

	subject := event.TaskID
	if subject == "" {
		subject = event.Endpoint
	}
	subject = color.New(color.FgGreen).Sprint(subject)

	fmt.Printf("%s [%s] %s %s: %s\n",
		severityIcon,
		timestamp,
		subject,
		eventType,
		severityColor.Sprint(event.Message),
	)

	if len(event.Data) > 0 {
		gray := color.New(color.FgHiBlack)
		keys := make([]string, 0, len(event.Data))
		for k := range event.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Printf("    %s: %v\n", gray.Sprint(key), event.Data[key])
		}
	}
}

// truncateString truncates s to maxLen runes, adding "..." when cut.
func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
