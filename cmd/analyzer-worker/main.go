// Command analyzer-worker is a stand-in analyzer endpoint. It speaks the
// worker protocol and fakes one result per requested tool, which is enough
// to drive an orchestrator end to end.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/steveyegge/analyzerd/internal/config"
	"github.com/steveyegge/analyzerd/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "analyzer-worker",
	Short: "Run a fake analyzer worker",
	Long: `Serve the analyzer worker protocol over WebSocket.

For each request the worker reports progress once per tool, waits --per-tool
between tools, and returns a summary. Requests whose app is listed in
--fail-apps fail with an analyzer error.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		perTool, _ := cmd.Flags().GetDuration("per-tool")
		failApps, _ := cmd.Flags().GetStringSlice("fail-apps")
		level, _ := cmd.Flags().GetString("log-level")

		logCfg := config.LogConfig{Level: level, Format: "text"}
		logger := logCfg.NewLogger(os.Stderr)

		a := &analyzer{perTool: perTool, failApps: make(map[string]bool)}
		for _, app := range failApps {
			a.failApps[app] = true
		}
		srv := worker.NewServer(worker.HandlerFunc(a.handle), logger)

		mux := http.NewServeMux()
		mux.Handle("/", srv)
		mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "connections %d\nrequests %d\npings %d\ncancels %d\ncompleted %d\nfailed %d\n",
				srv.Stats.Connections.Load(), srv.Stats.Requests.Load(), srv.Stats.Pings.Load(),
				srv.Stats.Cancels.Load(), srv.Stats.Completed.Load(), srv.Stats.Failed.Load())
		})

		httpSrv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		errCh := make(chan error, 1)
		go func() { errCh <- httpSrv.ListenAndServe() }()
		logger.Info("analyzer worker listening", "addr", addr, "per_tool", perTool)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.Flags().String("addr", ":8081", "Listen address")
	rootCmd.Flags().Duration("per-tool", time.Second, "Simulated time spent per tool")
	rootCmd.Flags().StringSlice("fail-apps", nil, "Apps whose analysis fails")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
