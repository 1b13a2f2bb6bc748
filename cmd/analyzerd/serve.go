package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/hashicorp/go-metrics"
	"github.com/spf13/cobra"
	"github.com/steveyegge/analyzerd/internal/api"
	"github.com/steveyegge/analyzerd/internal/control"
	"github.com/steveyegge/analyzerd/internal/orchestrator"
	"github.com/steveyegge/analyzerd/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Start the orchestrator and serve the control socket (and the HTTP API
when http.addr is set) until interrupted.

The orchestrator will:
1. Take the exclusive lock on its task database
2. Probe every configured worker endpoint
3. Accept submissions and dispatch them to healthy endpoints
4. Record every task transition and breaker change as an event
5. On Ctrl+C, stop accepting work and drain in-flight tasks

Send SIGUSR1 to dump in-memory metrics to stderr.`,
	Run: func(cmd *cobra.Command, args []string) {
		drain, _ := cmd.Flags().GetDuration("drain-timeout")
		httpAddr, _ := cmd.Flags().GetString("http")
		noStore, _ := cmd.Flags().GetBool("no-store")

		cfg, err := loadConfig()
		if err != nil {
			fatalf("%v", err)
		}
		if httpAddr != "" {
			cfg.HTTP.Addr = httpAddr
		}
		logger := cfg.Log.NewLogger(os.Stderr)

		inm := metrics.NewInmemSink(10*time.Second, time.Minute)
		sig := metrics.DefaultInmemSignal(inm)
		defer sig.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()

		var store storage.Storage
		if !noStore {
			if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					fatalf("failed to create storage directory: %v", err)
				}
			}
			lockPath, err := storage.AcquireExclusiveLock(cfg.Storage.Path, version)
			if err != nil {
				fatalf("%v", err)
			}
			defer func() {
				if err := storage.ReleaseExclusiveLock(lockPath); err != nil {
					fmt.Fprintf(os.Stderr, "warning: failed to release exclusive lock: %v\n", err)
				}
			}()

			store, err = storage.NewStorage(ctx, &cfg.Storage)
			if err != nil {
				fatalf("failed to open storage: %v", err)
			}
			defer store.Close()
			fmt.Fprintf(os.Stderr, "%s Opened task database %s\n", green("✓"), cfg.Storage.Path)
		}

		orch, err := orchestrator.New(orchestrator.Options{
			Config:     cfg,
			Store:      store,
			Logger:     logger,
			MetricSink: inm,
		})
		if err != nil {
			fatalf("failed to create orchestrator: %v", err)
		}
		if err := orch.Start(ctx); err != nil {
			fatalf("failed to start orchestrator: %v", err)
		}

		if dir := filepath.Dir(cfg.Control.SocketPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				fatalf("failed to create socket directory: %v", err)
			}
		}
		ctl, err := control.NewServer(cfg.Control.SocketPath, control.NewHandler(orch), logger)
		if err != nil {
			fatalf("%v", err)
		}
		if err := ctl.Start(ctx); err != nil {
			fatalf("%v", err)
		}

		var httpSrv *api.Server
		httpErr := make(chan error, 1)
		if cfg.HTTP.Addr != "" {
			httpSrv = api.New(orch, logger)
			go func() { httpErr <- httpSrv.ListenAndServe(cfg.HTTP.Addr) }()
		}

		fmt.Printf("%s Orchestrator started (version %s)\n", green("✓"), cyan(version))
		for _, name := range cfg.ClassNames() {
			fmt.Printf("  %s: %d endpoint(s)\n", name, countEndpoints(cfg.ServiceClasses, name))
		}
		fmt.Printf("  Control socket: %s\n", cfg.Control.SocketPath)
		if httpSrv != nil {
			fmt.Printf("  HTTP API: %s\n", cfg.HTTP.Addr)
		}
		fmt.Printf("  Press Ctrl+C to stop\n\n")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
		case err := <-httpErr:
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		}
		fmt.Println("\n\nShutting down orchestrator...")

		if err := ctl.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to stop control socket: %v\n", err)
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drain)
		defer shutdownCancel()
		if httpSrv != nil {
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: HTTP API shutdown: %v\n", err)
			}
		}
		if err := orch.Stop(shutdownCtx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				fmt.Fprintf(os.Stderr, "Warning: in-flight tasks cancelled after %v\n", drain)
			} else {
				fmt.Fprintf(os.Stderr, "Warning: error during shutdown: %v\n", err)
			}
		}
		fmt.Printf("%s Orchestrator stopped\n", green("✓"))
	},
}

func init() {
	serveCmd.Flags().Duration("drain-timeout", 30*time.Second, "How long to let in-flight tasks finish before cancelling them")
	serveCmd.Flags().String("http", "", "HTTP API listen address (overrides http.addr)")
	serveCmd.Flags().Bool("no-store", false, "Keep task state in memory only (no database, no event history)")
	rootCmd.AddCommand(serveCmd)
}
