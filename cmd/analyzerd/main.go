// Command analyzerd runs the analyzer orchestrator and talks to a running
// one over its control socket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/steveyegge/analyzerd/internal/config"
	"github.com/steveyegge/analyzerd/internal/control"
)

var version = "0.1.0"

var (
	configPath string
	socketFlag string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "analyzerd",
	Short: "Dispatch analysis tasks to remote analyzer workers",
	Long: `analyzerd accepts analysis tasks, routes each one to a healthy worker
endpoint of the requested service class, and tracks it until it completes,
fails, or is cancelled.

Run 'analyzerd serve' to start the orchestrator. The other commands talk to
a running orchestrator over its control socket.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("ANALYZERD_CONFIG"), "Path to YAML config file (default: built-in defaults plus environment)")
	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "Control socket path (default: from config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON instead of formatted output")
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config named by --config, or the defaults.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if socketFlag != "" {
		cfg.Control.SocketPath = socketFlag
	}
	return cfg, nil
}

// socketPath resolves the control socket for client commands. Clients need
// nothing else from the config, so an invalid config only loses the
// configured path.
func socketPath() string {
	if socketFlag != "" {
		return socketFlag
	}
	if cfg, err := loadConfig(); err == nil {
		return cfg.Control.SocketPath
	}
	if p := os.Getenv("ANALYZERD_CONTROL_SOCKET"); p != "" {
		return p
	}
	return config.DefaultConfig().Control.SocketPath
}

// newClient returns a control client for the running orchestrator.
func newClient() *control.Client {
	path := socketPath()
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: no control socket at %s\n", path)
		fmt.Fprintf(os.Stderr, "Hint: Is the orchestrator running? Start it with 'analyzerd serve'.\n")
		os.Exit(1)
	}
	return control.NewClient(path)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
