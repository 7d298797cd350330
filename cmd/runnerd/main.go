// runnerd is the execution agent: it connects to a conductor, registers
// its platform and executes the jobs dispatched to it.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trafficbuster/conductor/internal/log"
	"github.com/trafficbuster/conductor/internal/runner"
)

var (
	flagURL       string
	flagKey       string
	flagOS        string
	flagBrowser   string
	flagHeartbeat time.Duration
	flagReconnect time.Duration
	flagTimeout   time.Duration
	flagVerbose   bool
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagURL, "url", "ws://localhost:5252/ws/runner", "conductor runner endpoint")
	rootCmd.PersistentFlags().StringVar(&flagKey, "key", "", "pre-shared runner key")
	rootCmd.PersistentFlags().StringVar(&flagOS, "os", "", "reported OS, defaults to the host OS")
	rootCmd.PersistentFlags().StringVar(&flagBrowser, "browser", "chrome", "reported browser")
	rootCmd.PersistentFlags().DurationVar(&flagHeartbeat, "heartbeat", 30*time.Second, "application heartbeat interval")
	rootCmd.PersistentFlags().DurationVar(&flagReconnect, "reconnect", 5*time.Second, "reconnect backoff after connection loss")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 30*time.Second, "per-flow fetch timeout")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	rootCmd.SilenceErrors = true
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("runnerd failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "runnerd",
	Short:        "Execution agent serving traffic jobs for a conductor",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run connects to the conductor and serves jobs until interrupted",
	RunE:  doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides the version of runnerd",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("runnerd: version info not available")
			return
		}
		fmt.Printf("runnerd: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
	},
}

func doRun(cmd *cobra.Command, _ []string) error {
	slog.SetDefault(log.New(flagVerbose))

	if flagKey == "" {
		return fmt.Errorf("--key is required")
	}

	client, err := runner.New(runner.Options{
		URL:       flagURL,
		Key:       flagKey,
		OS:        flagOS,
		Browser:   flagBrowser,
		Heartbeat: flagHeartbeat,
		Reconnect: flagReconnect,
		Executor:  runner.NewHTTPExecutor(flagTimeout),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("runnerd starting", "url", flagURL, "browser", flagBrowser)
	err = client.Run(ctx)
	if err != nil && ctx.Err() != nil {
		return nil // clean shutdown
	}
	return err
}
