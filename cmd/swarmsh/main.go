package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/swarmsh/swarmsh/pkg/config"
	"github.com/swarmsh/swarmsh/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(lastExitCode)
	}
	os.Exit(lastExitCode)
}

// lastExitCode carries the mapped exit code out of a RunE handler,
// since cobra itself only distinguishes "error" from "no error".
var lastExitCode int

var rootCmd = &cobra.Command{
	Use:   "swarmsh",
	Short: "SwarmSH - file-backed coordination for autonomous worker agents",
	Long: `SwarmSH coordinates a fleet of autonomous worker agents that claim,
execute, and retire units of work against shared, file-backed state,
with at-most-one claim per work item, bounded coordination latency,
and end-to-end distributed tracing of every transition.`,
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"SwarmSH version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("coordination-dir", "", "State root (overrides COORDINATION_DIR/config file)")
	rootCmd.PersistentFlags().String("config-file", "", "Path to swarmsh.yaml (overrides SWARMSH_CONFIG_FILE)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(progressCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(reassignCmd)
	rootCmd.AddCommand(dashboardCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(optimizeCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(generateIDCmd)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// loadConfig resolves the layered Config from this invocation's
// persistent flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	dir, _ := cmd.Flags().GetString("coordination-dir")
	file, _ := cmd.Flags().GetString("config-file")
	return config.Load(config.Overrides{CoordinationDir: dir, ConfigFile: file})
}

// runWithApp resolves Config, builds an app, runs fn, and closes the
// app, mapping any returned error into lastExitCode. fn's own error is
// also returned so cobra prints it.
func runWithApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		lastExitCode = 64
		return err
	}

	ctx := forceTraceContext(cmd.Context(), cfg)
	a, err := buildApp(ctx, cfg)
	if err != nil {
		lastExitCode = 64
		return err
	}
	defer a.close(ctx)

	err = fn(ctx, a)
	lastExitCode = exitCode(err)
	return err
}
