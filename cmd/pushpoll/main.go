// Package main is the entry point for the pushpoll CLI.
//
// pushpoll can be used as a library (SDK) or run as a standalone binary with
// YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	pushpoll serve -c config.yaml                     # Start the push server
//	pushpoll poll -c config.yaml                      # Run a long-poll client
//	pushpoll send --client kiosk-7 --type log --arg message=hi
//	pushpoll validate -c config.yaml                  # Validate configuration
//	pushpoll version                                  # Show version info
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Version information - set by GoReleaser at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
// It just displays help - actual functionality is in subcommands.
var rootCmd = &cobra.Command{
	Use:   "pushpoll",
	Short: "Push commands to processes over HTTP long-polling",
	Long: `pushpoll pushes commands from a server to clients over plain HTTP.

Each client keeps one long-poll request open. When the server has commands
for it, the request completes, the client runs them and reopens the
connection after a short random delay.

Quick start:
  1. Create a config file (pushpoll.yaml)
  2. Run: pushpoll serve -c pushpoll.yaml
  3. Run: pushpoll poll -c pushpoll.yaml
  4. Run: pushpoll send --client kiosk-7 --type log --arg message=hello
     or open http://localhost:8080 in your browser

Example config:
  server:
    port: 8080
  client:
    base_url: http://localhost:8080/push?_action_=
    id: kiosk-7
    handlers: [log, print]`,
	// No Run/RunE means this just shows help when called without subcommands
}

// Execute runs the root command.
// This is the main entry point called from main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// newLogger creates a JSON logger for CLI use.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this pushpoll binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "pushpoll %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Register subcommands with root
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
}
