package main

import (
	"fmt"
	"strings"

	"github.com/jpalmerr/pushpoll/config"
	"github.com/spf13/cobra"
)

// validateCmd validates a config file without starting anything.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a pushpoll configuration file without starting a server or client.

This command parses the YAML, expands environment variables, and validates
all fields. It's useful for CI/CD pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  pushpoll validate -c config.yaml
  pushpoll validate --config /etc/pushpoll/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	fmt.Printf("Config is valid!\n")

	if cl := cfg.Client; cl != nil {
		id := cl.ID
		if id == "" {
			id = "(generated)"
		}
		handlers := "log, noop"
		if len(cl.Handlers) > 0 {
			handlers = strings.Join(cl.Handlers, ", ")
		}
		fmt.Printf("Client:\n")
		fmt.Printf("  Base URL:  %s\n", cl.BaseURL)
		fmt.Printf("  ID:        %s\n", id)
		fmt.Printf("  Timeout:   %s\n", cl.Timeout.Duration())
		fmt.Printf("  Delay:     %s to %s\n", cl.MinDelay.Duration(), cl.MaxDelay.Duration())
		fmt.Printf("  Codec:     %s\n", cl.Codec)
		fmt.Printf("  Handlers:  %s\n", handlers)
	}

	if s := cfg.Server; s != nil {
		fmt.Printf("Server:\n")
		fmt.Printf("  Port:         %d\n", s.Port)
		fmt.Printf("  Poll path:    %s\n", s.PollPath)
		fmt.Printf("  Hold timeout: %s\n", s.HoldTimeout.Duration())
		fmt.Printf("  Max pending:  %d\n", s.MaxPending)
		fmt.Printf("  Client TTL:   %s\n", s.ClientTTL.Duration())
	}

	return nil
}
