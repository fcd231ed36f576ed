package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-arndt/agenthub/internal/client"
)

var (
	daemonAddr string
	apiKey     string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "agenthubctl",
	Short: "Manage agenthub projects and agent sessions",
	Long: `agenthubctl talks to a running agenthub daemon.

Quick Start:
  agenthubctl projects create --name api --repo https://github.com/acme/api.git --base golang:1.24
  agenthubctl new <project-id> --name "fix flaky test"
  agenthubctl ps
  agenthubctl attach <session-id>          # Ctrl-] detaches`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", envOr("AGENTHUB_ADDR", "127.0.0.1:8765"), "daemon address")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("AGENTHUB_API_KEY"), "API key (default $AGENTHUB_API_KEY)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClient() (*client.Client, error) {
	return client.New(daemonAddr, apiKey)
}

// requestContext bounds one API call by --timeout.
func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}
