// Package main implements the forgectl CLI for manual operations against
// the forged daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/forged/pkg/client"
)

var (
	// serverURL is the base URL for the forged daemon
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "forgectl",
	Short: "CLI for the forged orchestration daemon",
	Long: `forgectl is a command-line interface for the forged daemon.
It manages workspace specs, drives generation runs through their approval
and selection gates, and streams run events.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9920", "forged server URL")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(specCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(inputCmd)
	rootCmd.AddCommand(selectCmd)
	rootCmd.AddCommand(regenerateCmd)
	rootCmd.AddCommand(artifactsCmd)
}

// newClient builds a client against --server.
func newClient() (*client.Client, error) {
	cfg := client.DefaultConfig()
	cfg.BaseURL = serverURL
	return client.New(cfg)
}

// signalContext is canceled on SIGINT/SIGTERM so long-lived commands
// (watch) exit cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// printJSON renders a value as indented JSON on stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check forged server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Health(cmd.Context()); err != nil {
			return fmt.Errorf("server unhealthy: %w", err)
		}
		fmt.Println("ok")
		return nil
	},
}
