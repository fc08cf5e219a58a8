package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/loom/cmd/loom/commands"
	"github.com/teranos/loom/logger"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "loom - event-loop runtime with an FD-multiplexed network stack",
	Long: `loom - cooperative event loops, task groups and a poll-driven
network stack (TCP/UDP sockets, HTTP/1.1 server and client, WebSocket
client) for building single-process services.

Available commands:
  serve   - Start the demo HTTP/WebSocket server
  config  - Manage loom configuration
  version - Show version information

Examples:
  loom serve                # Start the server with loom.toml (or defaults)
  loom config init          # Write a default loom.toml
  loom version --json       # Print build info as JSON`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit JSON structured logs")
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
