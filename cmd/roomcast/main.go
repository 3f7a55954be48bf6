package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "roomcast",
		Short: "Real-time room messaging server",
		Long: `roomcast is a WebSocket server for room-based messaging.

Clients connect over WebSocket, authenticate, join rooms and exchange
messages. Several instances can share one NATS, Redis or Kafka bus so a
broadcast reaches every member wherever they are connected.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		tokenCmd(),
		loadtestCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
