package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "message-aggregator",
	Short: "Buffers chat messages per conversation and delivers them to chatbot webhooks in batches",
	Long: "message-aggregator collects the messages a user sends within a short window and " +
		"forwards them to the chatbot's webhook as one batch. Settings come from the environment.",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(lambdaCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(webhookCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
