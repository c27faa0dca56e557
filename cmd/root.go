package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tgrelay",
	Short: "Forward Telegram messages to webhooks and other sinks",
	Long: `tgrelay listens for incoming Telegram messages, normalizes each one into a
stable JSON payload, and forwards it to every configured publisher concurrently.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
