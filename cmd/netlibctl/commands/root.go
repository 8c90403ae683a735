// Package commands implements the netlibctl CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// outputFormat controls the output format for commands that produce
// structured output (table or json).
var outputFormat string

// rootCmd is the top-level cobra command for netlibctl.
var rootCmd = &cobra.Command{
	Use:   "netlibctl",
	Short: "Diagnostic CLI for the netlib socket/poller/stream library",
	Long:  "netlibctl exercises address resolution and echo connectivity directly against the library, with no daemon to dial into.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(addrCmd())
	rootCmd.AddCommand(echoCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
