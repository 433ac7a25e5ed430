package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the apiary application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "apiary",
	Short: "Aggregate multiple MCP providers behind one endpoint",
	Long: `apiary is an aggregating proxy for the Model Context Protocol.

It presents a single MCP endpoint to clients while multiplexing over a
dynamic set of upstream providers: local subprocess servers installed
from packaged projects, or remote servers reached over SSE. Clients see
one unified catalog of tools, prompts, resources, agent templates and
agents; calls and progress notifications are routed to the right
upstream session.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the
// application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
// This function is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "apiary version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
