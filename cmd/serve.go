package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"apiary/internal/app"
)

var (
	serveDebug      bool
	serveHost       string
	servePort       int
	serveConfigPath string
)

// serveCmd starts the aggregating proxy server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the apiary MCP proxy server",
	Long: `Starts the apiary server: loads the provider list, connects to every
provider and serves the aggregated catalog over SSE.

Providers are managed with 'apiary provider add|remove|list'; changes to
the provider list are picked up while the server is running.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	application, err := app.New(app.Options{
		ConfigPath: serveConfigPath,
		Host:       serveHost,
		Port:       servePort,
		Debug:      serveDebug,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to the configuration file")
}
