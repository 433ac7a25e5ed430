package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"apiary/internal/config"
	"apiary/internal/provider"
)

var (
	providerConfigPath string
	providerCommand    string
)

var providerCmd = &cobra.Command{
	Use:   "provider",
	Short: "Manage the persisted provider list",
	Long: `Manage the providers the apiary server multiplexes over.

A running server picks up changes to the provider list immediately.`,
}

var providerAddCmd = &cobra.Command{
	Use:   "add <type> <location>",
	Short: "Add a provider (type: uvx or mcp)",
	Long: `Add a provider to the list.

  apiary provider add uvx file:///path/to/project --command server-cmd
  apiary provider add mcp http://localhost:9000/sse

Adding an already present provider is a no-op.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepository()
		if err != nil {
			return err
		}
		d := provider.Descriptor{
			Type:              provider.Type(args[0]),
			Location:          args[1],
			ExecutableCommand: providerCommand,
		}
		if err := repo.Create(cmd.Context(), d); err != nil {
			return err
		}
		fmt.Printf("Added provider %s\n", d)
		return nil
	},
}

var providerRemoveCmd = &cobra.Command{
	Use:   "remove <type> <location>",
	Short: "Remove a provider",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepository()
		if err != nil {
			return err
		}
		d := provider.Descriptor{
			Type:              provider.Type(args[0]),
			Location:          args[1],
			ExecutableCommand: providerCommand,
		}
		if err := repo.Delete(cmd.Context(), d); err != nil {
			return err
		}
		fmt.Printf("Removed provider %s\n", d)
		return nil
	},
}

var providerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured providers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepository()
		if err != nil {
			return err
		}
		descriptors, err := repo.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(descriptors) == 0 {
			fmt.Println("No providers configured")
			return nil
		}
		for _, d := range descriptors {
			fmt.Println(d)
		}
		return nil
	},
}

func openRepository() (*provider.FileRepository, error) {
	cfg, err := config.Load(providerConfigPath)
	if err != nil {
		return nil, err
	}
	return provider.NewFileRepository(cfg.ProviderListPath), nil
}

func init() {
	rootCmd.AddCommand(providerCmd)
	providerCmd.AddCommand(providerAddCmd)
	providerCmd.AddCommand(providerRemoveCmd)
	providerCmd.AddCommand(providerListCmd)

	providerCmd.PersistentFlags().StringVar(&providerConfigPath, "config", "", "Path to the configuration file")
	providerAddCmd.Flags().StringVar(&providerCommand, "command", "", "Executable command inside a uvx project (discovered when omitted)")
	providerRemoveCmd.Flags().StringVar(&providerCommand, "command", "", "Executable command of the provider to remove")
}
