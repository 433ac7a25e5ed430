package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the apiary version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("apiary version %s\n", GetVersion())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
