package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/paperspark/spark/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration utilities",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter configuration file",
	Long: `Init writes an example sparkd.toml with the settings most
deployments need to touch. Existing files are never overwritten.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "sparkd.toml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.SaveExample(path); err != nil {
			return blocked(err)
		}
		fmt.Printf("Wrote starter configuration to %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
}
