package cli

import (
	"fmt"

	"github.com/snakepit-dev/snakepit/internal/paths"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if configFlag != "" {
			fmt.Fprintln(cmd.OutOrStdout(), configFlag)
			return nil
		}
		home, err := paths.Home(homeFlag)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), paths.ConfigPath(home))
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		return writeYAML(a.out, a.cfg)
	},
}

func init() {
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
