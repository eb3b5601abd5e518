package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	verbose    bool
	quiet      bool
	jsonLog    bool
	homeFlag   string
	configFlag string
)

var rootCmd = &cobra.Command{
	Use:   "snakepit",
	Short: "Run untrusted Python in disposable WebAssembly sandboxes",
	Long: `snakepit keeps a shared environment of Python packages and runs
untrusted code against private copies of it inside WebAssembly sandboxes.

Examples:
  snakepit install requests            Stage a package (no dependencies)
  snakepit deps deep install requests  Stage its dependency tree
  snakepit run -c 'import requests'    Run code in a fresh sandbox
  snakepit run script.py               Run a script, installing its inline deps
  snakepit deep remove requests        Remove a package and its dependencies`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show detailed output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress snakepit output")
	rootCmd.PersistentFlags().BoolVar(&jsonLog, "json-log", false, "log as JSON")
	rootCmd.PersistentFlags().StringVar(&homeFlag, "home", "", "snakepit home directory (default $SNAKEPIT_HOME or ./.snakepit)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default <home>/config.toml)")
}

// Execute runs the command line. SIGINT and SIGTERM cancel the command's
// context so live sandbox instances are released before exit.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
