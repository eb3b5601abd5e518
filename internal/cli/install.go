package cli

import (
	"fmt"
	"strings"

	"github.com/snakepit-dev/snakepit/internal/manifest"
	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install <packages> [-- pip flags...]",
	Short: "Stage packages into the shared environment",
	Long: `Install packages into the shared environment with pip. Dependencies
are not installed; see "deps install" and "deep install".

Specifiers and pip flags are passed through verbatim:
    snakepit install "requests<3" six -- --no-cache-dir`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInstall,
}

var deepCmd = &cobra.Command{
	Use:   "deep",
	Short: "Recursive install and removal",
}

var deepInstallCmd = &cobra.Command{
	Use:   "install <packages>",
	Short: "Install packages and their whole dependency tree",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDeepInstall,
}

func init() {
	deepCmd.AddCommand(deepInstallCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(deepCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	if err := a.install(cmd.Context(), args); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	return nil
}

func runDeepInstall(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	if err := a.install(cmd.Context(), args); err != nil {
		return fmt.Errorf("deep install: %w", err)
	}

	names := packageNames(args)
	if len(names) == 0 {
		return nil
	}

	p, stop, err := a.pip()
	if err != nil {
		return err
	}
	defer stop()

	if err := a.depsInstaller(p).InstallDeps(cmd.Context(), names, true); err != nil {
		return fmt.Errorf("deep install: %w", err)
	}
	return nil
}

// packageNames drops flags from args and reduces specifiers to names.
func packageNames(args []string) []string {
	var names []string
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		req, err := manifest.ParseRequirement(arg)
		if err != nil {
			continue
		}
		names = append(names, req.Name)
	}
	return names
}
