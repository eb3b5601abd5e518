package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/snakepit-dev/snakepit/internal/manifest"
	"github.com/spf13/cobra"
)

var (
	depsDeep   bool
	depsOutput string
)

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Inspect and install package dependencies",
}

var depsOfCmd = &cobra.Command{
	Use:   "of <packages>",
	Short: "Show what installed packages depend on",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDepsOf,
}

var depsInstallCmd = &cobra.Command{
	Use:   "install <packages>",
	Short: "Install the direct dependencies of packages",
	Long: `Install the declared dependencies of each package. A package that is
not installed yet is installed first.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDepsInstall(false),
}

var depsDeepCmd = &cobra.Command{
	Use:   "deep",
	Short: "Recursive dependency operations",
}

var depsDeepInstallCmd = &cobra.Command{
	Use:   "install <packages>",
	Short: "Install the whole dependency tree of packages",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDepsInstall(true),
}

var depsCheckCmd = &cobra.Command{
	Use:   "check <packages>",
	Short: "Check installed dependencies against their specifiers",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDepsCheck,
}

func init() {
	depsOfCmd.Flags().BoolVar(&depsDeep, "deep", false, "include transitive dependencies")
	depsOfCmd.Flags().StringVarP(&depsOutput, "output", "o", "text", "output format: text or yaml")

	depsDeepCmd.AddCommand(depsDeepInstallCmd)
	depsCmd.AddCommand(depsOfCmd)
	depsCmd.AddCommand(depsInstallCmd)
	depsCmd.AddCommand(depsDeepCmd)
	depsCmd.AddCommand(depsCheckCmd)

	rootCmd.AddCommand(depsCmd)
}

func runDepsOf(cmd *cobra.Command, args []string) error {
	if err := checkFormat(depsOutput); err != nil {
		return err
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	res := a.resolver()

	type entry struct {
		Name    string   `yaml:"name"`
		Version string   `yaml:"version"`
		Depends []string `yaml:"depends"`
	}
	var entries []entry

	for _, name := range args {
		m, err := a.reader.Lookup(name)
		if err != nil {
			return fmt.Errorf("deps of: %w", err)
		}

		deps := m.Requires
		if depsDeep {
			if deps, err = res.Deep(name); err != nil {
				return fmt.Errorf("deps of: %w", err)
			}
		}

		if depsOutput == "yaml" {
			specs := make([]string, len(deps))
			for i, d := range deps {
				specs[i] = d.String()
			}
			entries = append(entries, entry{Name: m.Name, Version: m.Version, Depends: specs})
			continue
		}

		relies := strings.Join(manifest.Names(deps), ", ")
		if relies == "" {
			relies = "itself!"
		}
		fmt.Fprintf(a.out, "%s relies on: %s\n", name, relies)
	}

	if depsOutput == "yaml" {
		return writeYAML(a.out, entries)
	}
	return nil
}

func runDepsInstall(deep bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}

		p, stop, err := a.pip()
		if err != nil {
			return err
		}
		defer stop()

		if deep {
			a.logf("Installing the dependency trees of %s", strings.Join(args, ", "))
		}
		if err := a.depsInstaller(p).InstallDeps(cmd.Context(), args, deep); err != nil {
			return fmt.Errorf("deps install: %w", err)
		}
		return nil
	}
}

func runDepsCheck(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	res := a.resolver()

	problems := 0
	for _, name := range args {
		deps, err := res.Direct(name)
		if err != nil {
			return fmt.Errorf("deps check: %w", err)
		}
		fmt.Fprintf(a.out, "%s:\n", name)
		if len(deps) == 0 {
			fmt.Fprintln(a.out, "  ✓ no dependencies")
			continue
		}

		for _, dep := range deps {
			m, err := a.reader.Lookup(dep.Name)
			if errors.Is(err, manifest.ErrNotFound) {
				fmt.Fprintf(a.out, "  ✗ %s is not installed\n", dep)
				problems++
				continue
			}
			if err != nil {
				return fmt.Errorf("deps check: %w", err)
			}

			ok, err := dep.SatisfiedBy(m.Version)
			switch {
			case err != nil:
				fmt.Fprintf(a.out, "  ? %s (installed %s): %v\n", dep, m.Version, err)
			case ok:
				fmt.Fprintf(a.out, "  ✓ %s (installed %s)\n", dep, m.Version)
			default:
				fmt.Fprintf(a.out, "  ✗ %s (installed %s)\n", dep, m.Version)
				problems++
			}
		}
	}

	if problems > 0 {
		return fmt.Errorf("%d unmet dependencies", problems)
	}
	return nil
}
