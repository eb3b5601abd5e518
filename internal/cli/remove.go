package cli

import (
	"errors"
	"fmt"

	"github.com/snakepit-dev/snakepit/internal/remover"
	"github.com/spf13/cobra"
)

const confirmPrompt = "You sure? [Yn] "

var (
	removeYes     bool
	deepRemoveYes bool
)

var removeCmd = &cobra.Command{
	Use:     "remove <packages>",
	Aliases: []string{"uninstall"},
	Short:   "Remove installed packages",
	Long: `Remove packages from the shared environment. Their files are deleted
according to the installed file list; dependencies are left alone. Packages
that are not installed are reported and skipped.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRemove,
}

var deepRemoveCmd = &cobra.Command{
	Use:     "remove <packages>",
	Aliases: []string{"uninstall"},
	Short:   "Remove packages and every package they depend on",
	Long: `Remove packages together with their transitive dependencies. Each
dependency is removed before the packages that depend on it. If any package
in the tree is not installed nothing is removed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDeepRemove,
}

func init() {
	removeCmd.Flags().BoolVarP(&removeYes, "yes", "y", false, "do not ask for confirmation")
	deepRemoveCmd.Flags().BoolVarP(&deepRemoveYes, "yes", "y", false, "do not ask for confirmation")

	deepCmd.AddCommand(deepRemoveCmd)
	rootCmd.AddCommand(removeCmd)
}

func runRemove(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	if !removeYes && !confirm(a.in, a.out, confirmPrompt) {
		fmt.Fprintln(a.out, "Cancelled.")
		return nil
	}

	reports, err := a.remover().RemoveAll(cmd.Context(), args)
	if err != nil {
		_ = a.printReports(reports)
		return fmt.Errorf("remove: %w", err)
	}
	return a.printReports(reports)
}

func runDeepRemove(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	if !deepRemoveYes && !confirm(a.in, a.out, confirmPrompt) {
		fmt.Fprintln(a.out, "Cancelled.")
		return nil
	}

	reports, err := a.remover().DeepRemove(cmd.Context(), args)
	if err != nil {
		_ = a.printReports(reports)
		return fmt.Errorf("deep remove: %w", err)
	}
	return a.printReports(reports)
}

// printReports prints one summary per package. Cleanup failures do not stop
// the removal; they are listed and turn the exit status into a failure.
func (a *app) printReports(reports []*remover.Report) error {
	var errs []error
	for _, r := range reports {
		if r.AlreadyAbsent {
			a.printf("%s is not installed, nothing to remove\n", r.Name)
			continue
		}

		a.printf("Removed %s %s (%d files, %d directories)\n", r.Name, r.Version, r.FilesRemoved, len(r.DirsRemoved))
		for _, p := range r.Skipped {
			a.logf("kept %s: outside the environment", p)
		}
		for _, f := range r.Failures {
			fmt.Fprintf(a.errOut, "  [failed] %s\n", f)
		}
		if err := r.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, err))
		}
	}
	return errors.Join(errs...)
}
