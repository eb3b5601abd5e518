package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/snakepit-dev/snakepit/internal/sandbox"
	"github.com/spf13/cobra"
)

var cleanOlderThan time.Duration

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "Inspect sandbox instance directories",
	Long: `Instance directories normally disappear when a run ends. A process that
is killed before it can clean up leaves its directory behind; "instances
clean" removes those.`,
}

var instancesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show instance directories on disk",
	Args:  cobra.NoArgs,
	RunE:  runInstancesList,
}

var instancesCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove stale instance directories",
	Args:  cobra.NoArgs,
	RunE:  runInstancesClean,
}

func init() {
	instancesCleanCmd.Flags().DurationVar(&cleanOlderThan, "older-than", time.Hour, "only remove directories untouched for this long")

	instancesCmd.AddCommand(instancesListCmd)
	instancesCmd.AddCommand(instancesCleanCmd)
	rootCmd.AddCommand(instancesCmd)
}

func runInstancesList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	dirs, err := sandbox.ListDirs(a.cfg.InstancesDir)
	if err != nil {
		return err
	}
	if len(dirs) == 0 {
		fmt.Fprintln(a.out, "No instance directories")
		return nil
	}

	now := time.Now()
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAGE\tSIZE")
	for _, d := range dirs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", d.ID, formatDuration(now.Sub(d.Modified)), formatSize(dirSize(d.Path)))
	}
	return tw.Flush()
}

func runInstancesClean(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	removed, err := sandbox.CleanStale(a.cfg.InstancesDir, cleanOlderThan, time.Now())
	for _, d := range removed {
		a.logf("removed %s", d.Path)
	}
	a.printf("Removed %d stale instance directories\n", len(removed))
	return err
}
