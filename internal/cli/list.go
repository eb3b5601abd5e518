package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var listOutput string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List packages in the shared environment",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVarP(&listOutput, "output", "o", "text", "output format: text or yaml")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	if err := checkFormat(listOutput); err != nil {
		return err
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	manifests, err := a.reader.List()
	if err != nil {
		return err
	}

	if listOutput == "yaml" {
		return writeYAML(a.out, manifests)
	}

	if len(manifests) == 0 {
		fmt.Fprintf(a.out, "No packages installed in %s\n", a.env.Root())
		return nil
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tFILES\tDEPENDS")
	for _, m := range manifests {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", m.Name, m.Version, len(m.Files), len(m.Requires))
	}
	return tw.Flush()
}
