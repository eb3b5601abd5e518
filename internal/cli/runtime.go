package cli

import (
	"fmt"

	"github.com/snakepit-dev/snakepit/internal/fetch"
	"github.com/spf13/cobra"
)

var fetchForce bool

var runtimeCmd = &cobra.Command{
	Use:   "runtime",
	Short: "Manage the CPython WebAssembly runtime",
}

var runtimeFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download the interpreter module",
	Long: `Download the interpreter module from runtime.url. With runtime.sha256
set, the download is verified before it replaces anything.`,
	Args: cobra.NoArgs,
	RunE: runRuntimeFetch,
}

var runtimePathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the interpreter module path",
	Args:  cobra.NoArgs,
	RunE:  runRuntimePath,
}

func init() {
	runtimeFetchCmd.Flags().BoolVar(&fetchForce, "force", false, "download even if present")

	runtimeCmd.AddCommand(runtimeFetchCmd)
	runtimeCmd.AddCommand(runtimePathCmd)
	rootCmd.AddCommand(runtimeCmd)
}

func runRuntimeFetch(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	res, err := fetch.Resolve(a.cfg.Runtime.WasmPath, a.cfg.Runtime.Version, "")
	if err != nil {
		return err
	}
	if res.Cached && !fetchForce {
		a.printf("Python %s runtime already at %s\n", res.Version, res.Path)
		return nil
	}
	res.Cached = false

	opts := fetch.Options{URL: a.cfg.Runtime.URL, ExtractDir: a.cfg.Runtime.ExtractDir, SHA256: a.cfg.Runtime.SHA256}
	if !quiet {
		opts.Progress = a.errOut
	}
	a.logf("Downloading %s", a.cfg.Runtime.URL)
	if err := fetch.Ensure(cmd.Context(), res, opts); err != nil {
		return err
	}
	a.printf("Python %s runtime saved to %s\n", res.Version, res.Path)
	return nil
}

func runRuntimePath(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, a.cfg.Runtime.WasmPath)
	return nil
}
