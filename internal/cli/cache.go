package cli

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/snakepit-dev/snakepit/internal/paths"
	"github.com/snakepit-dev/snakepit/internal/sandbox"
	"github.com/spf13/cobra"
)

var (
	cleanRuntime bool
	cleanAll     bool
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage snakepit's on-disk state",
	Long:  `View disk usage of the runtime, compiled code cache, environment and instances.`,
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show what is stored and how large it is",
	Args:  cobra.NoArgs,
	RunE:  cacheList,
}

var cacheCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove cached items",
	Long: `Remove cached items. By default, removes compiled code only; it is
rebuilt on the next run.

Flags:
    --runtime   Remove the downloaded interpreter module
    --all       Remove both

The shared environment is never touched; use "remove" for packages.`,
	Args: cobra.NoArgs,
	RunE: cacheClean,
}

var cacheDirCmd = &cobra.Command{
	Use:   "dir",
	Short: "Print the snakepit home directory",
	Args:  cobra.NoArgs,
	RunE:  cacheDir,
}

func init() {
	cacheCleanCmd.Flags().BoolVar(&cleanRuntime, "runtime", false, "remove the interpreter module")
	cacheCleanCmd.Flags().BoolVar(&cleanAll, "all", false, "remove compiled code and the interpreter module")

	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheCleanCmd)
	cacheCmd.AddCommand(cacheDirCmd)

	rootCmd.AddCommand(cacheCmd)
}

func cacheList(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "Home: %s\n\n", a.cfg.Home)

	if paths.Exists(a.cfg.Runtime.WasmPath) {
		info, err := os.Stat(a.cfg.Runtime.WasmPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Runtime: %s (%s, Python %s)\n", a.cfg.Runtime.WasmPath, formatSize(info.Size()), a.cfg.Runtime.Version)
	} else {
		fmt.Fprintln(a.out, "Runtime: not downloaded")
	}

	if paths.Exists(a.cfg.Runtime.CacheDir) {
		fmt.Fprintf(a.out, "Compiled: %s\n", formatSize(dirSize(a.cfg.Runtime.CacheDir)))
	}

	manifests, err := a.reader.List()
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Environment: %d packages (%s)\n", len(manifests), formatSize(dirSize(a.env.Root())))

	dirs, err := sandbox.ListDirs(a.cfg.InstancesDir)
	if err != nil {
		return err
	}
	if len(dirs) > 0 {
		fmt.Fprintf(a.out, "Instances: %d, oldest %s ago\n", len(dirs), formatDuration(time.Since(dirs[0].Modified)))
	}

	return nil
}

func cacheClean(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}

	if cleanAll || !cleanRuntime {
		if err := os.RemoveAll(a.cfg.Runtime.CacheDir); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "Removed compiled code")
	}

	if cleanAll || cleanRuntime {
		if err := os.Remove(a.cfg.Runtime.WasmPath); err != nil && !os.IsNotExist(err) {
			return err
		}
		fmt.Fprintln(a.out, "Removed runtime")
	}

	return nil
}

func cacheDir(cmd *cobra.Command, args []string) error {
	home, err := paths.Home(homeFlag)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), home)
	return nil
}

func dirSize(path string) int64 {
	var size int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			info, err := d.Info()
			if err == nil {
				size += info.Size()
			}
		}
		return nil
	})
	return size
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%d minutes", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%d hours", int(d.Hours()))
	}
	return fmt.Sprintf("%d days", int(d.Hours()/24))
}
