package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/snakepit-dev/snakepit/internal/fetch"
	"github.com/snakepit-dev/snakepit/internal/installer"
	"github.com/snakepit-dev/snakepit/internal/manifest"
	"github.com/snakepit-dev/snakepit/internal/metadata"
	"github.com/snakepit-dev/snakepit/internal/sandbox"
	"github.com/snakepit-dev/snakepit/internal/vm"
	"github.com/spf13/cobra"
)

// stdlibMount is where an external standard library appears in the guest.
const stdlibMount = "/usr/local/lib"

var (
	runCode      string
	runNoInstall bool
	runMaxCalls  uint64
	runTimeout   time.Duration
	runMemory    uint32
	runAllowEnv  string
	runOutput    string
)

// ExitError carries a sandboxed program's non-zero exit status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("program exited with status %d", e.Code)
}

var runCmd = &cobra.Command{
	Use:   "run [-c code | script.py | -] [-- args...]",
	Short: "Run Python code in a fresh sandbox",
	Long: `Run Python code inside a new sandbox instance holding a private copy of
the shared environment. The instance is deleted when the run ends.

A script can declare what it needs in an inline metadata block; missing
packages are installed into the shared environment before the run:

    # /// script
    # requires-python = ">=3.11"
    # dependencies = ["requests<3"]
    # ///

Use "-" to read the program from stdin.

Limits (defaults from the config file):
    --max-calls   computation budget in guest function calls (0 = unlimited)
    --timeout     wall-clock limit (0 = unlimited, only with --max-calls 0)
    --memory      guest memory limit in MB

The budget counts guest function calls. A loop that makes no calls, such
as "while True: pass", is only stopped by the wall-clock limit, so a
budget always needs a timeout.`,
	RunE: runScript,
}

func init() {
	runCmd.Flags().StringVarP(&runCode, "code", "c", "", "program passed as a string")
	runCmd.Flags().BoolVar(&runNoInstall, "no-install", false, "do not install declared dependencies")
	runCmd.Flags().Uint64Var(&runMaxCalls, "max-calls", 0, "computation budget (overrides config)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "wall-clock limit (overrides config)")
	runCmd.Flags().Uint32Var(&runMemory, "memory", 0, "memory limit in MB (overrides config)")
	runCmd.Flags().StringVar(&runAllowEnv, "allow-env", "", "environment variables to pass (comma-separated)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "text", "output format: text or yaml")

	rootCmd.AddCommand(runCmd)
}

func runScript(cmd *cobra.Command, args []string) error {
	if err := checkFormat(runOutput); err != nil {
		return err
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	code, scriptArgs, err := readProgram(a.in, args)
	if err != nil {
		return err
	}

	meta, err := metadata.Parse([]byte(code))
	if err != nil {
		return fmt.Errorf("failed to parse metadata: %w", err)
	}

	applyRunFlags(cmd, a)
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	rt, err := fetch.Resolve(a.cfg.Runtime.WasmPath, a.cfg.Runtime.Version, meta.RequiresPython)
	if err != nil {
		return err
	}
	if !rt.Cached {
		a.logf("Fetching Python %s runtime from %s", rt.Version, a.cfg.Runtime.URL)
		opts := fetch.Options{URL: a.cfg.Runtime.URL, ExtractDir: a.cfg.Runtime.ExtractDir, SHA256: a.cfg.Runtime.SHA256}
		if !quiet && !verbose {
			opts.Progress = a.errOut
		}
		if err := fetch.Ensure(ctx, rt, opts); err != nil {
			return err
		}
	}

	if len(meta.Dependencies) > 0 {
		if err := ensureDependencies(ctx, a, meta.Dependencies); err != nil {
			return err
		}
	}

	a.logf("Loading %s", rt.Path)
	machine, err := vm.New(ctx, vm.Config{
		WasmPath:         rt.Path,
		CacheDir:         a.cfg.Runtime.CacheDir,
		MemoryLimitPages: a.cfg.MemoryLimitPages(),
		Interpreter:      a.cfg.Runtime.Interpreter,
		Logger:           a.logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = machine.Close(context.Background()) }()

	var mounts map[string]string
	if a.cfg.Runtime.StdlibDir != "" {
		mounts = map[string]string{stdlibMount: a.cfg.Runtime.StdlibDir}
	}

	mgr, err := sandbox.NewManager(sandbox.Config{
		Env:            a.env,
		InstancesDir:   a.cfg.InstancesDir,
		Executor:       machine,
		Subtree:        a.cfg.Sandbox.Subtree,
		SiteDir:        a.cfg.Sandbox.SiteDir,
		MaxCalls:       a.cfg.Sandbox.MaxCalls,
		Timeout:        a.cfg.Sandbox.Timeout,
		AllowEnv:       a.cfg.Sandbox.AllowEnv,
		ReadOnlyMounts: mounts,
		Logger:         a.logger,
	})
	if err != nil {
		return err
	}
	// Releases anything still live if the run is interrupted.
	defer func() {
		if err := mgr.Close(); err != nil {
			a.logger.Error().Err(err).Msg("releasing sandbox instances")
		}
	}()

	result, err := mgr.Exec(ctx, code, scriptArgs...)
	if err != nil {
		return err
	}

	if runOutput == "yaml" {
		if err := writeYAML(a.out, result); err != nil {
			return err
		}
	} else {
		_, _ = io.WriteString(a.out, result.Stdout)
		_, _ = io.WriteString(a.errOut, result.Stderr)
	}

	a.logf("Instance %s %s in %s (exit %d)", result.ID, result.State, result.Duration.Round(time.Millisecond), result.ExitCode)

	if result.State == sandbox.Faulted {
		return fmt.Errorf("execution halted: %s", result.Fault)
	}
	if result.ExitCode != 0 {
		return &ExitError{Code: result.ExitCode}
	}
	return nil
}

// readProgram returns the code to run and the arguments following it.
func readProgram(stdin io.Reader, args []string) (string, []string, error) {
	if runCode != "" {
		return runCode, args, nil
	}
	if len(args) == 0 {
		return "", nil, errors.New("nothing to run: pass -c code, a script path, or - for stdin")
	}

	if args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), args[1:], nil
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil, fmt.Errorf("script not found: %s", args[0])
		}
		return "", nil, fmt.Errorf("failed to read script: %w", err)
	}
	return string(data), args[1:], nil
}

// applyRunFlags lets explicit flags override the config file.
func applyRunFlags(cmd *cobra.Command, a *app) {
	flags := cmd.Flags()
	if flags.Changed("max-calls") {
		a.cfg.Sandbox.MaxCalls = runMaxCalls
	}
	if flags.Changed("timeout") {
		a.cfg.Sandbox.Timeout = runTimeout
	}
	if flags.Changed("memory") {
		a.cfg.Sandbox.MemoryLimitMB = runMemory
	}
	if runAllowEnv != "" {
		a.cfg.Sandbox.AllowEnv = append(a.cfg.Sandbox.AllowEnv, splitCSV(runAllowEnv)...)
	}
}

// ensureDependencies installs the declared dependencies that are missing or
// whose installed version does not satisfy the declaration, then their
// dependency trees.
func ensureDependencies(ctx context.Context, a *app, declared []string) error {
	var specs, names []string
	for _, spec := range declared {
		req, err := manifest.ParseRequirement(spec)
		if err != nil {
			return fmt.Errorf("dependency %q: %w", spec, err)
		}

		m, err := a.reader.Lookup(req.Name)
		switch {
		case errors.Is(err, manifest.ErrNotFound):
		case err != nil:
			return err
		default:
			ok, checkErr := req.SatisfiedBy(m.Version)
			if checkErr != nil {
				a.logger.Debug().Err(checkErr).Str("package", req.Name).Msg("cannot evaluate specifier, keeping installed version")
				continue
			}
			if ok {
				continue
			}
		}
		specs = append(specs, spec)
		names = append(names, req.Name)
	}

	if len(specs) == 0 {
		a.logf("Dependencies already installed")
		return nil
	}
	if runNoInstall {
		a.logger.Warn().Strs("packages", specs).Msg("dependencies missing, not installing (--no-install)")
		return nil
	}

	p, stop, err := a.pip()
	if err != nil {
		return err
	}
	defer stop()

	a.printf("● Installing %s\n", installer.FormatSpecs(specs))
	if err := p.Install(ctx, specs); err != nil {
		return fmt.Errorf("install script dependencies: %w", err)
	}
	return a.depsInstaller(p).InstallDeps(ctx, names, true)
}
