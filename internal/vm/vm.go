// Package vm drives the wazero runtime that executes the WASI interpreter.
//
// A Machine compiles the interpreter module once and instantiates it for
// every run with its own arguments, environment, capture writers and
// directory mount. Each run is bounded by a computation budget (guest
// function calls, counted through wazero's function listener hook) and a
// wall-clock deadline. A loop that makes no calls is only stopped by the
// deadline.
package vm

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// Fault says why a run was halted by the machine rather than by the program.
type Fault int

const (
	FaultNone     Fault = iota
	FaultBudget         // computation budget exceeded
	FaultDeadline       // wall-clock timeout
	FaultCanceled       // caller's context canceled
	FaultTrap           // any other VM-level error
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultBudget:
		return "budget exceeded"
	case FaultDeadline:
		return "deadline exceeded"
	case FaultCanceled:
		return "canceled"
	case FaultTrap:
		return "trap"
	default:
		return fmt.Sprintf("fault(%d)", int(f))
	}
}

// Config configures a Machine.
type Config struct {
	// WasmPath is the interpreter module. Ignored when Wasm is set.
	WasmPath string
	Wasm     []byte

	// CacheDir persists compiled code between processes. Empty disables it.
	CacheDir string

	// MemoryLimitPages caps guest memory in 64KiB pages. 0 keeps the default.
	MemoryLimitPages uint32

	// Interpreter selects wazero's interpreter instead of the compiler.
	Interpreter bool

	Logger zerolog.Logger
}

// Run is one execution request.
type Run struct {
	// Name identifies the module instance; must be unique among live runs.
	Name string

	// Args is argv, including argv[0].
	Args []string
	Env  map[string]string

	// Root is the host directory mounted read-write at the guest's "/".
	Root string

	// ReadOnlyMounts maps guest paths to host directories.
	ReadOnlyMounts map[string]string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// MaxCalls is the computation budget. 0 means unlimited.
	MaxCalls uint64

	// Timeout bounds wall-clock time. 0 means no deadline.
	Timeout time.Duration
}

// Outcome is how a run ended. A program that exits, with any status, is not
// a fault.
type Outcome struct {
	ExitCode uint32
	Fault    Fault
	Err      error // detail for FaultTrap
	Calls    uint64
	Duration time.Duration
}

// Faulted reports whether the machine halted the program.
func (o *Outcome) Faulted() bool {
	return o.Fault != FaultNone
}

// Machine holds a runtime and the compiled interpreter.
type Machine struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	cache    wazero.CompilationCache
	logger   zerolog.Logger
}

// New creates the runtime, instantiates WASI and compiles the module.
func New(ctx context.Context, cfg Config) (*Machine, error) {
	wasm := cfg.Wasm
	if wasm == nil {
		if cfg.WasmPath == "" {
			return nil, errors.New("no interpreter module configured")
		}
		data, err := os.ReadFile(cfg.WasmPath)
		if err != nil {
			return nil, fmt.Errorf("read interpreter module: %w", err)
		}
		wasm = data
	}

	rc := wazero.NewRuntimeConfig()
	if cfg.Interpreter {
		rc = wazero.NewRuntimeConfigInterpreter()
	}
	rc = rc.WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}

	var cache wazero.CompilationCache
	if cfg.CacheDir != "" {
		if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("create compilation cache: %w", err)
		}
		c, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("open compilation cache: %w", err)
		}
		cache = c
		rc = rc.WithCompilationCache(cache)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rc)
	closeAll := func() {
		_ = rt.Close(ctx)
		if cache != nil {
			_ = cache.Close(ctx)
		}
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		closeAll()
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	start := time.Now()
	compiled, err := rt.CompileModule(experimental.WithFunctionListenerFactory(ctx, callCounter{}), wasm)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("compile interpreter module: %w", err)
	}
	cfg.Logger.Debug().Dur("took", time.Since(start)).Int("bytes", len(wasm)).Msg("compiled module")

	return &Machine{
		runtime:  rt,
		compiled: compiled,
		cache:    cache,
		logger:   cfg.Logger,
	}, nil
}

// Execute runs the module once. Budget, deadline, cancellation and traps
// are reported in the Outcome; the error is reserved for failures to set
// the run up.
func (m *Machine) Execute(ctx context.Context, run Run) (*Outcome, error) {
	mc := m.moduleConfig(run)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	meter := &meter{limit: run.MaxCalls, cancel: cancel}
	runCtx = withMeter(runCtx, meter)
	if run.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, run.Timeout)
		defer cancelTimeout()
	}

	mod, err := m.runtime.InstantiateModule(runCtx, m.compiled, mc)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", run.Name, err)
	}
	defer mod.Close(context.Background())

	start := mod.ExportedFunction("_start")
	if start == nil {
		return nil, errors.New("module has no _start export")
	}

	began := time.Now()
	_, callErr := start.Call(runCtx)
	out := classify(runCtx, callErr, meter)
	out.Duration = time.Since(began)
	out.Calls = meter.calls.Load()

	m.logger.Debug().
		Str("run", run.Name).
		Uint32("exit", out.ExitCode).
		Stringer("fault", out.Fault).
		Uint64("calls", out.Calls).
		Dur("took", out.Duration).
		Msg("executed")
	return out, nil
}

func (m *Machine) moduleConfig(run Run) wazero.ModuleConfig {
	fsc := wazero.NewFSConfig().WithDirMount(run.Root, "/")
	guests := make([]string, 0, len(run.ReadOnlyMounts))
	for guest := range run.ReadOnlyMounts {
		guests = append(guests, guest)
	}
	sort.Strings(guests)
	for _, guest := range guests {
		fsc = fsc.WithReadOnlyDirMount(run.ReadOnlyMounts[guest], guest)
	}

	mc := wazero.NewModuleConfig().
		WithName(run.Name).
		WithArgs(run.Args...).
		WithFSConfig(fsc).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithRandSource(rand.Reader).
		WithStartFunctions()

	keys := make([]string, 0, len(run.Env))
	for k := range run.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		mc = mc.WithEnv(k, run.Env[k])
	}

	if run.Stdin != nil {
		mc = mc.WithStdin(run.Stdin)
	}
	if run.Stdout != nil {
		mc = mc.WithStdout(run.Stdout)
	}
	if run.Stderr != nil {
		mc = mc.WithStderr(run.Stderr)
	}
	return mc
}

// classify maps the result of calling _start onto an Outcome.
func classify(ctx context.Context, err error, m *meter) *Outcome {
	if err == nil {
		return &Outcome{}
	}
	if m.exhausted.Load() {
		return &Outcome{Fault: FaultBudget, Err: ErrBudgetExceeded}
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			return &Outcome{Fault: FaultDeadline, Err: context.DeadlineExceeded}
		case sys.ExitCodeContextCanceled:
			return &Outcome{Fault: FaultCanceled, Err: context.Cause(ctx)}
		default:
			return &Outcome{ExitCode: exitErr.ExitCode()}
		}
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Outcome{Fault: FaultDeadline, Err: err}
	}
	return &Outcome{Fault: FaultTrap, Err: err}
}

// Close releases the runtime and compilation cache.
func (m *Machine) Close(ctx context.Context) error {
	err := m.runtime.Close(ctx)
	if m.cache != nil {
		err = errors.Join(err, m.cache.Close(ctx))
	}
	return err
}
