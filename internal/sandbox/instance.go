package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snakepit-dev/snakepit/internal/util"
	"github.com/snakepit-dev/snakepit/internal/vm"
)

// Instance is one ephemeral sandbox.
type Instance struct {
	ID  string
	Dir string

	mgr    *Manager
	logger zerolog.Logger

	mu    sync.Mutex
	state State

	releaseOnce sync.Once
	releaseErr  error
}

// RootDir is the host directory the guest sees as "/".
func (i *Instance) RootDir() string { return filepath.Join(i.Dir, "root") }

// StdoutPath is the stdout capture file, outside the guest's view.
func (i *Instance) StdoutPath() string { return filepath.Join(i.Dir, "stdout") }

// StderrPath is the stderr capture file, outside the guest's view.
func (i *Instance) StderrPath() string { return filepath.Join(i.Dir, "stderr") }

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Run stages the environment, executes code once and returns both captured
// streams. Budget exhaustion and VM traps yield a Faulted result, not an
// error. Failing to stage or start the run returns an error and leaves the
// instance Failed.
func (i *Instance) Run(ctx context.Context, code string, args ...string) (*Result, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch i.state {
	case Created:
	case Released:
		return nil, ErrReleased
	default:
		return nil, ErrAlreadyRun
	}

	cfg := &i.mgr.cfg

	if err := i.stage(ctx, cfg); err != nil {
		i.state = Failed
		return nil, fmt.Errorf("stage instance %s: %w", i.ID, err)
	}

	stdout, err := os.Create(i.StdoutPath())
	if err != nil {
		i.state = Failed
		return nil, fmt.Errorf("create stdout capture: %w", err)
	}
	stderr, err := os.Create(i.StderrPath())
	if err != nil {
		stdout.Close()
		i.state = Failed
		return nil, fmt.Errorf("create stderr capture: %w", err)
	}
	i.state = Staged

	run := vm.Run{
		Name:           i.ID,
		Args:           append([]string{cfg.Interpreter, "-c", code}, args...),
		Env:            guestEnv(cfg),
		Root:           i.RootDir(),
		ReadOnlyMounts: cfg.ReadOnlyMounts,
		Stdout:         stdout,
		Stderr:         stderr,
		MaxCalls:       cfg.MaxCalls,
		Timeout:        cfg.Timeout,
	}

	i.state = Running
	i.logger.Debug().Uint64("max_calls", cfg.MaxCalls).Dur("timeout", cfg.Timeout).Msg("running")

	began := time.Now()
	outcome, execErr := cfg.Executor.Execute(ctx, run)
	if err := errors.Join(stdout.Close(), stderr.Close()); err != nil {
		i.logger.Warn().Err(err).Msg("closing capture files")
	}
	if execErr != nil {
		i.state = Failed
		return nil, fmt.Errorf("execute instance %s: %w", i.ID, execErr)
	}

	result := &Result{
		ID:       i.ID,
		ExitCode: int(outcome.ExitCode),
		Duration: time.Since(began),
	}
	if outcome.Faulted() {
		i.state = Faulted
		result.Fault = outcome.Fault.String()
		i.logger.Warn().Stringer("fault", outcome.Fault).Err(outcome.Err).Msg("execution halted")
	} else {
		i.state = Completed
	}
	result.State = i.state

	// Partial output up to a fault is still returned.
	out, err := os.ReadFile(i.StdoutPath())
	if err != nil {
		return nil, fmt.Errorf("read stdout capture: %w", err)
	}
	errOut, err := os.ReadFile(i.StderrPath())
	if err != nil {
		return nil, fmt.Errorf("read stderr capture: %w", err)
	}
	result.Stdout = string(out)
	result.Stderr = string(errOut)

	i.logger.Debug().Stringer("state", i.state).Int("exit", result.ExitCode).Msg("finished")
	return result, nil
}

// Release deletes the instance's storage. Only the first call does any
// work; later calls return the first call's error. It waits for a Run in
// progress to return.
func (i *Instance) Release() error {
	i.releaseOnce.Do(func() {
		i.mu.Lock()
		defer i.mu.Unlock()

		i.releaseErr = os.RemoveAll(i.Dir)
		i.state = Released
		i.mgr.forget(i)

		if i.releaseErr != nil {
			i.logger.Error().Err(i.releaseErr).Msg("release failed")
		} else {
			i.logger.Debug().Msg("released")
		}
	})
	return i.releaseErr
}

// guestEnv is the guest's complete environment: allowed host variables
// plus interpreter settings.
func guestEnv(cfg *Config) map[string]string {
	env := util.PassEnv(cfg.AllowEnv)
	env["PYTHONPATH"] = cfg.SiteDir
	env["PYTHONUNBUFFERED"] = "1"
	env["PYTHONDONTWRITEBYTECODE"] = "1"
	env["HOME"] = "/"
	return env
}
