// Package environment is the handle for the shared package environment.
//
// Exactly one shared environment exists per snakepit home. Components that
// read or mutate it receive an *Environment instead of a bare path so the
// maintenance lock travels with it: install and remove hold the lock
// exclusively, sandbox staging holds it shared while copying. Once a copy
// has been taken it is independent of later maintenance.
package environment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// pollInterval is how often a blocked lock attempt is retried.
const pollInterval = 50 * time.Millisecond

// ErrLocked reports that another holder has a conflicting lock.
var ErrLocked = errors.New("environment is locked")

// Environment is the shared environment rooted at a directory.
type Environment struct {
	root     string
	lockPath string
}

// Open returns a handle for the environment at root, creating the directory
// if needed.
func Open(root string) (*Environment, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve environment root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create environment %s: %w", abs, err)
	}
	return &Environment{
		root:     abs,
		lockPath: abs + ".lock",
	}, nil
}

// Root returns the absolute environment directory.
func (e *Environment) Root() string {
	return e.root
}

// LockPath returns the path of the advisory lock file.
func (e *Environment) LockPath() string {
	return e.lockPath
}

// Path joins elem onto the environment root.
func (e *Environment) Path(elem ...string) string {
	return filepath.Join(append([]string{e.root}, elem...)...)
}

// LockExclusive blocks until the maintenance lock is held exclusively or
// ctx is done.
func (e *Environment) LockExclusive(ctx context.Context) (*Lock, error) {
	return e.lock(ctx, true)
}

// LockShared blocks until the maintenance lock is held shared or ctx is done.
func (e *Environment) LockShared(ctx context.Context) (*Lock, error) {
	return e.lock(ctx, false)
}

func (e *Environment) lock(ctx context.Context, exclusive bool) (*Lock, error) {
	f, err := os.OpenFile(e.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", e.lockPath, err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		err := tryLock(f, exclusive)
		if err == nil {
			return &Lock{file: f}, nil
		}
		if !errors.Is(err, ErrLocked) {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", e.lockPath, err)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("waiting for %s: %w", e.lockPath, context.Cause(ctx))
		case <-ticker.C:
		}
	}
}

// Lock is a held maintenance lock.
type Lock struct {
	file *os.File
}

// Unlock releases the lock. Safe to call more than once.
func (l *Lock) Unlock() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unlock(l.file)
	closeErr := l.file.Close()
	l.file = nil
	return errors.Join(err, closeErr)
}
