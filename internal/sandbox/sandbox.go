// Package sandbox runs untrusted Python code in short-lived instances.
//
// Every instance gets a fresh directory under the instances dir holding a
// private copy of the shared environment (the guest's whole filesystem) and
// two capture files kept outside the guest's view. An instance runs exactly
// once and its storage is deleted exactly once, by Release or by the
// Manager's Close, whatever the run's outcome.
//
//	Created -> Staged -> Running -> Completed | Faulted -> Released
//
// Faulted means the VM halted the program. An instance that could not be
// staged or started ends in Failed instead. Released is reachable from
// every state.
package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/snakepit-dev/snakepit/internal/vm"
)

var (
	// ErrAlreadyRun is returned by a second Run on the same instance.
	ErrAlreadyRun = errors.New("sandbox instance already ran")

	// ErrReleased is returned by Run on a released instance.
	ErrReleased = errors.New("sandbox instance released")

	// ErrClosed is returned by New after the manager was closed.
	ErrClosed = errors.New("sandbox manager closed")
)

// State is an instance's lifecycle position.
type State int

const (
	Created State = iota
	Staged
	Running
	Completed
	Faulted
	Failed
	Released
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Staged:
		return "staged"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Faulted:
		return "faulted"
	case Failed:
		return "failed"
	case Released:
		return "released"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result is the captured output of one run. A Faulted result still carries
// whatever the program wrote before it was halted.
type Result struct {
	ID       string        `json:"id" yaml:"id"`
	State    State         `json:"state" yaml:"state"`
	ExitCode int           `json:"exit_code" yaml:"exit_code"`
	Fault    string        `json:"fault,omitempty" yaml:"fault,omitempty"`
	Stdout   string        `json:"stdout" yaml:"stdout"`
	Stderr   string        `json:"stderr" yaml:"stderr"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Executor runs one prepared VM execution. *vm.Machine implements it.
type Executor interface {
	Execute(ctx context.Context, run vm.Run) (*vm.Outcome, error)
}
