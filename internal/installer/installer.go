// Package installer stages packages into the shared environment by running
// pip as an external tool. It does no graph reasoning of its own.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
	"github.com/snakepit-dev/snakepit/internal/environment"
	"github.com/snakepit-dev/snakepit/internal/util"
)

// ErrNoSpecs is returned when Install is called without any specifier.
var ErrNoSpecs = errors.New("no packages given")

// Installer adds packages to the shared environment.
type Installer interface {
	Install(ctx context.Context, specs []string) error
}

// ExternalToolError reports a non-zero exit from the installer process.
type ExternalToolError struct {
	Tool     string
	ExitCode int
}

func (e *ExternalToolError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Tool, e.ExitCode)
}

// Pip installs with `python -m pip install --target`.
type Pip struct {
	Python   string
	Env      *environment.Environment
	Platform string
	IndexURL string

	// ExtraEnv is appended to the filtered host environment, e.g. proxy
	// settings from the egress guard.
	ExtraEnv []string

	Stdout io.Writer
	Stderr io.Writer
	Logger zerolog.Logger
}

// Args returns the pip command line for specs, without the interpreter.
func (p *Pip) Args(specs []string) []string {
	args := []string{
		"-m", "pip", "install",
		"--target=" + p.Env.Root(),
		"--upgrade",
		"--no-deps",
		"--prefer-binary",
		"--disable-pip-version-check",
		"--no-input",
	}
	if p.Platform != "" {
		// pip refuses --platform unless only wheels are allowed.
		args = append(args, "--platform="+p.Platform, "--only-binary=:all:")
	}
	if p.IndexURL != "" {
		args = append(args, "--index-url="+p.IndexURL)
	}
	return append(args, specs...)
}

// Install runs pip for specs while holding the environment's exclusive lock.
// Specifiers are passed through verbatim.
func (p *Pip) Install(ctx context.Context, specs []string) error {
	if len(specs) == 0 {
		return ErrNoSpecs
	}

	lock, err := p.Env.LockExclusive(ctx)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	python := p.Python
	if python == "" {
		python = "python3"
	}

	cmd := exec.CommandContext(ctx, python, p.Args(specs)...)
	cmd.Env = append(util.FilterEnv(nil), p.ExtraEnv...)
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr

	p.Logger.Debug().Str("python", python).Strs("args", cmd.Args[1:]).Msg("running pip")

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExternalToolError{Tool: "pip", ExitCode: exitErr.ExitCode()}
		}
		return fmt.Errorf("failed to run pip: %w", err)
	}

	p.Logger.Info().Strs("specs", specs).Msg("installed")
	return nil
}

// FormatSpecs renders up to three specifiers and a "+N" count for the rest.
func FormatSpecs(specs []string) string {
	const shown = 3
	if len(specs) <= shown {
		return strings.Join(specs, ", ")
	}
	return fmt.Sprintf("%s +%d", strings.Join(specs[:shown], ", "), len(specs)-shown)
}
