package sandbox

import (
	"errors"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snakepit-dev/snakepit/internal/environment"
)

// Config holds sandbox configuration.
type Config struct {
	// Env is the shared environment instances are staged from.
	Env *environment.Environment

	// InstancesDir holds one directory per live instance.
	InstancesDir string

	Executor Executor

	// Subtree, if set, stages only this directory of the environment.
	Subtree string

	// SiteDir is where the staged copy appears in the guest and what
	// PYTHONPATH points at. Default "/".
	SiteDir string

	// Interpreter is argv[0] inside the guest. Default "python".
	Interpreter string

	// Resource limits
	MaxCalls uint64        // computation budget, 0 = unlimited
	Timeout  time.Duration // wall clock, 0 = none

	// AllowEnv names host variables (or VAR=value pairs) passed to the guest.
	AllowEnv []string

	// ReadOnlyMounts maps guest paths to host directories, e.g. an external
	// standard library.
	ReadOnlyMounts map[string]string

	Logger zerolog.Logger
}

func (c *Config) validate() error {
	switch {
	case c.Env == nil:
		return errors.New("sandbox: no environment")
	case c.InstancesDir == "":
		return errors.New("sandbox: no instances directory")
	case c.Executor == nil:
		return errors.New("sandbox: no executor")
	}
	if c.Subtree != "" {
		clean := path.Clean(c.Subtree)
		if clean == ".." || strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
			return errors.New("sandbox: subtree must stay inside the environment")
		}
	}
	if c.SiteDir == "" {
		c.SiteDir = "/"
	}
	if !path.IsAbs(c.SiteDir) {
		return errors.New("sandbox: site dir must be an absolute guest path")
	}
	if c.Interpreter == "" {
		c.Interpreter = "python"
	}
	return nil
}
