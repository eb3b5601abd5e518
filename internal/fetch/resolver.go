package fetch

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/snakepit-dev/snakepit/internal/manifest"
)

// ErrUnsupportedPython is returned when the runtime's version does not meet a
// script's requires-python.
var ErrUnsupportedPython = errors.New("runtime does not satisfy requires-python")

// Resolution contains the result of resolving a runtime requirement.
type Resolution struct {
	Version *semver.Version
	Path    string
	Cached  bool
}

// Resolve checks the configured runtime against requiresPython and reports
// whether the module is already on disk.
func Resolve(path, version, requiresPython string) (*Resolution, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("invalid runtime version %q: %w", version, err)
	}

	if requiresPython != "" {
		c, err := semver.NewConstraint(manifest.NormalizeSpecifier(requiresPython))
		if err != nil {
			return nil, fmt.Errorf("invalid requires-python %q: %w", requiresPython, err)
		}
		if !c.Check(v) {
			return nil, fmt.Errorf("%w: Python %s, script wants %s", ErrUnsupportedPython, v, requiresPython)
		}
	}

	_, statErr := os.Stat(path)
	return &Resolution{
		Version: v,
		Path:    path,
		Cached:  statErr == nil,
	}, nil
}

// Ensure downloads the runtime unless it is cached.
func Ensure(ctx context.Context, res *Resolution, opts Options) error {
	if res.Cached {
		return nil
	}
	opts.Dest = res.Path
	if err := Download(ctx, opts); err != nil {
		return err
	}
	res.Cached = true
	return nil
}
