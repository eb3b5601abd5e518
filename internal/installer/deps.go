package installer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/snakepit-dev/snakepit/internal/manifest"
	"github.com/snakepit-dev/snakepit/internal/resolver"
)

// DepsInstaller installs the declared dependencies of installed packages.
// pip runs with --no-deps, so dependencies are staged explicitly here.
type DepsInstaller struct {
	Resolver  *resolver.Resolver
	Installer Installer
	Out       io.Writer
}

// InstallDeps installs the direct dependencies of every name. A package
// that is not installed yet is installed first and looked up again. With
// deep, the dependencies' own dependencies follow, each package once.
func (d *DepsInstaller) InstallDeps(ctx context.Context, names []string, deep bool) error {
	visited := make(map[string]bool)

	stack := make([]string, 0, len(names))
	for i := len(names) - 1; i >= 0; i-- {
		stack = append(stack, names[i])
	}

	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		key := manifest.Canonicalize(name)
		if visited[key] {
			continue
		}
		visited[key] = true

		deps, err := d.direct(ctx, name)
		if err != nil {
			return err
		}

		if len(deps) == 0 {
			d.printf("✓ %s is all clear!\n", name)
			continue
		}

		specs := make([]string, len(deps))
		for i, dep := range deps {
			specs[i] = dep.String()
		}
		d.printf("Installing dependencies of %s: %s\n", name, FormatSpecs(specs))
		if err := d.Installer.Install(ctx, specs); err != nil {
			return fmt.Errorf("install dependencies of %s: %w", name, err)
		}

		if deep {
			for i := len(deps) - 1; i >= 0; i-- {
				if !visited[deps[i].CanonicalName()] {
					stack = append(stack, deps[i].Name)
				}
			}
		}
	}

	return nil
}

// direct looks name up, installing it and retrying once when missing.
func (d *DepsInstaller) direct(ctx context.Context, name string) ([]manifest.Requirement, error) {
	deps, err := d.Resolver.Direct(name)
	if err == nil {
		return deps, nil
	}
	if !errors.Is(err, manifest.ErrNotFound) {
		return nil, err
	}

	d.printf("%s is not installed yet, installing it first\n", name)
	if err := d.Installer.Install(ctx, []string{name}); err != nil {
		return nil, fmt.Errorf("install %s: %w", name, err)
	}

	deps, err = d.Resolver.Direct(name)
	if err != nil {
		return nil, fmt.Errorf("%s still missing after install: %w", name, err)
	}
	return deps, nil
}

func (d *DepsInstaller) printf(format string, args ...any) {
	if d.Out != nil {
		fmt.Fprintf(d.Out, format, args...)
	}
}
