// Package remover deletes installed packages from the shared environment,
// alone or together with their dependency closure.
package remover

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/snakepit-dev/snakepit/internal/environment"
	"github.com/snakepit-dev/snakepit/internal/manifest"
	"github.com/snakepit-dev/snakepit/internal/resolver"
)

// CleanupFailure records a directory that could not be deleted. It does not
// abort the removal.
type CleanupFailure struct {
	Path string
	Err  error
}

func (f CleanupFailure) Error() string {
	return fmt.Sprintf("cleanup %s: %v", f.Path, f.Err)
}

func (f CleanupFailure) Unwrap() error {
	return f.Err
}

// Report summarizes one package removal.
type Report struct {
	Name          string
	Version       string
	FilesRemoved  int
	Skipped       []string // paths outside the environment, left in place
	DirsRemoved   []string
	Failures      []CleanupFailure
	AlreadyAbsent bool
}

// Err joins the report's cleanup failures, or nil.
func (r *Report) Err() error {
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Manifests is what the remover needs from the manifest reader.
type Manifests interface {
	resolver.Lookuper
	List() ([]*manifest.Manifest, error)
}

// Remover deletes packages from env.
type Remover struct {
	env       *environment.Environment
	manifests Manifests
	resolver  *resolver.Resolver
	logger    zerolog.Logger
}

// New returns a remover for env.
func New(env *environment.Environment, manifests Manifests, logger zerolog.Logger) *Remover {
	return &Remover{
		env:       env,
		manifests: manifests,
		resolver:  resolver.New(manifests),
		logger:    logger,
	}
}

// Remove deletes one package. A package without a manifest yields an error
// wrapping manifest.ErrNotFound; the caller decides whether that matters.
func (r *Remover) Remove(ctx context.Context, name string) (*Report, error) {
	lock, err := r.env.LockExclusive(ctx)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	m, err := r.manifests.Lookup(name)
	if err != nil {
		return nil, err
	}
	return r.remove(m)
}

// RemoveAll removes each named package on its own. Packages that are not
// installed are reported as already absent rather than failing.
func (r *Remover) RemoveAll(ctx context.Context, names []string) ([]*Report, error) {
	reports := make([]*Report, 0, len(names))
	for _, name := range names {
		report, err := r.Remove(ctx, name)
		if errors.Is(err, manifest.ErrNotFound) {
			r.logger.Debug().Str("package", name).Msg("already absent")
			reports = append(reports, &Report{Name: name, AlreadyAbsent: true})
			continue
		}
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// DeepRemove removes every package in names together with its transitive
// dependencies. The full plan is computed before anything is deleted: if any
// package in the closure is missing, nothing is removed and the error names
// it. Dependencies are always removed before their dependents.
func (r *Remover) DeepRemove(ctx context.Context, names []string) ([]*Report, error) {
	lock, err := r.env.LockExclusive(ctx)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	plan, err := r.resolver.RemovalOrder(names)
	if err != nil {
		return nil, err
	}

	reports := make([]*Report, 0, len(plan))
	for _, planned := range plan {
		if err := ctx.Err(); err != nil {
			return reports, err
		}

		m, err := r.manifests.Lookup(planned.Name)
		if errors.Is(err, manifest.ErrNotFound) {
			reports = append(reports, &Report{Name: planned.Name, AlreadyAbsent: true})
			continue
		}
		if err != nil {
			return reports, err
		}

		report, err := r.remove(m)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (r *Remover) remove(m *manifest.Manifest) (*Report, error) {
	log := r.logger.With().Str("package", m.Name).Logger()
	report := &Report{Name: m.Name, Version: m.Version}
	root := r.env.Root()

	metaDir, err := filepath.Rel(root, m.Dir)
	if err != nil || escapes(metaDir) {
		return nil, fmt.Errorf("manifest %s is outside the environment", m.Dir)
	}
	topDirs := map[string]bool{topLevel(filepath.ToSlash(metaDir)): true}

	for _, f := range m.Files {
		rel := path.Clean(filepath.ToSlash(f))
		if rel == "." {
			continue
		}
		if escapes(rel) {
			report.Skipped = append(report.Skipped, f)
			log.Debug().Str("path", f).Msg("skipping external file")
			continue
		}

		err := os.Remove(filepath.Join(root, filepath.FromSlash(rel)))
		switch {
		case err == nil:
			report.FilesRemoved++
		case errors.Is(err, fs.ErrNotExist):
		default:
			// Directories and permission errors are dealt with per top-level dir.
			log.Debug().Err(err).Str("path", rel).Msg("could not remove file")
		}

		if strings.Contains(rel, "/") {
			topDirs[topLevel(rel)] = true
		}
	}

	shared, err := r.sharedDirs(m, topDirs)
	if err != nil {
		return nil, err
	}

	dirs := make([]string, 0, len(topDirs))
	for d := range topDirs {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	for _, d := range dirs {
		full := filepath.Join(root, filepath.FromSlash(d))

		var err error
		if shared[d] {
			err = pruneEmpty(full)
		} else {
			err = os.RemoveAll(full)
		}
		if err != nil {
			log.Warn().Err(err).Str("dir", d).Msg("failed to remove directory")
			report.Failures = append(report.Failures, CleanupFailure{Path: d, Err: err})
			continue
		}
		report.DirsRemoved = append(report.DirsRemoved, d)
	}

	log.Info().
		Int("files", report.FilesRemoved).
		Int("dirs", len(report.DirsRemoved)).
		Int("skipped", len(report.Skipped)).
		Msg("removed")
	return report, nil
}

// sharedDirs returns the top-level directories in candidates that another
// installed package also owns files under (namespace packages).
func (r *Remover) sharedDirs(self *manifest.Manifest, candidates map[string]bool) (map[string]bool, error) {
	others, err := r.manifests.List()
	if err != nil {
		return nil, err
	}

	shared := make(map[string]bool)
	for _, other := range others {
		if other.Dir == self.Dir {
			continue
		}
		for _, f := range other.Files {
			rel := path.Clean(filepath.ToSlash(f))
			if escapes(rel) || !strings.Contains(rel, "/") {
				continue
			}
			if top := topLevel(rel); candidates[top] {
				shared[top] = true
			}
		}
	}
	return shared, nil
}

// pruneEmpty removes empty directories under dir, deepest first, and dir
// itself if it ends up empty.
func pruneEmpty(dir string) error {
	var dirs []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, p)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(dirs[i]); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// escapes reports whether a cleaned slash path points outside the root.
func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) || filepath.IsAbs(rel)
}

func topLevel(rel string) string {
	top, _, _ := strings.Cut(rel, "/")
	return top
}
