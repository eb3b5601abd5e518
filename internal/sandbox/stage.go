package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// stage copies the environment (or its subtree) into the instance root
// while holding the environment's shared lock. The copy is independent of
// the environment once this returns.
func (i *Instance) stage(ctx context.Context, cfg *Config) error {
	src := cfg.Env.Root()
	if cfg.Subtree != "" {
		src = cfg.Env.Path(filepath.FromSlash(cfg.Subtree))
	}
	dst := filepath.Join(i.RootDir(), filepath.FromSlash(strings.TrimPrefix(cfg.SiteDir, "/")))

	lock, err := cfg.Env.LockShared(ctx)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("environment source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("environment source %s is not a directory", src)
	}

	if err := os.MkdirAll(i.RootDir(), 0o755); err != nil {
		return err
	}
	n, err := copyTree(ctx, src, dst)
	if err != nil {
		return err
	}
	i.logger.Debug().Str("from", src).Int("files", n).Msg("staged")
	return nil
}

// copyTree copies src into dst, returning the number of regular files
// copied. Relative symlinks that stay inside src are recreated; any other
// symlink and special files are skipped.
func copyTree(ctx context.Context, src, dst string) (int, error) {
	files := 0
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm()|0o700)

		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			if !linkStaysInside(rel, link) {
				return nil
			}
			return os.Symlink(link, target)

		case d.Type().IsRegular():
			info, err := d.Info()
			if err != nil {
				return err
			}
			if err := copyFile(p, target, info.Mode().Perm()); err != nil {
				return err
			}
			files++
			return nil

		default:
			return nil
		}
	})
	if err != nil {
		return files, fmt.Errorf("copy environment: %w", err)
	}
	return files, nil
}

func linkStaysInside(rel, link string) bool {
	if filepath.IsAbs(link) {
		return false
	}
	resolved := filepath.Clean(filepath.Join(filepath.Dir(rel), link))
	return resolved != ".." && !strings.HasPrefix(resolved, ".."+string(filepath.Separator))
}

func copyFile(src, dst string, perm fs.FileMode) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm|0o600)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, out.Close())
	}()

	_, err = io.Copy(out, in)
	return err
}
