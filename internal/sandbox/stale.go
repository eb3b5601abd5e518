package sandbox

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DirInfo describes an instance directory found on disk.
type DirInfo struct {
	ID       string    `yaml:"id"`
	Path     string    `yaml:"path"`
	Modified time.Time `yaml:"modified"`
}

// ListDirs returns the instance directories under instancesDir, oldest
// first. Entries whose name is not an instance ID are ignored. Live
// instances of other processes are included: the directory layout is the
// only shared record.
func ListDirs(instancesDir string) ([]DirInfo, error) {
	entries, err := os.ReadDir(instancesDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var dirs []DirInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, DirInfo{
			ID:       e.Name(),
			Path:     filepath.Join(instancesDir, e.Name()),
			Modified: info.ModTime(),
		})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Modified.Before(dirs[j].Modified) })
	return dirs, nil
}

// CleanStale removes instance directories last modified before now minus
// olderThan. They are left behind when a process is killed before its
// deferred release runs.
func CleanStale(instancesDir string, olderThan time.Duration, now time.Time) ([]DirInfo, error) {
	dirs, err := ListDirs(instancesDir)
	if err != nil {
		return nil, err
	}

	cutoff := now.Add(-olderThan)
	var removed []DirInfo
	var errs []error
	for _, d := range dirs {
		if !d.Modified.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(d.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, d)
	}
	return removed, errors.Join(errs...)
}
