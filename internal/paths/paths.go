package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// HomeEnvVar overrides the default home directory.
	HomeEnvVar = "SNAKEPIT_HOME"

	// DefaultDirName is the home directory created in the working directory
	// when no override is given.
	DefaultDirName = ".snakepit"
)

// Home returns the snakepit home directory.
// Priority: override > $SNAKEPIT_HOME > ./.snakepit
func Home(override string) (string, error) {
	dir := override
	if dir == "" {
		dir = os.Getenv(HomeEnvVar)
	}
	if dir == "" {
		dir = DefaultDirName
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return abs, nil
}

// ConfigPath returns the default config file location inside home.
func ConfigPath(home string) string {
	return filepath.Join(home, "config.toml")
}

// EnvDir returns the shared environment directory.
func EnvDir(home string) string {
	return filepath.Join(home, "env")
}

// InstancesDir returns the directory holding sandbox instance trees.
func InstancesDir(home string) string {
	return filepath.Join(home, "instances")
}

// InstanceDir returns the private directory of one sandbox instance.
func InstanceDir(instancesDir, id string) string {
	return filepath.Join(instancesDir, id)
}

// RuntimeDir returns the directory holding the interpreter module.
func RuntimeDir(home string) string {
	return filepath.Join(home, "runtime")
}

// RuntimePath returns the path of the interpreter module for a file name.
func RuntimePath(home, fileName string) string {
	return filepath.Join(RuntimeDir(home), fileName)
}

// CompileCacheDir returns the directory for compiled module artifacts.
func CompileCacheDir(home string) string {
	return filepath.Join(home, "cache", "compiled")
}

// Resolve makes p absolute relative to home. Empty p yields fallback.
func Resolve(home, p, fallback string) string {
	if p == "" {
		return fallback
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(home, p)
}

// Exists checks if a path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
