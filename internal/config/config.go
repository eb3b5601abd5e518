// Package config loads the snakepit configuration file.
//
// The file is TOML and lives at <home>/config.toml unless --config names
// another path. A missing file is not an error: every field has a default.
// Relative paths in the file are resolved against the home directory.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/snakepit-dev/snakepit/internal/paths"
)

const (
	// DefaultRuntimeURL is the CPython WASI build fetched by `runtime fetch`.
	DefaultRuntimeURL = "https://github.com/vmware-labs/webassembly-language-runtimes/releases/download/python%2F3.12.0%2B20231211-040d5a6/python-3.12.0.wasm"

	// DefaultRuntimeFile is the file name the runtime is stored under.
	DefaultRuntimeFile = "python-3.12.0.wasm"

	// DefaultRuntimeVersion is the Python version of the default runtime.
	DefaultRuntimeVersion = "3.12.0"

	DefaultMaxCalls      = 400_000_000
	DefaultTimeout       = 30 * time.Second
	DefaultMemoryLimitMB = 256
	DefaultPipPlatform   = "linux_x86_64"
)

// Config is the full configuration. Durations are written as strings such
// as "30s".
type Config struct {
	// Home is the resolved home directory. Not read from the file.
	Home string `toml:"-" yaml:"home"`

	// EnvDir is the shared environment. Default: <home>/env
	EnvDir string `toml:"env_dir" yaml:"env_dir"`

	// InstancesDir holds per-instance private trees. Default: <home>/instances
	InstancesDir string `toml:"instances_dir" yaml:"instances_dir"`

	Runtime RuntimeConfig `toml:"runtime" yaml:"runtime"`
	Sandbox SandboxConfig `toml:"sandbox" yaml:"sandbox"`
	Pip     PipConfig     `toml:"pip" yaml:"pip"`
}

// RuntimeConfig locates the interpreter module.
type RuntimeConfig struct {
	// WasmPath is the interpreter module. Default: <home>/runtime/python-3.12.0.wasm
	WasmPath string `toml:"wasm_path" yaml:"wasm_path"`

	// URL is where `runtime fetch` downloads the module from.
	URL string `toml:"url" yaml:"url"`

	// ExtractDir is where a .tar.gz runtime is unpacked. The archive must
	// produce WasmPath. Default: the directory holding WasmPath.
	ExtractDir string `toml:"extract_dir" yaml:"extract_dir,omitempty"`

	// SHA256 is the expected hex digest of the download. Empty skips verification.
	SHA256 string `toml:"sha256" yaml:"sha256,omitempty"`

	// CacheDir stores compiled module artifacts. Default: <home>/cache/compiled
	CacheDir string `toml:"cache_dir" yaml:"cache_dir"`

	// Version is the Python version the module implements, checked against
	// a script's requires-python.
	Version string `toml:"version" yaml:"version"`

	// Interpreter selects wazero's interpreter engine instead of the compiler.
	Interpreter bool `toml:"interpreter" yaml:"interpreter,omitempty"`

	// StdlibDir, if set, is mounted read-only at /usr/local/lib in the guest
	// for interpreter builds that do not embed their standard library.
	StdlibDir string `toml:"stdlib_dir" yaml:"stdlib_dir,omitempty"`
}

// SandboxConfig bounds each sandboxed execution.
type SandboxConfig struct {
	// MaxCalls is the computation budget in guest function calls. 0 disables it.
	MaxCalls uint64 `toml:"max_calls" yaml:"max_calls"`

	// Timeout is the wall-clock ceiling for one execution. 0 disables it.
	Timeout time.Duration `toml:"timeout" yaml:"timeout"`

	// MemoryLimitMB caps guest linear memory.
	MemoryLimitMB uint32 `toml:"memory_limit_mb" yaml:"memory_limit_mb"`

	// Subtree restricts the staged copy to a directory inside the environment.
	Subtree string `toml:"subtree" yaml:"subtree,omitempty"`

	// SiteDir is the guest path exported as PYTHONPATH. Default: /
	SiteDir string `toml:"site_dir" yaml:"site_dir"`

	// AllowEnv lists host variables (or VAR=value pairs) passed to the guest.
	AllowEnv []string `toml:"allow_env" yaml:"allow_env,omitempty"`
}

// PipConfig drives the external installer.
type PipConfig struct {
	// Python is the host interpreter used to run pip. Default: python3
	Python string `toml:"python" yaml:"python"`

	// Platform is passed as --platform. Empty omits the flag.
	Platform string `toml:"platform" yaml:"platform"`

	// IndexURL is passed as --index-url when set.
	IndexURL string `toml:"index_url" yaml:"index_url,omitempty"`

	// AllowedHosts restricts pip's network egress through a filtering proxy.
	// Empty means no proxy is started.
	AllowedHosts []string `toml:"allowed_hosts" yaml:"allowed_hosts,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default(home string) *Config {
	return &Config{
		Home:         home,
		EnvDir:       paths.EnvDir(home),
		InstancesDir: paths.InstancesDir(home),
		Runtime: RuntimeConfig{
			WasmPath: paths.RuntimePath(home, DefaultRuntimeFile),
			URL:      DefaultRuntimeURL,
			Version:  DefaultRuntimeVersion,
			CacheDir: paths.CompileCacheDir(home),
		},
		Sandbox: SandboxConfig{
			MaxCalls:      DefaultMaxCalls,
			Timeout:       DefaultTimeout,
			MemoryLimitMB: DefaultMemoryLimitMB,
			SiteDir:       "/",
		},
		Pip: PipConfig{
			Python:   "python3",
			Platform: DefaultPipPlatform,
		},
	}
}

// Load reads the config file at path (or <home>/config.toml when path is
// empty) on top of the defaults. Unknown keys are rejected.
func Load(home, path string) (*Config, error) {
	cfg := Default(home)

	explicit := path != ""
	if !explicit {
		path = paths.ConfigPath(home)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("load config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// resolve makes file-relative paths absolute against Home.
func (c *Config) resolve() {
	c.EnvDir = paths.Resolve(c.Home, c.EnvDir, paths.EnvDir(c.Home))
	c.InstancesDir = paths.Resolve(c.Home, c.InstancesDir, paths.InstancesDir(c.Home))
	c.Runtime.WasmPath = paths.Resolve(c.Home, c.Runtime.WasmPath, paths.RuntimePath(c.Home, DefaultRuntimeFile))
	c.Runtime.CacheDir = paths.Resolve(c.Home, c.Runtime.CacheDir, paths.CompileCacheDir(c.Home))
	if c.Runtime.ExtractDir != "" {
		c.Runtime.ExtractDir = paths.Resolve(c.Home, c.Runtime.ExtractDir, "")
	}
	if c.Runtime.StdlibDir != "" {
		c.Runtime.StdlibDir = paths.Resolve(c.Home, c.Runtime.StdlibDir, "")
	}
	if c.Sandbox.SiteDir == "" {
		c.Sandbox.SiteDir = "/"
	}
}

// Validate rejects configurations that cannot be executed.
func (c *Config) Validate() error {
	if c.Sandbox.Timeout < 0 {
		return fmt.Errorf("sandbox.timeout must not be negative")
	}
	// The call budget does not see loops that make no calls.
	if c.Sandbox.Timeout == 0 && c.Sandbox.MaxCalls > 0 {
		return fmt.Errorf("sandbox.timeout must be set when sandbox.max_calls is: the call budget alone does not stop a loop that makes no calls")
	}
	if c.Sandbox.Subtree != "" && (strings.HasPrefix(c.Sandbox.Subtree, "..") || strings.HasPrefix(c.Sandbox.Subtree, "/")) {
		return fmt.Errorf("sandbox.subtree must be a relative path inside the environment")
	}
	if !strings.HasPrefix(c.Sandbox.SiteDir, "/") {
		return fmt.Errorf("sandbox.site_dir must be an absolute guest path")
	}
	if c.Pip.Python == "" {
		return fmt.Errorf("pip.python must not be empty")
	}
	return nil
}

// MemoryLimitPages converts MemoryLimitMB to 64KiB wasm pages.
func (c *Config) MemoryLimitPages() uint32 {
	return c.Sandbox.MemoryLimitMB * 16
}

// Exists reports whether the default config file is present.
func Exists(home string) bool {
	_, err := os.Stat(paths.ConfigPath(home))
	return err == nil
}
