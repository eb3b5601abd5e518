package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/snakepit-dev/snakepit/internal/manifest/manifesttest"
	"github.com/snakepit-dev/snakepit/internal/vm/wasmtest"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetFlags restores every flag to its default so commands can run
// repeatedly in one process.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	resetFlags(rootCmd)

	var out, errOut bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	err = rootCmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func writeConfig(t *testing.T, home, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(home, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.toml"), []byte(content), 0o644))
}

// seed installs a small dependency graph into home's environment:
// app -> web, log; web -> log.
func seed(t *testing.T, home string) string {
	t.Helper()
	env := filepath.Join(home, "env")
	manifesttest.Install(t, env, manifesttest.Package{Name: "app", Requires: []string{"web>=1.0", "log"}, Files: []string{"app/__init__.py"}})
	manifesttest.Install(t, env, manifesttest.Package{Name: "web", Version: "1.2.0", Requires: []string{"log"}, Files: []string{"web/__init__.py"}})
	manifesttest.Install(t, env, manifesttest.Package{Name: "log", Version: "0.9", Files: []string{"log/__init__.py"}})
	return env
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"y", "y\n", true},
		{"yes_mixed_case", "YeS\n", true},
		{"padded", "  y  \n", true},
		{"no_newline", "yes", true},
		{"n", "n\n", false},
		{"empty_line_declines", "\n", false},
		{"no_input", "", false},
		{"other", "sure\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			got := confirm(strings.NewReader(tt.input), &out, confirmPrompt)

			assert.Equal(t, tt.want, got)
			assert.True(t, strings.HasPrefix(out.String(), "You sure? [Yn] "))
		})
	}
}

func TestSplitCSV(t *testing.T) {
	assert.Nil(t, splitCSV(""))
	assert.Equal(t, []string{"A", "B"}, splitCSV(" A, ,B ,"))
}

func TestPackageNames(t *testing.T) {
	got := packageNames([]string{"requests[socks]>=2", "--no-cache-dir", "Six", "-U"})

	assert.Equal(t, []string{"requests", "Six"}, got)
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", formatSize(512))
	assert.Equal(t, "1.5 KB", formatSize(1536))
	assert.Equal(t, "2.0 MB", formatSize(2*1024*1024))
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "", "version")

	require.NoError(t, err)
	assert.Contains(t, out, "snakepit dev")
}

func TestList(t *testing.T) {
	home := t.TempDir()

	out, _, err := execute(t, "", "--home", home, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No packages installed")

	seed(t, home)
	out, _, err = execute(t, "", "--home", home, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "web")
	assert.Contains(t, out, "1.2.0")

	out, _, err = execute(t, "", "--home", home, "list", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "canonical_name: app")

	_, _, err = execute(t, "", "--home", home, "list", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestDepsOf(t *testing.T) {
	home := t.TempDir()
	seed(t, home)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"direct", []string{"deps", "of", "app"}, "app relies on: web, log\n"},
		{"no_dependencies", []string{"deps", "of", "log"}, "log relies on: itself!\n"},
		{"several", []string{"deps", "of", "web", "log"}, "web relies on: log\nlog relies on: itself!\n"},
		{"deep", []string{"deps", "of", "--deep", "web"}, "web relies on: log\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, err := execute(t, "", append([]string{"--home", home}, tt.args...)...)

			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}

	t.Run("yaml", func(t *testing.T) {
		out, _, err := execute(t, "", "--home", home, "deps", "of", "-o", "yaml", "app")

		require.NoError(t, err)
		assert.Contains(t, out, "- web>=1.0")
	})

	t.Run("missing_package", func(t *testing.T) {
		_, _, err := execute(t, "", "--home", home, "deps", "of", "nope")

		assert.ErrorContains(t, err, "package not found: nope")
	})
}

func TestDepsCheck(t *testing.T) {
	home := t.TempDir()
	env := seed(t, home)

	out, _, err := execute(t, "", "--home", home, "deps", "check", "app")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ web>=1.0 (installed 1.2.0)")

	manifesttest.Install(t, env, manifesttest.Package{Name: "strict", Requires: []string{"web>=2", "gone"}})
	out, _, err = execute(t, "", "--home", home, "deps", "check", "strict")
	assert.ErrorContains(t, err, "2 unmet dependencies")
	assert.Contains(t, out, "✗ web>=2 (installed 1.2.0)")
	assert.Contains(t, out, "✗ gone is not installed")
}

func TestRemove_cancelled(t *testing.T) {
	home := t.TempDir()
	env := seed(t, home)

	out, _, err := execute(t, "n\n", "--home", home, "remove", "web")

	require.NoError(t, err)
	assert.Contains(t, out, "Cancelled.")
	assert.FileExists(t, filepath.Join(env, "web", "__init__.py"))
}

func TestRemove_confirmed(t *testing.T) {
	home := t.TempDir()
	env := seed(t, home)

	out, _, err := execute(t, "y\n", "--home", home, "uninstall", "web", "missing")

	require.NoError(t, err)
	assert.Contains(t, out, "Removed web 1.2.0")
	assert.Contains(t, out, "missing is not installed")
	assert.NoFileExists(t, filepath.Join(env, "web", "__init__.py"))
	assert.FileExists(t, filepath.Join(env, "log", "__init__.py"))
}

func TestDeepRemove(t *testing.T) {
	home := t.TempDir()
	env := seed(t, home)

	out, _, err := execute(t, "", "--home", home, "deep", "remove", "--yes", "app")

	require.NoError(t, err)
	logAt := strings.Index(out, "Removed log")
	webAt := strings.Index(out, "Removed web")
	appAt := strings.Index(out, "Removed app")
	require.True(t, logAt >= 0 && webAt >= 0 && appAt >= 0, out)
	assert.Less(t, logAt, webAt)
	assert.Less(t, webAt, appAt)

	entries, err := os.ReadDir(env)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeepRemove_missing_dependency_removes_nothing(t *testing.T) {
	home := t.TempDir()
	env := filepath.Join(home, "env")
	manifesttest.Install(t, env, manifesttest.Package{Name: "app", Requires: []string{"ghost"}, Files: []string{"app/__init__.py"}})

	_, _, err := execute(t, "", "--home", home, "deep", "uninstall", "-y", "app")

	assert.ErrorContains(t, err, "ghost")
	assert.FileExists(t, filepath.Join(env, "app", "__init__.py"))
}

func TestInstall_runs_pip(t *testing.T) {
	home := t.TempDir()
	argsFile := filepath.Join(t.TempDir(), "args")
	python := filepath.Join(t.TempDir(), "python")
	script := fmt.Sprintf("#!/bin/sh\nprintf '%%s\\n' \"$@\" > %q\n", argsFile)
	require.NoError(t, os.WriteFile(python, []byte(script), 0o755))
	writeConfig(t, home, fmt.Sprintf("[pip]\npython = %q\nplatform = \"\"\n", python))

	out, _, err := execute(t, "", "--home", home, "install", "requests<3", "six", "--", "--no-cache-dir")

	require.NoError(t, err)
	assert.Contains(t, out, "● Installing requests<3, six, --no-cache-dir")
	recorded, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(recorded)), "\n")
	assert.Equal(t, []string{"-m", "pip", "install"}, lines[:3])
	assert.Contains(t, lines, "--target="+filepath.Join(home, "env"))
	assert.Equal(t, []string{"requests<3", "six", "--no-cache-dir"}, lines[len(lines)-3:])
}

func TestInstall_pip_failure(t *testing.T) {
	home := t.TempDir()
	python := filepath.Join(t.TempDir(), "python")
	require.NoError(t, os.WriteFile(python, []byte("#!/bin/sh\nexit 2\n"), 0o755))
	writeConfig(t, home, fmt.Sprintf("[pip]\npython = %q\n", python))

	_, _, err := execute(t, "", "--home", home, "install", "six")

	assert.ErrorContains(t, err, "pip exited with status 2")
}

func runtimeHome(t *testing.T, wasm []byte) string {
	t.Helper()
	home := t.TempDir()
	module := filepath.Join(home, "python.wasm")
	require.NoError(t, os.WriteFile(module, wasm, 0o644))
	writeConfig(t, home, fmt.Sprintf("[runtime]\nwasm_path = %q\n", module))
	return home
}

func TestRun(t *testing.T) {
	t.Run("prints_program_output", func(t *testing.T) {
		home := runtimeHome(t, wasmtest.Hello())

		out, _, err := execute(t, "", "--home", home, "run", "-c", "print('hi')")

		require.NoError(t, err)
		assert.Equal(t, "hi\n", out)
		assertNoInstances(t, home)
	})

	t.Run("reads_stdin", func(t *testing.T) {
		home := runtimeHome(t, wasmtest.Hello())

		out, _, err := execute(t, "print('hi')\n", "--home", home, "run", "-")

		require.NoError(t, err)
		assert.Equal(t, "hi\n", out)
	})

	t.Run("propagates_exit_status", func(t *testing.T) {
		home := runtimeHome(t, wasmtest.Exit(3))

		_, _, err := execute(t, "", "--home", home, "run", "-c", "raise SystemExit(3)")

		var exitErr *ExitError
		require.True(t, errors.As(err, &exitErr), "got %v", err)
		assert.Equal(t, 3, exitErr.Code)
	})

	t.Run("budget_halts_program", func(t *testing.T) {
		home := runtimeHome(t, wasmtest.WriteThenSpin("partial\n"))

		out, _, err := execute(t, "", "--home", home, "run", "--max-calls", "10000", "-c", "while True: pass")

		assert.ErrorContains(t, err, "execution halted: budget exceeded")
		assert.Equal(t, "partial\n", out)
		assertNoInstances(t, home)
	})

	t.Run("budget_without_timeout_is_rejected", func(t *testing.T) {
		_, _, err := execute(t, "", "--home", t.TempDir(), "run", "--timeout", "0", "-c", "while True: pass")

		assert.ErrorContains(t, err, "sandbox.timeout must be set")
	})

	t.Run("yaml_result", func(t *testing.T) {
		home := runtimeHome(t, wasmtest.Hello())

		out, _, err := execute(t, "", "--home", home, "run", "-o", "yaml", "-c", "print('hi')")

		require.NoError(t, err)
		assert.Contains(t, out, "state: completed")
		assert.Contains(t, out, "stdout: |")
	})

	t.Run("script_requires_newer_python", func(t *testing.T) {
		home := runtimeHome(t, wasmtest.Hello())
		script := filepath.Join(t.TempDir(), "new.py")
		require.NoError(t, os.WriteFile(script, []byte("# /// script\n# requires-python = \">=3.99\"\n# ///\n"), 0o644))

		_, _, err := execute(t, "", "--home", home, "run", script)

		assert.ErrorContains(t, err, "requires-python")
	})

	t.Run("missing_script", func(t *testing.T) {
		_, _, err := execute(t, "", "--home", t.TempDir(), "run", "nope.py")

		assert.ErrorContains(t, err, "script not found: nope.py")
	})

	t.Run("nothing_to_run", func(t *testing.T) {
		_, _, err := execute(t, "", "--home", t.TempDir(), "run")

		assert.ErrorContains(t, err, "nothing to run")
	})
}

func assertNoInstances(t *testing.T, home string) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(home, "instances"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConfigShow(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "[sandbox]\nmax_calls = 42\ntimeout = \"5s\"\n")

	out, _, err := execute(t, "", "--home", home, "config", "show")

	require.NoError(t, err)
	assert.Contains(t, out, "max_calls: 42")
	assert.Contains(t, out, "timeout: 5s")
	assert.Contains(t, out, "env_dir: "+filepath.Join(home, "env"))

	out, _, err = execute(t, "", "--home", home, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "config.toml")+"\n", out)
}

func TestConfig_unknown_key(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "[sandbox]\nmax_cals = 1\n")

	_, _, err := execute(t, "", "--home", home, "list")

	assert.ErrorContains(t, err, "unknown keys: sandbox.max_cals")
}

func TestInstancesClean(t *testing.T) {
	home := t.TempDir()
	stale := filepath.Join(home, "instances", "0b1f6a3e-7c2d-4e5f-8a9b-0c1d2e3f4a5b")
	require.NoError(t, os.MkdirAll(filepath.Join(stale, "root"), 0o755))

	out, _, err := execute(t, "", "--home", home, "instances", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "0b1f6a3e-7c2d-4e5f-8a9b-0c1d2e3f4a5b")

	out, _, err = execute(t, "", "--home", home, "instances", "clean", "--older-than", "0s")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 stale instance directories")
	assert.NoDirExists(t, stale)
}
