package remover

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/snakepit-dev/snakepit/internal/environment"
	"github.com/snakepit-dev/snakepit/internal/manifest"
	"github.com/snakepit-dev/snakepit/internal/manifest/manifesttest"
	"github.com/snakepit-dev/snakepit/internal/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var linuxMarkers = manifest.MarkerEnvFor("3.12.0", "linux_x86_64")

func setup(t *testing.T, root string, pkgs ...manifesttest.Package) (*Remover, *environment.Environment) {
	t.Helper()
	env, err := environment.Open(root)
	require.NoError(t, err)
	for _, p := range pkgs {
		manifesttest.Install(t, env.Root(), p)
	}
	reader := manifest.NewReader(env, linuxMarkers, zerolog.Nop())
	return New(env, reader, zerolog.Nop()), env
}

func installed(t *testing.T, env *environment.Environment, name string) bool {
	t.Helper()
	_, err := manifest.NewReader(env, linuxMarkers, zerolog.Nop()).Lookup(name)
	if errors.Is(err, manifest.ErrNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

func names(reports []*Report) []string {
	out := make([]string, len(reports))
	for i, r := range reports {
		out[i] = r.Name
	}
	return out
}

func TestRemove_deletes_files_and_top_level_dirs(t *testing.T) {
	r, env := setup(t, filepath.Join(t.TempDir(), "env"),
		manifesttest.Package{
			Name:  "requests",
			Files: []string{"requests/__init__.py", "requests/adapters/http.py", "requests_cli.py"},
		},
		manifesttest.Package{Name: "idna", Files: []string{"idna/__init__.py"}},
	)

	report, err := r.Remove(context.Background(), "requests")

	require.NoError(t, err)
	assert.Equal(t, "requests", report.Name)
	assert.Equal(t, 5, report.FilesRemoved)
	assert.Equal(t, []string{"requests", "requests-1.0.0.dist-info"}, report.DirsRemoved)
	assert.Empty(t, report.Failures)
	assert.NoError(t, report.Err())

	assert.NoDirExists(t, env.Path("requests"))
	assert.NoDirExists(t, env.Path("requests-1.0.0.dist-info"))
	assert.NoFileExists(t, env.Path("requests_cli.py"))
	assert.FileExists(t, env.Path("idna", "__init__.py"))
	assert.False(t, installed(t, env, "requests"))
	assert.True(t, installed(t, env, "idna"))
}

func TestRemove_not_found(t *testing.T) {
	r, _ := setup(t, filepath.Join(t.TempDir(), "env"))

	_, err := r.Remove(context.Background(), "ghost")

	assert.ErrorIs(t, err, manifest.ErrNotFound)
}

func TestRemove_never_deletes_external_paths(t *testing.T) {
	base := t.TempDir()
	shared := filepath.Join(base, "shared-lib.so")
	require.NoError(t, os.WriteFile(shared, []byte("ELF"), 0o644))

	r, env := setup(t, filepath.Join(base, "lib", "env"), manifesttest.Package{
		Name:  "native",
		Files: []string{"native/core.py"},
		Extra: []string{"../../shared-lib.so", "/etc/hosts"},
	})

	report, err := r.Remove(context.Background(), "native")

	require.NoError(t, err)
	assert.FileExists(t, shared)
	assert.ElementsMatch(t, []string{"../../shared-lib.so", "/etc/hosts"}, report.Skipped)
	assert.NoDirExists(t, env.Path("native"))
}

func TestRemove_keeps_namespace_dirs_shared_with_other_packages(t *testing.T) {
	r, env := setup(t, filepath.Join(t.TempDir(), "env"),
		manifesttest.Package{Name: "ns-a", Files: []string{"ns/a/__init__.py"}},
		manifesttest.Package{Name: "ns-b", Files: []string{"ns/b/__init__.py"}},
	)

	_, err := r.Remove(context.Background(), "ns-a")

	require.NoError(t, err)
	assert.NoDirExists(t, env.Path("ns", "a"))
	assert.FileExists(t, env.Path("ns", "b", "__init__.py"))
	assert.True(t, installed(t, env, "ns-b"))
}

func TestRemove_directory_failure_does_not_abort_others(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	r, env := setup(t, filepath.Join(t.TempDir(), "env"), manifesttest.Package{
		Name:  "stubborn",
		Files: []string{"stubborn/__init__.py", "stubborn_data/ok.txt"},
	})
	locked := env.Path("stubborn", "locked")
	require.NoError(t, os.MkdirAll(locked, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(locked, "pinned"), nil, 0o644))
	require.NoError(t, os.Chmod(locked, 0o555))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	report, err := r.Remove(context.Background(), "stubborn")

	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "stubborn", report.Failures[0].Path)
	assert.Error(t, report.Err())
	assert.Contains(t, report.DirsRemoved, "stubborn_data")
	assert.Contains(t, report.DirsRemoved, "stubborn-1.0.0.dist-info")
	assert.NoDirExists(t, env.Path("stubborn_data"))
}

func TestRemoveAll_already_absent_is_success(t *testing.T) {
	r, _ := setup(t, filepath.Join(t.TempDir(), "env"), manifesttest.Package{Name: "once", Files: []string{"once.py"}})

	first, err := r.RemoveAll(context.Background(), []string{"once"})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.False(t, first[0].AlreadyAbsent)

	second, err := r.RemoveAll(context.Background(), []string{"once"})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.True(t, second[0].AlreadyAbsent)
}

func TestDeepRemove_removes_dependencies_first_and_once(t *testing.T) {
	r, env := setup(t, filepath.Join(t.TempDir(), "env"),
		manifesttest.Package{Name: "foo", Requires: []string{"bar", "baz"}, Files: []string{"foo/__init__.py"}},
		manifesttest.Package{Name: "bar", Files: []string{"bar/__init__.py"}},
		manifesttest.Package{Name: "baz", Requires: []string{"bar>=1"}, Files: []string{"baz/__init__.py"}},
		manifesttest.Package{Name: "unrelated", Files: []string{"unrelated.py"}},
	)

	reports, err := r.DeepRemove(context.Background(), []string{"foo"})

	require.NoError(t, err)
	assert.Equal(t, []string{"bar", "baz", "foo"}, names(reports))
	for _, pkg := range []string{"foo", "bar", "baz"} {
		assert.False(t, installed(t, env, pkg), pkg)
		assert.NoDirExists(t, env.Path(pkg))
	}
	assert.True(t, installed(t, env, "unrelated"))
}

func TestDeepRemove_single_package_without_dependencies(t *testing.T) {
	r, env := setup(t, filepath.Join(t.TempDir(), "env"),
		manifesttest.Package{Name: "solo", Files: []string{"solo.py"}},
		manifesttest.Package{Name: "keep", Files: []string{"keep.py"}},
	)

	reports, err := r.DeepRemove(context.Background(), []string{"solo"})

	require.NoError(t, err)
	assert.Equal(t, []string{"solo"}, names(reports))
	assert.True(t, installed(t, env, "keep"))
}

func TestDeepRemove_missing_dependency_deletes_nothing(t *testing.T) {
	r, env := setup(t, filepath.Join(t.TempDir(), "env"),
		manifesttest.Package{Name: "foo", Requires: []string{"bar", "ghost"}, Files: []string{"foo/__init__.py"}},
		manifesttest.Package{Name: "bar", Files: []string{"bar/__init__.py"}},
	)

	reports, err := r.DeepRemove(context.Background(), []string{"foo"})

	require.Error(t, err)
	assert.Empty(t, reports)
	var nf *resolver.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "ghost", nf.Name)
	assert.Equal(t, "foo", nf.RequiredBy)

	assert.True(t, installed(t, env, "foo"))
	assert.True(t, installed(t, env, "bar"))
	assert.FileExists(t, env.Path("bar", "__init__.py"))
}

func TestDeepRemove_ignores_dependencies_for_other_environments(t *testing.T) {
	r, env := setup(t, filepath.Join(t.TempDir(), "env"),
		manifesttest.Package{
			Name: "click",
			Requires: []string{
				`colorama; platform_system == "Windows"`,
				`importlib-metadata; python_version < "3.8"`,
				`tomli; python_version >= "3.8"`,
			},
			Files: []string{"click/__init__.py"},
		},
	)

	reports, err := r.DeepRemove(context.Background(), []string{"click"})

	require.NoError(t, err)
	assert.Equal(t, []string{"click"}, names(reports))
	assert.False(t, installed(t, env, "click"))
	assert.NoDirExists(t, env.Path("click"))
}

func TestDeepRemove_cycle(t *testing.T) {
	r, env := setup(t, filepath.Join(t.TempDir(), "env"),
		manifesttest.Package{Name: "p", Requires: []string{"q"}, Files: []string{"p.py"}},
		manifesttest.Package{Name: "q", Requires: []string{"p"}, Files: []string{"q.py"}},
	)

	reports, err := r.DeepRemove(context.Background(), []string{"p"})

	require.NoError(t, err)
	assert.Equal(t, []string{"q", "p"}, names(reports))
	assert.False(t, installed(t, env, "p"))
	assert.False(t, installed(t, env, "q"))
}
