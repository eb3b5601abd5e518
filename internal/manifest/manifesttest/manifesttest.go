// Package manifesttest builds fake installed packages for tests.
package manifesttest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// Package describes a fake installed distribution.
type Package struct {
	Name     string
	Version  string
	Requires []string // Requires-Dist lines
	Files    []string // paths relative to the environment root
	Extra    []string // RECORD-only entries that are not created on disk
}

// DistInfoDir returns the metadata directory name for p.
func (p Package) DistInfoDir() string {
	version := p.Version
	if version == "" {
		version = "1.0.0"
	}
	return strings.ReplaceAll(p.Name, "-", "_") + "-" + version + ".dist-info"
}

// Install writes p's files, METADATA and RECORD under root.
func Install(t *testing.T, root string, p Package) {
	t.Helper()

	version := p.Version
	if version == "" {
		version = "1.0.0"
	}
	infoDir := p.DistInfoDir()

	var meta strings.Builder
	fmt.Fprintf(&meta, "Metadata-Version: 2.1\nName: %s\nVersion: %s\n", p.Name, version)
	for _, r := range p.Requires {
		fmt.Fprintf(&meta, "Requires-Dist: %s\n", r)
	}
	meta.WriteString("\nLong description body.\n")

	write(t, filepath.Join(root, infoDir, "METADATA"), meta.String())

	var record strings.Builder
	for _, f := range p.Files {
		write(t, filepath.Join(root, filepath.FromSlash(f)), "# "+f+"\n")
		fmt.Fprintf(&record, "%s,sha256=abc,10\n", f)
	}
	for _, f := range p.Extra {
		fmt.Fprintf(&record, "%s,,\n", f)
	}
	fmt.Fprintf(&record, "%s/METADATA,,\n", infoDir)
	fmt.Fprintf(&record, "%s/RECORD,,\n", infoDir)

	write(t, filepath.Join(root, infoDir, "RECORD"), record.String())
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
