// Package manifest reads the metadata pip leaves behind for every installed
// package: *.dist-info directories (METADATA + RECORD) and the older
// *.egg-info layout (PKG-INFO + requires.txt + installed-files.txt).
package manifest

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrNotFound is returned when no installed manifest matches a name.
var ErrNotFound = errors.New("package not found")

// Format identifies the on-disk metadata layout.
type Format string

const (
	DistInfo Format = "dist-info"
	EggInfo  Format = "egg-info"
)

// Manifest describes one installed package.
type Manifest struct {
	Name          string        `yaml:"name"`
	CanonicalName string        `yaml:"canonical_name"`
	Version       string        `yaml:"version"`
	Dir           string        `yaml:"dir"`
	Format        Format        `yaml:"format"`
	Files         []string      `yaml:"-"`
	Requires      []Requirement `yaml:"requires,omitempty"`
}

// String is the manifest's sort key: its metadata directory name.
func (m *Manifest) String() string {
	return filepath.Base(m.Dir)
}

// EggName is the alternate "<name>-<version>" identifier.
func (m *Manifest) EggName() string {
	name := strings.ReplaceAll(m.Name, "-", "_")
	if m.Version == "" {
		return name
	}
	return name + "-" + m.Version
}

// Matches reports whether name identifies this package, either by project
// name or by egg name. Both sides are normalized before comparing.
func (m *Manifest) Matches(name string) bool {
	want := Canonicalize(name)
	return want == m.CanonicalName || want == Canonicalize(m.EggName())
}

var canonicalRun = regexp.MustCompile(`[-_.]+`)

// Canonicalize normalizes a project name: lowercase with runs of "-", "_"
// and "." collapsed to a single "-".
func Canonicalize(name string) string {
	return canonicalRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// Requirement is one declared dependency.
type Requirement struct {
	Name      string   `yaml:"name"`
	Extras    []string `yaml:"extras,omitempty"`
	Specifier string   `yaml:"specifier,omitempty"`
	Marker    string   `yaml:"marker,omitempty"`
}

// CanonicalName returns the normalized requirement name.
func (r Requirement) CanonicalName() string {
	return Canonicalize(r.Name)
}

// String renders the requirement the way pip accepts it on a command line.
func (r Requirement) String() string {
	var b strings.Builder
	b.WriteString(r.Name)
	if len(r.Extras) > 0 {
		b.WriteString("[")
		b.WriteString(strings.Join(r.Extras, ","))
		b.WriteString("]")
	}
	if strings.HasPrefix(r.Specifier, "@") {
		b.WriteString(" ")
	}
	b.WriteString(r.Specifier)
	if r.Marker != "" {
		b.WriteString("; ")
		b.WriteString(r.Marker)
	}
	return b.String()
}

var namePrefix = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*`)

// ParseRequirement parses a dependency line such as
// "requests[socks] (>=2.0,<3); python_version >= '3.8'".
func ParseRequirement(s string) (Requirement, error) {
	var req Requirement

	body := s
	if idx := strings.Index(body, ";"); idx != -1 {
		req.Marker = strings.TrimSpace(body[idx+1:])
		body = body[:idx]
	}
	body = strings.TrimSpace(body)

	name := namePrefix.FindString(body)
	if name == "" {
		return Requirement{}, fmt.Errorf("invalid requirement %q", s)
	}
	req.Name = name
	rest := strings.TrimSpace(body[len(name):])

	if strings.HasPrefix(rest, "[") {
		end := strings.Index(rest, "]")
		if end == -1 {
			return Requirement{}, fmt.Errorf("invalid requirement %q: unclosed extras", s)
		}
		for _, extra := range strings.Split(rest[1:end], ",") {
			if extra = strings.TrimSpace(extra); extra != "" {
				req.Extras = append(req.Extras, extra)
			}
		}
		rest = strings.TrimSpace(rest[end+1:])
	}

	if strings.HasPrefix(rest, "(") && strings.HasSuffix(rest, ")") {
		rest = strings.TrimSpace(rest[1 : len(rest)-1])
	}
	req.Specifier = rest
	return req, nil
}

// Names returns the requirement names in order.
func Names(reqs []Requirement) []string {
	names := make([]string, len(reqs))
	for i, r := range reqs {
		names[i] = r.Name
	}
	return names
}
