package manifest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/mail"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/snakepit-dev/snakepit/internal/environment"
)

// Reader finds manifests inside a shared environment. Declared
// requirements whose environment marker does not hold for markers are
// dropped from every manifest it returns.
type Reader struct {
	root    string
	markers MarkerEnv
	logger  zerolog.Logger
}

// NewReader returns a reader over env.
func NewReader(env *environment.Environment, markers MarkerEnv, logger zerolog.Logger) *Reader {
	return &Reader{root: env.Root(), markers: markers, logger: logger}
}

// read parses dir and keeps only the requirements that apply. A marker
// that cannot be evaluated keeps its requirement.
func (r *Reader) read(dir string) (*Manifest, error) {
	m, err := Read(r.root, dir)
	if err != nil {
		return nil, err
	}

	kept := m.Requires[:0]
	for _, req := range m.Requires {
		ok, err := req.Applies(r.markers)
		if err != nil {
			r.logger.Warn().Err(err).Str("package", m.Name).Str("requirement", req.Name).Msg("cannot evaluate marker, keeping requirement")
			ok = true
		}
		if ok {
			kept = append(kept, req)
		}
	}
	m.Requires = kept
	return m, nil
}

// Lookup returns the first manifest, in deterministic order, whose project
// name or egg name matches name.
func (r *Reader) Lookup(name string) (*Manifest, error) {
	dirs, err := r.candidates()
	if err != nil {
		return nil, err
	}

	for _, dir := range dirs {
		m, err := r.read(dir)
		if err != nil {
			r.logger.Warn().Err(err).Str("dir", dir).Msg("skipping unreadable manifest")
			continue
		}
		if m.Matches(name) {
			return m, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// List returns every readable manifest in deterministic order.
func (r *Reader) List() ([]*Manifest, error) {
	dirs, err := r.candidates()
	if err != nil {
		return nil, err
	}

	var manifests []*Manifest
	for _, dir := range dirs {
		m, err := r.read(dir)
		if err != nil {
			r.logger.Warn().Err(err).Str("dir", dir).Msg("skipping unreadable manifest")
			continue
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// candidates returns metadata directory names sorted lexicographically.
func (r *Reader) candidates() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan environment: %w", err)
	}

	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasSuffix(n, "."+string(DistInfo)) || strings.HasSuffix(n, "."+string(EggInfo)) {
			dirs = append(dirs, n)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Read parses the metadata directory named dir under root. Requirements
// are returned with their markers unevaluated.
func Read(root, dir string) (*Manifest, error) {
	full := filepath.Join(root, dir)
	if strings.HasSuffix(dir, "."+string(EggInfo)) {
		return readEggInfo(full, dir)
	}
	return readDistInfo(full, dir)
}

func readDistInfo(full, dir string) (*Manifest, error) {
	header, err := readHeaders(filepath.Join(full, "METADATA"))
	if err != nil {
		return nil, err
	}

	m := newManifest(header, full, DistInfo)
	if m.Name == "" {
		return nil, fmt.Errorf("%s: METADATA has no Name", dir)
	}

	for _, line := range header["Requires-Dist"] {
		req, err := ParseRequirement(line)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", dir, err)
		}
		m.Requires = append(m.Requires, req)
	}

	files, err := readRecord(filepath.Join(full, "RECORD"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	m.Files = files
	return m, nil
}

func readEggInfo(full, dir string) (*Manifest, error) {
	header, err := readHeaders(filepath.Join(full, "PKG-INFO"))
	if err != nil {
		return nil, err
	}

	m := newManifest(header, full, EggInfo)
	if m.Name == "" {
		return nil, fmt.Errorf("%s: PKG-INFO has no Name", dir)
	}

	reqs, err := readRequiresTxt(filepath.Join(full, "requires.txt"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	m.Requires = reqs

	lines, err := readLines(filepath.Join(full, "installed-files.txt"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	for _, line := range lines {
		// Entries are relative to the egg-info directory.
		m.Files = append(m.Files, path.Join(dir, filepath.ToSlash(line)))
	}
	return m, nil
}

func newManifest(header mail.Header, dir string, format Format) *Manifest {
	name := strings.TrimSpace(header.Get("Name"))
	return &Manifest{
		Name:          name,
		CanonicalName: Canonicalize(name),
		Version:       strings.TrimSpace(header.Get("Version")),
		Dir:           dir,
		Format:        format,
	}
}

// readHeaders parses the RFC 822 header block of METADATA or PKG-INFO.
func readHeaders(file string) (mail.Header, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(file), err)
	}
	// A header-only file has no blank line before EOF.
	if !bytes.Contains(data, []byte("\n\n")) {
		data = append(data, '\n', '\n')
	}
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(file), err)
	}
	return msg.Header, nil
}

// readRecord returns the first column of every RECORD row.
func readRecord(file string) ([]string, error) {
	f, err := os.Open(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open RECORD: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var files []string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse RECORD: %w", err)
		}
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		files = append(files, row[0])
	}
	return files, nil
}

// readRequiresTxt parses setuptools' requires.txt. Lines before any section
// are unconditional; "[:marker]" sections carry a marker; named sections
// belong to extras and are skipped.
func readRequiresTxt(file string) ([]Requirement, error) {
	lines, err := readLines(file)
	if err != nil {
		return nil, err
	}

	var reqs []Requirement
	marker, skip := "", false
	for _, line := range lines {
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section := line[1 : len(line)-1]
			extra, m, _ := strings.Cut(section, ":")
			skip = strings.TrimSpace(extra) != ""
			marker = strings.TrimSpace(m)
			continue
		}
		if skip {
			continue
		}
		req, err := ParseRequirement(line)
		if err != nil {
			return nil, err
		}
		if marker != "" && req.Marker == "" {
			req.Marker = marker
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// readLines returns trimmed non-empty, non-comment lines. A missing file
// yields no lines.
func readLines(file string) ([]string, error) {
	f, err := os.Open(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", filepath.Base(file), err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
