// Package fetch downloads the CPython WASI runtime.
package fetch

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
)

// ErrChecksum is returned when the download does not match the expected digest.
var ErrChecksum = errors.New("checksum mismatch")

// Options describes one runtime download.
type Options struct {
	URL string

	// Dest is where the interpreter module ends up.
	Dest string

	// ExtractDir is where a .tar.gz archive is unpacked; the archive must
	// produce Dest. Empty means Dest's directory.
	ExtractDir string

	// SHA256 is the expected hex digest of the downloaded bytes. Empty skips
	// verification.
	SHA256 string

	// Progress, when non-nil, receives a progress bar.
	Progress io.Writer

	Client *http.Client
}

// IsArchive reports whether url names a gzipped tarball.
func IsArchive(url string) bool {
	return strings.HasSuffix(url, ".tar.gz") || strings.HasSuffix(url, ".tgz")
}

// Download fetches the runtime and places it at opts.Dest. A partial or
// unverified download never replaces an existing module.
func Download(ctx context.Context, opts Options) error {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to download runtime: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download runtime: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download runtime: HTTP %d", resp.StatusCode)
	}

	dir := filepath.Dir(opts.Dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	var reader io.Reader = resp.Body
	if opts.Progress != nil {
		bar := progressbar.NewOptions64(
			resp.ContentLength,
			progressbar.OptionSetWriter(opts.Progress),
			progressbar.OptionSetDescription("Downloading "+filepath.Base(opts.URL)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		reader = io.TeeReader(reader, bar)
	}

	digest := sha256.New()
	reader = io.TeeReader(reader, digest)

	// Stage next to the destination so the final rename stays on one device.
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	_, err = io.Copy(tmp, reader)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to download runtime: %w", err)
	}

	if err := verify(digest, opts.SHA256); err != nil {
		return err
	}

	if IsArchive(opts.URL) {
		extractDir := opts.ExtractDir
		if extractDir == "" {
			extractDir = dir
		}
		if !isPathWithinDir(opts.Dest, extractDir) {
			return fmt.Errorf("runtime module %s is outside extract directory %s", opts.Dest, extractDir)
		}
		if err := os.MkdirAll(extractDir, 0755); err != nil {
			return err
		}

		f, err := os.Open(tmpPath)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		if err := extractTarGz(f, extractDir); err != nil {
			return fmt.Errorf("failed to extract runtime: %w", err)
		}
	} else {
		if err := os.Chmod(tmpPath, 0644); err != nil {
			return err
		}
		if err := os.Rename(tmpPath, opts.Dest); err != nil {
			return err
		}
	}

	if _, err := os.Stat(opts.Dest); err != nil {
		return fmt.Errorf("runtime module not found after download: %w", err)
	}
	return nil
}

func verify(h hash.Hash, want string) error {
	if want == "" {
		return nil
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, strings.TrimSpace(want)) {
		return fmt.Errorf("%w: got %s, want %s", ErrChecksum, got, want)
	}
	return nil
}

// isPathWithinDir checks if target path is safely within the base directory.
func isPathWithinDir(target, baseDir string) bool {
	rel, err := filepath.Rel(baseDir, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func extractTarGz(r io.Reader, destDir string) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return err
	}
	defer func() { _ = gzr.Close() }()

	tr := tar.NewReader(gzr)

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		target := filepath.Join(destDir, header.Name)
		if !isPathWithinDir(target, destDir) {
			return fmt.Errorf("invalid tar entry path: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}

			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode)&0777|0600)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}

		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			linkTarget := filepath.Join(filepath.Dir(target), header.Linkname)
			if filepath.IsAbs(header.Linkname) || !isPathWithinDir(linkTarget, destDir) {
				return fmt.Errorf("invalid symlink target: %s -> %s", header.Name, header.Linkname)
			}
			_ = os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return err
			}
		}
	}

	return nil
}
