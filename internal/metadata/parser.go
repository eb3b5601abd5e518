package metadata

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	openMarker  = "# /// script"
	closeMarker = "# ///"
)

var (
	// ErrUnclosed is returned when a script block has no closing "# ///" line.
	ErrUnclosed = errors.New("script metadata block is not closed")

	// ErrDuplicate is returned when a file declares more than one script block.
	ErrDuplicate = errors.New("multiple script metadata blocks")
)

// Metadata represents the inline `# /// script` block of a Python script.
type Metadata struct {
	RequiresPython string   `toml:"requires-python"`
	Dependencies   []string `toml:"dependencies"`
}

// Empty reports whether the script declares nothing.
func (m *Metadata) Empty() bool {
	return m.RequiresPython == "" && len(m.Dependencies) == 0
}

// Parse extracts metadata from a Python script's `# /// script` comment
// block.
//
// The block format is:
//
//	# /// script
//	# requires-python = ">=3.11"
//	# dependencies = [
//	#   "requests<3",
//	# ]
//	# ///
//
// Every line inside the block is either "#" or starts with "# ". A script
// without a block yields empty metadata.
func Parse(content []byte) (*Metadata, error) {
	scanner := bufio.NewScanner(bytes.NewReader(content))

	var (
		tomlLines []string
		inBlock   bool
		found     bool
		startLine int
		lineNo    int
	)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), " \t\r")

		if !inBlock {
			if line == openMarker {
				if found {
					return nil, fmt.Errorf("line %d: %w", lineNo, ErrDuplicate)
				}
				inBlock, found, startLine = true, true, lineNo
			}
			continue
		}

		switch {
		case line == closeMarker:
			inBlock = false
		case line == "#":
			tomlLines = append(tomlLines, "")
		case strings.HasPrefix(line, "# "):
			tomlLines = append(tomlLines, strings.TrimPrefix(line, "# "))
		default:
			return nil, fmt.Errorf("line %d: %w", startLine, ErrUnclosed)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if inBlock {
		return nil, fmt.Errorf("line %d: %w", startLine, ErrUnclosed)
	}

	var meta Metadata
	if len(tomlLines) == 0 {
		return &meta, nil
	}
	if _, err := toml.Decode(strings.Join(tomlLines, "\n"), &meta); err != nil {
		return nil, fmt.Errorf("script metadata: %w", err)
	}
	return &meta, nil
}
