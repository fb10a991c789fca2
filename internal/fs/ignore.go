package fs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sb-go/internal/sb"
)

// DefaultIgnoreFile is the per-source ignore file name.
const DefaultIgnoreFile = ".sbignore"

// ignorePattern is a parsed ignore pattern with its matching strategy.
type ignorePattern struct {
	pattern   string
	matchPath bool // true = match against relative path; false = match against basename only
}

// IgnoreMatcher checks file paths against a set of ignore patterns.
// Patterns without '/' match against the file's basename only.
// Patterns with '/' match against the full relative path from the backup root.
// A nil *IgnoreMatcher matches nothing.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

var _ sb.PathMatcher = (*IgnoreMatcher)(nil)

// NewIgnoreMatcher creates an IgnoreMatcher from raw pattern strings.
// Blank lines and lines starting with '#' are skipped.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	var patterns []ignorePattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		patterns = append(patterns, ignorePattern{
			pattern:   raw,
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &IgnoreMatcher{patterns: patterns}
}

// Match reports whether the given relative path should be ignored.
func (m *IgnoreMatcher) Match(relativePath string) bool {
	if m == nil || len(m.patterns) == 0 {
		return false
	}

	// Normalize to forward slashes for consistent matching.
	normalized := filepath.ToSlash(relativePath)
	basename := filepath.Base(relativePath)

	for _, p := range m.patterns {
		var matched bool
		var err error
		if p.matchPath {
			matched, err = filepath.Match(p.pattern, normalized)
		} else {
			matched, err = filepath.Match(p.pattern, basename)
		}
		if err != nil {
			// Bad pattern: skip it.
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// LoadIgnoreMatcher builds the matcher for one source tree: the configured
// patterns plus those read from ignoreFile at the source root. The ignore
// file itself is never backed up. ignoreFile may be empty.
func LoadIgnoreMatcher(sourceRoot, ignoreFile string, configured []string) (*IgnoreMatcher, error) {
	patterns := append([]string{DefaultIgnoreFile}, configured...)
	if ignoreFile != "" {
		fromFile, err := ParseIgnoreFile(filepath.Join(sourceRoot, ignoreFile))
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, filepath.Base(ignoreFile))
		patterns = append(patterns, fromFile...)
	}
	return NewIgnoreMatcher(patterns), nil
}

// ParseIgnoreFile reads an ignore file and returns the raw pattern strings.
// Returns nil and no error if the file does not exist.
func ParseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return patterns, nil
}
