package fs

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/sumdb/dirhash"

	"sb-go/internal/sb"
)

// hashChunkSize is the read buffer used when streaming files through SHA-256.
const hashChunkSize = 64 * 1024

// Hasher is the real filesystem implementation of sb.Hasher.
type Hasher struct {
	ignore *IgnoreMatcher
	logger sb.Logger
}

var _ sb.Hasher = (*Hasher)(nil)

// NewHasher creates a Hasher. ignore may be nil.
func NewHasher(ignore *IgnoreMatcher, logger sb.Logger) *Hasher {
	return &Hasher{ignore: ignore, logger: logger}
}

// HashFile streams the file through SHA-256 and returns the hex digest.
func (h *Hasher) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", sb.ErrUnreadablePath, path, err)
	}
	defer f.Close()

	sum := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(sum, f, buf); err != nil {
		return "", fmt.Errorf("%w: %s: %v", sb.ErrUnreadablePath, path, err)
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// HashTree fingerprints every regular file under root. Symlinks and other
// special files are not followed or listed. Files and subdirectories that
// cannot be read are logged and skipped.
func (h *Hasher) HashTree(root string, skip sb.PathMatcher) (map[string]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", root)
	}

	hashes := make(map[string]string)
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			h.logger.Warn("skipping unreadable path", "path", p, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if p == root {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("calculating relative path: %w", err)
		}
		if h.ignore.Match(rel) || (skip != nil && skip.Match(rel)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		sum, err := h.HashFile(p)
		if err != nil {
			h.logger.Warn("skipping unreadable file", "path", p, "error", err)
			return nil
		}
		hashes[filepath.ToSlash(rel)] = sum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return hashes, nil
}

// HashDir digests a whole directory with dirhash.Hash1 (SHA-256 over the
// sorted per-file SHA-256 summary) and returns it hex encoded.
func (h *Hasher) HashDir(dir string) (string, error) {
	h1, err := dirhash.HashDir(dir, "", dirhash.Hash1)
	if err != nil {
		return "", fmt.Errorf("hashing directory %s: %w", dir, err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(h1, "h1:"))
	if err != nil {
		return "", fmt.Errorf("decoding directory hash: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
