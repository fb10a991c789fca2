package archive

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"sb-go/internal/sb"
)

// CopyTree copies the regular files and directories of sourceRoot into
// destDir/<base of sourceRoot>. Unreadable files are logged and skipped.
func (a *TarGzArchiver) CopyTree(sourceRoot, destDir string, skip sb.PathMatcher) error {
	target := filepath.Join(destDir, filepath.Base(sourceRoot))
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", target, err)
	}

	return filepath.WalkDir(sourceRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == sourceRoot {
				return err
			}
			a.logger.Warn("skipping unreadable path", "path", p, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if p == sourceRoot {
			return nil
		}

		rel, err := filepath.Rel(sourceRoot, p)
		if err != nil {
			return fmt.Errorf("calculating relative path: %w", err)
		}
		if a.ignored(rel, skip) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		dst := filepath.Join(target, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(dst, 0755)
		case d.Type().IsRegular():
			if err := copyFile(p, dst); err != nil {
				a.logger.Warn("skipping unreadable file", "path", p, "error", err)
			}
			return nil
		default:
			return nil
		}
	})
}

// copyFile writes src to dst via a temp file and rename, keeping src's
// permission bits.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-copy-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, info.Mode().Perm()); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("renaming to %s: %w", dst, err)
	}

	success = true
	return nil
}
