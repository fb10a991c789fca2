// Package archive packs directory trees into gzip-compressed tarballs and
// copies them for uncompressed backups.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"sb-go/internal/sb"
)

// TarGzArchiver implements sb.Archiver with archive/tar and compress/gzip.
type TarGzArchiver struct {
	ignore sb.PathMatcher
	logger sb.Logger
}

var _ sb.Archiver = (*TarGzArchiver)(nil)

// NewTarGzArchiver creates a TarGzArchiver. ignore may be nil; matching paths
// are left out of archives and copies.
func NewTarGzArchiver(ignore sb.PathMatcher, logger sb.Logger) *TarGzArchiver {
	return &TarGzArchiver{ignore: ignore, logger: logger}
}

// Pack writes sourceRoot to outputPath as a tar.gz. Entries are named
// "<base>/<relative path>" so extraction recreates the source folder.
// Unreadable files are logged and left out; symlinks and special files are
// not archived.
func (a *TarGzArchiver) Pack(sourceRoot, outputPath string, skip sb.PathMatcher) (err error) {
	out, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("closing archive: %w", cerr)
		}
	}()

	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	base := filepath.Base(sourceRoot)
	err = filepath.WalkDir(sourceRoot, func(p string, d fs.DirEntry, err error) error {
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

		rel, err := filepath.Rel(sourceRoot, p)
		if err != nil {
			return fmt.Errorf("calculating relative path: %w", err)
		}
		if p != sourceRoot && a.ignored(rel, skip) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		name := base
		if p != sourceRoot {
			name = path.Join(base, filepath.ToSlash(rel))
		}

		switch {
		case d.IsDir():
			return a.writeDir(tw, p, name)
		case d.Type().IsRegular():
			return a.writeFile(tw, p, name)
		default:
			a.logger.Debug("skipping non-regular file", "path", p)
			return nil
		}
	})
	if err != nil {
		tw.Close()
		gw.Close()
		return fmt.Errorf("walking %s: %w", sourceRoot, err)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalizing tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("finalizing gzip: %w", err)
	}
	return nil
}

func (a *TarGzArchiver) writeDir(tw *tar.Writer, p, name string) error {
	info, err := os.Stat(p)
	if err != nil {
		a.logger.Warn("skipping unreadable directory", "path", p, "error", err)
		return filepath.SkipDir
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("building header for %s: %w", p, err)
	}
	hdr.Name = name + "/"
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing header for %s: %w", p, err)
	}
	return nil
}

// writeFile opens the file before writing its header so an unreadable file
// never leaves a dangling entry behind.
func (a *TarGzArchiver) writeFile(tw *tar.Writer, p, name string) error {
	f, err := os.Open(p)
	if err != nil {
		a.logger.Warn("skipping unreadable file", "path", p, "error", err)
		return nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		a.logger.Warn("skipping unreadable file", "path", p, "error", err)
		return nil
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("building header for %s: %w", p, err)
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing header for %s: %w", p, err)
	}

	// Copy exactly the size announced in the header even if the file grows.
	if _, err := io.CopyN(tw, f, hdr.Size); err != nil {
		return fmt.Errorf("archiving %s: %w", p, err)
	}
	return nil
}

// Unpack extracts archivePath into outputDir. Absolute entry names and names
// escaping outputDir are rejected before anything is written for them.
func (a *TarGzArchiver) Unpack(archivePath, outputDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("reading gzip header: %w", err)
	}
	defer gr.Close()

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}

		target, err := safeJoin(outputDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("creating directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := extractFile(tr, target, hdr); err != nil {
				return err
			}
		default:
			a.logger.Warn("skipping unsupported tar entry", "name", hdr.Name, "type", string(hdr.Typeflag))
		}
	}

	// Drain the gzip stream so its trailing CRC is checked.
	if _, err := io.Copy(io.Discard, gr); err != nil {
		return fmt.Errorf("reading gzip trailer: %w", err)
	}
	return nil
}

// safeJoin resolves an archive entry name under dir.
func safeJoin(dir, name string) (string, error) {
	if name == "" || path.IsAbs(name) || filepath.IsAbs(name) || strings.HasPrefix(name, `\`) {
		return "", fmt.Errorf("unsafe entry path %q", name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("unsafe entry path %q", name)
	}
	target := filepath.Join(dir, filepath.FromSlash(clean))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("unsafe entry path %q", name)
	}
	return target, nil
}

func extractFile(r io.Reader, target string, hdr *tar.Header) (err error) {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", target, err)
	}
	mode := hdr.FileInfo().Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("creating %s: %w", target, err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("closing %s: %w", target, cerr)
		}
	}()

	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("extracting %s: %w", target, err)
	}
	return nil
}

func (a *TarGzArchiver) ignored(rel string, skip sb.PathMatcher) bool {
	if skip != nil && skip.Match(rel) {
		return true
	}
	return a.ignore != nil && a.ignore.Match(rel)
}
