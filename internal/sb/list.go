package sb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// List returns every readable backup record in backupDir, newest first.
// Malformed or unreadable records are logged and skipped.
func (e *Engine) List(backupDir string) ([]*BackupRecord, error) {
	if _, err := os.Stat(backupDir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: backup directory %s", ErrNotFound, backupDir)
		}
		return nil, fmt.Errorf("stat backup directory: %w", err)
	}

	paths, err := filepath.Glob(filepath.Join(backupDir, "*"+MetadataSuffix))
	if err != nil {
		return nil, fmt.Errorf("listing metadata files: %w", err)
	}

	records := make([]*BackupRecord, 0, len(paths))
	for _, p := range paths {
		rec, err := ReadRecord(p)
		if err != nil {
			e.logger.Warn("skipping unreadable metadata", "path", p, "error", err)
			continue
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		}
		return records[i].BackupName > records[j].BackupName
	})
	return records, nil
}
