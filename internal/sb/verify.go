package sb

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// VerifyStatus is the outcome of verifying an artifact.
type VerifyStatus string

const (
	// StatusVerified: the artifact matches the recorded checksum.
	StatusVerified VerifyStatus = "verified"
	// StatusMismatched: the artifact differs from the recorded checksum.
	StatusMismatched VerifyStatus = "mismatched"
	// StatusUnverifiable: no metadata record was found; only existence and
	// readability of the artifact were checked.
	StatusUnverifiable VerifyStatus = "unverifiable"
)

// VerifyResult describes a Verify run.
type VerifyResult struct {
	Status       VerifyStatus
	MetadataPath string
	Expected     string
	Actual       string
	SizeBytes    int64
}

// Verify recomputes the checksum of backupFile and compares it with the
// metadata record. When metadataFile is empty the record is located by the
// naming convention; if it does not exist, the result is StatusUnverifiable.
// A mismatch returns StatusMismatched together with ErrChecksumMismatch.
func (e *Engine) Verify(backupFile, metadataFile string) (*VerifyResult, error) {
	info, err := os.Stat(backupFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: backup file %s", ErrNotFound, backupFile)
		}
		return nil, fmt.Errorf("stat backup file: %w", err)
	}

	explicit := metadataFile != ""
	if !explicit {
		metadataFile = e.metadataPathFor(backupFile)
	}

	rec, err := ReadRecord(metadataFile)
	if err != nil {
		if explicit || !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		e.logger.Warn("metadata not found, checking artifact readability only", "backup", backupFile)
		if err := checkReadable(backupFile, info); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnreadablePath, backupFile, err)
		}
		return &VerifyResult{Status: StatusUnverifiable, SizeBytes: info.Size()}, nil
	}

	checksum, size, err := e.measureArtifact(backupFile)
	if err != nil {
		return nil, fmt.Errorf("computing checksum: %w", err)
	}

	result := &VerifyResult{
		MetadataPath: metadataFile,
		Expected:     rec.Checksum,
		Actual:       checksum,
		SizeBytes:    size,
	}
	if checksum != rec.Checksum {
		result.Status = StatusMismatched
		e.logger.Error("checksum mismatch, backup may be corrupted", "backup", backupFile,
			"expected", rec.Checksum, "actual", checksum)
		return result, fmt.Errorf("%w: %s", ErrChecksumMismatch, backupFile)
	}

	result.Status = StatusVerified
	e.logger.Info("backup verified", "backup", backupFile, "checksum", checksum)
	return result, nil
}

// metadataPathFor derives {backup_name}_metadata.json from an artifact path.
func (e *Engine) metadataPathFor(backupFile string) string {
	dir, name := filepath.Split(filepath.Clean(backupFile))
	return MetadataPath(dir, trimArtifactSuffix(name, e.encSuffixes()))
}

func checkReadable(path string, info fs.FileInfo) error {
	if info.IsDir() {
		_, err := os.ReadDir(path)
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(io.Discard, f)
	return err
}
