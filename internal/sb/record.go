package sb

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// MetadataSuffix completes a metadata file name: {backup_name}_metadata.json.
	MetadataSuffix = "_metadata.json"

	// ArchiveSuffix is the suffix of compressed artifacts.
	ArchiveSuffix = ".tar.gz"

	backupNameTimeFormat = "20060102_150405"
)

// BackupRecord is the metadata persisted next to every backup artifact.
// FileHashes always holds the full tree state at backup time, which is the
// baseline for the next incremental decision.
type BackupRecord struct {
	BackupName        string            `json:"backup_name"`
	SourceDirectory   string            `json:"source_directory"`
	CreatedAt         time.Time         `json:"created_at"`
	Encrypted         bool              `json:"encrypted"`
	Compressed        bool              `json:"compressed"`
	Incremental       bool              `json:"incremental"`
	FileCount         int               `json:"file_count"`
	FileHashes        map[string]string `json:"file_hashes"`
	ArtifactPath      string            `json:"artifact_path"`
	Checksum          string            `json:"checksum"`
	OriginalSizeBytes int64             `json:"original_size_bytes"`
	BackupSizeBytes   int64             `json:"backup_size_bytes"`
	CompressionRatio  float64           `json:"compression_ratio"`
}

// Validate checks the required fields of a decoded record.
func (r *BackupRecord) Validate() error {
	switch {
	case r.BackupName == "":
		return errors.New("backup_name is empty")
	case r.SourceDirectory == "":
		return errors.New("source_directory is empty")
	case r.CreatedAt.IsZero():
		return errors.New("created_at is missing")
	case r.FileHashes == nil:
		return errors.New("file_hashes is missing")
	case r.FileCount != len(r.FileHashes):
		return fmt.Errorf("file_count %d does not match %d file hashes", r.FileCount, len(r.FileHashes))
	case r.ArtifactPath == "":
		return errors.New("artifact_path is empty")
	case !isHexDigest(r.Checksum):
		return fmt.Errorf("checksum %q is not a 64-char hex digest", r.Checksum)
	case r.OriginalSizeBytes < 0 || r.BackupSizeBytes < 0:
		return errors.New("negative size")
	}
	for p, h := range r.FileHashes {
		if !isHexDigest(h) {
			return fmt.Errorf("file hash for %s is not a 64-char hex digest", p)
		}
	}
	return nil
}

func isHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// BackupName builds the time-ordered name of a backup of sourceName taken at t.
func BackupName(sourceName string, t time.Time) string {
	return fmt.Sprintf("backup_%s_%s", sourceName, t.Format(backupNameTimeFormat))
}

// MetadataPath returns the metadata file path for backupName in backupDir.
func MetadataPath(backupDir, backupName string) string {
	return filepath.Join(backupDir, backupName+MetadataSuffix)
}

// CompressionRatio is the space saved in percent; 0 when original is 0.
func CompressionRatio(original, backup int64) float64 {
	if original <= 0 {
		return 0
	}
	return (1 - float64(backup)/float64(original)) * 100
}

// SameFingerprints reports whether two fingerprint sets have the same
// paths with the same hashes.
func SameFingerprints(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for p, h := range a {
		if other, ok := b[p]; !ok || other != h {
			return false
		}
	}
	return true
}

// ReadRecord loads and validates a metadata file. A missing file is
// ErrNotFound; an undecodable or invalid one is ErrInvalidRecord.
func ReadRecord(path string) (*BackupRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: metadata file %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("reading metadata file: %w", err)
	}

	var rec BackupRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, path, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, path, err)
	}
	return &rec, nil
}

// WriteRecord persists rec as {backup_name}_metadata.json in backupDir.
// The file is written to a temp file and renamed so readers never see a
// partial record.
func WriteRecord(backupDir string, rec *BackupRecord) (string, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	data = append(data, '\n')

	destPath := MetadataPath(backupDir, rec.BackupName)
	tmpFile, err := os.CreateTemp(backupDir, ".tmp-metadata-*")
	if err != nil {
		return "", fmt.Errorf("creating temp metadata file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return "", fmt.Errorf("writing metadata: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("closing temp metadata file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return "", fmt.Errorf("renaming metadata file: %w", err)
	}

	success = true
	return destPath, nil
}

// trimArtifactSuffix strips the encryption and archive suffixes from an
// artifact file name, leaving the backup name.
func trimArtifactSuffix(name string, encSuffixes []string) string {
	for _, s := range encSuffixes {
		if strings.HasSuffix(name, s) {
			name = strings.TrimSuffix(name, s)
			break
		}
	}
	return strings.TrimSuffix(name, ArchiveSuffix)
}
