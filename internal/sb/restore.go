package sb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// knownEncryptedSuffixes are recognized as encrypted even when no matching
// encryptor is configured, so restore fails loudly instead of trying to
// unpack ciphertext.
var knownEncryptedSuffixes = []string{".enc", ".age"}

// Restore extracts backupFile into outputDir. Encrypted artifacts are
// detected by suffix, decrypted to a temporary file and then unpacked; the
// temporary file is removed on every path. Directory artifacts are copied.
func (e *Engine) Restore(backupFile, outputDir, password string) error {
	info, err := os.Stat(backupFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: backup file %s", ErrNotFound, backupFile)
		}
		return fmt.Errorf("stat backup file: %w", err)
	}

	e.logger.Info("restore started", "backup", backupFile, "output", outputDir)

	if info.IsDir() {
		if err := e.restoreCopy(backupFile, outputDir); err != nil {
			return err
		}
		e.logger.Info("restore complete", "output", outputDir)
		return nil
	}

	enc, encrypted, err := e.encryptorFor(backupFile)
	if err != nil {
		return err
	}

	if !encrypted {
		if err := e.archiver.Unpack(backupFile, outputDir); err != nil {
			return fmt.Errorf("%w: unpacking %s: %v", ErrArchive, backupFile, err)
		}
		e.logger.Info("restore complete", "output", outputDir)
		return nil
	}

	if password == "" {
		return fmt.Errorf("%w: %s", ErrMissingPassword, backupFile)
	}

	tmpPath, err := decryptToTemp(enc, backupFile, password)
	if tmpPath != "" {
		defer os.Remove(tmpPath)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	// A wrong password usually survives the cipher layer and only shows up
	// here as a broken gzip/tar stream.
	if err := e.archiver.Unpack(tmpPath, outputDir); err != nil {
		return fmt.Errorf("%w: unpacking decrypted archive: %v", ErrDecryption, err)
	}

	e.logger.Info("restore complete", "output", outputDir)
	return nil
}

// encryptorFor picks the encryptor owning backupFile's suffix.
func (e *Engine) encryptorFor(backupFile string) (Encryptor, bool, error) {
	name := filepath.Base(backupFile)
	for _, enc := range e.encryptors {
		if strings.HasSuffix(name, enc.Suffix()) {
			return enc, true, nil
		}
	}
	for _, s := range knownEncryptedSuffixes {
		if strings.HasSuffix(name, s) {
			return nil, true, fmt.Errorf("%w: no decryptor for %s artifacts", ErrCryptoUnavailable, s)
		}
	}
	return nil, false, nil
}

// encSuffixes lists every suffix that marks an encrypted artifact.
func (e *Engine) encSuffixes() []string {
	suffixes := make([]string, 0, len(e.encryptors)+len(knownEncryptedSuffixes))
	for _, enc := range e.encryptors {
		suffixes = append(suffixes, enc.Suffix())
	}
	return append(suffixes, knownEncryptedSuffixes...)
}

// decryptToTemp decrypts src into a new temp file and returns its path. The
// path is returned even on failure so the caller can remove it.
func decryptToTemp(enc Encryptor, src, password string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp("", "sb-restore-*"+ArchiveSuffix)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if err := enc.Decrypt(in, tmp, password); err != nil {
		tmp.Close()
		return tmpPath, err
	}
	if err := tmp.Close(); err != nil {
		return tmpPath, fmt.Errorf("closing temp file: %w", err)
	}
	return tmpPath, nil
}

// restoreCopy restores an uncompressed backup, which holds one folder named
// after the source directory.
func (e *Engine) restoreCopy(backupDir, outputDir string) error {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrArchive, backupDir, err)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := e.archiver.CopyTree(filepath.Join(backupDir, entry.Name()), outputDir, nil); err != nil {
			return fmt.Errorf("%w: copying %s: %v", ErrArchive, entry.Name(), err)
		}
	}
	return nil
}
