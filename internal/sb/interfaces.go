package sb

import "io"

// Hasher computes content fingerprints.
type Hasher interface {
	// HashFile returns the hex SHA-256 of the file's bytes.
	HashFile(path string) (string, error)

	// HashTree returns relative path (forward slashes) -> content hash for
	// every regular file under root. Unreadable files are skipped, as are
	// paths matched by skip, which may be nil.
	HashTree(root string, skip PathMatcher) (map[string]string, error)

	// HashDir returns a single hex SHA-256 digest over a whole directory,
	// used as the checksum of uncompressed (directory) artifacts.
	HashDir(dir string) (string, error)
}

// Archiver packs and unpacks directory trees.
type Archiver interface {
	// Pack writes a gzip-compressed tar of sourceRoot to outputPath. Entry
	// names are rooted at the base name of sourceRoot. Paths matched by skip
	// are left out; skip may be nil.
	Pack(sourceRoot, outputPath string, skip PathMatcher) error

	// Unpack extracts archivePath into outputDir, creating it if needed.
	// Entries that would land outside outputDir are rejected.
	Unpack(archivePath, outputDir string) error

	// CopyTree copies sourceRoot into destDir/<base name of sourceRoot>,
	// leaving out paths matched by skip.
	CopyTree(sourceRoot, destDir string, skip PathMatcher) error
}

// Encryptor encrypts whole artifacts with a password. Each implementation
// owns a file suffix, which is how restore recognizes its artifacts.
type Encryptor interface {
	// Suffix is appended to the artifact name, e.g. ".enc".
	Suffix() string

	// Encrypt reads plaintext from r and writes the encrypted artifact to w.
	Encrypt(r io.Reader, w io.Writer, password string) error

	// Decrypt reads an encrypted artifact from r and writes plaintext to w.
	Decrypt(r io.Reader, w io.Writer, password string) error
}

// PathMatcher reports whether a relative path is excluded from backups.
type PathMatcher interface {
	Match(relativePath string) bool
}

// Locker takes an exclusive lock on a backup directory.
type Locker interface {
	// Lock returns ErrLocked if another holder has the lock.
	Lock(dir string) (unlock func() error, err error)
}

// NopLocker never blocks. Concurrent writers to one backup directory are
// then undefined behavior.
type NopLocker struct{}

func (NopLocker) Lock(string) (func() error, error) {
	return func() error { return nil }, nil
}
