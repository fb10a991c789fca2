package sb

import "errors"

// Error classes returned by the engine. Callers match them with errors.Is;
// the wrapped message carries the path or detail.
var (
	// ErrNotFound: source directory, backup file or metadata file does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnreadablePath: a file could not be read while hashing or archiving.
	// Tree walks recover from it locally by skipping the file.
	ErrUnreadablePath = errors.New("unreadable path")

	// ErrCryptoUnavailable: no encryptor is available for the requested operation.
	ErrCryptoUnavailable = errors.New("encryption unavailable")

	// ErrDecryption: wrong password or corrupted ciphertext. The two cannot be
	// told apart because the artifact carries no authentication tag.
	ErrDecryption = errors.New("decryption failed (likely wrong password or corrupted file)")

	// ErrMissingPassword: the artifact is encrypted and no password was given.
	ErrMissingPassword = errors.New("backup is encrypted and no password was given")

	// ErrChecksumMismatch: the artifact bytes no longer match the recorded checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrArchive: packing, copying or unpacking the tree failed.
	ErrArchive = errors.New("archive error")

	// ErrInvalidRecord: a metadata record exists but cannot be decoded or validated.
	ErrInvalidRecord = errors.New("invalid backup record")

	// ErrLocked: another run holds the backup directory lock.
	ErrLocked = errors.New("backup directory is locked by another run")
)
