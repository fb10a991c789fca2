package sb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ReasonNoChanges is reported when an incremental run finds the source tree
// identical to the previous backup.
const ReasonNoChanges = "no_changes"

// CreateOptions controls a single backup run.
type CreateOptions struct {
	// Password enables encryption when non-empty.
	Password string

	// Compress packs the tree into a tar.gz; otherwise the tree is copied.
	Compress bool

	// Incremental skips the run when nothing changed since the previous
	// backup of the same source. It does not reduce what gets archived.
	Incremental bool

	// FullBackupInterval forces a full run when the last full backup of the
	// source is at least this old. Zero disables the check.
	FullBackupInterval time.Duration
}

// Result is the outcome of Create. Record is nil when the run was skipped.
type Result struct {
	Record       *BackupRecord
	MetadataPath string
	Skipped      bool
	Reason       string
}

// Engine composes hashing, archiving and encryption into backup, restore,
// verify and list operations over a backup directory.
type Engine struct {
	hasher     Hasher
	archiver   Archiver
	encryptors []Encryptor
	locker     Locker
	logger     Logger
	clock      Clock
}

// NewEngine creates an Engine. The first encryptor encrypts new backups;
// all of them are consulted by suffix on restore. encryptors may be empty,
// in which case password-protected operations fail with ErrCryptoUnavailable.
func NewEngine(hasher Hasher, archiver Archiver, encryptors []Encryptor, locker Locker, logger Logger, clock Clock) *Engine {
	if locker == nil {
		locker = NopLocker{}
	}
	return &Engine{
		hasher:     hasher,
		archiver:   archiver,
		encryptors: encryptors,
		locker:     locker,
		logger:     logger,
		clock:      clock,
	}
}

// Create backs up sourceDir into backupDir.
//
// Stages: hash tree, decide full/incremental (possibly skip), archive or
// copy, encrypt, checksum, write metadata. Any failure after hashing is
// fatal to the run and leaves no metadata record behind.
func (e *Engine) Create(sourceDir, backupDir string, opts CreateOptions) (*Result, error) {
	absSource, err := filepath.Abs(sourceDir)
	if err != nil {
		return nil, fmt.Errorf("resolving source path: %w", err)
	}
	// Tree walks do not descend into a symlinked root.
	absSource, err = filepath.EvalSymlinks(absSource)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: source directory %s", ErrNotFound, sourceDir)
		}
		return nil, fmt.Errorf("resolving source path: %w", err)
	}
	info, err := os.Stat(absSource)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: source directory %s", ErrNotFound, absSource)
		}
		return nil, fmt.Errorf("stat source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: source is not a directory: %s", ErrNotFound, absSource)
	}

	var enc Encryptor
	if opts.Password != "" {
		if len(e.encryptors) == 0 {
			return nil, fmt.Errorf("%w: a password was given but no encryptor is configured", ErrCryptoUnavailable)
		}
		enc = e.encryptors[0]
	}

	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}
	skip, err := nestedBackupDir(absSource, backupDir)
	if err != nil {
		return nil, err
	}

	unlock, err := e.locker.Lock(backupDir)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e.logger.Info("backup started", "source", absSource, "dest", backupDir,
		"encrypted", enc != nil, "compress", opts.Compress, "incremental", opts.Incremental)

	hashes, err := e.hasher.HashTree(absSource, skip)
	if err != nil {
		return nil, fmt.Errorf("hashing source tree: %w", err)
	}
	e.logger.Debug("source tree hashed", "files", len(hashes))

	incremental, noChanges, err := e.decideMode(absSource, backupDir, hashes, opts)
	if err != nil {
		return nil, err
	}
	if noChanges {
		e.logger.Info("no changes since last backup, skipping", "source", absSource)
		return &Result{Skipped: true, Reason: ReasonNoChanges}, nil
	}

	now := e.clock.Now()
	name := e.freeBackupName(backupDir, filepath.Base(absSource), now)

	artifact, packedSize, err := e.produceArtifact(absSource, backupDir, name, opts.Compress, enc, opts.Password, skip)
	if err != nil {
		return nil, err
	}

	checksum, backupSize, err := e.measureArtifact(artifact)
	if err != nil {
		return nil, fmt.Errorf("computing artifact checksum: %w", err)
	}
	if packedSize == 0 {
		packedSize = backupSize
	}

	originalSize := e.originalSize(absSource, hashes)
	rec := &BackupRecord{
		BackupName:        name,
		SourceDirectory:   absSource,
		CreatedAt:         now,
		Encrypted:         enc != nil,
		Compressed:        opts.Compress,
		Incremental:       incremental,
		FileCount:         len(hashes),
		FileHashes:        hashes,
		ArtifactPath:      artifact,
		Checksum:          checksum,
		OriginalSizeBytes: originalSize,
		BackupSizeBytes:   backupSize,
		CompressionRatio:  CompressionRatio(originalSize, packedSize),
	}

	metaPath, err := WriteRecord(backupDir, rec)
	if err != nil {
		return nil, fmt.Errorf("writing metadata: %w", err)
	}

	e.logger.Info("backup complete", "name", name, "files", rec.FileCount,
		"artifact", artifact, "checksum", checksum)
	return &Result{Record: rec, MetadataPath: metaPath}, nil
}

// decideMode returns whether this run is incremental and whether it should
// be skipped entirely.
func (e *Engine) decideMode(absSource, backupDir string, hashes map[string]string, opts CreateOptions) (incremental bool, skip bool, err error) {
	if !opts.Incremental {
		return false, false, nil
	}

	records, err := e.List(backupDir)
	if err != nil {
		return false, false, fmt.Errorf("loading previous backups: %w", err)
	}

	var previous, lastFull *BackupRecord
	for _, r := range records {
		if r.SourceDirectory != absSource {
			continue
		}
		if previous == nil {
			previous = r
		}
		if !r.Incremental && lastFull == nil {
			lastFull = r
		}
	}

	if previous == nil {
		e.logger.Info("no previous backup found, performing full backup", "source", absSource)
		return false, false, nil
	}

	if opts.FullBackupInterval > 0 {
		if lastFull == nil || e.clock.Now().Sub(lastFull.CreatedAt) >= opts.FullBackupInterval {
			e.logger.Info("full backup interval elapsed, performing full backup", "source", absSource)
			return false, false, nil
		}
	}

	if SameFingerprints(previous.FileHashes, hashes) {
		return false, true, nil
	}
	e.logger.Debug("source changed since previous backup", "previous", previous.BackupName)
	return true, false, nil
}

// produceArtifact writes the backup artifact and returns its path together
// with the size of the tar.gz before encryption. That size is 0 for
// directory copies.
func (e *Engine) produceArtifact(absSource, backupDir, name string, compress bool, enc Encryptor, password string, skip PathMatcher) (string, int64, error) {
	if enc == nil {
		if compress {
			archivePath := filepath.Join(backupDir, name+ArchiveSuffix)
			size, err := e.pack(absSource, archivePath, skip)
			if err != nil {
				return "", 0, err
			}
			return archivePath, size, nil
		}
		copyDir := filepath.Join(backupDir, name)
		if err := e.archiver.CopyTree(absSource, copyDir, skip); err != nil {
			os.RemoveAll(copyDir)
			return "", 0, fmt.Errorf("%w: copying tree: %v", ErrArchive, err)
		}
		return copyDir, 0, nil
	}

	// Encryption needs a single file, so uncompressed runs are still packed
	// into a temporary tarball first.
	intermediate := filepath.Join(backupDir, name+ArchiveSuffix)
	encPath := intermediate + enc.Suffix()
	if !compress {
		intermediate = filepath.Join(backupDir, name+"_temp"+ArchiveSuffix)
		encPath = filepath.Join(backupDir, name+enc.Suffix())
	}

	size, err := e.pack(absSource, intermediate, skip)
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(intermediate)

	if err := encryptFile(enc, intermediate, encPath, password); err != nil {
		return "", 0, fmt.Errorf("encrypting artifact: %w", err)
	}
	return encPath, size, nil
}

// pack writes the tar.gz and returns its size.
func (e *Engine) pack(absSource, archivePath string, skip PathMatcher) (int64, error) {
	if err := e.archiver.Pack(absSource, archivePath, skip); err != nil {
		os.Remove(archivePath)
		return 0, fmt.Errorf("%w: packing %s: %v", ErrArchive, absSource, err)
	}
	info, err := os.Stat(archivePath)
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", ErrArchive, archivePath, err)
	}
	return info.Size(), nil
}

// freeBackupName returns the timestamped name for a new backup. When a
// record or artifact of that name already exists, a counter is appended:
// "_2", "_3" and so on.
func (e *Engine) freeBackupName(backupDir, sourceName string, now time.Time) string {
	base := BackupName(sourceName, now)
	name := base
	for n := 2; e.nameTaken(backupDir, name); n++ {
		name = fmt.Sprintf("%s_%d", base, n)
	}
	return name
}

func (e *Engine) nameTaken(backupDir, name string) bool {
	candidates := []string{
		MetadataPath(backupDir, name),
		filepath.Join(backupDir, name),
		filepath.Join(backupDir, name+ArchiveSuffix),
		filepath.Join(backupDir, name+"_temp"+ArchiveSuffix),
	}
	for _, s := range e.encSuffixes() {
		candidates = append(candidates,
			filepath.Join(backupDir, name+s),
			filepath.Join(backupDir, name+ArchiveSuffix+s))
	}
	for _, c := range candidates {
		if _, err := os.Lstat(c); err == nil {
			return true
		}
	}
	return false
}

// subtree matches one directory, relative to the source root, and
// everything below it.
type subtree string

func (s subtree) Match(relativePath string) bool {
	rel := filepath.ToSlash(relativePath)
	return rel == string(s) || strings.HasPrefix(rel, string(s)+"/")
}

// nestedBackupDir returns a matcher for backupDir when it lies inside the
// source tree, so no backup ever contains its predecessors or the lock file.
// It returns nil when backupDir is elsewhere.
func nestedBackupDir(absSource, backupDir string) (PathMatcher, error) {
	realBackup, err := filepath.Abs(backupDir)
	if err == nil {
		realBackup, err = filepath.EvalSymlinks(realBackup)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving backup directory: %w", err)
	}

	rel, err := filepath.Rel(absSource, realBackup)
	if err != nil {
		// Different volumes.
		return nil, nil
	}
	switch {
	case rel == ".":
		return nil, fmt.Errorf("backup directory %s is the source directory", backupDir)
	case rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)):
		return nil, nil
	}
	return subtree(filepath.ToSlash(rel)), nil
}

// measureArtifact returns the checksum and on-disk size of the artifact.
func (e *Engine) measureArtifact(artifact string) (string, int64, error) {
	info, err := os.Stat(artifact)
	if err != nil {
		return "", 0, err
	}
	if !info.IsDir() {
		sum, err := e.hasher.HashFile(artifact)
		return sum, info.Size(), err
	}

	sum, err := e.hasher.HashDir(artifact)
	if err != nil {
		return "", 0, err
	}
	var size int64
	err = filepath.WalkDir(artifact, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			size += fi.Size()
		}
		return nil
	})
	return sum, size, err
}

// originalSize sums the sizes of the fingerprinted files. Files that vanished
// since hashing are left out.
func (e *Engine) originalSize(absSource string, hashes map[string]string) int64 {
	var total int64
	for rel := range hashes {
		info, err := os.Stat(filepath.Join(absSource, filepath.FromSlash(rel)))
		if err != nil {
			e.logger.Warn("cannot stat file for size", "path", rel, "error", err)
			continue
		}
		total += info.Size()
	}
	return total
}

// encryptFile encrypts src into dst, removing dst on failure.
func encryptFile(enc Encryptor, src, dst, password string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("closing %s: %w", dst, cerr)
		}
		if err != nil {
			os.Remove(dst)
		}
	}()

	return enc.Encrypt(in, out, password)
}
