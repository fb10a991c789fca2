package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"sb-go/internal/archive"
	"sb-go/internal/config"
	"sb-go/internal/encryption"
	"sb-go/internal/fs"
	"sb-go/internal/history"
	"sb-go/internal/sb"
)

// Operation kinds recorded in the history store.
const (
	KindBackup  = "backup"
	KindRestore = "restore"
	KindVerify  = "verify"
	KindList    = "list"
)

// SBApp is the application layer between the CLI and the backup engine.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw string paths, records each operation in the history store
// and closes resources on Close.
type SBApp struct {
	cfg        *config.Config
	history    sb.History
	encryptors []sb.Encryptor
	locker     sb.Locker
	logger     sb.Logger
	clock      sb.Clock
	runID      string
	logFile    *os.File
}

// Options tunes how NewSBApp wires the application.
type Options struct {
	// StderrLevel is the minimum level echoed to stderr. The log file
	// always receives every level.
	StderrLevel slog.Level

	// Clock and IDs default to the real clock and random UUIDs.
	Clock sb.Clock
	IDs   sb.IDGenerator
}

// NewSBApp creates a fully wired SBApp from the given config.
// The caller must call Close when done.
func NewSBApp(cfg *config.Config, opts Options) (*SBApp, error) {
	encryptors, err := encryption.NewEncryptorsFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptors: %w", err)
	}

	h, err := history.NewHistoryFromConfig(cfg.History)
	if err != nil {
		return nil, fmt.Errorf("creating history store: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = sb.RealClock{}
	}
	ids := opts.IDs
	if ids == nil {
		ids = sb.UUIDGenerator{}
	}

	runID := ids.New()
	logger, logFile, err := newLogger(cfg.LogDir, runID, opts.StderrLevel)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	return &SBApp{
		cfg:        cfg,
		history:    h,
		encryptors: encryptors,
		locker:     fs.DirLocker{},
		logger:     &slogAdapter{l: logger},
		clock:      clock,
		runID:      runID,
		logFile:    logFile,
	}, nil
}

// RunID identifies this invocation in logs and history.
func (a *SBApp) RunID() string {
	return a.runID
}

// DefaultCreateOptions returns the [backup] config as engine options.
func (a *SBApp) DefaultCreateOptions(password string) sb.CreateOptions {
	return sb.CreateOptions{
		Password:           password,
		Compress:           a.cfg.Backup.Compress,
		Incremental:        a.cfg.Backup.Incremental,
		FullBackupInterval: a.cfg.Backup.FullBackupInterval(),
	}
}

// Backup backs up rawSource into rawDest, or into the configured backup_dir
// when rawDest is empty.
func (a *SBApp) Backup(rawSource, rawDest string, opts sb.CreateOptions) (*sb.Result, error) {
	source, err := filepath.Abs(rawSource)
	if err != nil {
		return nil, fmt.Errorf("resolving source path: %w", err)
	}
	dest, err := a.backupDir(rawDest)
	if err != nil {
		return nil, err
	}

	op := a.begin(KindBackup, source)

	ignore, err := a.ignoreMatcher(source)
	if err != nil {
		a.finish(op, err, false, "")
		return nil, err
	}

	res, err := a.engine(ignore).Create(source, dest, opts)
	switch {
	case err != nil:
		a.finish(op, err, false, "")
	case res.Skipped:
		a.finish(op, nil, true, res.Reason)
	default:
		a.finish(op, nil, false, res.Record.BackupName)
	}
	return res, err
}

// Restore extracts rawBackup into rawOutput.
func (a *SBApp) Restore(rawBackup, rawOutput, password string) error {
	backup, err := filepath.Abs(rawBackup)
	if err != nil {
		return fmt.Errorf("resolving backup path: %w", err)
	}
	output, err := filepath.Abs(rawOutput)
	if err != nil {
		return fmt.Errorf("resolving output path: %w", err)
	}

	op := a.begin(KindRestore, backup)
	err = a.engine(nil).Restore(backup, output, password)
	a.finish(op, err, false, output)
	return err
}

// Verify checks rawBackup against its metadata record. rawMetadata may be
// empty to locate the record by naming convention.
func (a *SBApp) Verify(rawBackup, rawMetadata string) (*sb.VerifyResult, error) {
	backup, err := filepath.Abs(rawBackup)
	if err != nil {
		return nil, fmt.Errorf("resolving backup path: %w", err)
	}
	var metadata string
	if rawMetadata != "" {
		if metadata, err = filepath.Abs(rawMetadata); err != nil {
			return nil, fmt.Errorf("resolving metadata path: %w", err)
		}
	}

	op := a.begin(KindVerify, backup)
	res, err := a.engine(nil).Verify(backup, metadata)
	detail := ""
	if res != nil {
		detail = string(res.Status)
	}
	a.finish(op, err, false, detail)
	return res, err
}

// List returns the records in rawDir, or in the configured backup_dir when
// rawDir is empty.
func (a *SBApp) List(rawDir string) ([]*sb.BackupRecord, error) {
	dir, err := a.backupDir(rawDir)
	if err != nil {
		return nil, err
	}

	op := a.begin(KindList, dir)
	records, err := a.engine(nil).List(dir)
	a.finish(op, err, false, fmt.Sprintf("%d backups", len(records)))
	return records, err
}

// History returns the most recent recorded operations.
func (a *SBApp) History(limit int) ([]sb.Operation, error) {
	return a.history.Recent(limit)
}

// Close closes the history store and the log file.
func (a *SBApp) Close() error {
	var firstErr error
	if err := a.history.Close(); err != nil {
		firstErr = fmt.Errorf("closing history store: %w", err)
	}
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing log file: %w", err)
		}
	}
	return firstErr
}

func (a *SBApp) engine(ignore *fs.IgnoreMatcher) *sb.Engine {
	return sb.NewEngine(
		fs.NewHasher(ignore, a.logger),
		archive.NewTarGzArchiver(ignore, a.logger),
		a.encryptors,
		a.locker,
		a.logger,
		a.clock,
	)
}

// ignoreMatcher combines the configured patterns with the source's ignore file.
func (a *SBApp) ignoreMatcher(source string) (*fs.IgnoreMatcher, error) {
	m, err := fs.LoadIgnoreMatcher(source, a.cfg.Filesystem.IgnoreFile, a.cfg.Filesystem.Ignore)
	if err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return m, nil
}

func (a *SBApp) backupDir(raw string) (string, error) {
	if raw == "" {
		raw = a.cfg.BackupDir
	}
	if raw == "" {
		return "", fmt.Errorf("no backup directory given and backup_dir is not configured")
	}
	dir, err := filepath.Abs(raw)
	if err != nil {
		return "", fmt.Errorf("resolving backup directory: %w", err)
	}
	return dir, nil
}

// begin records a running operation. History failures are logged and never
// fail the operation itself.
func (a *SBApp) begin(kind, target string) *Operation {
	op := NewOperation(kind, target)
	id, err := a.history.Start(a.runID, kind, target, a.clock.Now())
	if err != nil {
		a.logger.Warn("recording operation failed", "operation", kind, "error", err)
		return op
	}
	op.ID = id
	return op
}

func (a *SBApp) finish(op *Operation, err error, skipped bool, detail string) {
	op.Complete(err, skipped, detail)
	if !op.Persisted() {
		return
	}
	if herr := a.history.Finish(op.ID, op.Status, op.Detail, a.clock.Now()); herr != nil {
		a.logger.Warn("recording operation result failed", "operation", op.Kind, "error", herr)
	}
}
