//go:build unix

package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"sb-go/internal/sb"
)

// LockFileName is created inside the backup directory and held with flock
// for the duration of a backup run.
const LockFileName = ".sb.lock"

// DirLocker implements sb.Locker with an advisory flock on a lock file.
type DirLocker struct{}

var _ sb.Locker = DirLocker{}

// Lock takes a non-blocking exclusive lock on dir.
func (DirLocker) Lock(dir string) (func() error, error) {
	path := filepath.Join(dir, LockFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", sb.ErrLocked, dir)
		}
		return nil, fmt.Errorf("locking %s: %w", dir, err)
	}

	return func() error {
		unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
		if err := f.Close(); err != nil && unlockErr == nil {
			unlockErr = err
		}
		return unlockErr
	}, nil
}
