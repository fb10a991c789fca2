//go:build !unix

package fs

import "sb-go/internal/sb"

// LockFileName is unused on platforms without flock.
const LockFileName = ".sb.lock"

// DirLocker does not lock on this platform; concurrent runs against one
// backup directory are undefined behavior.
type DirLocker struct{}

var _ sb.Locker = DirLocker{}

func (DirLocker) Lock(dir string) (func() error, error) {
	return sb.NopLocker{}.Lock(dir)
}
