//go:build unix

package fsutil

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var ErrLocked = errors.New("fsutil: file is locked")

// LockedFile holds an exclusive advisory lock until Close.
type LockedFile struct {
	f *os.File
}

// LockFile opens (creating if needed) path and takes an exclusive flock.
// With wait=false a held lock returns ErrLocked immediately.
func LockFile(path string, wait bool) (*LockedFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fsutil: open lock %q: %w", path, err)
	}
	how := unix.LOCK_EX
	if !wait {
		how |= unix.LOCK_NB
	}
	for {
		err = unix.Flock(int(f.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("fsutil: flock %q: %w", path, err)
	}
	return &LockedFile{f: f}, nil
}

func (l *LockedFile) Name() string {
	return l.f.Name()
}

func (l *LockedFile) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	return errors.Join(unlockErr, closeErr)
}
