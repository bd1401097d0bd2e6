//go:build !unix

package fsutil

import (
	"errors"
	"os"
)

var ErrLocked = errors.New("fsutil: file is locked")

// LockedFile is a create-exclusive lock marker on platforms without flock.
type LockedFile struct {
	path string
}

func LockFile(path string, wait bool) (*LockedFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrLocked
		}
		return nil, err
	}
	_ = f.Close()
	return &LockedFile{path: path}, nil
}

func (l *LockedFile) Name() string {
	return l.path
}

func (l *LockedFile) Close() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	return err
}
