package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// uniqueTempSuffix is replaced with a random string by os.CreateTemp.
const uniqueTempSuffix = "*"

// TempFile is a file written in place and either committed under its final
// name with Commit or removed by Close.
type TempFile struct {
	f         *os.File
	committed bool
}

// CreateTempFile creates a temp file in dir named prefix + random suffix.
func CreateTempFile(dir, prefix string) (*TempFile, error) {
	if err := CreateDirectory(dir); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(dir, "."+prefix+uniqueTempSuffix)
	if err != nil {
		return nil, fmt.Errorf("fsutil: create temp in %q: %w", dir, err)
	}
	return &TempFile{f: f}, nil
}

func (t *TempFile) Name() string {
	return t.f.Name()
}

func (t *TempFile) Write(p []byte) (int, error) {
	return t.f.Write(p)
}

// Commit syncs and renames the file to name in the same directory.
func (t *TempFile) Commit(name string) (string, error) {
	if err := t.f.Sync(); err != nil {
		return "", err
	}
	if err := t.f.Close(); err != nil {
		return "", err
	}
	final := filepath.Join(filepath.Dir(t.f.Name()), filepath.Base(name))
	if err := os.Rename(t.f.Name(), final); err != nil {
		return "", fmt.Errorf("fsutil: commit %q: %w", final, err)
	}
	t.committed = true
	return final, nil
}

// Close removes the file unless it was committed.
func (t *TempFile) Close() error {
	if t.committed {
		return nil
	}
	_ = t.f.Close()
	if err := os.Remove(t.f.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
