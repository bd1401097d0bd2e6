// Package fsutil holds the scoped filesystem helpers used by capture and
// OS shaping: directory listings, temp files committed by rename, and
// exclusive lock files.
package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotDirectory = errors.New("fsutil: not a directory")
	ErrPathEscapes  = errors.New("fsutil: path escapes root")
	ErrEmptyPath    = errors.New("fsutil: missing path")
)

// FilesInDir returns the regular files directly under dir, sorted.
func FilesInDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("fsutil: open directory %q: %w", dir, err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// LatestFilesInDir returns regular files under dir modified within window of now.
func LatestFilesInDir(dir string, window time.Duration, now time.Time) ([]string, error) {
	files, err := FilesInDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(files))
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("fsutil: stat %q: %w", path, err)
		}
		if now.Sub(info.ModTime()) <= window {
			out = append(out, path)
		}
	}
	return out, nil
}

// IsDirectory reports whether path exists and is a directory.
func IsDirectory(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// CreateDirectory creates path (and parents) if missing.
func CreateDirectory(path string) error {
	if strings.TrimSpace(path) == "" {
		return ErrEmptyPath
	}
	ok, err := IsDirectory(path)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrNotDirectory, path)
	}
	return os.MkdirAll(path, 0o755)
}

// ResolveWithin joins rel onto root and rejects results outside root.
func ResolveWithin(root, rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", ErrEmptyPath
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: absolute path not allowed", ErrPathEscapes)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	p := filepath.Clean(filepath.Join(absRoot, rel))
	if !isWithin(p, absRoot) {
		return "", ErrPathEscapes
	}
	return p, nil
}

func isWithin(path string, root string) bool {
	p := filepath.Clean(path)
	r := filepath.Clean(root)
	if p == r {
		return true
	}
	return strings.HasPrefix(p, r+string(os.PathSeparator))
}
