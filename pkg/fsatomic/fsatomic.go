// Package fsatomic writes files the way the proxy and SSH-mux config roots
// require: write-temp-then-rename, with a parent-directory fsync, so an
// external watcher polling the directory never observes a partial write
// (spec.md §5, §9).
package fsatomic

import (
	"os"
	"path/filepath"
)

// WriteFile atomically replaces path with data, using perm for the final
// file mode. It writes to a sibling temp file in the same directory (so the
// rename is same-filesystem) and fsyncs the parent directory afterward.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	return fsyncDir(dir)
}

// RemoveAll removes path (a file or directory tree), tolerating its absence
// — delete is always a tolerate-missing operation in this system.
func RemoveAll(path string) error {
	err := os.RemoveAll(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
