package store

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const tempPrefix = ".tmp-"

// writeFileAtomic replaces path with data. The bytes go to a temporary file
// in the same directory first, so a failed write leaves the previous file
// in place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp := filepath.Join(dir, tempPrefix+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// readFileIfExists returns (nil, false, nil) when path does not exist.
func readFileIfExists(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// readStoreFile reads rel under the store base. A missing file is a
// KindNotFound error, other failures KindIO.
func (s *Store) readStoreFile(op, rel string) ([]byte, error) {
	data, ok, err := readFileIfExists(s.abs(rel))
	if err != nil {
		return nil, ioError(op, rel, err)
	}
	if !ok {
		return nil, notFoundError(op, rel)
	}
	return data, nil
}

// fileExists reports whether path names a regular file. It never reads the
// file's contents.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// sameContents reports whether path already holds exactly data.
func sameContents(path string, data []byte) bool {
	info, err := os.Stat(path)
	if err != nil || info.Size() != int64(len(data)) {
		return false
	}
	existing, err := os.ReadFile(path)
	return err == nil && bytes.Equal(existing, data)
}
