// Package filestore is the file-backed Store used on development hosts and
// in tests, standing in for the device's NVS. Every mutation rewrites the
// backing file atomically (write-then-rename) so a power cut leaves either
// the old state or the new, never a torn one.
package filestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gecl/otawatch/pkg/store"
	"github.com/pkg/errors"
)

// FileStore implements store.Store over a single JSON file.
type FileStore struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

var _ store.Store = (*FileStore)(nil)

// Open loads (creating if absent) the store at path.
func Open(path string) (*FileStore, error) {
	fs := &FileStore{path: path, values: map[string]string{}}
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return fs, nil
	case err != nil:
		return nil, errors.Wrap(err, "reading store file")
	}
	if err := json.Unmarshal(raw, &fs.values); err != nil {
		return nil, errors.Wrap(err, "parsing store file")
	}
	return fs, nil
}

func (f *FileStore) GetUint32(key string) (uint32, bool, error) {
	f.mu.Lock()
	raw, ok := f.values[key]
	f.mu.Unlock()
	if !ok {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, false, errors.Wrapf(err, "value under %q is not a uint32", key)
	}
	return uint32(v), true, nil
}

func (f *FileStore) SetUint32(key string, value uint32) error {
	return f.set(key, strconv.FormatUint(uint64(value), 10))
}

func (f *FileStore) GetString(key string) (string, bool, error) {
	f.mu.Lock()
	raw, ok := f.values[key]
	f.mu.Unlock()
	return raw, ok, nil
}

func (f *FileStore) SetString(key, value string) error {
	return f.set(key, value)
}

func (f *FileStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; !ok {
		return nil
	}
	delete(f.values, key)
	return f.flushLocked()
}

func (f *FileStore) set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return f.flushLocked()
}

func (f *FileStore) flushLocked() error {
	raw, err := json.Marshal(f.values)
	if err != nil {
		return errors.Wrap(err, "encoding store")
	}
	tmp := f.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "opening store scratch file")
	}
	if _, err := file.Write(raw); err != nil {
		file.Close()
		return errors.Wrap(err, "writing store scratch file")
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return errors.Wrap(err, "syncing store scratch file")
	}
	if err := file.Close(); err != nil {
		return errors.Wrap(err, "closing store scratch file")
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return errors.Wrap(err, "installing store file")
	}
	// Directory sync is best effort; the rename alone is ordered enough on
	// the filesystems devices actually use.
	if dir, err := os.Open(filepath.Dir(f.path)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}
