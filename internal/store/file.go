package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileBackend keeps every snapshot as its own JSON file in one directory.
// Checkpoints live together in prefs.json.
type FileBackend struct {
	dir string
	mu  sync.Mutex // guards prefs.json read-modify-write
}

var _ Backend = (*FileBackend)(nil)

// NewFileBackend returns a backend rooted at dir, creating it if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

// Dir returns the directory holding the snapshot files.
func (f *FileBackend) Dir() string {
	return f.dir
}

func (f *FileBackend) ReadBlob(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// WriteBlob overwrites the file atomically: write to a temp file, then rename.
func (f *FileBackend) WriteBlob(name string, data []byte) error {
	path := filepath.Join(f.dir, name)
	tmp, err := os.CreateTemp(f.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace %s: %w", name, err)
	}
	return nil
}

func (f *FileBackend) DeleteBlob(name string) error {
	err := os.Remove(filepath.Join(f.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (f *FileBackend) GetCheckpoint(key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefs, err := f.readPrefs()
	if err != nil {
		return "", err
	}
	v, ok := prefs[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (f *FileBackend) SetCheckpoint(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefs, err := f.readPrefs()
	if err != nil {
		return err
	}
	prefs[key] = value
	data, err := json.Marshal(prefs)
	if err != nil {
		return err
	}
	return f.WriteBlob(prefsSnapshot, data)
}

func (f *FileBackend) readPrefs() (map[string]string, error) {
	prefs := make(map[string]string)
	data, err := f.ReadBlob(prefsSnapshot)
	if errors.Is(err, ErrNotFound) {
		return prefs, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &prefs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", prefsSnapshot, err)
	}
	return prefs, nil
}
