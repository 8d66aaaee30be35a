package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const fileStoreDir = "agrimart-loyalty"

// DefaultFilePath returns the store file under the user's config directory,
// e.g. ~/.config/agrimart-loyalty/store.json on Linux.
func DefaultFilePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate user config dir: %w", err)
	}
	return filepath.Join(dir, fileStoreDir, "store.json"), nil
}

type fileEntry struct {
	Value       string `json:"value"`
	ExpiresAtMs int64  `json:"expires_at_ms,omitempty"` // 0 = no expiry
}

// File keeps entries in a single JSON document on disk so locks and cached
// credentials outlive the process. Every call re-reads the file; writes go
// through a temp file and a rename, so a crash leaves the previous version.
type File struct {
	mu      sync.Mutex
	path    string
	nowFunc func() time.Time
}

// NewFile creates the parent directory of path and returns a store backed by
// it. The file itself is created on the first write.
func NewFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &File{path: path, nowFunc: time.Now}, nil
}

// WithNow replaces the clock used for expiry. Intended for tests.
func (f *File) WithNow(now func() time.Time) *File {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nowFunc = now
	return f
}

// Path returns the backing file.
func (f *File) Path() string { return f.path }

func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return "", false, err
	}
	e, ok := entries[key]
	if !ok || f.expired(e) {
		return "", false, nil
	}
	return e.Value, true, nil
}

func (f *File) Set(_ context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return err
	}
	e := fileEntry{Value: value}
	if ttl > 0 {
		e.ExpiresAtMs = f.nowFunc().Add(ttl).UnixMilli()
	}
	entries[key] = e
	return f.save(entries)
}

func (f *File) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := entries[key]; !ok {
		return nil
	}
	delete(entries, key)
	return f.save(entries)
}

// Ping checks that the store file can be read.
func (f *File) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.load()
	return err
}

func (f *File) expired(e fileEntry) bool {
	return e.ExpiresAtMs != 0 && f.nowFunc().UnixMilli() >= e.ExpiresAtMs
}

func (f *File) load() (map[string]fileEntry, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]fileEntry), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store file: %w", err)
	}
	entries := make(map[string]fileEntry)
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode store file %s: %w", f.path, err)
	}
	return entries, nil
}

// save drops expired entries and replaces the file atomically.
func (f *File) save(entries map[string]fileEntry) error {
	for k, e := range entries {
		if f.expired(e) {
			delete(entries, k)
		}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write store file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close store file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	return nil
}
